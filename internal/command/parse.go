// Package command tokenizes raw command strings and classifies them into
// risk/intent categories. Nothing in this package performs I/O.
package command

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/jkaninda/toolgate/internal/domain"
)

var (
	errUnterminatedQuote = errors.New("unterminated quote")
	errTrailingEscape    = errors.New("unfinished escape sequence")
)

const doubleQuoteEscapable = "\"\\$`\n"

// Parse splits raw into a binary and its arguments, honoring single quotes,
// double quotes and backslash escapes with POSIX rules: inside double quotes
// a backslash is kept unless it precedes one of " \ $ ` or a newline.
// Pipes, redirects, command chaining and subshells outside quotes are flagged
// on the result and kept as separate tokens; they are not interpreted.
func Parse(raw string) (domain.ParsedCommand, error) {
	var (
		tokens             []string
		current            strings.Builder
		inSingle, inDouble bool
		escape             bool
		quoted             bool
		out                domain.ParsedCommand
	)

	flush := func() {
		if current.Len() == 0 && !quoted {
			return
		}
		tokens = append(tokens, current.String())
		current.Reset()
		quoted = false
	}

	runes := []rune(raw)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case escape:
			// Backslash-newline is a line continuation.
			if r != '\n' {
				current.WriteRune(r)
			}
			escape = false
		case r == '\\' && inDouble:
			// Only " \ $ ` and newline are escapable inside double quotes.
			if i+1 < len(runes) && strings.ContainsRune(doubleQuoteEscapable, runes[i+1]) {
				escape = true
			} else {
				current.WriteRune(r)
			}
		case r == '\\' && !inSingle:
			escape = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			quoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			quoted = true
		case inSingle:
			current.WriteRune(r)
		case r == '`' || (r == '$' && i+1 < len(runes) && runes[i+1] == '('):
			// Substitution is live inside double quotes too.
			out.HasSubshell = true
			current.WriteRune(r)
		case inDouble:
			current.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		case r == '|' || r == '&' || r == ';' || r == '<' || r == '>':
			flush()
			op := []rune{r}
			for i+1 < len(runes) && runes[i+1] == r {
				op = append(op, r)
				i++
			}
			if n := len(tokens); r == '&' && n > 0 && (tokens[n-1] == ">" || tokens[n-1] == ">>") {
				// 2>&1 style fd duplication.
				out.HasRedirect = true
			} else {
				markOperator(&out, string(op))
			}
			tokens = append(tokens, string(op))
		case r == '(' || r == ')':
			out.HasSubshell = true
			current.WriteRune(r)
		default:
			current.WriteRune(r)
		}
	}

	if escape {
		return domain.ParsedCommand{}, fmt.Errorf("parsing command: %w", errTrailingEscape)
	}
	if inSingle || inDouble {
		return domain.ParsedCommand{}, fmt.Errorf("parsing command: %w", errUnterminatedQuote)
	}
	flush()

	if len(tokens) == 0 {
		return domain.ParsedCommand{}, domain.ErrEmptyCommand
	}

	out.Binary = tokens[0]
	out.Args = tokens[1:]
	if out.Args == nil {
		out.Args = []string{}
	}
	return out, nil
}

func markOperator(p *domain.ParsedCommand, op string) {
	switch op {
	case "|":
		p.HasPipe = true
	case "<", ">", ">>", "<<":
		p.HasRedirect = true
	default:
		// ||, &&, &, ;
		p.HasChain = true
	}
}
