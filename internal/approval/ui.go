package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// TerminalUI prompts on a writer and reads the answer from a reader.
// Only "y" and "yes" (case-insensitive) approve when defaultNo is set; an
// empty answer takes the default.
type TerminalUI struct {
	mu    sync.Mutex
	once  sync.Once
	in    io.Reader
	out   io.Writer
	lines chan answer
}

type answer struct {
	text string
	err  error
}

// NewTerminalUI creates a prompt reading from in and writing to out.
func NewTerminalUI(in io.Reader, out io.Writer) *TerminalUI {
	return &TerminalUI{in: in, out: out, lines: make(chan answer)}
}

// readLines feeds lines from the input to the prompt. A single reader
// goroutine survives cancelled prompts so answers are never read twice.
func (t *TerminalUI) readLines() {
	sc := bufio.NewScanner(t.in)
	for sc.Scan() {
		t.lines <- answer{text: sc.Text()}
	}
	err := sc.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	for {
		t.lines <- answer{err: err}
	}
}

// Confirm prints the prompt and blocks until a line is read or ctx is done.
func (t *TerminalUI) Confirm(ctx context.Context, message, details string, defaultNo bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "\n%s\n", message)
	for _, line := range strings.Split(strings.TrimRight(details, "\n"), "\n") {
		if line != "" {
			fmt.Fprintf(t.out, "  %s\n", line)
		}
	}
	if defaultNo {
		fmt.Fprint(t.out, "Approve? [y/N]: ")
	} else {
		fmt.Fprint(t.out, "Approve? [Y/n]: ")
	}

	t.once.Do(func() { go t.readLines() })

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-t.lines:
		if a.err != nil {
			return false, fmt.Errorf("reading answer: %w", a.err)
		}
		switch strings.TrimSpace(strings.ToLower(a.text)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		case "":
			return !defaultNo, nil
		default:
			return false, nil
		}
	}
}

// ReadLine prints prompt and returns the next input line. It shares the
// reader with Confirm, so a shell and its confirmations can use one
// terminal. io.ErrUnexpectedEOF is returned once the input is exhausted.
func (t *TerminalUI) ReadLine(ctx context.Context, prompt string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprint(t.out, prompt)
	t.once.Do(func() { go t.readLines() })

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case a := <-t.lines:
		return a.text, a.err
	}
}

// StaticUI answers every confirmation with the same value. It backs the
// auto-approve shim and the non-interactive denier.
type StaticUI struct {
	Approve bool
}

// AutoApproveUI approves everything.
func AutoApproveUI() StaticUI { return StaticUI{Approve: true} }

// DenyUI denies everything.
func DenyUI() StaticUI { return StaticUI{Approve: false} }

func (s StaticUI) Confirm(context.Context, string, string, bool) (bool, error) {
	return s.Approve, nil
}
