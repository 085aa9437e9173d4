package security

import (
	"regexp"
	"strings"
	"sync"

	"github.com/jkaninda/toolgate/internal/command"
	"github.com/jkaninda/toolgate/internal/domain"
)

// Evaluate decides whether req may run under policy. It performs no I/O and
// does not consult the user.
//
// Evaluation order:
//  1. disabled policy denies everything
//  2. a denylist match denies; neither autoApprove nor the allowlist bypass it
//  3. network/install commands are denied when the network policy is deny,
//     unless allowlisted
//  4. otherwise allowed; confirmation starts from requireConfirmation, is
//     cleared by the allowlist, forced for non-allowlisted destructive
//     commands and finally cleared by autoApprove
func Evaluate(req domain.ToolRunRequest, policy domain.ToolPolicy) domain.PolicyDecision {
	return defaultMatcher.evaluate(req, policy)
}

// Classification returns the request's pre-computed classification or
// derives one from its command.
func Classification(req domain.ToolRunRequest) domain.Classification {
	if req.Classification != nil {
		return *req.Classification
	}
	return command.ClassifyString(req.Command)
}

// IsAllowlisted reports whether cmd starts with any non-empty allowlist prefix.
func IsAllowlisted(cmd string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(cmd, p) {
			return true
		}
	}
	return false
}

// matcher caches compiled denylist patterns. A nil regexp in the cache marks
// a pattern that failed to compile and is matched as a substring.
type matcher struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

var defaultMatcher = newMatcher()

func newMatcher() *matcher {
	return &matcher{compiled: make(map[string]*regexp.Regexp)}
}

func (m *matcher) evaluate(req domain.ToolRunRequest, policy domain.ToolPolicy) domain.PolicyDecision {
	if !policy.Enabled {
		return domain.PolicyDecision{IsAllowed: false, Reason: ReasonDisabled}
	}

	raw := req.Command
	if pattern, ok := m.denylisted(raw, policy.DenylistPatterns); ok {
		return domain.PolicyDecision{IsAllowed: false, Reason: ReasonDenylist + pattern}
	}

	allowlisted := IsAllowlisted(raw, policy.AllowlistPrefixes)
	category := Classification(req).Category

	if policy.NetworkPolicy == domain.NetworkDeny && !allowlisted &&
		(category == domain.CategoryNetwork || category == domain.CategoryInstall) {
		return domain.PolicyDecision{IsAllowed: false, Reason: ReasonNetworkDenied}
	}

	decision := domain.PolicyDecision{IsAllowed: true, NeedsConfirmation: policy.RequireConfirmation}
	if decision.NeedsConfirmation {
		decision.Reason = ReasonConfirmation
	}
	if allowlisted {
		decision.NeedsConfirmation = false
		decision.Reason = ReasonAllowlisted
	}
	if category == domain.CategoryDestructive && !allowlisted {
		decision.NeedsConfirmation = true
		decision.Reason = ReasonDestructive
	}
	if policy.AutoApprove {
		decision.NeedsConfirmation = false
		decision.Reason = ReasonAutoApproved
	}
	return decision
}

// denylisted returns the first pattern that matches raw on a token boundary.
func (m *matcher) denylisted(raw string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if re := m.regexp(p); re != nil {
			if regexpMatchOnBoundary(re, raw) {
				return p, true
			}
			continue
		}
		if substringOnBoundary(raw, p) {
			return p, true
		}
	}
	return "", false
}

func (m *matcher) regexp(pattern string) *regexp.Regexp {
	m.mu.RLock()
	re, ok := m.compiled[pattern]
	m.mu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	m.mu.Lock()
	m.compiled[pattern] = re
	m.mu.Unlock()
	return re
}

func regexpMatchOnBoundary(re *regexp.Regexp, s string) bool {
	for _, loc := range re.FindAllStringIndex(s, -1) {
		if onBoundary(s, loc[0], loc[1]) {
			return true
		}
	}
	return false
}

func substringOnBoundary(s, sub string) bool {
	for offset := 0; offset <= len(s)-len(sub); {
		i := strings.Index(s[offset:], sub)
		if i < 0 {
			return false
		}
		start := offset + i
		if onBoundary(s, start, start+len(sub)) {
			return true
		}
		offset = start + 1
	}
	return false
}

// onBoundary reports whether s[start:end] is a non-empty match that does not
// cut through a word on either side. Edges made of non-word characters
// (such as "/" or "-") need no boundary.
func onBoundary(s string, start, end int) bool {
	if end <= start {
		return false
	}
	if start > 0 && isWordByte(s[start-1]) && isWordByte(s[start]) {
		return false
	}
	if end < len(s) && isWordByte(s[end]) && isWordByte(s[end-1]) {
		return false
	}
	return true
}

func isWordByte(b byte) bool {
	return b == '_' ||
		('a' <= b && b <= 'z') ||
		('A' <= b && b <= 'Z') ||
		('0' <= b && b <= '9')
}
