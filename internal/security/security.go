// Package security implements the tool policy engine: disabled check,
// denylist, network policy and confirmation requirements, plus a JSONL
// audit trail of every decision.
package security

import (
	"context"
	"time"

	"github.com/jkaninda/toolgate/internal/domain"
)

// Decision reasons. Denylist reasons carry the matched pattern.
const (
	ReasonDisabled      = "disabled"
	ReasonNetworkDenied = "network access denied"
	ReasonDenylist      = "denylist pattern: "
	ReasonAllowlisted   = "allowlisted"
	ReasonDestructive   = "destructive command requires confirmation"
	ReasonConfirmation  = "confirmation required by policy"
	ReasonAutoApproved  = "auto-approved"
)

// AuditEvent is one line of the decision audit trail.
type AuditEvent struct {
	Timestamp         time.Time       `json:"timestamp"`
	RunID             string          `json:"run_id,omitempty"`
	ToolRunID         string          `json:"tool_run_id,omitempty"`
	Command           string          `json:"command"`
	Category          domain.Category `json:"category"`
	Allowed           bool            `json:"allowed"`
	NeedsConfirmation bool            `json:"needs_confirmation"`
	Reason            string          `json:"reason,omitempty"`
}

// Auditor records policy decisions. Implementations must be safe for
// concurrent use.
type Auditor interface {
	LogDecision(ctx context.Context, event AuditEvent) error
}
