package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Each typed error below unwraps to one of these so callers
// can use either errors.Is or errors.As.
var (
	// ErrPolicyDenied indicates a static refusal: disabled policy, denylist
	// match or network policy. No process was spawned.
	ErrPolicyDenied = errors.New("toolgate: denied by policy")

	// ErrConfirmationDenied indicates a human or the non-interactive default
	// refused the command.
	ErrConfirmationDenied = errors.New("toolgate: confirmation denied")

	// ErrTimeout indicates the process exceeded its wall-clock budget.
	ErrTimeout = errors.New("toolgate: tool run timed out")

	// ErrProcess indicates the OS failed to start the process.
	ErrProcess = errors.New("toolgate: process failed to start")

	// ErrEmptyCommand is returned for blank command strings.
	ErrEmptyCommand = errors.New("toolgate: empty command")
)

// PolicyDeniedError is returned when the policy engine refuses a request.
type PolicyDeniedError struct {
	Command string
	Reason  string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPolicyDenied.Error(), e.Reason)
}

func (e *PolicyDeniedError) Unwrap() error {
	return ErrPolicyDenied
}

// ConfirmationDeniedError is returned when confirmation was required and
// not granted.
type ConfirmationDeniedError struct {
	Command string
	Reason  string
}

func (e *ConfirmationDeniedError) Error() string {
	if e.Reason == "" {
		return ErrConfirmationDenied.Error()
	}
	return fmt.Sprintf("%s: %s", ErrConfirmationDenied.Error(), e.Reason)
}

func (e *ConfirmationDeniedError) Unwrap() error {
	return ErrConfirmationDenied
}

// PartialOutputLimit caps the characters of each stream carried by a
// TimeoutError.
const PartialOutputLimit = 1000

// TimeoutError is returned when a process is killed for exceeding its
// timeout. Stdout and Stderr hold at most PartialOutputLimit characters each.
type TimeoutError struct {
	Command    string
	TimeoutMs  int
	Stdout     string
	Stderr     string
	StdoutPath string
	StderrPath string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %dms", ErrTimeout.Error(), e.TimeoutMs)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ProcessError is returned when the binary could not be started. There is
// no exit code and no output.
type ProcessError struct {
	Command string
	Err     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrProcess.Error(), e.Command, e.Err)
}

// Unwrap exposes both the sentinel and the underlying OS error.
func (e *ProcessError) Unwrap() []error {
	return []error{ErrProcess, e.Err}
}
