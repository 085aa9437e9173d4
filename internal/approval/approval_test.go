package approval

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingUI counts calls and returns a fixed answer.
type recordingUI struct {
	answer  bool
	err     error
	calls   int
	message string
	details string
}

func (r *recordingUI) Confirm(_ context.Context, message, details string, _ bool) (bool, error) {
	r.calls++
	r.message = message
	r.details = details
	return r.answer, r.err
}

func TestGate_Resolve(t *testing.T) {
	req := domain.ToolRunRequest{Command: "rm -rf build", Reason: "clean build output", Cwd: "/repo"}
	interactive := domain.ToolPolicy{Enabled: true, Interactive: true}
	nonInteractive := domain.ToolPolicy{Enabled: true, Interactive: false}
	confirm := domain.PolicyDecision{IsAllowed: true, NeedsConfirmation: true}
	noConfirm := domain.PolicyDecision{IsAllowed: true}

	tests := []struct {
		name      string
		ui        *recordingUI
		decision  domain.PolicyDecision
		policy    domain.ToolPolicy
		wantDeny  bool
		wantCalls int
	}{
		{name: "no confirmation needed", ui: &recordingUI{}, decision: noConfirm, policy: interactive},
		{name: "non-interactive denies without prompt", ui: &recordingUI{answer: true}, decision: confirm, policy: nonInteractive, wantDeny: true},
		{name: "user approves", ui: &recordingUI{answer: true}, decision: confirm, policy: interactive, wantCalls: 1},
		{name: "user denies", ui: &recordingUI{answer: false}, decision: confirm, policy: interactive, wantDeny: true, wantCalls: 1},
		{name: "prompt error denies", ui: &recordingUI{err: io.ErrUnexpectedEOF}, decision: confirm, policy: interactive, wantDeny: true, wantCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gate := NewGate(tc.ui, testLogger())
			err := gate.Resolve(context.Background(), req, tc.decision, tc.policy)

			if tc.wantDeny {
				var denied *domain.ConfirmationDeniedError
				if !errors.As(err, &denied) {
					t.Fatalf("err = %v, want ConfirmationDeniedError", err)
				}
				if !errors.Is(err, domain.ErrConfirmationDenied) {
					t.Errorf("errors.Is(err, ErrConfirmationDenied) = false")
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.ui.calls != tc.wantCalls {
				t.Errorf("ui calls = %d, want %d", tc.ui.calls, tc.wantCalls)
			}
		})
	}
}

func TestGate_PromptContents(t *testing.T) {
	ui := &recordingUI{answer: true}
	gate := NewGate(ui, testLogger())
	req := domain.ToolRunRequest{Command: "git push origin main", Reason: "publish fix", Cwd: "/work/repo"}
	decision := domain.PolicyDecision{IsAllowed: true, NeedsConfirmation: true}

	if err := gate.Resolve(context.Background(), req, decision, domain.ToolPolicy{Interactive: true}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ui.message, "git push origin main") {
		t.Errorf("message %q does not name the command", ui.message)
	}
	for _, want := range []string{"publish fix", "/work/repo"} {
		if !strings.Contains(ui.details, want) {
			t.Errorf("details %q missing %q", ui.details, want)
		}
	}
}

func TestGate_NilUIDenies(t *testing.T) {
	gate := NewGate(nil, testLogger())
	err := gate.Resolve(context.Background(), domain.ToolRunRequest{Command: "ls"},
		domain.PolicyDecision{IsAllowed: true, NeedsConfirmation: true},
		domain.ToolPolicy{Interactive: true})
	if !errors.Is(err, domain.ErrConfirmationDenied) {
		t.Errorf("err = %v, want confirmation denied", err)
	}
}

func TestTerminalUI(t *testing.T) {
	tests := []struct {
		input     string
		defaultNo bool
		want      bool
		wantErr   bool
	}{
		{input: "y\n", defaultNo: true, want: true},
		{input: "YES\n", defaultNo: true, want: true},
		{input: "n\n", defaultNo: true, want: false},
		{input: "\n", defaultNo: true, want: false},
		{input: "\n", defaultNo: false, want: true},
		{input: "maybe\n", defaultNo: false, want: false},
		{input: "", defaultNo: true, wantErr: true},
	}
	for _, tc := range tests {
		var out bytes.Buffer
		ui := NewTerminalUI(strings.NewReader(tc.input), &out)
		got, err := ui.Confirm(context.Background(), "Run command: ls", "Reason: look\n", tc.defaultNo)
		if tc.wantErr {
			if err == nil {
				t.Errorf("input %q: expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("input %q: %v", tc.input, err)
		}
		if got != tc.want {
			t.Errorf("input %q defaultNo=%v: got %v, want %v", tc.input, tc.defaultNo, got, tc.want)
		}
		if !strings.Contains(out.String(), "Run command: ls") || !strings.Contains(out.String(), "Reason: look") {
			t.Errorf("prompt output = %q", out.String())
		}
	}
}

func TestTerminalUI_SequentialPrompts(t *testing.T) {
	ui := NewTerminalUI(strings.NewReader("y\nn\n"), io.Discard)
	first, err := ui.Confirm(context.Background(), "a", "", true)
	if err != nil || !first {
		t.Fatalf("first = %v, %v", first, err)
	}
	second, err := ui.Confirm(context.Background(), "b", "", true)
	if err != nil || second {
		t.Fatalf("second = %v, %v", second, err)
	}
}

func TestTerminalUI_ReadLineSharesInput(t *testing.T) {
	var out bytes.Buffer
	ui := NewTerminalUI(strings.NewReader("go test ./...\ny\n"), &out)
	ctx := context.Background()

	line, err := ui.ReadLine(ctx, "toolgate> ")
	if err != nil || line != "go test ./..." {
		t.Fatalf("ReadLine = %q, %v", line, err)
	}
	if ok, err := ui.Confirm(ctx, "run it?", "", true); err != nil || !ok {
		t.Fatalf("Confirm = %v, %v", ok, err)
	}
	if _, err := ui.ReadLine(ctx, "toolgate> "); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want io.ErrUnexpectedEOF", err)
	}
	if !strings.HasPrefix(out.String(), "toolgate> ") {
		t.Errorf("output = %q", out.String())
	}
}

func TestTerminalUI_ContextCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	ui := NewTerminalUI(r, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ui.Confirm(ctx, "a", "", true); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestStaticUI(t *testing.T) {
	if ok, _ := AutoApproveUI().Confirm(context.Background(), "", "", true); !ok {
		t.Error("AutoApproveUI denied")
	}
	if ok, _ := DenyUI().Confirm(context.Background(), "", "", false); ok {
		t.Error("DenyUI approved")
	}
}

func TestManager_ApproveReleasesConfirm(t *testing.T) {
	m := NewManager(time.Minute, testLogger())
	created := make(chan PendingApproval, 1)
	m.OnPending(func(pa PendingApproval) { created <- pa })

	ctx := WithRunContext(context.Background(), domain.RunnerContext{RunID: "run-1", ToolRunID: "tr-1"})
	result := make(chan bool, 1)
	go func() {
		ok, _ := m.Confirm(ctx, "Run command: make", "", true)
		result <- ok
	}()

	pa := <-created
	if pa.ToolRunID != "tr-1" || pa.RunID != "run-1" {
		t.Errorf("pending approval ids = %q/%q", pa.RunID, pa.ToolRunID)
	}
	if got := m.List(context.Background()); len(got) != 1 {
		t.Fatalf("List() returned %d approvals, want 1", len(got))
	}
	if err := m.Approve(context.Background(), pa.ID, "alice"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	select {
	case ok := <-result:
		if !ok {
			t.Error("Confirm returned false after approval")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Confirm did not return after approval")
	}

	if err := m.Deny(context.Background(), pa.ID, "bob"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second resolve err = %v, want ErrAlreadyResolved", err)
	}
	got, err := m.Get(context.Background(), pa.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusApproved || got.ResolvedBy != "alice" {
		t.Errorf("status = %s by %q", got.Status, got.ResolvedBy)
	}
}

func TestManager_DenyAndExpiry(t *testing.T) {
	m := NewManager(50*time.Millisecond, testLogger())
	created := make(chan PendingApproval, 2)
	m.OnPending(func(pa PendingApproval) { created <- pa })

	go func() {
		pa := <-created
		_ = m.Deny(context.Background(), pa.ID, "alice")
	}()
	if ok, err := m.Confirm(context.Background(), "deny me", "", true); ok || err != nil {
		t.Errorf("denied Confirm = %v, %v", ok, err)
	}

	// Nobody answers: the approval expires.
	ok, err := m.Confirm(context.Background(), "expire me", "", true)
	if ok || err != nil {
		t.Errorf("expired Confirm = %v, %v", ok, err)
	}
	pa := <-created
	if err := m.Approve(context.Background(), pa.ID, "late"); !errors.Is(err, ErrExpired) {
		t.Errorf("late approve err = %v, want ErrExpired", err)
	}
	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func TestRepeatApprover(t *testing.T) {
	inner := &recordingUI{answer: true}
	ra := NewRepeatApprover(inner, RepeatConfig{Enabled: true, RequiredApprovals: 2}, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, err := ra.Confirm(ctx, "Run command: make", "Working directory: /r\n", true); !ok || err != nil {
			t.Fatalf("manual approval %d = %v, %v", i, ok, err)
		}
	}
	if inner.calls != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls)
	}

	// Third identical prompt is auto-approved.
	if ok, _ := ra.Confirm(ctx, "Run command: make", "Working directory: /r\n", true); !ok {
		t.Error("expected auto-approval")
	}
	if inner.calls != 2 {
		t.Errorf("inner calls = %d, want 2 (auto-approved)", inner.calls)
	}

	// A different directory still asks.
	_, _ = ra.Confirm(ctx, "Run command: make", "Working directory: /other\n", true)
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}

func TestRepeatApprover_DisabledAlwaysAsks(t *testing.T) {
	inner := &recordingUI{answer: true}
	ra := NewRepeatApprover(inner, RepeatConfig{Enabled: false, RequiredApprovals: 1}, testLogger())
	for i := 0; i < 3; i++ {
		_, _ = ra.Confirm(context.Background(), "m", "d", true)
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}
