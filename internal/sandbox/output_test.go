package sandbox

import (
	"bytes"
	"testing"
)

func TestOutputBudget(t *testing.T) {
	var kills int
	var stdout, stderr bytes.Buffer
	b := newOutputBudget(10, func() { kills++ })
	out, errw := b.writer(&stdout), b.writer(&stderr)

	writes := []struct {
		w    interface{ Write([]byte) (int, error) }
		data string
	}{
		{out, "hello"},
		{errw, "wor"},
		{out, "ld!!!"},
		{errw, "ignored"},
	}
	for _, w := range writes {
		n, err := w.w.Write([]byte(w.data))
		if err != nil {
			t.Fatalf("Write(%q): %v", w.data, err)
		}
		if n != len(w.data) {
			t.Errorf("Write(%q) = %d, want %d", w.data, n, len(w.data))
		}
	}

	if !b.Truncated() {
		t.Error("Truncated() = false")
	}
	if kills != 1 {
		t.Errorf("onExceed called %d times, want 1", kills)
	}
	if got, want := stdout.String(), "hellold"+truncationMarker(10); got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	if got := stderr.String(); got != "wor" {
		t.Errorf("stderr = %q, want %q", got, "wor")
	}
}

func TestOutputBudget_ExactFitIsNotTruncated(t *testing.T) {
	var buf bytes.Buffer
	b := newOutputBudget(5, nil)
	if _, err := b.writer(&buf).Write([]byte("12345")); err != nil {
		t.Fatal(err)
	}
	if b.Truncated() {
		t.Error("exactly filling the budget must not truncate")
	}
}

func TestOutputBudget_Unlimited(t *testing.T) {
	var buf bytes.Buffer
	b := newOutputBudget(0, nil)
	data := bytes.Repeat([]byte("x"), 1<<16)
	if _, err := b.writer(&buf).Write(data); err != nil {
		t.Fatal(err)
	}
	if b.Truncated() || buf.Len() != len(data) {
		t.Errorf("truncated=%v len=%d", b.Truncated(), buf.Len())
	}
}
