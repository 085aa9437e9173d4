package sandbox

import (
	"fmt"
	"io"
	"sync"
)

// outputBudget is shared by the stdout and stderr writers of one run and
// enforces a combined byte limit across both streams.
type outputBudget struct {
	mu        sync.Mutex
	limit     int // <= 0 means unlimited
	total     int
	truncated bool
	onExceed  func()
}

func newOutputBudget(limit int, onExceed func()) *outputBudget {
	return &outputBudget{limit: limit, onExceed: onExceed}
}

// Truncated reports whether the budget was exceeded.
func (b *outputBudget) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// writer returns an io.Writer for one stream that charges the shared budget.
func (b *outputBudget) writer(dst io.Writer) io.Writer {
	return &budgetWriter{budget: b, dst: dst}
}

type budgetWriter struct {
	budget *outputBudget
	dst    io.Writer
}

// Write always reports the full chunk as consumed so the copying goroutine
// keeps draining the pipe after truncation; excess bytes are discarded.
func (w *budgetWriter) Write(p []byte) (int, error) {
	b := w.budget
	b.mu.Lock()
	if b.truncated {
		b.mu.Unlock()
		return len(p), nil
	}
	if b.limit <= 0 || b.total+len(p) <= b.limit {
		b.total += len(p)
		_, err := w.dst.Write(p)
		b.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return len(p), nil
	}

	fit := b.limit - b.total
	b.total = b.limit
	b.truncated = true
	var err error
	if fit > 0 {
		_, err = w.dst.Write(p[:fit])
	}
	if err == nil {
		_, err = io.WriteString(w.dst, truncationMarker(b.limit))
	}
	onExceed := b.onExceed
	b.mu.Unlock()

	if onExceed != nil {
		onExceed()
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// truncationMarker is the in-band line appended to the stream that crossed
// the budget.
func truncationMarker(limit int) string {
	return fmt.Sprintf("\n[toolgate: output truncated, exceeded %d bytes]\n", limit)
}
