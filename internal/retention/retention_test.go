package retention

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/toolgate/internal/workspace"
)

type fakeHistory struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakeHistory) DeleteRunsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		maxAge  time.Duration
		expr    string
		wantErr bool
	}{
		{"valid", time.Hour, "0 3 * * *", false},
		{"zero age", 0, "0 3 * * *", true},
		{"bad expr", time.Hour, "every day", true},
		{"six fields", time.Hour, "0 0 3 * * *", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(nil, nil, tc.maxAge, tc.expr, nil, quietLogger())
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPruneOnce(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	oldDir := ws.RunDir("old")
	ws.RunDir("new")
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatal(err)
	}

	hist := &fakeHistory{n: 3}
	reg := prometheus.NewRegistry()
	p, err := New(hist, ws, 24*time.Hour, "0 3 * * *", NewMetrics(reg), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	fixed := time.Now()
	p.now = func() time.Time { return fixed }

	res, err := p.PruneOnce(context.Background())
	if err != nil {
		t.Fatalf("PruneOnce: %v", err)
	}
	if len(res.RunDirs) != 1 || filepath.Base(res.RunDirs[0]) != "old" {
		t.Errorf("RunDirs = %v", res.RunDirs)
	}
	if res.HistoryRows != 3 {
		t.Errorf("HistoryRows = %d", res.HistoryRows)
	}
	if want := fixed.UTC().Add(-24 * time.Hour); !hist.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", hist.cutoff, want)
	}
	if _, err := os.Stat(filepath.Join(ws.RunsDir(), "new")); err != nil {
		t.Errorf("recent run removed: %v", err)
	}
	if v := counter(t, reg, "toolgate_retention_history_rows_pruned_total"); v != 3 {
		t.Errorf("history metric = %v", v)
	}
}

func TestPruneOnceJoinsErrors(t *testing.T) {
	boom := errors.New("db down")
	reg := prometheus.NewRegistry()
	p, err := New(&fakeHistory{err: boom}, nil, time.Hour, "@daily", NewMetrics(reg), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.PruneOnce(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if v := counter(t, reg, "toolgate_retention_failures_total"); v != 1 {
		t.Errorf("failures metric = %v", v)
	}
}

func TestNextRunFrom(t *testing.T) {
	from := time.Date(2026, 1, 1, 4, 0, 0, 0, time.UTC)
	next, err := NextRunFrom("0 3 * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
	if _, err := NextRunFrom("nope", from); err == nil {
		t.Error("invalid expression accepted")
	}
}

func TestStartStops(t *testing.T) {
	p, err := New(nil, nil, time.Hour, "0 3 * * *", nil, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	cancel := p.Start(context.Background())
	cancel()
}

func counter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}
