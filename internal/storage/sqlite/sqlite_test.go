package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "db", "toolgate.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, runID string, status string, cat domain.Category, created time.Time) *storage.RunRecord {
	return &storage.RunRecord{
		ID:         id,
		RunID:      runID,
		Command:    "cmd " + id,
		Category:   cat,
		Status:     status,
		ExitCode:   -1,
		CreatedAt:  created,
		FinishedAt: created.Add(time.Second),
	}
}

func TestSaveAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := record("tr-1", "run-1", storage.StatusFinished, domain.CategoryTest, now)
	rec.ExitCode = 2
	rec.Truncated = true
	rec.StdoutPath = "runs/run-1/tools/tr-1/tr-1_stdout.log"
	if err := s.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.GetRun(ctx, "tr-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ExitCode != 2 || !got.Truncated || got.Category != domain.CategoryTest || got.StdoutPath != rec.StdoutPath {
		t.Errorf("GetRun = %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}

	// Saving the same ID again updates in place.
	rec.Status = storage.StatusFailed
	if err := s.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun (update): %v", err)
	}
	got, err = s.GetRun(ctx, "tr-1")
	if err != nil || got.Status != storage.StatusFailed {
		t.Errorf("after update: %+v, %v", got, err)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRun(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveRequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveRun(context.Background(), &storage.RunRecord{}); err == nil {
		t.Error("SaveRun with empty ID succeeded")
	}
}

func TestListFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	recs := []*storage.RunRecord{
		record("a", "run-1", storage.StatusFinished, domain.CategoryTest, base),
		record("b", "run-1", storage.StatusBlocked, domain.CategoryDestructive, base.Add(time.Minute)),
		record("c", "run-2", storage.StatusFinished, domain.CategoryBuild, base.Add(2*time.Minute)),
	}
	for _, r := range recs {
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter storage.ListFilter
		want   []string
	}{
		{"all newest first", storage.ListFilter{}, []string{"c", "b", "a"}},
		{"by run", storage.ListFilter{RunID: "run-1"}, []string{"b", "a"}},
		{"by status", storage.ListFilter{Status: storage.StatusFinished}, []string{"c", "a"}},
		{"by category", storage.ListFilter{Category: domain.CategoryDestructive}, []string{"b"}},
		{"since", storage.ListFilter{Since: base.Add(90 * time.Second)}, []string{"c"}},
		{"limit offset", storage.ListFilter{Limit: 1, Offset: 1}, []string{"b"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ListRuns(ctx, tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			if len(ids) != len(tc.want) {
				t.Fatalf("ids = %q, want %q", ids, tc.want)
			}
			for i := range ids {
				if ids[i] != tc.want[i] {
					t.Fatalf("ids = %q, want %q", ids, tc.want)
				}
			}
		})
	}
}

func TestDeleteRunsBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, r := range []*storage.RunRecord{
		record("old", "r", storage.StatusFinished, domain.CategoryTest, now.Add(-72*time.Hour)),
		record("new", "r", storage.StatusFinished, domain.CategoryTest, now),
	} {
		if err := s.SaveRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeleteRunsBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if _, err := s.GetRun(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old run still present: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q", s.Driver())
	}
}
