//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	s := NewStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunHistory_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	runID := "it-" + uuid.NewString()[:8]

	rec := &storage.RunRecord{
		ID:         uuid.NewString(),
		RunID:      runID,
		Command:    "npm test",
		Category:   domain.CategoryTest,
		Status:     storage.StatusFinished,
		ExitCode:   1,
		DurationMs: 1200,
		CreatedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
	}
	if err := s.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := s.GetRun(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Command != "npm test" || got.ExitCode != 1 || got.Category != domain.CategoryTest {
		t.Errorf("GetRun = %+v", got)
	}

	list, err := s.ListRuns(ctx, storage.ListFilter{RunID: runID})
	if err != nil || len(list) != 1 {
		t.Fatalf("ListRuns = %d records, %v", len(list), err)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRun(missing) err = %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
