// Package sqlite implements run history on SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// WAL mode is enabled by default so history reads don't block writers.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/toolgate/internal/storage"
	pgstore "github.com/jkaninda/toolgate/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	runs   *pgstore.RunRepository
	logger *slog.Logger
	path   string
}

// Open creates (or opens) the database file and migrates it.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// The models are dialect neutral; both backends share them.
	if err := db.AutoMigrate(pgstore.Models()...); err != nil {
		return nil, fmt.Errorf("migrating sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return &Store{
		db:     db,
		runs:   pgstore.NewRunRepository(db),
		logger: slogger,
		path:   cfg.Path,
	}, nil
}

func (s *Store) SaveRun(ctx context.Context, rec *storage.RunRecord) error {
	return s.runs.Save(ctx, rec)
}

func (s *Store) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	return s.runs.Get(ctx, id)
}

func (s *Store) ListRuns(ctx context.Context, f storage.ListFilter) ([]*storage.RunRecord, error) {
	return s.runs.List(ctx, f)
}

func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.runs.DeleteBefore(ctx, cutoff)
}

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
