// Package storage defines the run history Store.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/toolgate/internal/domain"
)

// ErrNotFound is returned by GetRun for unknown IDs.
var ErrNotFound = errors.New("storage: run not found")

// Run statuses. Every recorded tool run ends in exactly one of them.
const (
	StatusBlocked  = "blocked"
	StatusDenied   = "denied"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// RunRecord is one tool run as kept in history.
type RunRecord struct {
	ID         string          `json:"id"` // tool run ID
	RunID      string          `json:"run_id"`
	Command    string          `json:"command"`
	Reason     string          `json:"reason,omitempty"`
	Cwd        string          `json:"cwd,omitempty"`
	Category   domain.Category `json:"category"`
	Status     string          `json:"status"`
	Decision   string          `json:"decision,omitempty"` // policy or gate reason
	ExitCode   int             `json:"exit_code"`
	DurationMs int64           `json:"duration_ms"`
	Truncated  bool            `json:"truncated"`
	StdoutPath string          `json:"stdout_path,omitempty"`
	StderrPath string          `json:"stderr_path,omitempty"`
	Failure    string          `json:"failure,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// ListFilter narrows ListRuns. Zero values match everything.
type ListFilter struct {
	RunID    string
	Status   string
	Category domain.Category
	Since    time.Time
	Limit    int // default 50
	Offset   int
}

// Store persists tool run history.
type Store interface {
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, filter ListFilter) ([]*RunRecord, error)
	// DeleteRunsBefore removes records finished before cutoff and returns how many.
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 50

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
