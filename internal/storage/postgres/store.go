package postgres

import (
	"context"
	"time"

	"github.com/jkaninda/toolgate/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB *DB
	runs *RunRepository
}

// NewStore wraps an open DB as a storage.Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB, runs: NewRunRepository(pgDB.GormDB())}
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

func (s *Store) Ping(ctx context.Context) error { return s.pgDB.Ping(ctx) }

func (s *Store) Close() error { return s.pgDB.Close() }

func (s *Store) Driver() string { return storage.DriverPostgres }

var _ storage.Store = (*Store)(nil)
