package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/toolgate/internal/storage"
)

// RunRepository stores tool run history through GORM. It is dialect
// neutral; the SQLite backend uses it too.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Save inserts rec, or overwrites the row with the same ID.
func (r *RunRepository) Save(ctx context.Context, rec *storage.RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("saving tool run: empty id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	model := toRunModel(rec)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving tool run %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the run with the given tool run ID.
func (r *RunRepository) Get(ctx context.Context, id string) (*storage.RunRecord, error) {
	var m ToolRunModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tool run %s: %w", id, err)
	}
	return toRunRecord(&m), nil
}

// List returns runs matching f, newest first.
func (r *RunRepository) List(ctx context.Context, f storage.ListFilter) ([]*storage.RunRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	var models []ToolRunModel
	err := r.db.WithContext(ctx).
		Scopes(FilterScope(f)).
		Order("created_at DESC").
		Limit(limit).
		Offset(f.Offset).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing tool runs: %w", err)
	}

	out := make([]*storage.RunRecord, len(models))
	for i := range models {
		out[i] = toRunRecord(&models[i])
	}
	return out, nil
}

// DeleteBefore removes runs created before cutoff.
func (r *RunRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&ToolRunModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting tool runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
