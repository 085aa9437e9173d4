package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/toolgate/internal/storage"
)

// FilterScope returns a GORM scope applying the non-zero fields of f.
func FilterScope(f storage.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.RunID != "" {
			db = db.Where("run_id = ?", f.RunID)
		}
		if f.Status != "" {
			db = db.Where("status = ?", f.Status)
		}
		if f.Category != "" {
			db = db.Where("category = ?", string(f.Category))
		}
		if !f.Since.IsZero() {
			db = db.Where("created_at >= ?", f.Since.UTC())
		}
		return db
	}
}
