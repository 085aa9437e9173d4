package postgres

import (
	"time"
)

// ToolRunModel maps to the "tool_runs" table.
type ToolRunModel struct {
	ID         string `gorm:"primaryKey;size:64"`
	RunID      string `gorm:"not null;index;size:128"`
	Command    string `gorm:"not null"`
	Reason     string
	Cwd        string
	Category   string `gorm:"not null;index;size:32"`
	Status     string `gorm:"not null;index;size:16"`
	Decision   string
	ExitCode   int `gorm:"not null;default:-1"`
	DurationMs int64
	Truncated  bool `gorm:"not null;default:false"`
	StdoutPath string
	StderrPath string
	Failure    string `gorm:"size:32"`
	Error      string
	CreatedAt  time.Time `gorm:"not null;index"`
	FinishedAt time.Time `gorm:"index"`
}

func (ToolRunModel) TableName() string { return "tool_runs" }

// Models lists every table, in migration order.
func Models() []any {
	return []any{&ToolRunModel{}}
}
