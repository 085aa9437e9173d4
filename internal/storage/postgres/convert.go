package postgres

import (
	"github.com/jkaninda/toolgate/internal/domain"
	"github.com/jkaninda/toolgate/internal/storage"
)

func toRunModel(r *storage.RunRecord) ToolRunModel {
	return ToolRunModel{
		ID:         r.ID,
		RunID:      r.RunID,
		Command:    r.Command,
		Reason:     r.Reason,
		Cwd:        r.Cwd,
		Category:   string(r.Category),
		Status:     r.Status,
		Decision:   r.Decision,
		ExitCode:   r.ExitCode,
		DurationMs: r.DurationMs,
		Truncated:  r.Truncated,
		StdoutPath: r.StdoutPath,
		StderrPath: r.StderrPath,
		Failure:    r.Failure,
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		FinishedAt: r.FinishedAt,
	}
}

func toRunRecord(m *ToolRunModel) *storage.RunRecord {
	return &storage.RunRecord{
		ID:         m.ID,
		RunID:      m.RunID,
		Command:    m.Command,
		Reason:     m.Reason,
		Cwd:        m.Cwd,
		Category:   domain.Category(m.Category),
		Status:     m.Status,
		Decision:   m.Decision,
		ExitCode:   m.ExitCode,
		DurationMs: m.DurationMs,
		Truncated:  m.Truncated,
		StdoutPath: m.StdoutPath,
		StderrPath: m.StderrPath,
		Failure:    m.Failure,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt.UTC(),
		FinishedAt: m.FinishedAt.UTC(),
	}
}
