package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/voxgate/internal/model"
)

// ErrNotFound is returned when a task is not in the history.
var ErrNotFound = errors.New("task not found in history")

// ListFilter narrows a history listing. Empty fields match everything.
type ListFilter struct {
	Status string
	Action string
	Limit  int
	Offset int
}

// HistoryStats holds aggregate task statistics.
type HistoryStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByAction map[string]int `json:"count_by_action"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// History defines the persistence operations for task history.
type History interface {
	// UpsertTask inserts t or updates its row. A terminal row is never
	// overwritten.
	UpsertTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, f ListFilter) ([]*model.Task, int, error)
	GetStats(ctx context.Context) (*HistoryStats, error)
	// Prune deletes tasks created before the cutoff and returns how many
	// rows were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
