// Package store persists the three collections of the harvester: active
// entries (one live document per identifier), history entries (append-only
// version logs) and task entries (per-run audit records). Implementations
// exist for Postgres (pgx, JSONB documents) and SQLite (modernc).
package store

import (
	"context"

	"github.com/bibnet/marcsync/internal/model"
)

// Store is the persistence interface for the synchronization engine.
//
// The version-store operations (Create, Replace, Delete, Archive) are each
// atomic for their identifier: a reader never observes a history snapshot
// without the matching active mutation or vice versa. Cross-identifier
// ordering is unconstrained.
type Store interface {
	// GetActive returns the live entry for an identifier, or nil when the
	// identifier was never seen or has been deleted.
	GetActive(ctx context.Context, mmsID string) (*model.ActiveEntry, error)

	// CountActive returns the number of live entries.
	CountActive(ctx context.Context) (int64, error)

	// Create inserts a new active entry. No history snapshot is written,
	// but a stale deleted marker from an earlier life of the identifier
	// is cleared.
	Create(ctx context.Context, entry *model.ActiveEntry) error

	// Replace snapshots prev into the identifier's history and overwrites
	// the active entry with entry, as one transactional unit.
	Replace(ctx context.Context, entry, prev *model.ActiveEntry) error

	// Delete snapshots prev into history, marks the history entry deleted
	// and removes the active entry, as one transactional unit.
	Delete(ctx context.Context, mmsID string, prev *model.ActiveEntry) error

	// Archive appends entry to the identifier's history without touching
	// the active collection (used for stale incoming records).
	Archive(ctx context.Context, entry *model.ActiveEntry) error

	// GetHistory returns the version log for an identifier, or nil when
	// no version was ever archived.
	GetHistory(ctx context.Context, mmsID string) (*model.HistoryEntry, error)

	// Task collection.
	CreateTask(ctx context.Context, task *model.TaskEntry) error
	UpdateTask(ctx context.Context, task *model.TaskEntry) error
	AppendTaskDataErrors(ctx context.Context, taskID string, msgs []string) error
	GetTask(ctx context.Context, id string) (*model.TaskEntry, error)
	ListTasks(ctx context.Context, limit int) ([]model.TaskEntry, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
