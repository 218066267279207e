// Package cache persists per-task reconciliation state (the plan tree
// and the data-item list) so a reload does not discard progress already
// observed while a task is mid-flight.
//
// The reconciler only sees the narrow TaskCache interface; backends are
// interchangeable. Writes are fire-and-forget from the caller's point of
// view: a failed save is logged and dropped, never retried or surfaced.
// Entries are not expired here; the owner purges them explicitly when
// the watched task id changes.
package cache

import (
	"context"
	"errors"

	"github.com/XiaoChennnng/DeepResearchPro/model"
)

// ErrNotFound indicates no cached entry exists for the task id.
var ErrNotFound = errors.New("cache entry not found")

// TaskCache stores the serialized plan tree and data-item list keyed by
// task id. Implementations must round-trip the model types faithfully
// and apply last-write-wins semantics; only one view is ever live for a
// given task id in a single client, so no locking protocol is required
// beyond each backend's own internal safety.
type TaskCache interface {
	// LoadPlan returns the cached plan tree, or ErrNotFound.
	LoadPlan(ctx context.Context, taskID int64) ([]model.PlanNode, error)

	// SavePlan overwrites the cached plan tree.
	SavePlan(ctx context.Context, taskID int64, nodes []model.PlanNode) error

	// LoadSources returns the cached data items, or ErrNotFound.
	LoadSources(ctx context.Context, taskID int64) ([]model.DataItem, error)

	// SaveSources overwrites the cached data items.
	SaveSources(ctx context.Context, taskID int64, items []model.DataItem) error

	// Clear removes both entries for the task id. Clearing a missing
	// entry is not an error.
	Clear(ctx context.Context, taskID int64) error

	// Close releases backend resources.
	Close() error
}
