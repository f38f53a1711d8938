package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/quotefleet/rpatrack/pkg/domain"
)

var (
	// ErrNotFound is returned when a submission does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering a submission twice.
	ErrAlreadyExists = errors.New("already exists")
)

// PluginPersistence is the contract every persistence backend implements.
type PluginPersistence interface {
	// Submissions returns the submission task-map storage.
	Submissions() SubmissionStore

	// Health checks if the persistence backend is reachable.
	Health(ctx context.Context) error

	// Close releases resources held by the persistence backend.
	Close() error
}

// SubmissionStore persists each submission's carrier task map as one unit.
// Implementations must serialize Merge and SetQueued per submission while
// staying fully concurrent across submissions: the persisted unit is the
// whole map, so a carrier-level critical section is not enough.
type SubmissionStore interface {
	// Create registers an empty task map for a submission. Returns
	// ErrAlreadyExists when the submission is already registered.
	Create(ctx context.Context, submissionID string) error

	// Tasks returns the submission's task map. Returns ErrNotFound when
	// the submission is unknown; an empty map when it has no tasks yet.
	Tasks(ctx context.Context, submissionID string) (domain.TaskMap, error)

	// Merge runs the task state machine for one carrier and atomically
	// rewrites the full task map. Returns ErrNotFound on an unknown
	// submission; sibling carriers' entries are never lost or removed.
	Merge(ctx context.Context, submissionID string, carrier domain.Carrier, patch domain.TaskPatch) (domain.CarrierTask, domain.MergeOutcome, error)

	// SetQueued records a fresh dispatch: status queued, new task id and
	// submittedAt, prior result/error/completedAt cleared. Creates the
	// submission row if missing.
	SetQueued(ctx context.Context, submissionID string, carrier domain.Carrier, taskID string, submittedAt time.Time) (domain.CarrierTask, error)
}
