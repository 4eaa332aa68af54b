// Package store declares the repository tracking the latest event per
// non-terminal job. It backs the active-jobs snapshot endpoint, which is the
// sole recovery source after a streaming gap: no event log exists, so
// reconnecting observers replay this set through their normal ingest path.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/feedmux/feedmux/internal/progress"
)

// ErrNotFound signals that the requested job is not tracked.
var ErrNotFound = errors.New("active job not found")

// ActiveJob is the latest known progress for one non-terminal job.
type ActiveJob struct {
	// Event is the most recent accepted event for the job.
	Event progress.Event
	// FirstSeenAt orders snapshot responses; set on first sight of the id.
	FirstSeenAt time.Time
	// UpdatedAt is the local receive time of Event.
	UpdatedAt time.Time
}

// Repository persists the active-job set. A terminal event removes its job,
// so Active only ever returns non-terminal work.
type Repository interface {
	// Record upserts the latest event for its job, or removes the job when
	// the event's status is terminal.
	Record(ctx context.Context, evt progress.Event, at time.Time) error
	// Active returns all tracked jobs in first-seen order.
	Active(ctx context.Context) ([]ActiveJob, error)
	// Delete untracks one job, returning ErrNotFound if absent.
	Delete(ctx context.Context, jobID string) error
	// Close releases underlying resources.
	Close()
}
