// Package memory provides an in-memory Repository for development/testing
// and for single-node deployments that accept losing the snapshot source on
// restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/feedmux/feedmux/internal/progress"
	"github.com/feedmux/feedmux/internal/store"
)

// Repository tracks active jobs in a mutex-guarded map.
type Repository struct {
	mu   sync.RWMutex
	jobs map[string]store.ActiveJob
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{jobs: make(map[string]store.ActiveJob)}
}

// Record upserts the latest event, or removes the job on a terminal status.
func (r *Repository) Record(_ context.Context, evt progress.Event, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if evt.Status.Terminal() {
		delete(r.jobs, evt.JobID)
		return nil
	}
	job, ok := r.jobs[evt.JobID]
	if !ok {
		job = store.ActiveJob{FirstSeenAt: at}
	}
	job.Event = evt
	job.UpdatedAt = at
	r.jobs[evt.JobID] = job
	return nil
}

// Active returns tracked jobs in first-seen order.
func (r *Repository) Active(_ context.Context) ([]store.ActiveJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.ActiveJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].Event.JobID < out[j].Event.JobID
		}
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	return out, nil
}

// Delete untracks one job.
func (r *Repository) Delete(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return store.ErrNotFound
	}
	delete(r.jobs, jobID)
	return nil
}

// Close is a no-op for the in-memory implementation.
func (r *Repository) Close() {}
