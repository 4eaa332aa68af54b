package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/feedmux/feedmux/internal/store"
)

// listActiveJobs handles GET /v1/jobs/active. It returns every currently
// non-terminal job with its last known progress, in first-seen order. The
// response is the observers' sole recovery source after a streaming gap, so
// it must always reflect the repository's current state, never a cache.
func (s *Server) listActiveJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	jobs, err := s.repo.Active(ctx)
	if err != nil {
		s.logger.Error("list active jobs failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to list active jobs")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{
		"jobs": toJobDTOs(jobs),
	})
}

// deleteJob handles DELETE /v1/jobs/{job_id}. It untracks the job from the
// snapshot source only; stream observers dismiss their local trees
// themselves, and the underlying distributed job is unaffected.
func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		writeError(s.logger, w, http.StatusBadRequest, "job_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), repoTimeout)
	defer cancel()

	if err := s.repo.Delete(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(s.logger, w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("delete job failed", zap.Error(err))
		writeError(s.logger, w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"job_id": jobID, "status": "deleted"})
}

func toJobDTOs(in []store.ActiveJob) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, job := range in {
		out = append(out, jobDTO{
			JobID:       job.Event.JobID,
			ParentJobID: job.Event.ParentJobID,
			JobType:     job.Event.JobType,
			Status:      string(job.Event.Status),
			Message:     job.Event.Message,
			Error:       job.Event.Error,
			Payload:     job.Event.Payload,
			FirstSeenAt: job.FirstSeenAt,
			UpdatedAt:   job.UpdatedAt,
		})
	}
	return out
}

type jobDTO struct {
	JobID       string          `json:"jobId"`
	ParentJobID string          `json:"parentJobId,omitempty"`
	JobType     string          `json:"jobType,omitempty"`
	Status      string          `json:"status"`
	Message     string          `json:"message,omitempty"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	FirstSeenAt time.Time       `json:"firstSeenAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
