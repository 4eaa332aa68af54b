// Package archive persists a final JSON summary for each root job that
// reaches a terminal status. Summaries are advisory artifacts for operators;
// they are never read back for replay, so losing them costs nothing.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/feedmux/feedmux/internal/progress"
)

// Provider writes one summary blob and returns its URI.
type Provider interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Summary is the archived shape of one finished root job.
type Summary struct {
	JobID      string             `json:"jobId"`
	JobType    string             `json:"jobType,omitempty"`
	Status     progress.JobStatus `json:"status"`
	Message    string             `json:"message,omitempty"`
	Error      string             `json:"error,omitempty"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
	ArchivedAt time.Time          `json:"archivedAt"`
}

// Key returns the blob key for a job summary under the given prefix.
func Key(prefix, jobID string) string {
	if prefix == "" {
		prefix = "jobs"
	}
	return fmt.Sprintf("%s/%s.json", prefix, jobID)
}
