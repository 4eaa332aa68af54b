package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType denotes the kind of frame carried by an Envelope.
type EventType string

// Supported envelope types.
const (
	TypeProgress    EventType = "progress"
	TypeComplete    EventType = "complete"
	TypeError       EventType = "error"
	TypeKeepAlive   EventType = "keep-alive"
	TypeAuthExpired EventType = "auth-expired"
)

// JobStatus is the lifecycle state reported by the producer for one job.
type JobStatus string

// Supported job statuses.
const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusError     JobStatus = "error"
)

// Terminal reports whether a status can never transition again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Envelope is the wire frame shared by the ingress endpoint and both stream
// transports. For TypeProgress, Data holds an Event; for the other types it
// may be empty.
type Envelope struct {
	Type EventType `json:"type"`
	Data *Event    `json:"data,omitempty"`
}

// Event captures one progress report for a job.
type Event struct {
	// JobID uniquely identifies the job across the whole engine.
	JobID string `json:"jobId"`
	// ParentJobID nests this job under another; empty means root. Parentage
	// is fixed at job start and never changes across events.
	ParentJobID string `json:"parentJobId,omitempty"`
	// JobType is the producer-defined kind label (e.g. "feed.refresh").
	JobType string `json:"jobType,omitempty"`
	// Status is the reported lifecycle state.
	Status JobStatus `json:"status"`
	// Message is a human-readable progress line.
	Message string `json:"message,omitempty"`
	// Error optionally carries the failure reason for StatusError.
	Error string `json:"error,omitempty"`
	// EmittedAt is the producer's own timestamp. It is advisory only; local
	// staleness decisions use the receiver's clock, never this field.
	EmittedAt time.Time `json:"emittedAt,omitempty"`
	// Payload is an opaque type-specific blob passed through untouched.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate rejects malformed envelopes before they reach any state.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeProgress:
		if e.Data == nil {
			return errors.New("progress envelope requires data")
		}
		return e.Data.Validate()
	case TypeComplete, TypeError, TypeKeepAlive, TypeAuthExpired:
		return nil
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.JobID == e.ParentJobID {
		return errors.New("job cannot be its own parent")
	}
	switch e.Status {
	case StatusPending, StatusRunning, StatusCompleted, StatusError:
	case "":
		return errors.New("status is required")
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	return nil
}

// DecodeEnvelope parses and validates a wire frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode marshals the envelope for a stream frame.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Clock abstracts wall time so the tree and reaper are testable.
type Clock interface {
	Now() time.Time
}
