package archive

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/feedmux/feedmux/internal/progress"
)

const putTimeout = 10 * time.Second

// Tap watches the dispatch path and archives a summary whenever a root job
// reports a terminal status. Writes happen off the dispatch goroutine and
// failures are logged, never propagated: the stream must not care whether
// archiving works.
type Tap struct {
	provider Provider
	prefix   string
	clock    progress.Clock
	logger   *zap.Logger
}

// NewTap wires a Tap; a nil provider disables it.
func NewTap(provider Provider, prefix string, clock progress.Clock, logger *zap.Logger) *Tap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tap{provider: provider, prefix: prefix, clock: clock, logger: logger}
}

// Wrap decorates a dispatch function with the archiving side effect.
func (t *Tap) Wrap(next progress.Dispatch) progress.Dispatch {
	if t == nil || t.provider == nil {
		return next
	}
	return func(env progress.Envelope) {
		next(env)
		if env.Type != progress.TypeProgress || env.Data == nil {
			return
		}
		evt := *env.Data
		if evt.ParentJobID != "" || !evt.Status.Terminal() {
			return
		}
		go t.archive(evt)
	}
}

func (t *Tap) archive(evt progress.Event) {
	summary := Summary{
		JobID:      evt.JobID,
		JobType:    evt.JobType,
		Status:     evt.Status,
		Message:    evt.Message,
		Error:      evt.Error,
		Payload:    evt.Payload,
		ArchivedAt: t.clock.Now(),
	}
	data, err := json.Marshal(summary)
	if err != nil {
		t.logger.Warn("encode job summary failed", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()
	uri, err := t.provider.Put(ctx, Key(t.prefix, evt.JobID), data)
	if err != nil {
		t.logger.Warn("archive job summary failed", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	t.logger.Debug("archived job summary", zap.String("job_id", evt.JobID), zap.String("uri", uri))
}
