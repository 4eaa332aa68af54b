package pubsub

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/feedmux/feedmux/internal/progress"
)

// TestHandleMessageDispatchesValidEnvelope verifies decode-then-ingest for a
// well-formed frame.
func TestHandleMessageDispatchesValidEnvelope(t *testing.T) {
	t.Parallel()

	var got []progress.Envelope
	s := &Source{ingest: func(env progress.Envelope) { got = append(got, env) }}
	s.logger = zap.NewNop()

	s.handleMessage([]byte(`{"type":"progress","data":{"jobId":"A","status":"running"}}`))

	require.Len(t, got, 1)
	require.Equal(t, "A", got[0].Data.JobID)
}

// TestHandleMessageDropsPoison verifies malformed frames never reach ingest.
func TestHandleMessageDropsPoison(t *testing.T) {
	t.Parallel()

	called := false
	s := &Source{ingest: func(progress.Envelope) { called = true }}
	s.logger = zap.NewNop()

	s.handleMessage([]byte(`{"type":"bogus"}`))
	s.handleMessage([]byte(`not json`))

	require.False(t, called)
}
