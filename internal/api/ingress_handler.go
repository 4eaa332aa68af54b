package api

import (
	"io"
	"net/http"

	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/internal/progress"
)

const maxEventBody = 1 << 20

// postEvent handles POST /v1/events. The boundary is fail-fast: a malformed
// or unrecognized envelope is rejected synchronously with 400 and never
// reaches the debouncer, the repository, or any observer. Accepted
// envelopes return 202 immediately; delivery downstream is best-effort.
func (s *Server) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		metrics.ObserveRejected("read-body")
		writeError(s.logger, w, http.StatusBadRequest, "unreadable body")
		return
	}
	env, err := progress.DecodeEnvelope(body)
	if err != nil {
		metrics.ObserveRejected("invalid-envelope")
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	metrics.ObserveIngested(string(env.Type))
	s.ingest(env)
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
