package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/feedmux/feedmux/internal/metrics"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers are same-origin UI clients or internal tools; the API key
	// middleware is the access control, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

// streamSSE handles GET /v1/events/stream: one long-lived SSE connection
// per observer. Frames carry the same envelope JSON as ingress; comment
// frames act as keep-alives so an observer can infer staleness even without
// an explicit close. A slow or dead observer only ever loses its own frames.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(s.logger, w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	connID := s.newID()
	sub := s.broker.Subscribe()
	defer sub.Cancel()
	metrics.IncObservers()
	defer metrics.DecObservers()

	// Initial frame so the observer learns its connection id and knows the
	// stream is live before the first event arrives.
	fmt.Fprintf(w, "event: connected\ndata: {\"connectionId\":%q}\n\n", connID)
	flusher.Flush()

	s.logger.Info("observer connected",
		zap.String("connection_id", connID),
		zap.String("transport", "sse"),
	)

	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval())
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("observer disconnected", zap.String("connection_id", connID))
			return
		case env, open := <-sub.C:
			if !open {
				return
			}
			data, err := env.Encode()
			if err != nil {
				s.logger.Warn("encode stream frame failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Type, data)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// streamWS handles GET /v1/events/ws: the WebSocket sibling of the SSE
// stream, carrying identical envelope JSON with pings as keep-alives.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := s.newID()
	sub := s.broker.Subscribe()
	defer sub.Cancel()
	metrics.IncObservers()
	defer metrics.DecObservers()

	s.logger.Info("observer connected",
		zap.String("connection_id", connID),
		zap.String("transport", "websocket"),
	)

	// The read pump only exists to surface client closes and process
	// control frames; observers never send data frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("{\"connectionId\":%q}", connID))); err != nil {
		return
	}

	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval())
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Info("observer disconnected", zap.String("connection_id", connID))
			return
		case env, open := <-sub.C:
			if !open {
				return
			}
			data, err := env.Encode()
			if err != nil {
				s.logger.Warn("encode stream frame failed", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-keepAlive.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
