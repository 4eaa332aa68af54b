// Package observer implements the client side of the progress stream: a
// session that maintains one live connection, applies envelopes to a local
// job tree, and recovers from gaps by resyncing against the active-jobs
// snapshot.
package observer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedmux/feedmux/internal/metrics"
	"github.com/feedmux/feedmux/internal/progress"
)

// State is the session's connection state as surfaced to callers.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

// Config controls one Session.
type Config struct {
	// BaseURL is the service root, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey, when set, is sent as X-API-Key on every request.
	APIKey string
	// StaleAfter is the watchdog threshold: if no frame of any kind
	// (keep-alive comments included) arrives within it, the connection is
	// treated as dead. Default 45s.
	StaleAfter time.Duration
	// SettleDelay is the pause before each reconnect attempt. Default 500ms.
	SettleDelay time.Duration

	ReapInterval time.Duration
	JobTTL       time.Duration
	OrphanTTL    time.Duration

	HTTPClient *http.Client
	Clock      progress.Clock
	Logger     *zap.Logger

	// OnState is invoked on every state transition. Optional.
	OnState func(State)
	// OnAuthExpired is invoked once when the server signals credential
	// expiry; the session is already torn down when it fires. Optional.
	OnAuthExpired func()
	// OnUpdate is invoked after each applied envelope or completed resync,
	// so a renderer knows the tree changed. Optional.
	OnUpdate func()
}

const (
	defaultStaleAfter  = 45 * time.Second
	defaultSettleDelay = 500 * time.Millisecond
)

// Session owns one progress Tree and the connection feeding it. All tree
// mutations happen on the Run goroutine; public accessors post closures to
// that goroutine, so the Tree itself needs no locking.
type Session struct {
	cfg    Config
	client *http.Client
	clock  progress.Clock
	logger *zap.Logger

	tree   *progress.Tree
	reaper *progress.Reaper

	cmds      chan func()
	reconnect chan struct{}

	stateMu sync.RWMutex
	state   State
}

// NewSession builds a Session; call Run to start it.
func NewSession(cfg Config) *Session {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = sysClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	tree := progress.NewTree()
	reaper := progress.NewReaper(progress.ReaperConfig{
		Interval:  cfg.ReapInterval,
		JobTTL:    cfg.JobTTL,
		OrphanTTL: cfg.OrphanTTL,
		Clock:     clock,
		Logger:    logger,
	}, tree)
	// Nothing is connected yet, so a sweep now would evict jobs the session
	// simply has not heard about.
	reaper.Pause()

	return &Session{
		cfg:       cfg,
		client:    client,
		clock:     clock,
		logger:    logger,
		tree:      tree,
		reaper:    reaper,
		cmds:      make(chan func(), 16),
		reconnect: make(chan struct{}, 1),
		state:     StateDisconnected,
	}
}

// Run drives the session until ctx finishes or the server expires the
// session's credentials. It reconnects on every failure with the configured
// settle delay.
func (s *Session) Run(ctx context.Context) error {
	defer s.setState(StateDisconnected)
	defer s.reaper.Pause()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(StateConnecting)
		s.reaper.Pause()

		body, err := s.openStream(ctx)
		if err != nil {
			s.logger.Warn("stream connect failed", zap.Error(err))
			s.setState(StateError)
			if !s.settle(ctx) {
				return ctx.Err()
			}
			continue
		}

		s.setState(StateConnected)
		s.reaper.Resume()

		if err := s.resync(ctx); err != nil {
			s.logger.Warn("resync failed", zap.Error(err))
			body.Close()
			s.setState(StateError)
			if !s.settle(ctx) {
				return ctx.Err()
			}
			continue
		}

		err = s.consume(ctx, body)
		body.Close()
		if err == errAuthExpired {
			s.logger.Info("session credentials expired")
			s.setState(StateDisconnected)
			s.reaper.Pause()
			if s.cfg.OnAuthExpired != nil {
				s.cfg.OnAuthExpired()
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("stream lost", zap.Error(err))
		}
		s.setState(StateError)
		if !s.settle(ctx) {
			return ctx.Err()
		}
	}
}

// Reconnect forces the session to drop its current connection and dial
// again after the settle delay. Safe to call from any goroutine; coalesces
// if a reconnect is already pending.
func (s *Session) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Dismiss removes a job (and its subtree) from the local tree.
func (s *Session) Dismiss(jobID string) {
	s.post(func() {
		s.tree.Dismiss(jobID)
		s.updated()
	})
}

// ClearFinished prunes finished subtrees, keeping finished ancestors that
// still have running work beneath them.
func (s *Session) ClearFinished() {
	s.post(func() {
		s.tree.ClearFinished()
		s.updated()
	})
}

// Snapshot returns a deep copy of the current tree roots. It round-trips
// through the session goroutine, so it observes a consistent tree; it
// returns nil once the session has stopped.
func (s *Session) Snapshot() []*progress.JobNode {
	out := make(chan []*progress.JobNode, 1)
	if !s.post(func() { out <- s.tree.Snapshot() }) {
		return nil
	}
	select {
	case snap := <-out:
		return snap
	case <-time.After(5 * time.Second):
		return nil
	}
}

// Status reports the most recently published state.
func (s *Session) Status() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

var errAuthExpired = fmt.Errorf("auth expired")

// consume reads SSE frames until the stream dies, the watchdog fires, a
// reconnect is requested, or the server expires the session.
func (s *Session) consume(ctx context.Context, body io.ReadCloser) error {
	frames := make(chan frame, 16)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		readErr <- readFrames(body, frames, done)
	}()

	watchdog := time.NewTimer(s.cfg.StaleAfter)
	defer watchdog.Stop()
	reap := time.NewTicker(s.cfg.ReapInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.reconnect:
			return fmt.Errorf("reconnect requested")
		case <-watchdog.C:
			return fmt.Errorf("no frames within %s", s.cfg.StaleAfter)
		case <-reap.C:
			if n := s.reaper.Tick(); n > 0 {
				metrics.ObserveReaperEvictions(n)
				s.updated()
			}
		case cmd := <-s.cmds:
			cmd()
		case err := <-readErr:
			if err == nil {
				err = io.EOF
			}
			return err
		case f := <-frames:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(s.cfg.StaleAfter)
			if f.comment {
				continue
			}
			if err := s.handleFrame(f); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleFrame(f frame) error {
	switch f.event {
	case "connected":
		return nil
	case string(progress.TypeAuthExpired):
		return errAuthExpired
	case string(progress.TypeKeepAlive):
		return nil
	}

	env, err := progress.DecodeEnvelope(f.data)
	if err != nil {
		s.logger.Warn("bad stream frame", zap.Error(err))
		return nil
	}
	switch env.Type {
	case progress.TypeAuthExpired:
		return errAuthExpired
	case progress.TypeKeepAlive:
		return nil
	}
	if env.Data == nil {
		return nil
	}
	s.tree.Apply(*env.Data, s.clock.Now())
	s.updated()
	return nil
}

// resync fetches the authoritative active-jobs snapshot and replays it
// through the same apply path as live events, repairing anything missed
// while disconnected.
func (s *Session) resync(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodGet, "/v1/jobs/active", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch active jobs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch active jobs: status %d", resp.StatusCode)
	}

	var payload struct {
		Jobs []activeJob `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode active jobs: %w", err)
	}

	now := s.clock.Now()
	for _, job := range payload.Jobs {
		s.tree.Apply(job.toEvent(), now)
	}
	s.updated()
	s.logger.Info("resynced active jobs", zap.Int("jobs", len(payload.Jobs)))
	return nil
}

func (s *Session) openStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := s.newRequest(ctx, http.MethodGet, "/v1/events/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected content type %q", ct)
	}
	return resp.Body, nil
}

func (s *Session) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(s.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", s.cfg.APIKey)
	}
	return req, nil
}

// settle waits out the reconnect delay, still servicing queued tree
// commands so Dismiss and Snapshot keep working while offline. False means
// ctx finished first.
func (s *Session) settle(ctx context.Context) bool {
	deadline := time.NewTimer(s.cfg.SettleDelay)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-s.cmds:
			cmd()
		case <-deadline.C:
			return true
		}
	}
}

// post queues work onto the session goroutine. Between connections the
// queue still drains on the next consume loop, so a full buffer only
// happens when the session is gone; those closures are dropped.
func (s *Session) post(fn func()) bool {
	select {
	case s.cmds <- fn:
		return true
	case <-time.After(time.Second):
		return false
	}
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	changed := s.state != st
	s.state = st
	s.stateMu.Unlock()
	if changed && s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}

func (s *Session) updated() {
	if s.cfg.OnUpdate != nil {
		s.cfg.OnUpdate()
	}
}

type activeJob struct {
	JobID       string          `json:"jobId"`
	ParentJobID string          `json:"parentJobId"`
	JobType     string          `json:"jobType"`
	Status      string          `json:"status"`
	Message     string          `json:"message"`
	Error       string          `json:"error"`
	Payload     json.RawMessage `json:"payload"`
}

func (a activeJob) toEvent() progress.Event {
	return progress.Event{
		JobID:       a.JobID,
		ParentJobID: a.ParentJobID,
		JobType:     a.JobType,
		Status:      progress.JobStatus(a.Status),
		Message:     a.Message,
		Error:       a.Error,
		Payload:     a.Payload,
	}
}

type frame struct {
	event   string
	data    []byte
	comment bool
}

// readFrames parses the SSE wire format: "event:"/"data:" lines accumulate
// into one frame terminated by a blank line; comment lines (leading colon)
// are emitted as keep-alive signals of their own. done releases the reader
// when the consumer has stopped receiving, since closing the body only
// unblocks reads, not a pending channel send.
func readFrames(r io.Reader, out chan<- frame, done <-chan struct{}) error {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	emit := func(f frame) bool {
		select {
		case out <- f:
			return true
		case <-done:
			return false
		}
	}

	var cur frame
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.event != "" || data.Len() > 0 {
				cur.data = append([]byte(nil), data.Bytes()...)
				if !emit(cur) {
					return nil
				}
			}
			cur = frame{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			if !emit(frame{comment: true}) {
				return nil
			}
		case strings.HasPrefix(line, "event:"):
			cur.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

type sysClock struct{}

func (sysClock) Now() time.Time { return time.Now().UTC() }
