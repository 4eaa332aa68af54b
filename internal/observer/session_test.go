package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedmux/feedmux/internal/progress"
)

// streamServer is a minimal in-test progress service: a static active-jobs
// snapshot plus an SSE endpoint fed from a shared frame channel.
type streamServer struct {
	srv    *httptest.Server
	frames chan string
	conns  atomic.Int32

	mu   sync.Mutex
	jobs []activeJob
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	ss := &streamServer{frames: make(chan string, 16)}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/jobs/active", func(w http.ResponseWriter, r *http.Request) {
		ss.mu.Lock()
		jobs := ss.jobs
		ss.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jobs": jobs})
	})
	mux.HandleFunc("/v1/events/stream", func(w http.ResponseWriter, r *http.Request) {
		ss.conns.Add(1)
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case f := <-ss.frames:
				fmt.Fprint(w, f)
				flusher.Flush()
			}
		}
	})
	ss.srv = httptest.NewServer(mux)
	t.Cleanup(ss.srv.Close)
	return ss
}

func (ss *streamServer) setJobs(jobs ...activeJob) {
	ss.mu.Lock()
	ss.jobs = jobs
	ss.mu.Unlock()
}

func (ss *streamServer) send(event string, env progress.Envelope) {
	data, _ := json.Marshal(env)
	ss.frames <- fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

func newSession(ss *streamServer, cfg Config) *Session {
	cfg.BaseURL = ss.srv.URL
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 10 * time.Millisecond
	}
	return NewSession(cfg)
}

func runSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// TestSessionResyncOnConnect verifies the active-jobs snapshot is replayed
// into the tree when the session first connects, parents and children alike.
func TestSessionResyncOnConnect(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	ss.setJobs(
		activeJob{JobID: "root", Status: "running", Message: "crawling"},
		activeJob{JobID: "child", ParentJobID: "root", Status: "running"},
	)

	s := newSession(ss, Config{})
	runSession(t, s)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && snap[0].ID == "root" && len(snap[0].Children) == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, StateConnected, s.Status())
}

// TestSessionAppliesStreamFrames verifies live envelopes mutate the tree.
func TestSessionAppliesStreamFrames(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	s := newSession(ss, Config{})
	runSession(t, s)

	require.Eventually(t, func() bool { return s.Status() == StateConnected }, 3*time.Second, 10*time.Millisecond)

	ss.send("progress", progress.Envelope{
		Type: progress.TypeProgress,
		Data: &progress.Event{JobID: "j1", Status: progress.StatusRunning, Message: "step 1"},
	})

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && snap[0].Message == "step 1"
	}, 3*time.Second, 20*time.Millisecond)
}

// TestSessionAuthExpiredTearsDown verifies the auth-expired frame stops the
// session for good instead of entering the reconnect loop.
func TestSessionAuthExpiredTearsDown(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	expired := make(chan struct{})
	s := newSession(ss, Config{
		OnAuthExpired: func() { close(expired) },
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.Status() == StateConnected }, 3*time.Second, 10*time.Millisecond)
	ss.send("auth-expired", progress.Envelope{Type: progress.TypeAuthExpired})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after auth expiry")
	}
	<-expired
	require.Equal(t, StateDisconnected, s.Status())
	require.LessOrEqual(t, int32(1), ss.conns.Load())
}

// TestSessionWatchdogReconnects verifies a silent connection is declared
// dead after the staleness threshold and the session dials again.
func TestSessionWatchdogReconnects(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	var errStates atomic.Int32
	s := newSession(ss, Config{
		StaleAfter: 50 * time.Millisecond,
		OnState: func(st State) {
			if st == StateError {
				errStates.Add(1)
			}
		},
	})
	runSession(t, s)

	require.Eventually(t, func() bool {
		return ss.conns.Load() >= 2 && errStates.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)
}

// TestSessionManualReconnect verifies Reconnect drops the live connection
// and dials a fresh one.
func TestSessionManualReconnect(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	s := newSession(ss, Config{})
	runSession(t, s)

	require.Eventually(t, func() bool { return s.Status() == StateConnected }, 3*time.Second, 10*time.Millisecond)
	before := ss.conns.Load()
	s.Reconnect()
	require.Eventually(t, func() bool { return ss.conns.Load() > before }, 3*time.Second, 20*time.Millisecond)
}

// TestSessionDismiss verifies a locally dismissed job disappears from the
// snapshot even while the stream stays quiet.
func TestSessionDismiss(t *testing.T) {
	t.Parallel()

	ss := newStreamServer(t)
	ss.setJobs(activeJob{JobID: "gone", Status: "running"})
	s := newSession(ss, Config{})
	runSession(t, s)

	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, 3*time.Second, 20*time.Millisecond)
	s.Dismiss("gone")
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 0 }, 3*time.Second, 20*time.Millisecond)
}

// TestReadFrames exercises the SSE parser directly: multi-line data,
// comment keep-alives, and frame boundaries.
func TestReadFrames(t *testing.T) {
	t.Parallel()

	input := "event: progress\ndata: {\"a\":1}\n\n: keep-alive\n\nevent: complete\ndata: {}\n\n"
	out := make(chan frame, 8)
	go readFrames(strings.NewReader(input), out, make(chan struct{}))

	var got []frame
	for f := range out {
		got = append(got, f)
	}
	require.Len(t, got, 3)
	require.Equal(t, "progress", got[0].event)
	require.JSONEq(t, `{"a":1}`, string(got[0].data))
	require.True(t, got[1].comment)
	require.Equal(t, "complete", got[2].event)
}

// TestReadFramesReleasedWhenAbandoned verifies the reader exits once the
// consumer stops receiving, even with more buffered frames than the channel
// holds and the stream still open.
func TestReadFramesReleasedWhenAbandoned(t *testing.T) {
	t.Parallel()

	var input strings.Builder
	for i := 0; i < 100; i++ {
		input.WriteString(": keep-alive\n\n")
	}
	out := make(chan frame, 4)
	done := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		finished <- readFrames(strings.NewReader(input.String()), out, done)
	}()

	// Nobody drains out; the reader must park on the send until released.
	close(done)
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked after consumer went away")
	}
}
