package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DebouncerConfig controls coalescing behavior.
//   - Window: trailing-edge quiet period per job id (default 100ms).
//   - Logger: optional structured logger used for warnings.
type DebouncerConfig struct {
	Window time.Duration
	Logger *zap.Logger
}

const defaultDebounceWindow = 100 * time.Millisecond

// Dispatch receives envelopes that cleared the debounce stage.
type Dispatch func(Envelope)

// Debouncer coalesces rapid progress updates per job id, dispatching only
// the latest payload once a burst goes quiet. Non-progress envelopes bypass
// the timer table and dispatch immediately. It is safe for concurrent use;
// callers never block on dispatch timing.
type Debouncer struct {
	cfg      DebouncerConfig
	dispatch Dispatch
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingDispatch
	closed  bool
}

type pendingDispatch struct {
	timer *time.Timer
	env   Envelope
}

// NewDebouncer wires a Debouncer to its downstream dispatch function.
func NewDebouncer(cfg DebouncerConfig, dispatch Dispatch) *Debouncer {
	if cfg.Window <= 0 {
		cfg.Window = defaultDebounceWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{
		cfg:      cfg,
		dispatch: dispatch,
		logger:   logger,
		pending:  make(map[string]*pendingDispatch),
	}
}

// Emit accepts a validated envelope. Progress envelopes restart their job's
// window and overwrite the stored payload; everything else passes straight
// through. After the last event of a burst exactly one dispatch occurs,
// carrying the final payload.
func (d *Debouncer) Emit(env Envelope) {
	if d == nil {
		return
	}
	if env.Type != TypeProgress || env.Data == nil {
		d.dispatch(env)
		return
	}

	jobID := env.Data.JobID

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if p, ok := d.pending[jobID]; ok {
		p.env = env
		p.timer.Reset(d.cfg.Window)
		d.mu.Unlock()
		return
	}
	p := &pendingDispatch{env: env}
	p.timer = time.AfterFunc(d.cfg.Window, func() {
		d.fire(jobID)
	})
	d.pending[jobID] = p
	d.mu.Unlock()
}

func (d *Debouncer) fire(jobID string) {
	d.mu.Lock()
	p, ok := d.pending[jobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, jobID)
	env := p.env
	d.mu.Unlock()

	d.dispatch(env)
}

// PendingJobs reports how many job ids currently have an armed timer.
func (d *Debouncer) PendingJobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops all timers and flushes each pending payload exactly once.
// Subsequent Emit calls for progress envelopes are ignored.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	flush := make([]Envelope, 0, len(d.pending))
	for jobID, p := range d.pending {
		if p.timer.Stop() {
			flush = append(flush, p.env)
		}
		delete(d.pending, jobID)
	}
	d.mu.Unlock()

	for _, env := range flush {
		d.dispatch(env)
	}
	if len(flush) > 0 {
		d.logger.Debug("debouncer flushed pending payloads on close", zap.Int("count", len(flush)))
	}
}
