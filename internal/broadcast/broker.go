// Package broadcast fans accepted progress envelopes out to every live
// observer. Delivery is at-most-once and best-effort: sends never block the
// producer, a slow observer loses frames instead of stalling the others, and
// a cancelled observer is pruned without touching the rest.
package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/feedmux/feedmux/internal/progress"
)

// Config controls observer channel sizing.
//   - Buffer: per-observer channel capacity (default 64).
//   - Logger: optional structured logger used for drop warnings.
type Config struct {
	Buffer int
	Logger *zap.Logger
}

const (
	defaultObserverBuffer = 64
	dropLogInterval       = 5 * time.Second
)

// Broker is the observer registry. Safe for concurrent use.
type Broker struct {
	cfg         Config
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	nextID      atomic.Uint64

	mu     sync.RWMutex
	subs   map[uint64]chan progress.Envelope
	closed bool
}

// Subscription is one observer's live feed. Cancel is idempotent and
// detaches the observer without affecting anyone else.
type Subscription struct {
	C      <-chan progress.Envelope
	id     uint64
	broker *Broker
	once   sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.broker.remove(s.id)
	})
}

// NewBroker creates an empty Broker.
func NewBroker(cfg Config) *Broker {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultObserverBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		cfg:         cfg,
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		subs:        make(map[uint64]chan progress.Envelope),
	}
}

// Subscribe registers a new observer channel. The returned subscription's
// channel is closed when cancelled or when the broker shuts down.
func (b *Broker) Subscribe() *Subscription {
	id := b.nextID.Add(1)
	ch := make(chan progress.Envelope, b.cfg.Buffer)

	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs[id] = ch
	}
	b.mu.Unlock()

	return &Subscription{C: ch, id: id, broker: b}
}

// Broadcast writes the envelope to every live observer. A full observer
// buffer drops that observer's frame only; the send never blocks and never
// fails globally.
func (b *Broker) Broadcast(env progress.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			total := b.dropped.Add(1)
			if b.dropLimiter.Allow(time.Now()) {
				b.logger.Warn("observer frames dropped due to slow consumer", zap.Int64("dropped_total", total))
			}
		}
	}
}

// Len reports the number of live observers.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports the total frames dropped over the broker's lifetime. The
// counter is monotonic so callers can compute deltas for their own metrics.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// Close detaches and closes every observer channel. Subsequent Broadcast
// calls are no-ops and new subscriptions arrive pre-closed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
