package progress

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ReaperConfig controls the stale-job sweep.
//   - Interval: tick period (default 30s).
//   - JobTTL: roots untouched longer than this are evicted (default 3m).
//   - OrphanTTL: eviction threshold for permanently unattached nodes;
//     defaults to JobTTL. The producer may crash before a parent event is
//     ever sent, so orphans need their own aging policy.
type ReaperConfig struct {
	Interval  time.Duration
	JobTTL    time.Duration
	OrphanTTL time.Duration
	Clock     Clock
	Logger    *zap.Logger
}

const (
	defaultReapInterval = 30 * time.Second
	defaultJobTTL       = 3 * time.Minute
)

// Reaper periodically evicts abandoned jobs from a Tree. It only sweeps
// while resumed: the owning session pauses it whenever its connection is
// down, so a dead channel is never mistaken for a dead producer.
//
// Sweep mutates the Tree, so Run must be driven from the same goroutine
// discipline as the Tree's other writers; the session accomplishes that by
// calling Tick from its event loop. Run is a convenience loop for trees
// with a dedicated owner.
type Reaper struct {
	cfg    ReaperConfig
	tree   *Tree
	logger *zap.Logger
	paused atomic.Bool
}

// NewReaper wires a Reaper to the tree it sweeps. It starts resumed.
func NewReaper(cfg ReaperConfig, tree *Tree) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultReapInterval
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = defaultJobTTL
	}
	if cfg.OrphanTTL <= 0 {
		cfg.OrphanTTL = cfg.JobTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{cfg: cfg, tree: tree, logger: logger}
}

// Pause suspends sweeping; ticks become no-ops until Resume.
func (r *Reaper) Pause() { r.paused.Store(true) }

// Resume re-enables sweeping.
func (r *Reaper) Resume() { r.paused.Store(false) }

// Paused reports whether ticks are currently no-ops.
func (r *Reaper) Paused() bool { return r.paused.Load() }

// Tick performs one sweep, returning how many subtrees were evicted.
func (r *Reaper) Tick() int {
	if r.paused.Load() {
		return 0
	}
	now := r.cfg.Clock.Now()
	evicted := r.tree.SweepStale(now, r.cfg.JobTTL, r.cfg.OrphanTTL)
	if evicted > 0 {
		r.logger.Debug("reaper evicted stale jobs", zap.Int("evicted", evicted))
	}
	return evicted
}

// Run ticks on the configured interval until ctx finishes.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick()
		}
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
