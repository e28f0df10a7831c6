package sessions

import (
	"context"
	"log/slog"
	"time"

	"github.com/voxlane/voxlane/pkg/gateway/metrics"
)

// SweeperConfig tunes the lifecycle sweeper.
type SweeperConfig struct {
	// Interval between sweeps. Default 60s.
	Interval time.Duration

	// IdleTimeout is how long a session may sit without activity before
	// eviction. Default 2m.
	IdleTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Sweeper periodically scans the registry and evicts sessions that are
// marked for removal, idle beyond the timeout, or whose connection has
// gone away. Eviction of one session never touches another.
type Sweeper struct {
	reg *Registry
	cfg SweeperConfig
}

func NewSweeper(reg *Registry, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{reg: reg, cfg: cfg}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.Sweep()
		}
	}
}

// Sweep performs one scan and returns how many sessions were evicted.
func (sw *Sweeper) Sweep() int {
	evicted := 0
	for _, s := range sw.reg.Snapshot() {
		reason, ok := sw.evictable(s)
		if !ok {
			continue
		}
		sw.evict(s, reason)
		evicted++
	}
	return evicted
}

func (sw *Sweeper) evictable(s *Session) (string, bool) {
	switch {
	case s.KillRequested():
		return "kill_requested", true
	case time.Since(s.LastActivity()) > sw.cfg.IdleTimeout:
		return "idle", true
	case s.Disconnected():
		return "disconnected", true
	default:
		return "", false
	}
}

func (sw *Sweeper) evict(s *Session, reason string) {
	s.Shutdown()
	sw.reg.Remove(s.ID)
	sw.cfg.Logger.Info("session evicted",
		"session_id", s.ID, "reason", reason, "age", s.Age())
	sw.cfg.Metrics.RecordSessionEnd(reason, s.Age())
}
