package dialog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/gateway/metrics"
)

// SchedulerConfig tunes one Scheduler run.
type SchedulerConfig struct {
	// WaitTimeout bounds how long the scheduler waits for the next event
	// before treating the producer as stalled. Default 180s.
	WaitTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Scheduler delivers timed events to a sink no earlier than T0 plus each
// event's offset, preserving queue order. Once Flush is called, pending
// and future events are delivered immediately regardless of offset.
type Scheduler struct {
	cfg SchedulerConfig

	flushOnce sync.Once
	flushed   chan struct{}
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 180 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		flushed: make(chan struct{}),
	}
}

// Flush switches the scheduler into immediate-delivery mode. Called at
// stream end so no event is left waiting out its offset.
func (s *Scheduler) Flush() {
	s.flushOnce.Do(func() { close(s.flushed) })
}

func (s *Scheduler) flushing() bool {
	select {
	case <-s.flushed:
		return true
	default:
		return false
	}
}

// Run consumes events from in until the end-of-stream sentinel, the
// context is cancelled, the queue closes, or no event arrives within
// WaitTimeout. Events already delivered are never affected by how the
// run ends.
func (s *Scheduler) Run(ctx context.Context, t0 time.Time, in *Queue[TimedEvent], sink Sink) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.WaitTimeout)
		ev, err := in.Get(waitCtx)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case err == ErrQueueClosed:
				return nil
			default:
				s.cfg.Logger.Error("scheduler: timed out waiting for next event",
					"wait_timeout", s.cfg.WaitTimeout)
				s.cfg.Metrics.RecordError("scheduler")
				return nil
			}
		}
		if ev.IsEndOfStream() {
			return nil
		}

		elapsed := time.Since(t0)
		remaining := ev.Offset - elapsed
		late := remaining < 0
		if remaining > 0 && !s.flushing() {
			timer := time.NewTimer(remaining)
			select {
			case <-timer.C:
			case <-s.flushed:
				timer.Stop()
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		if late {
			s.cfg.Logger.Warn("scheduler: delivering late event",
				"offset", ev.Offset, "elapsed", elapsed)
		}
		sink.Send(ev.Payload)
		s.cfg.Metrics.RecordTimedEvent(late)
	}
}
