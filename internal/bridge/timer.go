package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically resumes pending settlements so timed-out external
// calls converge without operator intervention.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	sweeping atomic.Bool
}

// NewTimer creates a settlement resume timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the resume loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	// A slow sweep must not stack on the next tick.
	if !t.sweeping.CompareAndSwap(false, true) {
		t.logger.Debug("resume sweep still running, skipping tick")
		return
	}
	defer t.sweeping.Store(false)

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in resume timer", "panic", fmt.Sprint(r))
		}
	}()

	if err := t.service.ResumePending(ctx); err != nil && ctx.Err() == nil {
		t.logger.Warn("resume sweep failed", "error", err)
	}
}
