package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs oracle cycles on a fixed interval. A cycle still in
// flight when the next tick fires is skipped, never queued, since
// cycles read-then-write the same reserve state.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	cycling  atomic.Bool
}

// NewTimer creates an oracle timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
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

// Start begins the cycle loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	// Publish once at startup so the peg state is fresh immediately.
	t.safeCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeCycle(ctx)
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

func (t *Timer) safeCycle(ctx context.Context) {
	if !t.cycling.CompareAndSwap(false, true) {
		t.logger.Warn("oracle cycle still in flight, skipping tick")
		return
	}
	defer t.cycling.Store(false)

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in oracle timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.service.Run(ctx); err != nil && ctx.Err() == nil {
		t.logger.Warn("oracle cycle failed, will retry on next tick", "error", err)
	}
}
