package rebase

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs rebase cycles on a fixed interval. An in-flight cycle
// blocks the next tick from starting a second one; the tick is skipped,
// not queued, because each cycle sizes its adjustment from the supply
// it just read.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	cycling  atomic.Bool
}

// NewTimer creates a rebase timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 24 * time.Hour
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
		t.logger.Warn("rebase cycle still in flight, skipping tick")
		return
	}
	defer t.cycling.Store(false)

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in rebase timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.service.Run(ctx); err != nil && ctx.Err() == nil {
		t.logger.Warn("rebase cycle failed, will retry on next tick", "error", err)
	}
}
