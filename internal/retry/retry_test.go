package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	sentinel := errors.New("upstream down")
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Do returned %v, want sentinel", err)
	}
	if calls != 3 {
		t.Fatalf("fn called %d times, want 3", calls)
	}
}

func TestDo_PermanentErrorShortCircuits(t *testing.T) {
	calls := 0
	sentinel := errors.New("bad request")
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Do returned %v, want sentinel", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times after permanent error, want 1", calls)
	}
	// The permanent wrapper must not leak to callers.
	var pe *PermanentError
	if errors.As(err, &pe) {
		t.Error("Do returned the wrapper instead of the inner error")
	}
}

func TestDo_CancelledContextStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, 10, 500*time.Millisecond, func() error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do returned %v, want context.Canceled", err)
	}
	if calls > 2 {
		t.Fatalf("fn called %d times before cancellation, want at most 2", calls)
	}
}

func TestDo_AttemptFloorIsOne(t *testing.T) {
	calls := 0
	if err := Do(context.Background(), 0, time.Millisecond, func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("Do returned %v, want nil", err)
	}
	if calls != 1 {
		t.Fatalf("fn called %d times, want 1", calls)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 1; attempt <= 12; attempt++ {
		d := backoff(base, attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: backoff %v, want positive", attempt, d)
		}
		if d > maxDelay {
			t.Fatalf("attempt %d: backoff %v exceeds cap %v", attempt, d, maxDelay)
		}
	}
}
