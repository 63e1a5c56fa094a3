package health

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestCheckAll_AggregatesResults(t *testing.T) {
	r := NewRegistry()
	r.Register("up", func(ctx context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("down", func(ctx context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("Expected aggregate unhealthy when one check fails")
	}
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "up" || statuses[1].Name != "down" {
		t.Errorf("Statuses out of registration order: %+v", statuses)
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("Detail not carried through: %q", statuses[1].Detail)
	}
}

func TestCheckAll_AllHealthy(t *testing.T) {
	r := NewRegistry()
	var calls atomic.Int32
	for _, name := range []string{"database", "chain"} {
		r.Register(name, func(ctx context.Context) Status {
			calls.Add(1)
			return Status{Healthy: true}
		})
	}

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("Expected aggregate healthy")
	}
	if calls.Load() != 2 {
		t.Errorf("Expected both checkers to run, got %d calls", calls.Load())
	}
	for _, st := range statuses {
		if st.LatencyMS < 0 {
			t.Errorf("Negative latency for %s", st.Name)
		}
	}
}

func TestCheckAll_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Error("Empty registry should report healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("Expected no statuses, got %d", len(statuses))
	}
}
