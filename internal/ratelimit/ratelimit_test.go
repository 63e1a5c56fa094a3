package ratelimit

import (
	"testing"
	"time"
)

func testLimiter(rpm, burst int) *Limiter {
	l := New(Config{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
	return l
}

func TestAllow_BurstThenDeny(t *testing.T) {
	l := testLimiter(60, 3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request beyond burst was allowed")
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := testLimiter(60, 1)
	defer l.Stop()

	if !l.Allow("10.0.0.1") {
		t.Fatal("first client denied")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("second client denied because of first client's usage")
	}
	if l.Allow("10.0.0.1") {
		t.Error("first client allowed past its burst")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := testLimiter(6000, 1) // 100 tokens/sec so the test stays fast
	defer l.Stop()

	if !l.Allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("bucket should be empty")
	}

	time.Sleep(50 * time.Millisecond)
	if !l.Allow("10.0.0.1") {
		t.Error("bucket did not refill")
	}
}
