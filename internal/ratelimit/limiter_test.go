package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_PerKeyBurst(t *testing.T) {
	l := NewLimiter(0.001, 2)
	defer l.Stop()

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("expected burst of 2 for key a")
	}
	if l.Allow("a") {
		t.Fatal("expected third event for key a to be limited")
	}
	if !l.Allow("b") {
		t.Fatal("keys must not share buckets")
	}
}

func TestLimiter_EvictIdle(t *testing.T) {
	l := NewLimiter(1, 1)
	defer l.Stop()

	l.Allow("old")
	l.evictIdle(time.Now().Add(10 * time.Minute))

	l.mu.Lock()
	n := len(l.visitors)
	l.mu.Unlock()
	if n != 0 {
		t.Fatalf("visitors = %d, want 0", n)
	}
}

func TestLimiter_StopIsIdempotent(t *testing.T) {
	l := NewLimiter(1, 1)
	l.Stop()
	l.Stop()
}
