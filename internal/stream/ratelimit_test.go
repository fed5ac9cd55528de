package stream

import (
	"testing"
	"time"
)

func TestTokenBucketExhaustion(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	bucket := newTokenBucket(2, now)

	if !bucket.tryConsume(now) {
		t.Fatal("first consume should succeed")
	}
	if !bucket.tryConsume(now) {
		t.Fatal("second consume should succeed")
	}
	if bucket.tryConsume(now) {
		t.Fatal("third consume should be rejected")
	}
}

func TestTokenBucketRefillsAfterOneSecond(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	bucket := newTokenBucket(1, now)

	if !bucket.tryConsume(now) {
		t.Fatal("first consume should succeed")
	}
	if bucket.tryConsume(now.Add(500 * time.Millisecond)) {
		t.Fatal("consume within the same second should be rejected")
	}
	if !bucket.tryConsume(now.Add(time.Second)) {
		t.Fatal("consume after a full second should succeed")
	}
}

func TestTokenBucketRefillKeepsWholeSecondBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	bucket := newTokenBucket(1, now)

	if !bucket.tryConsume(now) {
		t.Fatal("first consume should succeed")
	}
	// Refill at t+1.7s advances lastRefill by whole seconds only, so the
	// next refill is due at t+2s, not t+2.7s.
	if !bucket.tryConsume(now.Add(1700 * time.Millisecond)) {
		t.Fatal("consume at t+1.7s should succeed after refill")
	}
	if !bucket.tryConsume(now.Add(2 * time.Second)) {
		t.Fatal("consume at t+2s should succeed")
	}
}

func TestTokenBucketDisabled(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	bucket := newTokenBucket(0, now)
	for i := 0; i < 100; i++ {
		if !bucket.tryConsume(now) {
			t.Fatalf("consume %d should succeed with limiting disabled", i)
		}
	}
}
