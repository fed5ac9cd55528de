package stream

import "time"

// tokenBucket gates inbound messages for one client. The bucket refills to
// capacity once per elapsed whole second, computed from wall-clock time at
// check time rather than by a per-client timer.
type tokenBucket struct {
	capacity   int
	tokens     int
	lastRefill time.Time
}

func newTokenBucket(capacity int, now time.Time) tokenBucket {
	return tokenBucket{capacity: capacity, tokens: capacity, lastRefill: now}
}

// tryConsume refills for elapsed whole seconds, then takes one token if any
// remain. A non-positive capacity disables limiting.
func (b *tokenBucket) tryConsume(now time.Time) bool {
	if b.capacity <= 0 {
		return true
	}
	if elapsed := now.Sub(b.lastRefill); elapsed >= time.Second {
		b.tokens = b.capacity
		b.lastRefill = b.lastRefill.Add(elapsed.Truncate(time.Second))
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
