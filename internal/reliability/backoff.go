package reliability

import (
	"sync"
	"time"
)

// Backoff tracks consecutive failures per key and when the key may be tried again.
type Backoff struct {
	base time.Duration
	cap  time.Duration

	mu      sync.Mutex
	entries map[string]backoffEntry
}

type backoffEntry struct {
	failures int
	next     time.Time
}

func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return &Backoff{base: base, cap: cap, entries: make(map[string]backoffEntry)}
}

// Ready reports whether key has no pending backoff at now.
func (b *Backoff) Ready(key string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return !ok || !now.Before(e.next)
}

// Failure records a failure and returns the wait before the next attempt.
func (b *Backoff) Failure(key string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[key]
	wait := ExponentialBackoff(e.failures, b.base, b.cap)
	e.failures++
	e.next = now.Add(wait)
	b.entries[key] = e
	return wait
}

func (b *Backoff) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries[key].failures
}

func (b *Backoff) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}
