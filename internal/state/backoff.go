package state

import (
	"sync"
	"time"
)

// BackoffPolicy configures a BackoffLedger.
type BackoffPolicy struct {
	Base     time.Duration
	MaxTries int
}

var (
	DefaultExecutionBackoff   = BackoffPolicy{Base: 10 * time.Second, MaxTries: 6}
	DefaultLiquidationBackoff = BackoffPolicy{Base: 30 * time.Second, MaxTries: 6}
)

// Attempt is the submission history of one action key.
type Attempt struct {
	LastAttempt time.Time
	Count       int
}

// BackoffLedger tracks submission attempts per key. The k-th retry becomes
// eligible base × 2^(k-1) after the previous attempt; after MaxTries
// attempts the key is exhausted.
type BackoffLedger[K comparable] struct {
	mu      sync.Mutex
	policy  BackoffPolicy
	entries map[K]Attempt
}

func NewBackoffLedger[K comparable](policy BackoffPolicy) *BackoffLedger[K] {
	return &BackoffLedger[K]{
		policy:  policy,
		entries: make(map[K]Attempt),
	}
}

// Policy returns the ledger configuration.
func (l *BackoffLedger[K]) Policy() BackoffPolicy {
	return l.policy
}

// Delay returns the wait required after count attempts.
func (l *BackoffLedger[K]) Delay(count int) time.Duration {
	if count <= 0 {
		return 0
	}
	return l.policy.Base << (count - 1)
}

// Exhausted reports whether key has used all its attempts.
func (l *BackoffLedger[K]) Exhausted(key K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[key].Count >= l.policy.MaxTries
}

// Eligible reports whether key may be attempted at now.
func (l *BackoffLedger[K]) Eligible(key K, now time.Time) bool {
	l.mu.Lock()
	a, ok := l.entries[key]
	l.mu.Unlock()

	if !ok {
		return true
	}
	if a.Count >= l.policy.MaxTries {
		return false
	}
	return !now.Before(a.LastAttempt.Add(l.Delay(a.Count)))
}

// Record stamps an attempt for key and returns the updated entry.
func (l *BackoffLedger[K]) Record(key K, now time.Time) Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.entries[key]
	a.Count++
	a.LastAttempt = now
	l.entries[key] = a
	return a
}

// Get returns the entry for key.
func (l *BackoffLedger[K]) Get(key K) (Attempt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.entries[key]
	return a, ok
}

// Forget drops key so that its next attempt starts fresh.
func (l *BackoffLedger[K]) Forget(key K) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Prune forgets entries whose last attempt is before cutoff and returns how
// many were removed.
func (l *BackoffLedger[K]) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, a := range l.entries {
		if a.LastAttempt.Before(cutoff) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

func (l *BackoffLedger[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a copy of all entries.
func (l *BackoffLedger[K]) Snapshot() map[K]Attempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[K]Attempt, len(l.entries))
	for k, a := range l.entries {
		out[k] = a
	}
	return out
}
