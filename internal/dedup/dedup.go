// Package dedup provides process-local implementations of the admission store
// and the per-symbol lock arena. They back mock mode and tests; live mode uses
// the Redis implementations so multiple replicas share state.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// Admitter tracks signal IDs seen within a retention window. Admit is atomic:
// under concurrent identical IDs exactly one caller receives true. It is safe
// for concurrent use.
type Admitter struct {
	seen   map[string]time.Time // signal ID -> first seen
	window time.Duration
	mu     sync.Mutex
}

// NewAdmitter creates an Admitter that treats a signal ID as a duplicate if it
// was first seen within the given window.
func NewAdmitter(window time.Duration) *Admitter {
	return &Admitter{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// Admit records the signal ID and reports whether this caller is the first to
// present it within the retention window.
func (a *Admitter) Admit(_ context.Context, signalID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if first, ok := a.seen[signalID]; ok && now.Sub(first) < a.window {
		return false, nil
	}
	a.seen[signalID] = now
	return true, nil
}

// Seen reports whether the signal ID is already recorded within the window,
// without consuming the admission slot.
func (a *Admitter) Seen(_ context.Context, signalID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	first, ok := a.seen[signalID]
	return ok && time.Since(first) < a.window, nil
}

// Cleanup removes entries older than the retention window. Call periodically
// to prevent unbounded memory growth.
func (a *Admitter) Cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for id, ts := range a.seen {
		if now.Sub(ts) >= a.window {
			delete(a.seen, id)
		}
	}
}

// LockArena is an in-process per-symbol lock manager. Locks are created
// lazily on first acquisition and never removed; the symbol universe is
// small and bounded by the venue's listings.
type LockArena struct {
	locks map[string]*symbolLock
	mu    sync.Mutex
}

type symbolLock struct {
	held   bool
	expiry time.Time
	gen    uint64
}

// NewLockArena creates an empty lock arena.
func NewLockArena() *LockArena {
	return &LockArena{locks: make(map[string]*symbolLock)}
}

// Acquire attempts to take the lock for key. On success it returns an unlock
// function that is safe to call more than once. It returns domain.ErrLockHeld
// without blocking when another holder owns the lock; callers that must wait
// poll with backoff under their own deadline. A lock whose TTL has lapsed is
// treated as free, mirroring the Redis implementation's expiry behavior.
func (la *LockArena) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	la.mu.Lock()
	defer la.mu.Unlock()

	l, ok := la.locks[key]
	if !ok {
		l = &symbolLock{}
		la.locks[key] = l
	}
	if l.held && time.Now().Before(l.expiry) {
		return nil, domain.ErrLockHeld
	}
	l.held = true
	l.expiry = time.Now().Add(ttl)
	l.gen++

	// The generation pins unlock to this acquisition, the way the Redis
	// manager compares its token before DEL. A holder whose TTL lapsed must
	// not release the lock out from under the next holder.
	gen := l.gen
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			la.mu.Lock()
			if l.gen == gen {
				l.held = false
			}
			la.mu.Unlock()
		})
	}
	return unlock, nil
}

// Compile-time interface checks.
var (
	_ domain.Admitter    = (*Admitter)(nil)
	_ domain.LockManager = (*LockArena)(nil)
)
