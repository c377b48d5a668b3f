// Package spinlock provides the cooperative test-and-set spinlock
// the spec calls for in several narrow places (§5): the per-volume l2_lock,
// the PICO-profile bitmap read-modify-write, and the striped lock array
// backing the 128-bit CAS fallback in package bitmap. It is deliberately not
// sync.Mutex — the spec's concurrency model calls these out as spinlocks
// with "cooperative yields allowed", bounded by a single sector I/O or a
// narrow in-RAM swap, never as a blocking OS primitive.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// Spin is a single spinlock. Zero value is unlocked.
type Spin struct {
	held atomic.Bool
}

// Lock spins until the lock is acquired, yielding the scheduler between
// attempts so a genuine OS thread can make progress.
func (s *Spin) Lock() {
	for !s.TryLock() {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the lock without blocking.
func (s *Spin) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking an already-unlocked Spin is a no-op.
func (s *Spin) Unlock() {
	s.held.Store(false)
}

// Striped is a fixed-size array of spinlocks, used to shard contention
// across many independent keys (e.g. bitmap word indices) without paying for
// one lock per key.
type Striped struct {
	locks []Spin
}

// NewStriped builds a Striped lock set with n stripes. n is rounded up to
// the next power of two for cheap masking.
func NewStriped(n int) *Striped {
	if n < 1 {
		n = 1
	}
	sz := 1
	for sz < n {
		sz <<= 1
	}
	return &Striped{locks: make([]Spin, sz)}
}

// For returns the spinlock stripe for the given key.
func (s *Striped) For(key uint64) *Spin {
	return &s.locks[key&uint64(len(s.locks)-1)]
}
