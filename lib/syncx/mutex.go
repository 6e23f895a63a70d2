// Package syncx contains bounded-wait synchronisation primitives.
package syncx

import "time"

// Mutex is an exclusive lock whose acquisition can be bounded by a deadline.
// Every fallible caller should use LockTimeout so contention degrades to a
// soft failure instead of blocking indefinitely. The zero value is not
// usable; construct with NewMutex.
type Mutex struct {
	sem chan struct{}
}

// NewMutex constructs an unlocked mutex.
func NewMutex() *Mutex {
	m := new(Mutex)
	m.sem = make(chan struct{}, 1)
	m.sem <- struct{}{}
	return m
}

// LockTimeout acquires the lock, waiting at most d. It reports whether the
// lock was acquired; on false the caller must not touch the guarded state.
func (m *Mutex) LockTimeout(d time.Duration) bool {
	if m.TryLock() {
		return true
	}
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.sem:
		return true
	case <-timer.C:
		return false
	}
}

// Lock acquires the lock with no bound. Reserved for teardown paths where
// failing would leak state.
func (m *Mutex) Lock() {
	<-m.sem
}

// TryLock acquires the lock only if it is immediately available.
func (m *Mutex) TryLock() bool {
	select {
	case <-m.sem:
		return true
	default:
		return false
	}
}

// Unlock releases the lock. Unlocking an unheld mutex panics.
func (m *Mutex) Unlock() {
	select {
	case m.sem <- struct{}{}:
	default:
		panic("syncx: unlock of unlocked mutex")
	}
}
