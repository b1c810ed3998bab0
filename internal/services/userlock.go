// Package services – per-user concurrency guard.
//
// Every mutation that touches one user's ledger stream or achievement state
// runs under that user's exclusive critical section, so two concurrent
// consume requests can never both read the same prior balance and both decide
// it is sufficient. Different users never contend: there is one lock per user
// id and no global lock.
//
// This in-process registry is the first line of defense; the optimistic
// version compare-and-swap on the achievement state row (repo.SaveState)
// catches writers in other processes.
package services

import "sync"

// userLock is one user's mutex plus a reference count so idle entries can be
// evicted from the registry once no request holds or awaits them.
type userLock struct {
	mu   sync.Mutex
	refs int
}

// UserLocks is a registry of per-user mutexes. The zero value is not usable;
// construct with NewUserLocks. Safe for concurrent use.
type UserLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

// NewUserLocks returns an empty lock registry.
func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[string]*userLock)}
}

// Acquire blocks until the caller holds userID's exclusive section and
// returns the release function. Callers must release exactly once, typically
// via defer.
func (ul *UserLocks) Acquire(userID string) (release func()) {
	ul.mu.Lock()
	l, ok := ul.locks[userID]
	if !ok {
		l = &userLock{}
		ul.locks[userID] = l
	}
	l.refs++
	ul.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			ul.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(ul.locks, userID)
			}
			ul.mu.Unlock()
		})
	}
}
