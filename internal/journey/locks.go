package journey

import "sync"

// runLocks serializes scheduler invocations for one (user, journey) inside
// this process. Entries are reference counted and dropped when unused so
// the map does not grow with the user base. Cross-process exclusion comes
// from the ledger's unique ref constraint.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// lock acquires the mutex for (userID, journeyID) and returns its release func.
func (r *runLocks) lock(userID, journeyID string) func() {
	key := userID + "\x00" + journeyID

	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &runLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// size returns the number of live lock entries.
func (r *runLocks) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
