package extraction

import "sync"

// callerLocks serializes the dedup-then-store critical section per caller.
// Entries are created lazily and removed when the last holder releases, so
// the map never grows with the historical caller population.
type callerLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newCallerLocks() *callerLocks {
	return &callerLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the caller's lock is held and returns the release
// function.
func (l *callerLocks) acquire(callerID string) func() {
	l.mu.Lock()
	e, ok := l.entries[callerID]
	if !ok {
		e = &lockEntry{}
		l.entries[callerID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, callerID)
		}
		l.mu.Unlock()
	}
}

// size reports the number of live lock entries. Test hook.
func (l *callerLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
