package flow

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// ThreadLocks provides a non-blocking exclusive lock per thread id.
// Entries are reference counted and removed once no caller holds or waits on them.
type ThreadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewThreadLocks creates an empty lock table.
func NewThreadLocks() *ThreadLocks {
	return &ThreadLocks{locks: make(map[string]*threadLock)}
}

// TryAcquire takes the lock for threadID without waiting. It returns a
// release function and true on success, or nil and false when the thread
// is already held.
func (l *ThreadLocks) TryAcquire(threadID string) (func(), bool) {
	l.mu.Lock()
	entry, ok := l.locks[threadID]
	if !ok {
		entry = &threadLock{sem: semaphore.NewWeighted(1)}
		l.locks[threadID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	if !entry.sem.TryAcquire(1) {
		l.unref(threadID, entry)
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.unref(threadID, entry)
		})
	}, true
}

func (l *ThreadLocks) unref(threadID string, entry *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, threadID)
	}
}

// Len returns the number of live lock entries.
func (l *ThreadLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
