package storage

import "sync"

// docLocks hands out one mutex per document ID. Writers block; cleanup passes only try,
// so a document being written is never swept.
type docLocks struct {
	mu sync.Mutex
	m  map[string]*docLock
}

type docLock struct {
	mu   sync.Mutex
	refs int
}

func newDocLocks() *docLocks {
	return &docLocks{m: make(map[string]*docLock)}
}

func (l *docLocks) acquire(id string) *docLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	dl, ok := l.m[id]
	if !ok {
		dl = &docLock{}
		l.m[id] = dl
	}
	dl.refs++
	return dl
}

func (l *docLocks) release(id string, dl *docLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dl.refs--
	if dl.refs == 0 {
		delete(l.m, id)
	}
}

// lock blocks until id is free.
func (l *docLocks) lock(id string) func() {
	dl := l.acquire(id)
	dl.mu.Lock()
	return func() {
		dl.mu.Unlock()
		l.release(id, dl)
	}
}

// tryLock returns ok=false when id is held.
func (l *docLocks) tryLock(id string) (func(), bool) {
	dl := l.acquire(id)
	if !dl.mu.TryLock() {
		l.release(id, dl)
		return nil, false
	}
	return func() {
		dl.mu.Unlock()
		l.release(id, dl)
	}, true
}
