package rolechange

import (
	"context"
	"sync"
)

// identityLocks serializes pipelines per identity within one process.
// Entries are reference counted and removed once nobody holds or waits.
type identityLocks struct {
	mu      sync.Mutex
	entries map[string]*identityLock
}

type identityLock struct {
	ch   chan struct{}
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{entries: make(map[string]*identityLock)}
}

// acquire blocks until id is free or ctx ends. The returned func releases it.
func (l *identityLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		e = &identityLock{ch: make(chan struct{}, 1)}
		l.entries[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.forget(id, e)
		return nil, ctx.Err()
	}
	return func() {
		<-e.ch
		l.forget(id, e)
	}, nil
}

func (l *identityLocks) forget(id string, e *identityLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, id)
	}
}

func (l *identityLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
