// Package syncutil provides synchronization primitives shared by the stores
// and the scoring service.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per string key. Waiters can give up when their
// context is cancelled. Entries are removed once no holder or waiter remains,
// so memory tracks the number of keys in flight rather than keys ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{} // holds a token while locked
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done. On success it returns an
// unlock function that is safe to call more than once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.releaseRef(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.releaseRef(key, l)
		})
	}, nil
}

// Len returns the number of keys currently held or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
