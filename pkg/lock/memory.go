// Package lock provides keyed mutual exclusion for subscription writers.
//
// Memory serializes callers inside one process. Redis extends the same
// guarantee across instances with a SET NX lease.
package lock

import (
	"context"
	"sync"
)

// Memory is an in-process keyed mutex. Entries are reference counted and
// removed once no caller holds or waits on them.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// NewMemory creates a new Memory locker
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done
func (m *Memory) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

func (m *Memory) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// size returns the number of tracked keys
func (m *Memory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
