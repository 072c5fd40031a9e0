// ABOUTME: Per-key exclusive sections with bounded wait for the coordinator
// ABOUTME: Lets mutations on different channels proceed independently with no global lock

package keymutex

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when the lock could not be acquired within the
// caller's wait budget.
var ErrTimeout = errors.New("lock wait timed out")

// entry is one keyed lock. The buffered channel holds the lock token;
// refs counts holders plus waiters so idle entries can be removed.
type entry struct {
	ch   chan struct{}
	refs int
}

// KeyMutex provides mutual exclusion per string key. Locks for distinct
// keys are independent. Entries are created on demand and removed once no
// goroutine holds or waits on them.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*entry)}
}

// Acquire takes the exclusive section for key, waiting at most timeout.
// On success it returns a release function that must be called on every
// exit path. On expiry it returns ErrTimeout; if ctx ends first, the
// context error.
func (m *KeyMutex) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			m.put(key, e)
		}, nil
	case <-timer.C:
		m.put(key, e)
		return nil, ErrTimeout
	case <-ctx.Done():
		m.put(key, e)
		return nil, ctx.Err()
	}
}

// put drops a reference and removes the entry once unused.
func (m *KeyMutex) put(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}
