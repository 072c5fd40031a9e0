// ABOUTME: Thread-safe TTL window for suppressing duplicate join events
// ABOUTME: Bounds redelivered incubator joins to one channel creation per user per window

package debounce

import (
	"container/list"
	"sync"
	"time"
)

// windowEntry stores the key and mark time for one tracked join.
type windowEntry struct {
	key    string
	marked time.Time
}

// Window tracks recently seen join keys within a TTL, capped at a maximum
// size with oldest-first eviction. Expired entries are dropped lazily on
// access, so no background goroutine is needed.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // insertion order, oldest at front
	ttl     time.Duration
	maxSize int
}

// New creates a window with the given TTL and maximum tracked keys.
func New(ttl time.Duration, maxSize int) *Window {
	return &Window{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// CheckAndMark atomically checks whether key was seen within the TTL and
// marks it if not. Returns true if the key is a duplicate, false if it is
// new and now marked. The single call avoids a check/mark race between
// concurrent deliveries of the same event.
func (w *Window) CheckAndMark(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.expireLocked()

	// Mark times are monotonic in list order, so anything surviving the
	// sweep is within the TTL.
	if _, ok := w.seen[key]; ok {
		return true
	}

	if len(w.seen) >= w.maxSize {
		w.evictOldestLocked()
	}

	elem := w.order.PushBack(&windowEntry{key: key, marked: time.Now()})
	w.seen[key] = elem
	return false
}

// Forget removes a key so the next occurrence is not treated as a
// duplicate. Used when a debounced action fails and should be retryable.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if elem, ok := w.seen[key]; ok {
		w.order.Remove(elem)
		delete(w.seen, key)
	}
}

// expireLocked removes entries older than the TTL from the front of the
// order list. Must be called with mu held.
func (w *Window) expireLocked() {
	now := time.Now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		entry := front.Value.(*windowEntry)
		if now.Sub(entry.marked) <= w.ttl {
			return
		}
		w.order.Remove(front)
		delete(w.seen, entry.key)
	}
}

// evictOldestLocked removes the oldest entry. Must be called with mu held.
func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*windowEntry)
	w.order.Remove(front)
	delete(w.seen, entry.key)
}
