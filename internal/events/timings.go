package events

import (
	"container/list"
	"maps"
	"sync"
	"time"
)

// Timings keeps named millisecond marks per request, such as when an
// ask was accepted and when its first chunk went out. It is bounded by
// request count and TTL like [Store].
type Timings struct {
	maxRequests int
	ttl         time.Duration
	now         func() time.Time

	mu        sync.Mutex
	entries   map[string]*list.Element
	lru       *list.List // of *timingEntry
	lastSweep int64
}

type timingEntry struct {
	id      string
	marks   map[string]int64
	updated int64
}

// NewTimings creates an empty Timings. Non-positive bounds fall back to
// the Store defaults.
func NewTimings(maxRequests int, ttl time.Duration) *Timings {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Timings{
		maxRequests: maxRequests,
		ttl:         ttl,
		now:         time.Now,
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
	}
}

// Mark records the current wall time, in epoch milliseconds, under
// name and returns it.
func (t *Timings) Mark(requestID, name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms := t.now().UnixMilli()
	t.setLocked(requestID, name, ms, ms)
	return ms
}

// Set records an arbitrary value, typically a duration in ms.
func (t *Timings) Set(requestID, name string, ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setLocked(requestID, name, ms, t.now().UnixMilli())
}

// Get returns a copy of the marks of requestID, or nil.
func (t *Timings) Get(requestID string) map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.entries[requestID]
	if !ok {
		return nil
	}
	e := el.Value.(*timingEntry)
	if e.updated < t.now().UnixMilli()-t.ttl.Milliseconds() {
		return nil
	}
	return maps.Clone(e.marks)
}

// Since returns the milliseconds elapsed between mark name and now.
func (t *Timings) Since(requestID, name string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	el, ok := t.entries[requestID]
	if !ok {
		return 0, false
	}
	v, ok := el.Value.(*timingEntry).marks[name]
	if !ok {
		return 0, false
	}
	return t.now().UnixMilli() - v, true
}

func (t *Timings) setLocked(requestID, name string, value, nowMs int64) {
	if requestID == "" {
		return
	}
	cutoff := nowMs - t.ttl.Milliseconds()
	if nowMs-t.lastSweep >= sweepInterval.Milliseconds() {
		t.lastSweep = nowMs
		for el := t.lru.Front(); el != nil; {
			next := el.Next()
			e := el.Value.(*timingEntry)
			if e.updated >= cutoff {
				break
			}
			t.lru.Remove(el)
			delete(t.entries, e.id)
			el = next
		}
	}

	if el, ok := t.entries[requestID]; ok {
		e := el.Value.(*timingEntry)
		e.marks[name] = value
		e.updated = nowMs
		t.lru.MoveToBack(el)
		return
	}
	for t.lru.Len() >= t.maxRequests {
		oldest := t.lru.Front()
		t.lru.Remove(oldest)
		delete(t.entries, oldest.Value.(*timingEntry).id)
	}
	e := &timingEntry{id: requestID, marks: map[string]int64{name: value}, updated: nowMs}
	t.entries[requestID] = t.lru.PushBack(e)
}
