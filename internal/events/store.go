// Package events keeps the operational timeline of every request: a
// bounded global ring of records plus one bounded ring per request id,
// both subject to a TTL. Emitting never blocks on I/O and never fails;
// records are immutable once created. A [Bus] fans records out to live
// subscribers.
package events

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"
)

// Level is the severity of a record.
type Level string

// Record levels.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// IsError reports whether l counts for [Store.LastError].
func (l Level) IsError() bool {
	return l == LevelError || l == LevelFatal
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError, LevelFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default bounds.
const (
	DefaultGlobalCapacity  = 2000
	DefaultRequestCapacity = 200
	DefaultMaxRequests     = 1000
	DefaultTTL             = 30 * time.Minute
)

// badKey labels a field argument that is not a string key, matching
// log/slog.
const badKey = "!BADKEY"

// sweepInterval bounds how often every request ring is pruned.
const sweepInterval = time.Second

// Record is one timeline entry.
type Record struct {
	TS        int64          `json:"ts_ms"`
	RequestID string         `json:"request_id"`
	ClientID  string         `json:"client_id"`
	Kind      string         `json:"kind"`
	Name      string         `json:"name"`
	Level     Level          `json:"level"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithGlobalCapacity bounds the global ring.
func WithGlobalCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.globalCap = n
		}
	}
}

// WithRequestCapacity bounds each per-request ring.
func WithRequestCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.requestCap = n
		}
	}
}

// WithMaxRequests bounds the number of tracked request rings. The least
// recently updated ring is evicted on overflow.
func WithMaxRequests(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRequests = n
		}
	}
}

// WithTTL sets the record lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithBus publishes every emitted record to b.
func WithBus(b *Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger mirrors records at or above warn to l.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type requestRing struct {
	id      string
	records *ring[Record]
	updated int64
}

// Store is the event timeline.
type Store struct {
	globalCap   int
	requestCap  int
	maxRequests int
	ttl         time.Duration
	bus         *Bus
	now         func() time.Time
	logger      *slog.Logger

	mu        sync.Mutex
	global    *ring[Record]
	requests  map[string]*list.Element
	lru       *list.List // of *requestRing, least recently updated first
	lastSweep int64
}

// NewStore creates an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		globalCap:   DefaultGlobalCapacity,
		requestCap:  DefaultRequestCapacity,
		maxRequests: DefaultMaxRequests,
		ttl:         DefaultTTL,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.global = newRing[Record](s.globalCap)
	s.requests = make(map[string]*list.Element)
	s.lru = list.New()
	return s
}

// Bus returns the bus records are published to, or nil.
func (s *Store) Bus() *Bus { return s.bus }

// Emit appends a record. kv holds alternating string keys and values
// in the style of log/slog; slog.Attr values are also accepted. An
// empty requestID records into the global ring only.
func (s *Store) Emit(requestID, clientID, kind, name string, level Level, kv ...any) Record {
	rec := Record{
		RequestID: requestID,
		ClientID:  clientID,
		Kind:      kind,
		Name:      name,
		Level:     level,
		Fields:    fieldsFromArgs(kv),
	}

	s.mu.Lock()
	nowMs := s.now().UnixMilli()
	rec.TS = nowMs
	cutoff := nowMs - s.ttl.Milliseconds()

	s.global.push(rec)
	s.global.dropWhile(func(r Record) bool { return r.TS < cutoff })

	if requestID != "" {
		rr := s.touchLocked(requestID, nowMs)
		rr.records.push(rec)
		rr.records.dropWhile(func(r Record) bool { return r.TS < cutoff })
	}
	if nowMs-s.lastSweep >= sweepInterval.Milliseconds() {
		s.lastSweep = nowMs
		s.sweepLocked(cutoff)
	}
	s.mu.Unlock()

	s.bus.Publish(rec)
	if s.logger != nil && (level == LevelWarn || level.IsError()) {
		s.logger.Log(context.Background(), level.slogLevel(), "request event",
			"request_id", requestID,
			"client_id", clientID,
			"kind", kind,
			"name", name,
			"level", string(level),
		)
	}
	return rec
}

// touchLocked returns the ring for id, creating it and evicting the
// least recently updated ring if the store is full.
func (s *Store) touchLocked(id string, nowMs int64) *requestRing {
	if el, ok := s.requests[id]; ok {
		rr := el.Value.(*requestRing)
		rr.updated = nowMs
		s.lru.MoveToBack(el)
		return rr
	}
	for s.lru.Len() >= s.maxRequests {
		oldest := s.lru.Front()
		s.lru.Remove(oldest)
		delete(s.requests, oldest.Value.(*requestRing).id)
	}
	rr := &requestRing{id: id, records: newRing[Record](s.requestCap), updated: nowMs}
	s.requests[id] = s.lru.PushBack(rr)
	return rr
}

// sweepLocked prunes every request ring and drops the empty ones.
func (s *Store) sweepLocked(cutoff int64) {
	for el := s.lru.Front(); el != nil; {
		next := el.Next()
		rr := el.Value.(*requestRing)
		rr.records.dropWhile(func(r Record) bool { return r.TS < cutoff })
		if rr.records.len() == 0 {
			s.lru.Remove(el)
			delete(s.requests, rr.id)
		}
		el = next
	}
}

// ListEvents returns up to limit of the most recent records of
// requestID with TS >= sinceMs, oldest first. limit <= 0 returns every
// match; sinceMs <= 0 disables the time filter.
func (s *Store) ListEvents(requestID string, limit int, sinceMs int64) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.requests[requestID]
	if !ok {
		return []Record{}
	}
	return s.tailLocked(el.Value.(*requestRing).records, limit, sinceMs)
}

// ListRecent is ListEvents over the global ring.
func (s *Store) ListRecent(limit int, sinceMs int64) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tailLocked(s.global, limit, sinceMs)
}

func (s *Store) tailLocked(rg *ring[Record], limit int, sinceMs int64) []Record {
	cutoff := s.now().UnixMilli() - s.ttl.Milliseconds()
	if sinceMs > cutoff {
		cutoff = sinceMs
	}

	// Walk newest to oldest, then reverse into ascending order.
	var out []Record
	for i := rg.len() - 1; i >= 0; i-- {
		r := rg.at(i)
		if r.TS < cutoff {
			break
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []Record{}
	}
	return out
}

// LastError returns the most recent error or fatal record of requestID.
func (s *Store) LastError(requestID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.requests[requestID]
	if !ok {
		return Record{}, false
	}
	rg := el.Value.(*requestRing).records
	for i := rg.len() - 1; i >= 0; i-- {
		if r := rg.at(i); r.Level.IsError() {
			return r, true
		}
	}
	return Record{}, false
}

// RequestCount returns the number of tracked request rings.
func (s *Store) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func fieldsFromArgs(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, (len(kv)+1)/2)
	for i := 0; i < len(kv); {
		switch k := kv[i].(type) {
		case slog.Attr:
			m[k.Key] = fieldValue(k.Value.Any())
			i++
		case string:
			if i+1 == len(kv) {
				m[badKey] = k
				i++
				continue
			}
			m[k] = fieldValue(kv[i+1])
			i += 2
		default:
			m[badKey] = fieldValue(k)
			i++
		}
	}
	return m
}

// fieldValue flattens errors to strings and durations to milliseconds
// so records stay readable once JSON encoded.
func fieldValue(v any) any {
	switch x := v.(type) {
	case error:
		return x.Error()
	case time.Duration:
		return x.Milliseconds()
	default:
		return v
	}
}
