// Package registry coordinates in-flight requests. Each (client, kind)
// pair owns at most one active slot; registering a new request for an
// occupied slot signals the previous occupant's [Token] before the new
// one becomes visible. Cancellation is cooperative: the registry only
// sets latches, the work holding a token decides when to stop.
//
// No method returns an error or panics on unknown ids; those calls are
// no-ops that report false.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Request kinds used by the orchestrator. Any string works as a kind;
// these are the ones with configured rate limits.
const (
	KindAsk     = "ask"
	KindMove    = "move"
	KindCommand = "command"
)

// Default cancel reasons.
const (
	ReasonSuperseded = "superseded"
	ReasonCancelled  = "cancelled"
)

// DefaultTokenTTL is how long a finished-but-uncleared token is kept
// for lookups before it is pruned.
const DefaultTokenTTL = 10 * time.Minute

type slotKey struct {
	clientID string
	kind     string
}

// Info is a read-only snapshot of a token.
type Info struct {
	RequestID string    `json:"request_id"`
	ClientID  string    `json:"client_id"`
	Kind      string    `json:"kind"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Cancelled bool      `json:"cancelled"`
	Reason    string    `json:"reason,omitempty"`
	// Active reports whether the token still owns its slot.
	Active bool `json:"active"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTokenTTL sets how long unreferenced tokens stay resolvable.
func WithTokenTTL(d time.Duration) Option {
	return func(r *Registry) { r.tokenTTL = d }
}

// WithLogger sets the logger used for supersede/cancel diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is the request/cancellation hub. Construct one per process
// in the composition root and pass it to whatever needs it.
type Registry struct {
	mu        sync.Mutex
	seq       uint64
	slots     map[slotKey]*Token
	tokens    map[string]*Token
	lastPrune time.Time

	limMu     sync.Mutex
	limiters  map[slotKey]*slidingWindow
	lastSweep time.Time

	now      func() time.Time
	tokenTTL time.Duration
	logger   *slog.Logger
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		slots:    make(map[slotKey]*Token),
		tokens:   make(map[string]*Token),
		limiters: make(map[slotKey]*slidingWindow),
		now:      time.Now,
		tokenTTL: DefaultTokenTTL,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs requestID as the active request for (clientID,
// kind) and returns its token. If the slot is occupied and
// cancelPrevious is set, the occupant's latch is set with reason
// (default "superseded") before the new token is installed. Both steps
// happen under one lock, so no reader sees the new slot while the old
// token is still live.
func (r *Registry) Register(clientID, requestID, kind string, cancelPrevious bool, reason string) *Token {
	if reason == "" {
		reason = ReasonSuperseded
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneTokensLocked(now)

	key := slotKey{clientID: clientID, kind: kind}
	if prev, ok := r.slots[key]; ok && cancelPrevious {
		if prev.Cancel(reason) {
			r.logger.Debug("request superseded",
				"client_id", clientID,
				"kind", kind,
				"request_id", prev.RequestID,
				"superseded_by", requestID,
			)
		}
	}

	r.seq++
	tok := newToken(clientID, requestID, kind, r.seq, now)
	r.slots[key] = tok
	r.tokens[requestID] = tok
	return tok
}

// Cancel sets the latch of requestID whether or not it still owns a
// slot. It returns true only if this call flipped the latch.
func (r *Registry) Cancel(requestID, reason string) bool {
	if reason == "" {
		reason = ReasonCancelled
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[requestID]
	if !ok {
		return false
	}
	return tok.Cancel(reason)
}

// CancelActive signals the active request of (clientID, kind) and
// returns its id. ok is false if the slot is empty or its token was
// already cancelled.
func (r *Registry) CancelActive(clientID, kind, reason string) (requestID string, ok bool) {
	if reason == "" {
		reason = ReasonCancelled
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, found := r.slots[slotKey{clientID: clientID, kind: kind}]
	if !found || !tok.Cancel(reason) {
		return "", false
	}
	return tok.RequestID, true
}

// CancelAllActive signals every active request of clientID and returns
// the ids it actually cancelled, ordered by kind.
func (r *Registry) CancelAllActive(clientID, reason string) []string {
	if reason == "" {
		reason = ReasonCancelled
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var toks []*Token
	for key, tok := range r.slots {
		if key.clientID == clientID {
			toks = append(toks, tok)
		}
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i].Kind < toks[j].Kind })

	var ids []string
	for _, tok := range toks {
		if tok.Cancel(reason) {
			ids = append(ids, tok.RequestID)
		}
	}
	return ids
}

// ClearActive releases tok's slot and forgets tok, but only where tok
// is still the registered entry. A finishing request therefore never
// evicts the request that superseded it, even when a client reuses a
// request id. Idempotent; a nil token is a no-op.
func (r *Registry) ClearActive(tok *Token) {
	if tok == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := slotKey{clientID: tok.ClientID, kind: tok.Kind}
	if r.slots[key] == tok {
		delete(r.slots, key)
	}
	if r.tokens[tok.RequestID] == tok {
		delete(r.tokens, tok.RequestID)
	}
}

// IsCancelled reports whether requestID's latch is set. Unknown ids
// report false.
func (r *Registry) IsCancelled(requestID string) bool {
	tok, ok := r.Token(requestID)
	return ok && tok.Cancelled()
}

// Token returns the cancellation token of requestID.
func (r *Registry) Token(requestID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[requestID]
	return tok, ok
}

// Info returns a snapshot of requestID.
func (r *Registry) Info(requestID string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[requestID]
	if !ok {
		return Info{}, false
	}
	return r.infoLocked(tok), true
}

// Active returns the snapshot of the request owning (clientID, kind).
func (r *Registry) Active(clientID, kind string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.slots[slotKey{clientID: clientID, kind: kind}]
	if !ok {
		return Info{}, false
	}
	return r.infoLocked(tok), true
}

// ActiveCount returns the number of occupied slots.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

func (r *Registry) infoLocked(tok *Token) Info {
	return Info{
		RequestID: tok.RequestID,
		ClientID:  tok.ClientID,
		Kind:      tok.Kind,
		Seq:       tok.Seq,
		CreatedAt: tok.CreatedAt,
		Cancelled: tok.Cancelled(),
		Reason:    tok.Reason(),
		Active:    r.slots[slotKey{clientID: tok.ClientID, kind: tok.Kind}] == tok,
	}
}

// pruneTokensLocked drops tokens that no slot references and that are
// older than the TTL. Runs at most once a minute.
func (r *Registry) pruneTokensLocked(now time.Time) {
	if now.Sub(r.lastPrune) < time.Minute {
		return
	}
	r.lastPrune = now
	for id, tok := range r.tokens {
		if now.Sub(tok.CreatedAt) < r.tokenTTL {
			continue
		}
		if r.slots[slotKey{clientID: tok.ClientID, kind: tok.Kind}] == tok {
			continue
		}
		delete(r.tokens, id)
	}
}
