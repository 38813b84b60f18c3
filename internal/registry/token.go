package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCancelled is the context cause attached by [Token.Bind] when the
// token's latch fires.
var ErrCancelled = errors.New("request cancelled")

// Token is the cooperative cancellation handle for one in-flight
// request. Setting the latch never interrupts anything by itself;
// long-running work polls [Token.Cancelled] or waits on [Token.Done].
type Token struct {
	RequestID string
	ClientID  string
	Kind      string
	// Seq orders registrations. A higher Seq always wins a slot.
	Seq       uint64
	CreatedAt time.Time

	latch  atomic.Bool
	mu     sync.Mutex
	reason string
	done   chan struct{}
}

func newToken(clientID, requestID, kind string, seq uint64, now time.Time) *Token {
	return &Token{
		RequestID: requestID,
		ClientID:  clientID,
		Kind:      kind,
		Seq:       seq,
		CreatedAt: now,
		done:      make(chan struct{}),
	}
}

// Cancel sets the latch with reason. It returns true only for the call
// that actually flipped the latch; later calls are no-ops. Safe on a
// nil token.
func (t *Token) Cancel(reason string) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latch.Load() {
		return false
	}
	t.reason = reason
	t.latch.Store(true)
	close(t.done)
	return true
}

// Cancelled reports whether the latch is set.
func (t *Token) Cancelled() bool {
	return t != nil && t.latch.Load()
}

// Reason returns the cancel reason, or "" while the latch is clear.
func (t *Token) Reason() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done returns a channel closed when the latch is set.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Bind derives a context from parent that is cancelled, with cause
// [ErrCancelled], when the latch fires. The returned cancel func must be
// called to release the watcher goroutine.
func (t *Token) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		select {
		case <-t.done:
			cancel(ErrCancelled)
		case <-ctx.Done():
		case <-stop:
		}
	}()

	return ctx, func() {
		once.Do(func() { close(stop) })
		cancel(context.Canceled)
	}
}
