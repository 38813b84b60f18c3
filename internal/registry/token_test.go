package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestToken_CancelOnce(t *testing.T) {
	tok := newToken("kiosk-1", "req-1", KindAsk, 1, time.Now())

	if tok.Cancelled() {
		t.Fatal("new token should not be cancelled")
	}
	if !tok.Cancel("user") {
		t.Fatal("first Cancel should flip the latch")
	}
	if tok.Cancel("again") {
		t.Error("second Cancel should report false")
	}
	if got := tok.Reason(); got != "user" {
		t.Errorf("Reason = %q, want %q", got, "user")
	}
	select {
	case <-tok.Done():
	default:
		t.Error("Done channel should be closed after Cancel")
	}
}

func TestToken_ConcurrentCancelFlipsOnce(t *testing.T) {
	tok := newToken("kiosk-1", "req-1", KindMove, 1, time.Now())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		flips int
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok.Cancel("race") {
				mu.Lock()
				flips++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if flips != 1 {
		t.Errorf("flips = %d, want 1", flips)
	}
}

func TestToken_NilSafe(t *testing.T) {
	var tok *Token
	if tok.Cancel("x") {
		t.Error("nil Cancel should report false")
	}
	if tok.Cancelled() {
		t.Error("nil token should not be cancelled")
	}
	if tok.Reason() != "" {
		t.Error("nil token should have no reason")
	}
}

func TestToken_Bind(t *testing.T) {
	t.Run("latch cancels context", func(t *testing.T) {
		tok := newToken("kiosk-1", "req-1", KindAsk, 1, time.Now())
		ctx, cancel := tok.Bind(context.Background())
		defer cancel()

		tok.Cancel("superseded")

		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("bound context not cancelled")
		}
		if !errors.Is(context.Cause(ctx), ErrCancelled) {
			t.Errorf("cause = %v, want ErrCancelled", context.Cause(ctx))
		}
	})

	t.Run("release stops watcher", func(t *testing.T) {
		tok := newToken("kiosk-1", "req-2", KindAsk, 2, time.Now())
		ctx, cancel := tok.Bind(context.Background())
		cancel()
		cancel()

		if errors.Is(context.Cause(ctx), ErrCancelled) {
			t.Error("released context should not carry ErrCancelled")
		}
		if tok.Cancelled() {
			t.Error("releasing the context must not cancel the token")
		}
	})
}
