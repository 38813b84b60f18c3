package nav

import (
	"context"
	"time"
)

// mockTick is how often the mock polls the latch.
const mockTick = 50 * time.Millisecond

// MockProvider simulates a robot that arrives after a fixed delay.
type MockProvider struct {
	arriveDelay time.Duration
}

// NewMockProvider returns a mock that arrives after arriveDelay.
func NewMockProvider(arriveDelay time.Duration) *MockProvider {
	return &MockProvider{arriveDelay: max(arriveDelay, 0)}
}

// RunMove implements [Provider]. A delay longer than the timeout ends
// in timeout; the latch is checked before arrival, so a latch set
// before the call always yields cancelled.
func (m *MockProvider) RunMove(ctx context.Context, req MoveRequest, cancel Canceller) Result {
	timeout := req.timeout()
	start := time.Now()
	deadline := start.Add(timeout)
	arriveAt := start.Add(min(m.arriveDelay, timeout))
	reachable := m.arriveDelay <= timeout

	ticker := time.NewTicker(mockTick)
	defer ticker.Stop()

	for {
		if isCancelled(ctx, cancel) {
			return cancelledResult(ctx, cancel)
		}
		now := time.Now()
		if reachable && !now.Before(arriveAt) {
			return Result{State: StateArrived}
		}
		if !now.Before(deadline) {
			return Result{State: StateTimeout, Reason: "mock_timeout"}
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}
