package session

import (
	"context"
	"time"

	"github.com/nugget/docent/internal/events"
	"github.com/nugget/docent/internal/nav"
	"github.com/nugget/docent/internal/registry"
)

// MoveRequest asks the robot to go to a tour stop. With StopIndex nil
// the current stop of the client's tour is used; StopName alone is
// accepted when the client has no tour.
type MoveRequest struct {
	ClientID  string
	RequestID string
	StopIndex *int
	StopName  string
	Timeout   time.Duration
}

// MoveResult is the outcome of a move.
type MoveResult struct {
	RequestID string     `json:"request_id"`
	StopIndex int        `json:"stop_index"`
	StopName  string     `json:"stop_name"`
	Result    nav.Result `json:"result"`
	ElapsedMs int64      `json:"elapsed_ms"`
	Notice    string     `json:"notice,omitempty"`
}

// Move drives the robot to a stop, superseding the client's previous
// move. Arrival advances the client's tour to that stop.
func (o *Orchestrator) Move(ctx context.Context, req MoveRequest) (MoveResult, error) {
	if o.Nav == nil {
		return MoveResult{}, ErrNavUnavailable
	}

	idx, name, err := o.resolveStop(ctx, req)
	if err != nil {
		return MoveResult{}, err
	}

	rid, tok, err := o.admit(req.ClientID, req.RequestID, registry.KindMove)
	res := MoveResult{RequestID: rid, StopIndex: idx, StopName: name}
	if err != nil {
		return res, err
	}
	defer o.Registry.ClearActive(tok)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.NavTimeout
	}
	o.Events.Emit(rid, req.ClientID, registry.KindMove, "nav_requested", events.LevelInfo,
		"stop_index", idx, "stop_name", name, "timeout", timeout, "provider", o.NavName)

	start := o.Now()
	res.Result = o.Nav.RunMove(ctx, nav.MoveRequest{
		ClientID:  req.ClientID,
		RequestID: rid,
		StopID:    idx,
		StopName:  name,
		Timeout:   timeout,
	}, tok)
	elapsed := o.Now().Sub(start)
	res.ElapsedMs = elapsed.Milliseconds()
	res.Notice = noticeFor(res.Result, name)

	o.Metrics.NavResult(o.NavName, string(res.Result.State), elapsed)
	o.Timings.Set(rid, "nav_elapsed", res.ElapsedMs)

	level := events.LevelInfo
	switch res.Result.State {
	case nav.StateFailed, nav.StateEstop:
		level = events.LevelError
	case nav.StateTimeout:
		level = events.LevelWarn
	case nav.StateCancelled:
		o.Metrics.Cancelled(registry.KindMove, res.Result.Reason)
	}
	o.Events.Emit(rid, req.ClientID, registry.KindMove, "nav_result", level,
		"state", string(res.Result.State), "reason", res.Result.Reason, "elapsed", elapsed)
	o.Logger.Info("move finished",
		"client_id", req.ClientID,
		"request_id", rid,
		"stop_index", idx,
		"state", res.Result.State,
		"reason", res.Result.Reason,
		"elapsed", elapsed,
	)

	if res.Result.State == nav.StateArrived && idx >= 0 {
		if err := o.setStop(ctx, req.ClientID, idx); err != nil {
			o.Events.Emit(rid, req.ClientID, registry.KindMove, "breakpoint_error", events.LevelError, "error", err)
			o.Logger.Warn("tour progress not saved", "client_id", req.ClientID, "error", err)
		}
	}
	return res, nil
}

// resolveStop finds the target index and name. idx is -1 for a move by
// name outside any tour.
func (o *Orchestrator) resolveStop(ctx context.Context, req MoveRequest) (int, string, error) {
	st, ok, err := o.Tour(ctx, req.ClientID)
	if err != nil {
		return 0, "", err
	}
	if !ok {
		if req.StopIndex == nil && req.StopName != "" {
			return -1, req.StopName, nil
		}
		return 0, "", ErrNoTour
	}

	idx := st.StopIndex
	if req.StopIndex != nil {
		idx = *req.StopIndex
	} else if req.StopName != "" {
		for i, s := range st.Stops {
			if s == req.StopName {
				idx = i
				break
			}
		}
	}
	if idx < 0 || idx >= len(st.Stops) {
		return 0, "", ErrBadStop
	}
	return idx, st.Stops[idx], nil
}
