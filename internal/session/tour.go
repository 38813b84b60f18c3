package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/nugget/docent/internal/events"
	"github.com/nugget/docent/internal/registry"
	"github.com/nugget/docent/internal/tour"
)

// BreakpointKind is the breakpoint kind tour progress is stored under.
const BreakpointKind = "tour"

// DefaultTourDurationS is used when a tour is started by voice.
const DefaultTourDurationS = 300

// Mode is the playback mode of a tour.
type Mode string

// Tour modes.
const (
	ModeIdle      Mode = "idle"
	ModeRunning   Mode = "running"
	ModePaused    Mode = "paused"
	ModeCompleted Mode = "completed"
)

// TourState is a client's tour progress and the breakpoint payload.
type TourState struct {
	Zone            string   `json:"zone"`
	Profile         string   `json:"profile"`
	DurationS       int      `json:"duration_s"`
	Stops           []string `json:"stops"`
	StopDurationsS  []int    `json:"stop_durations_s"`
	StopTargetChars []int    `json:"stop_target_chars"`
	StopIndex       int      `json:"stop_index"`
	Mode            Mode     `json:"mode"`
	Source          string   `json:"source"`
	UpdatedAtMs     int64    `json:"updated_at_ms"`
}

// CurrentStop returns the name of the current stop, or "".
func (s TourState) CurrentStop() string {
	if s.StopIndex < 0 || s.StopIndex >= len(s.Stops) {
		return ""
	}
	return s.Stops[s.StopIndex]
}

// TargetChars returns the answer budget of the current stop, or 0.
func (s TourState) TargetChars() int {
	if s.StopIndex < 0 || s.StopIndex >= len(s.StopTargetChars) {
		return 0
	}
	return s.StopTargetChars[s.StopIndex]
}

func (s TourState) clone() TourState {
	s.Stops = slices.Clone(s.Stops)
	s.StopDurationsS = slices.Clone(s.StopDurationsS)
	s.StopTargetChars = slices.Clone(s.StopTargetChars)
	return s
}

func stateFromPlan(p tour.Plan) TourState {
	return TourState{
		Zone:            p.Zone,
		Profile:         p.Profile,
		DurationS:       p.DurationS,
		Stops:           slices.Clone(p.Stops),
		StopDurationsS:  slices.Clone(p.StopDurationsS),
		StopTargetChars: slices.Clone(p.StopTargetChars),
		Mode:            ModeRunning,
		Source:          p.Source,
	}
}

// clientTour returns the tour slot of clientID, creating it on demand.
func (o *Orchestrator) clientTour(clientID string) *clientTour {
	o.mu.Lock()
	defer o.mu.Unlock()
	ct, ok := o.tours[clientID]
	if !ok {
		ct = &clientTour{}
		o.tours[clientID] = ct
	}
	return ct
}

// loadLocked restores the breakpoint on first use. ct.mu must be held.
func (o *Orchestrator) loadLocked(ctx context.Context, clientID string, ct *clientTour) error {
	if ct.loaded {
		if ct.clearPending {
			o.retryClearLocked(ctx, clientID, ct)
		}
		return nil
	}
	if o.Breakpoints == nil {
		ct.loaded = true
		return nil
	}
	rec, err := o.Breakpoints.Get(ctx, BreakpointKind, clientID)
	if err != nil {
		return fmt.Errorf("load tour breakpoint: %w", err)
	}
	ct.loaded = true
	if rec == nil {
		return nil
	}
	var st TourState
	if err := rec.Decode(&st); err != nil {
		o.Logger.Warn("discarding unreadable tour breakpoint", "client_id", clientID, "error", err)
		return nil
	}
	if len(st.Stops) == 0 || st.Mode == ModeCompleted {
		return nil
	}
	if st.StopIndex < 0 || st.StopIndex >= len(st.Stops) {
		st.StopIndex = 0
	}
	ct.state = &st
	return nil
}

// persistLocked writes or clears the breakpoint for the current state.
func (o *Orchestrator) persistLocked(ctx context.Context, clientID string, ct *clientTour) error {
	if o.Breakpoints == nil {
		return nil
	}
	if ct.state == nil || ct.state.Mode == ModeCompleted {
		if _, err := o.Breakpoints.Clear(ctx, BreakpointKind, clientID); err != nil {
			return fmt.Errorf("clear tour breakpoint: %w", err)
		}
		ct.clearPending = false
		return nil
	}
	if err := o.Breakpoints.Upsert(ctx, BreakpointKind, clientID, ct.state, ct.state.UpdatedAtMs); err != nil {
		return fmt.Errorf("save tour breakpoint: %w", err)
	}
	ct.clearPending = false
	return nil
}

// retryClearLocked deletes the record of a finished tour whose clear
// failed earlier. A new in-memory tour supersedes the pending clear.
func (o *Orchestrator) retryClearLocked(ctx context.Context, clientID string, ct *clientTour) {
	if ct.state != nil || o.Breakpoints == nil {
		ct.clearPending = false
		return
	}
	if _, err := o.Breakpoints.Clear(ctx, BreakpointKind, clientID); err != nil {
		o.Logger.Warn("finished tour breakpoint still not cleared", "client_id", clientID, "error", err)
		return
	}
	ct.clearPending = false
	o.Logger.Debug("finished tour breakpoint cleared", "client_id", clientID)
}

// Tour returns the client's tour state, restoring it from the
// breakpoint store if this process has not seen the client yet.
func (o *Orchestrator) Tour(ctx context.Context, clientID string) (TourState, bool, error) {
	ct := o.clientTour(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if err := o.loadLocked(ctx, clientID, ct); err != nil {
		return TourState{}, false, err
	}
	if ct.state == nil {
		return TourState{}, false, nil
	}
	return ct.state.clone(), true, nil
}

// Resume returns the saved progress of clientID after a reconnect. A
// completed tour is not resumable.
func (o *Orchestrator) Resume(ctx context.Context, clientID string) (TourState, bool, error) {
	st, ok, err := o.Tour(ctx, clientID)
	if err != nil || !ok || st.Mode == ModeCompleted {
		return TourState{}, false, err
	}
	o.Events.Emit("", clientID, BreakpointKind, "tour_resumed", events.LevelInfo,
		"zone", st.Zone, "stop_index", st.StopIndex, "mode", string(st.Mode))
	return st, true, nil
}

// StartTour plans a new tour for clientID, replacing any tour in
// progress, and saves it.
func (o *Orchestrator) StartTour(ctx context.Context, clientID, zone, profile string, durationS int) (TourState, error) {
	plan := o.Planner.MakePlan(zone, profile, durationS)

	ct := o.clientTour(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	st := stateFromPlan(plan)
	st.UpdatedAtMs = o.nowMs()
	ct.state = &st
	ct.loaded = true

	o.Events.Emit("", clientID, BreakpointKind, "tour_started", events.LevelInfo,
		"zone", st.Zone, "profile", st.Profile, "stops", len(st.Stops), "source", st.Source)
	o.Logger.Info("tour started", "client_id", clientID, "zone", st.Zone, "profile", st.Profile, "stops", len(st.Stops))

	if err := o.persistLocked(ctx, clientID, ct); err != nil {
		return st.clone(), err
	}
	return st.clone(), nil
}

// ApplyCommand applies a parsed tour command. start begins a default
// tour when none exists; every other action needs a tour in progress.
// Advancing past the last stop completes the tour and clears its
// breakpoint.
func (o *Orchestrator) ApplyCommand(ctx context.Context, clientID string, cmd tour.Command) (TourState, error) {
	if !cmd.IsCommand() {
		return TourState{}, ErrNotCommand
	}
	if !cmd.Resolved() {
		return TourState{}, ErrUnresolvedJump
	}
	if (cmd.Action == tour.ActionStart || cmd.Action == tour.ActionRestart) && !o.hasTour(ctx, clientID) {
		return o.StartTour(ctx, clientID, "", "", DefaultTourDurationS)
	}

	ct := o.clientTour(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if err := o.loadLocked(ctx, clientID, ct); err != nil {
		return TourState{}, err
	}
	if ct.state == nil {
		return TourState{}, ErrNoTour
	}

	st := ct.state
	from := st.StopIndex
	last := len(st.Stops) - 1

	switch cmd.Action {
	case tour.ActionStart:
		if st.Mode == ModeCompleted {
			st.StopIndex = 0
		}
		st.Mode = ModeRunning
	case tour.ActionRestart:
		st.StopIndex = 0
		st.Mode = ModeRunning
	case tour.ActionNext:
		if st.StopIndex >= last {
			st.Mode = ModeCompleted
		} else {
			st.StopIndex++
			st.Mode = ModeRunning
		}
	case tour.ActionPrev:
		if st.StopIndex > 0 {
			st.StopIndex--
		}
		st.Mode = ModeRunning
	case tour.ActionJump:
		idx := *cmd.StopIndex
		if idx < 0 || idx > last {
			return st.clone(), ErrBadStop
		}
		st.StopIndex = idx
		st.Mode = ModeRunning
	case tour.ActionPause:
		if st.Mode == ModeRunning {
			st.Mode = ModePaused
		}
	case tour.ActionResume, tour.ActionContinue:
		if st.Mode == ModePaused || st.Mode == ModeIdle {
			st.Mode = ModeRunning
		}
	default:
		return st.clone(), ErrNotCommand
	}
	st.UpdatedAtMs = o.nowMs()

	o.Events.Emit("", clientID, registry.KindCommand, "tour_command", events.LevelInfo,
		"action", string(cmd.Action), "from", from, "to", st.StopIndex, "mode", string(st.Mode))

	out := st.clone()
	err := o.persistLocked(ctx, clientID, ct)
	if st.Mode == ModeCompleted {
		ct.state = nil
		ct.clearPending = err != nil
		o.Logger.Info("tour completed", "client_id", clientID, "zone", out.Zone)
	}
	return out, err
}

// setStop records arrival at idx for a move.
func (o *Orchestrator) setStop(ctx context.Context, clientID string, idx int) error {
	ct := o.clientTour(clientID)
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.state == nil || idx < 0 || idx >= len(ct.state.Stops) {
		return nil
	}
	ct.state.StopIndex = idx
	if ct.state.Mode == ModeIdle {
		ct.state.Mode = ModeRunning
	}
	ct.state.UpdatedAtMs = o.nowMs()
	return o.persistLocked(ctx, clientID, ct)
}

func (o *Orchestrator) hasTour(ctx context.Context, clientID string) bool {
	_, ok, err := o.Tour(ctx, clientID)
	return err == nil && ok
}
