// Package session ties the kiosk pipeline together: it admits and
// registers requests, classifies utterances, applies tour commands,
// streams filtered answers and drives navigation moves. All state it
// owns lives on an [Orchestrator] built by the composition root.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nugget/docent/internal/breakpoint"
	"github.com/nugget/docent/internal/config"
	"github.com/nugget/docent/internal/events"
	"github.com/nugget/docent/internal/intent"
	"github.com/nugget/docent/internal/metrics"
	"github.com/nugget/docent/internal/nav"
	"github.com/nugget/docent/internal/registry"
	"github.com/nugget/docent/internal/safety"
	"github.com/nugget/docent/internal/tour"
)

// Errors returned by orchestrator operations. Cancellation is not an
// error; it is reported in the result.
var (
	ErrRateLimited    = errors.New("rate limited")
	ErrNoTour         = errors.New("no tour in progress")
	ErrNavUnavailable = errors.New("navigation unavailable")
	ErrNotCommand     = errors.New("not a tour command")
	ErrUnresolvedJump = errors.New("jump target not found")
	ErrBadStop        = errors.New("stop index out of range")
)

// Prompt is what an [Answerer] is asked to answer.
type Prompt struct {
	ClientID  string
	RequestID string
	Question  string
	Intent    intent.Intent
	// Augment is extra system guidance, empty when none applies.
	Augment string
}

// Answerer streams an answer for p, calling onChunk for each piece of
// text. A non-nil error from onChunk must stop the stream and be
// returned. Implementations honour ctx cancellation.
type Answerer interface {
	Stream(ctx context.Context, p Prompt, onChunk func(string) error) error
}

// Deps are the collaborators of an Orchestrator. Registry, Events,
// Timings, Classifier, Commands, Planner and Filter are required; a
// nil Nav disables moves, a nil Breakpoints keeps tour state in memory
// only, and a nil Answerer answers every question with the fallback
// line.
type Deps struct {
	Registry    *registry.Registry
	Events      *events.Store
	Timings     *events.Timings
	Classifier  *intent.Classifier
	Commands    *tour.CommandParser
	Planner     *tour.Planner
	Filter      *safety.Filter
	Nav         nav.Provider
	NavName     string
	NavTimeout  time.Duration
	Breakpoints breakpoint.Store
	Answerer    Answerer
	Metrics     *metrics.Collector
	Limits      config.LimitsConfig
	Logger      *slog.Logger
	Now         func() time.Time
}

// Orchestrator runs kiosk requests. It is safe for concurrent use.
type Orchestrator struct {
	Deps

	mu    sync.Mutex
	tours map[string]*clientTour

	// deniedLog throttles the rate-limit warning; the event log keeps
	// every denial.
	deniedLog rate.Sometimes
}

// clientTour serializes tour transitions for one client.
type clientTour struct {
	mu     sync.Mutex
	state  *TourState
	loaded bool
	// clearPending is set when a finished tour's record could not be
	// deleted; the delete is retried on the client's next operation.
	clearPending bool
}

// New creates an Orchestrator.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.NavTimeout <= 0 {
		d.NavTimeout = nav.DefaultTimeout
	}
	if d.NavName == "" {
		d.NavName = "unknown"
	}
	return &Orchestrator{
		Deps:      d,
		tours:     make(map[string]*clientTour),
		deniedLog: rate.Sometimes{Interval: 10 * time.Second},
	}
}

// Cancel signals every active request of clientID and returns the ids
// it cancelled.
func (o *Orchestrator) Cancel(clientID, reason string) []string {
	if reason == "" {
		reason = registry.ReasonCancelled
	}
	ids := o.Registry.CancelAllActive(clientID, reason)
	for _, id := range ids {
		info, _ := o.Registry.Info(id)
		o.Events.Emit(id, clientID, info.Kind, "cancel_requested", events.LevelInfo, "reason", reason)
	}
	if len(ids) > 0 {
		o.Logger.Info("client requests cancelled", "client_id", clientID, "count", len(ids), "reason", reason)
	}
	return ids
}

// admit rate-checks and registers a request, superseding the previous
// request of the same kind.
func (o *Orchestrator) admit(clientID, requestID, kind string) (string, *registry.Token, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	lim := o.limitFor(kind)
	window := time.Duration(lim.WindowS * float64(time.Second))
	if !o.Registry.RateAllow(clientID, kind, lim.Limit, window) {
		o.Metrics.RateLimited(kind)
		o.Events.Emit(requestID, clientID, kind, "rate_limited", events.LevelWarn,
			"limit", lim.Limit, "window_s", lim.WindowS)
		o.deniedLog.Do(func() {
			o.Logger.Warn("request rate limited",
				"client_id", clientID, "kind", kind, "limit", lim.Limit, "window_s", lim.WindowS)
		})
		return requestID, nil, ErrRateLimited
	}

	tok := o.Registry.Register(clientID, requestID, kind, true, registry.ReasonSuperseded)
	o.Metrics.RequestAccepted(kind)
	o.Timings.Mark(requestID, "accepted")
	o.Events.Emit(requestID, clientID, kind, "accepted", events.LevelInfo, "seq", tok.Seq)
	return requestID, tok, nil
}

func (o *Orchestrator) limitFor(kind string) config.RateLimit {
	switch kind {
	case registry.KindAsk:
		return o.Limits.Ask
	case registry.KindMove:
		return o.Limits.Move
	default:
		return o.Limits.Command
	}
}

func (o *Orchestrator) nowMs() int64 {
	return o.Now().UnixMilli()
}
