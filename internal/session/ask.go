package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/docent/internal/events"
	"github.com/nugget/docent/internal/intent"
	"github.com/nugget/docent/internal/prompts"
	"github.com/nugget/docent/internal/registry"
	"github.com/nugget/docent/internal/tour"
)

// errBlocked stops an answer stream that hit the blacklist.
var errBlocked = errors.New("answer blocked")

// AskRequest is one visitor utterance.
type AskRequest struct {
	ClientID  string
	RequestID string
	Text      string
}

// AskResult describes how an utterance was handled. When Command is
// set the utterance drove the tour and no answer was streamed.
type AskResult struct {
	RequestID    string           `json:"request_id"`
	Intent       intent.Result    `json:"intent"`
	Command      *tour.Command    `json:"command,omitempty"`
	Tour         *TourState       `json:"tour,omitempty"`
	Text         string           `json:"text,omitempty"`
	Blocked      bool             `json:"blocked,omitempty"`
	BlockedTerm  string           `json:"-"`
	Cancelled    bool             `json:"cancelled,omitempty"`
	CancelReason string           `json:"cancel_reason,omitempty"`
	Timings      map[string]int64 `json:"timings,omitempty"`
}

// Ask handles an utterance. A newer ask from the same client cancels
// this one; the stream then stops at the next chunk boundary and the
// result reports Cancelled. emit receives every chunk that passed the
// blacklist; an error from emit aborts the stream and is returned.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest, emit func(chunk string) error) (AskResult, error) {
	rid, tok, err := o.admit(req.ClientID, req.RequestID, registry.KindAsk)
	res := AskResult{RequestID: rid}
	if err != nil {
		return res, err
	}
	defer o.Registry.ClearActive(tok)

	emitEvent := func(name string, level events.Level, kv ...any) {
		o.Events.Emit(rid, req.ClientID, registry.KindAsk, name, level, kv...)
	}

	res.Intent = o.Classifier.Classify(req.Text)
	o.Metrics.Intent(string(res.Intent.Intent))
	emitEvent("intent", events.LevelInfo,
		"intent", string(res.Intent.Intent), "confidence", res.Intent.Confidence, "reason", res.Intent.Reason)

	st, hasTour, err := o.Tour(ctx, req.ClientID)
	if err != nil {
		emitEvent("breakpoint_error", events.LevelError, "error", err)
		o.Logger.Warn("tour state unavailable", "client_id", req.ClientID, "error", err)
	}

	if handled, err := o.tryCommand(ctx, req, rid, st.Stops, &res); handled || err != nil {
		o.finishAsk(rid, req.ClientID, &res)
		return res, err
	}

	prompt := Prompt{
		ClientID:  req.ClientID,
		RequestID: rid,
		Question:  req.Text,
		Intent:    res.Intent.Intent,
	}
	if hasTour && res.Intent.Intent == intent.Guide {
		prompt.Augment = prompts.Guide(prompts.GuideContext{
			Zone:        st.Zone,
			Profile:     st.Profile,
			StopIndex:   st.StopIndex,
			Stops:       st.Stops,
			TargetChars: st.TargetChars(),
			Question:    req.Text,
		})
	}

	err = o.streamAnswer(ctx, tok, prompt, emit, &res)
	o.finishAsk(rid, req.ClientID, &res)
	return res, err
}

// tryCommand applies the utterance as a tour command when it parses to
// one that can be applied. Unresolved jumps and commands without a tour
// fall through to answering.
func (o *Orchestrator) tryCommand(ctx context.Context, req AskRequest, rid string, stops []string, res *AskResult) (bool, error) {
	cmd := o.Commands.Parse(req.Text, stops)
	if !cmd.IsCommand() {
		return false, nil
	}
	o.Events.Emit(rid, req.ClientID, registry.KindAsk, "tour_command_parsed", events.LevelInfo,
		"action", string(cmd.Action), "confidence", cmd.Confidence, "resolved", cmd.Resolved())
	if !cmd.Resolved() {
		return false, nil
	}

	st, err := o.ApplyCommand(ctx, req.ClientID, cmd)
	switch {
	case errors.Is(err, ErrNoTour):
		return false, nil
	case errors.Is(err, ErrBadStop), errors.Is(err, ErrNotCommand):
		o.Events.Emit(rid, req.ClientID, registry.KindAsk, "tour_command_rejected", events.LevelInfo,
			"action", string(cmd.Action), "error", err)
		return false, nil
	case err != nil && len(st.Stops) == 0:
		o.Events.Emit(rid, req.ClientID, registry.KindAsk, "tour_command_failed", events.LevelError, "error", err)
		return true, err
	case err != nil:
		// The transition happened; only saving it failed.
		o.Events.Emit(rid, req.ClientID, registry.KindAsk, "breakpoint_error", events.LevelError, "error", err)
		o.Logger.Warn("tour progress not saved", "client_id", req.ClientID, "error", err)
	}
	res.Command = &cmd
	res.Tour = &st
	return true, nil
}

func (o *Orchestrator) streamAnswer(ctx context.Context, tok *registry.Token, p Prompt, emit func(string) error, res *AskResult) error {
	rid, clientID := p.RequestID, p.ClientID

	if o.Answerer == nil {
		res.Text = prompts.EmptyAnswerFallback
		return emitChunk(emit, res.Text)
	}

	sctx, cancel := tok.Bind(ctx)
	defer cancel()

	var (
		tail  string
		text  strings.Builder
		first = true
	)
	err := o.Answerer.Stream(sctx, p, func(chunk string) error {
		if tok.Cancelled() {
			return registry.ErrCancelled
		}
		if chunk == "" {
			return nil
		}
		term, matched, next := o.Filter.UpdateStreamTailAndMatch(tail, chunk)
		tail = next
		if matched {
			res.Blocked = true
			res.BlockedTerm = term
			return errBlocked
		}
		if first {
			first = false
			if ms, ok := o.Timings.Since(rid, "accepted"); ok {
				o.Metrics.FirstChunk(msDuration(ms))
			}
			o.Timings.Mark(rid, "first_chunk")
		}
		text.WriteString(chunk)
		return emitChunk(emit, chunk)
	})
	res.Text = text.String()

	switch {
	case res.Blocked:
		o.Metrics.Blocked()
		o.Events.Emit(rid, clientID, registry.KindAsk, "answer_blocked", events.LevelWarn, "emitted_chars", len([]rune(res.Text)))
		o.Logger.Info("answer blocked", "client_id", clientID, "request_id", rid)
		return emitChunk(emit, prompts.BlockedNotice)
	case tok.Cancelled():
		res.Cancelled = true
		res.CancelReason = tok.Reason()
		o.Metrics.Cancelled(registry.KindAsk, res.CancelReason)
		o.Events.Emit(rid, clientID, registry.KindAsk, "answer_cancelled", events.LevelInfo, "reason", res.CancelReason)
		return nil
	case ctx.Err() != nil:
		res.Cancelled = true
		res.CancelReason = "client_gone"
		o.Metrics.Cancelled(registry.KindAsk, res.CancelReason)
		o.Events.Emit(rid, clientID, registry.KindAsk, "answer_cancelled", events.LevelInfo, "reason", res.CancelReason)
		return nil
	case err != nil:
		o.Events.Emit(rid, clientID, registry.KindAsk, "answer_failed", events.LevelError, "error", err)
		return fmt.Errorf("stream answer: %w", err)
	case strings.TrimSpace(res.Text) == "":
		res.Text = prompts.EmptyAnswerFallback
		o.Events.Emit(rid, clientID, registry.KindAsk, "answer_empty", events.LevelWarn)
		return emitChunk(emit, res.Text)
	}
	return nil
}

func (o *Orchestrator) finishAsk(rid, clientID string, res *AskResult) {
	o.Timings.Mark(rid, "done")
	res.Timings = o.Timings.Get(rid)
	o.Events.Emit(rid, clientID, registry.KindAsk, "done", events.LevelInfo,
		"chars", len([]rune(res.Text)), "blocked", res.Blocked, "cancelled", res.Cancelled, "command", res.Command != nil)
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func emitChunk(emit func(string) error, chunk string) error {
	if emit == nil {
		return nil
	}
	return emit(chunk)
}
