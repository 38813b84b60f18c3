package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/docent/internal/breakpoint"
	"github.com/nugget/docent/internal/config"
	"github.com/nugget/docent/internal/events"
	"github.com/nugget/docent/internal/intent"
	"github.com/nugget/docent/internal/metrics"
	"github.com/nugget/docent/internal/nav"
	"github.com/nugget/docent/internal/prompts"
	"github.com/nugget/docent/internal/registry"
	"github.com/nugget/docent/internal/safety"
	"github.com/nugget/docent/internal/tour"
)

// fakeAnswerer streams fixed chunks. A question of "slow" emits one
// chunk, signals started and then waits for ctx.
type fakeAnswerer struct {
	chunks  []string
	started chan struct{}

	mu      sync.Mutex
	prompts []Prompt
}

func (f *fakeAnswerer) Stream(ctx context.Context, p Prompt, onChunk func(string) error) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, p)
	f.mu.Unlock()

	if p.Question == "slow" {
		if err := onChunk("正在"); err != nil {
			return err
		}
		close(f.started)
		<-ctx.Done()
		if err := onChunk("思考"); err != nil {
			return err
		}
		return ctx.Err()
	}
	for _, c := range f.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAnswerer) lastPrompt() Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

func (f *fakeAnswerer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// fakeNav arrives immediately except at stop 0, where it waits for the
// latch or ctx.
type fakeNav struct {
	waiting chan struct{}
}

func (f *fakeNav) RunMove(ctx context.Context, req nav.MoveRequest, c nav.Canceller) nav.Result {
	if req.StopID != 0 {
		return nav.Result{State: nav.StateArrived}
	}
	close(f.waiting)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for range tick.C {
		if c.Cancelled() || ctx.Err() != nil {
			return nav.Result{State: nav.StateCancelled, Reason: c.(*registry.Token).Reason()}
		}
	}
	return nav.Result{}
}

// flakyStore fails Clear while failClear is set.
type flakyStore struct {
	breakpoint.Store

	mu        sync.Mutex
	failClear bool
}

func (f *flakyStore) setFailClear(v bool) {
	f.mu.Lock()
	f.failClear = v
	f.mu.Unlock()
}

func (f *flakyStore) Clear(ctx context.Context, kind, clientID string) (bool, error) {
	f.mu.Lock()
	fail := f.failClear
	f.mu.Unlock()
	if fail {
		return false, errors.New("database is locked")
	}
	return f.Store.Clear(ctx, kind, clientID)
}

type testEnv struct {
	o      *Orchestrator
	answer *fakeAnswerer
	store  breakpoint.Store
}

func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	store, err := breakpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "breakpoints.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ans := &fakeAnswerer{chunks: []string{"这里是", "骨科产品", "展区。"}, started: make(chan struct{})}
	d := Deps{
		Registry:    registry.New(),
		Events:      events.NewStore(),
		Timings:     events.NewTimings(0, 0),
		Classifier:  intent.New(),
		Commands:    tour.NewCommandParser(),
		Planner:     tour.NewPlanner(config.TourPlannerConfig{}, config.TourConfig{}),
		Filter:      safety.New([]string{"机密"}),
		Nav:         nav.NewMockProvider(10 * time.Millisecond),
		NavName:     "mock",
		Breakpoints: store,
		Answerer:    ans,
		Metrics:     metrics.New(nil),
	}
	if mutate != nil {
		mutate(&d)
	}
	return &testEnv{o: New(d), answer: ans, store: store}
}

func collect(out *[]string) func(string) error {
	return func(s string) error {
		*out = append(*out, s)
		return nil
	}
}

func eventNames(recs []events.Record) []string {
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.Name
	}
	return names
}

func TestAsk_StreamsAnswer(t *testing.T) {
	env := newTestEnv(t, nil)
	var got []string

	res, err := env.o.Ask(context.Background(), AskRequest{ClientID: "kiosk-1", Text: "骨科产品有哪些"}, collect(&got))
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Text != "这里是骨科产品展区。" || strings.Join(got, "") != res.Text {
		t.Errorf("text = %q, emitted %q", res.Text, got)
	}
	if res.Blocked || res.Cancelled || res.Command != nil {
		t.Errorf("unexpected result flags: %+v", res)
	}
	for _, mark := range []string{"accepted", "first_chunk", "done"} {
		if _, ok := res.Timings[mark]; !ok {
			t.Errorf("timings missing %q: %v", mark, res.Timings)
		}
	}

	names := eventNames(env.o.Events.ListEvents(res.RequestID, 0, 0))
	if names[0] != "accepted" || names[len(names)-1] != "done" {
		t.Errorf("events = %v", names)
	}
	if _, ok := env.o.Registry.Active("kiosk-1", registry.KindAsk); ok {
		t.Error("ask slot should be cleared after completion")
	}
}

func TestAsk_BlockedStopsStream(t *testing.T) {
	env := newTestEnv(t, nil)
	env.answer.chunks = []string{"这是", "公司机", "密资料", "不会发出"}
	var got []string

	res, err := env.o.Ask(context.Background(), AskRequest{ClientID: "kiosk-1", Text: "说点内部消息"}, collect(&got))
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !res.Blocked || res.BlockedTerm != "机密" {
		t.Fatalf("result = %+v, want blocked on 机密", res)
	}
	want := []string{"这是", "公司机", prompts.BlockedNotice}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("emitted = %q, want %q", got, want)
	}
	if _, ok := env.o.Events.LastError(res.RequestID); ok {
		t.Error("a blocked answer is not an error")
	}
}

func TestAsk_SecondAskCancelsFirst(t *testing.T) {
	env := newTestEnv(t, nil)

	type outcome struct {
		res AskResult
		err error
	}
	first := make(chan outcome, 1)
	var firstChunks []string
	go func() {
		res, err := env.o.Ask(context.Background(), AskRequest{ClientID: "kiosk-1", RequestID: "ask-1", Text: "slow"}, collect(&firstChunks))
		first <- outcome{res, err}
	}()

	select {
	case <-env.answer.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first ask never started streaming")
	}

	var got []string
	second, err := env.o.Ask(context.Background(), AskRequest{ClientID: "kiosk-1", RequestID: "ask-2", Text: "骨科产品有哪些"}, collect(&got))
	if err != nil || second.Cancelled {
		t.Fatalf("second ask = %+v, %v", second, err)
	}

	var out outcome
	select {
	case out = <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first ask did not stop after being superseded")
	}
	if out.err != nil {
		t.Fatalf("first ask error: %v", out.err)
	}
	if !out.res.Cancelled || out.res.CancelReason != registry.ReasonSuperseded {
		t.Errorf("first ask = %+v, want cancelled/superseded", out.res)
	}
	if strings.Join(firstChunks, "") != "正在" {
		t.Errorf("first ask emitted %q after cancellation", firstChunks)
	}
}

func TestAsk_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Limits.Ask = config.RateLimit{Limit: 1, WindowS: 60}
	})
	ctx := context.Background()

	if _, err := env.o.Ask(ctx, AskRequest{ClientID: "kiosk-1", Text: "你好"}, nil); err != nil {
		t.Fatalf("first ask: %v", err)
	}
	res, err := env.o.Ask(ctx, AskRequest{ClientID: "kiosk-1", Text: "你好"}, nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	recs := env.o.Events.ListEvents(res.RequestID, 0, 0)
	if len(recs) != 1 || recs[0].Name != "rate_limited" {
		t.Errorf("events = %v", eventNames(recs))
	}
	if _, err := env.o.Ask(ctx, AskRequest{ClientID: "kiosk-2", Text: "你好"}, nil); err != nil {
		t.Errorf("other client limited: %v", err)
	}
}

func TestAsk_RateLimitWarningThrottled(t *testing.T) {
	var buf bytes.Buffer
	env := newTestEnv(t, func(d *Deps) {
		d.Limits.Ask = config.RateLimit{Limit: 1, WindowS: 60}
		d.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	})
	ctx := context.Background()

	denied := 0
	for range 5 {
		if _, err := env.o.Ask(ctx, AskRequest{ClientID: "kiosk-1", Text: "你好"}, nil); errors.Is(err, ErrRateLimited) {
			denied++
		}
	}
	if denied != 4 {
		t.Fatalf("denied = %d, want 4", denied)
	}
	if got := strings.Count(buf.String(), "request rate limited"); got != 1 {
		t.Errorf("rate limit warnings = %d, want 1", got)
	}
}

func TestAsk_TourCommandSkipsAnswer(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.o.StartTour(ctx, "kiosk-1", "", "", 300); err != nil {
		t.Fatalf("StartTour: %v", err)
	}

	res, err := env.o.Ask(ctx, AskRequest{ClientID: "kiosk-1", Text: "下一站"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Command == nil || res.Command.Action != tour.ActionNext {
		t.Fatalf("command = %+v", res.Command)
	}
	if res.Tour == nil || res.Tour.StopIndex != 1 {
		t.Errorf("tour = %+v, want stop 1", res.Tour)
	}
	if env.answer.calls() != 0 {
		t.Error("answerer called for a tour command")
	}
}

func TestAsk_UnresolvedJumpIsAnswered(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.o.StartTour(ctx, "kiosk-1", "", "", 300); err != nil {
		t.Fatal(err)
	}
	res, err := env.o.Ask(ctx, AskRequest{ClientID: "kiosk-1", Text: "第99站"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Command != nil || env.answer.calls() != 1 {
		t.Errorf("unresolved jump should be answered, got %+v", res)
	}
}

func TestAsk_GuideAugmentation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	st, err := env.o.StartTour(ctx, "kiosk-1", "", "专业", 300)
	if err != nil {
		t.Fatal(err)
	}

	res, err := env.o.Ask(ctx, AskRequest{ClientID: "kiosk-1", Text: "请给我介绍一下这个展品"}, nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Intent.Intent != intent.Guide {
		t.Fatalf("intent = %s, want guide", res.Intent.Intent)
	}
	p := env.answer.lastPrompt()
	if !strings.Contains(p.Augment, st.Stops[0]) || !strings.Contains(p.Augment, "专业") {
		t.Errorf("augment = %q", p.Augment)
	}

	// No tour, no augmentation.
	if _, err := env.o.Ask(ctx, AskRequest{ClientID: "kiosk-2", Text: "请给我介绍一下这个展品"}, nil); err != nil {
		t.Fatal(err)
	}
	if p := env.answer.lastPrompt(); p.Augment != "" {
		t.Errorf("augment without tour = %q", p.Augment)
	}
}

func TestAsk_NoAnswererUsesFallback(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Answerer = nil })
	var got []string
	res, err := env.o.Ask(context.Background(), AskRequest{ClientID: "kiosk-1", Text: "几点关门"}, collect(&got))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != prompts.EmptyAnswerFallback || len(got) != 1 {
		t.Errorf("result = %+v, emitted %q", res, got)
	}
}

func TestTourLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	const client = "kiosk-1"

	st, err := env.o.StartTour(ctx, client, "", "", 300)
	if err != nil {
		t.Fatalf("StartTour: %v", err)
	}
	last := len(st.Stops) - 1

	steps := []struct {
		cmd       tour.Command
		wantIndex int
		wantMode  Mode
	}{
		{tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionNext}, 1, ModeRunning},
		{tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionPause}, 1, ModePaused},
		{tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionResume}, 1, ModeRunning},
		{tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionPrev}, 0, ModeRunning},
		{tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionPrev}, 0, ModeRunning},
		{tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionJump, StopIndex: &last}, last, ModeRunning},
	}
	for i, s := range steps {
		got, err := env.o.ApplyCommand(ctx, client, s.cmd)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, s.cmd.Action, err)
		}
		if got.StopIndex != s.wantIndex || got.Mode != s.wantMode {
			t.Errorf("step %d (%s): index %d mode %s, want %d %s", i, s.cmd.Action, got.StopIndex, got.Mode, s.wantIndex, s.wantMode)
		}
	}

	// A fresh process resumes from the breakpoint.
	other := New(env.o.Deps)
	resumed, ok, err := other.Resume(ctx, client)
	if err != nil || !ok {
		t.Fatalf("Resume = %v, %v", ok, err)
	}
	if resumed.StopIndex != last || resumed.Zone != st.Zone {
		t.Errorf("resumed = %+v", resumed)
	}

	done, err := env.o.ApplyCommand(ctx, client, tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionNext})
	if err != nil {
		t.Fatalf("final next: %v", err)
	}
	if done.Mode != ModeCompleted {
		t.Errorf("mode = %s, want completed", done.Mode)
	}
	rec, err := env.store.Get(ctx, BreakpointKind, client)
	if err != nil || rec != nil {
		t.Errorf("breakpoint after completion = %+v, %v", rec, err)
	}
	if _, ok, _ := env.o.Resume(ctx, client); ok {
		t.Error("completed tour should not resume")
	}
}

func TestApplyCommand_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.o.ApplyCommand(ctx, "kiosk-1", tour.Command{Intent: tour.IntentNone}); !errors.Is(err, ErrNotCommand) {
		t.Errorf("none: err = %v", err)
	}
	if _, err := env.o.ApplyCommand(ctx, "kiosk-1", tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionNext}); !errors.Is(err, ErrNoTour) {
		t.Errorf("next without tour: err = %v", err)
	}
	if _, err := env.o.ApplyCommand(ctx, "kiosk-1", tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionJump}); !errors.Is(err, ErrUnresolvedJump) {
		t.Errorf("unresolved jump: err = %v", err)
	}

	st, err := env.o.ApplyCommand(ctx, "kiosk-1", tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionStart})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if st.Zone != tour.DefaultZone || st.Mode != ModeRunning || len(st.Stops) == 0 {
		t.Errorf("default tour = %+v", st)
	}
	bad := 42
	if _, err := env.o.ApplyCommand(ctx, "kiosk-1", tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionJump, StopIndex: &bad}); !errors.Is(err, ErrBadStop) {
		t.Errorf("out of range jump: err = %v", err)
	}
}

func TestTryCommand_OutOfRangeJumpFallsThrough(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	st, err := env.o.StartTour(ctx, "kiosk-1", "", "", 300)
	if err != nil {
		t.Fatal(err)
	}

	// Without a stop list the parser resolves ordinals unchecked, as in
	// an ask whose tour lookup failed.
	text := "第" + strconv.Itoa(len(st.Stops)+5) + "站"
	var res AskResult
	handled, err := env.o.tryCommand(ctx, AskRequest{ClientID: "kiosk-1", Text: text}, "req-1", nil, &res)
	if handled || err != nil {
		t.Fatalf("tryCommand = %v, %v; want fall through", handled, err)
	}
	if res.Command != nil || res.Tour != nil {
		t.Errorf("rejected jump reported as applied: %+v", res)
	}
	names := eventNames(env.o.Events.ListEvents("req-1", 0, 0))
	if !slices.Contains(names, "tour_command_rejected") || slices.Contains(names, "breakpoint_error") {
		t.Errorf("events = %v", names)
	}
	cur, _, _ := env.o.Tour(ctx, "kiosk-1")
	if cur.StopIndex != 0 {
		t.Errorf("stop index = %d, want unchanged 0", cur.StopIndex)
	}
}

func TestApplyCommand_CompletionRetriesFailedClear(t *testing.T) {
	var flaky *flakyStore
	env := newTestEnv(t, func(d *Deps) {
		flaky = &flakyStore{Store: d.Breakpoints}
		d.Breakpoints = flaky
	})
	ctx := context.Background()
	const client = "kiosk-1"

	st, err := env.o.StartTour(ctx, client, "", "", 300)
	if err != nil {
		t.Fatal(err)
	}
	last := len(st.Stops) - 1
	if _, err := env.o.ApplyCommand(ctx, client, tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionJump, StopIndex: &last}); err != nil {
		t.Fatal(err)
	}

	flaky.setFailClear(true)
	done, err := env.o.ApplyCommand(ctx, client, tour.Command{Intent: tour.IntentTourCommand, Action: tour.ActionNext})
	if err == nil {
		t.Fatal("completion should report the failed clear")
	}
	if done.Mode != ModeCompleted {
		t.Errorf("mode = %s, want completed", done.Mode)
	}
	if rec, _ := env.store.Get(ctx, BreakpointKind, client); rec == nil {
		t.Fatal("record should survive the failed clear")
	}

	// Still failing: the tour stays finished and the record stays put.
	if _, ok, err := env.o.Tour(ctx, client); ok || err != nil {
		t.Errorf("Tour = %v, %v; want none", ok, err)
	}

	flaky.setFailClear(false)
	if _, ok, err := env.o.Tour(ctx, client); ok || err != nil {
		t.Errorf("Tour = %v, %v; want none", ok, err)
	}
	if rec, err := env.store.Get(ctx, BreakpointKind, client); rec != nil || err != nil {
		t.Errorf("record after retry = %+v, %v; want cleared", rec, err)
	}
	if _, ok, _ := New(env.o.Deps).Resume(ctx, client); ok {
		t.Error("finished tour resumed after restart")
	}
}

func TestMove_ArrivalUpdatesTour(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.o.StartTour(ctx, "kiosk-1", "", "", 300); err != nil {
		t.Fatal(err)
	}

	idx := 2
	res, err := env.o.Move(ctx, MoveRequest{ClientID: "kiosk-1", StopIndex: &idx})
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if res.Result.State != nav.StateArrived || res.Notice == "" {
		t.Fatalf("result = %+v", res)
	}
	st, _, _ := env.o.Tour(ctx, "kiosk-1")
	if st.StopIndex != 2 {
		t.Errorf("stop index = %d, want 2", st.StopIndex)
	}
	rec, err := env.store.Get(ctx, BreakpointKind, "kiosk-1")
	if err != nil || rec == nil {
		t.Fatalf("breakpoint = %v, %v", rec, err)
	}
	var saved TourState
	if err := rec.Decode(&saved); err != nil || saved.StopIndex != 2 {
		t.Errorf("saved = %+v, %v", saved, err)
	}
}

func TestMove_SupersededAndCancelled(t *testing.T) {
	fn := &fakeNav{waiting: make(chan struct{})}
	env := newTestEnv(t, func(d *Deps) { d.Nav = fn })
	ctx := context.Background()
	if _, err := env.o.StartTour(ctx, "kiosk-1", "", "", 300); err != nil {
		t.Fatal(err)
	}

	first := make(chan MoveResult, 1)
	go func() {
		zero := 0
		res, _ := env.o.Move(ctx, MoveRequest{ClientID: "kiosk-1", RequestID: "move-1", StopIndex: &zero})
		first <- res
	}()
	<-fn.waiting

	one := 1
	second, err := env.o.Move(ctx, MoveRequest{ClientID: "kiosk-1", RequestID: "move-2", StopIndex: &one})
	if err != nil || second.Result.State != nav.StateArrived {
		t.Fatalf("second move = %+v, %v", second, err)
	}

	select {
	case res := <-first:
		if res.Result.State != nav.StateCancelled || res.Result.Reason != registry.ReasonSuperseded {
			t.Errorf("first move = %+v", res.Result)
		}
		if res.Notice != "" {
			t.Errorf("superseded move notice = %q", res.Notice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first move not cancelled")
	}
}

func TestMove_Errors(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Nav = nil })
	if _, err := env.o.Move(context.Background(), MoveRequest{ClientID: "kiosk-1"}); !errors.Is(err, ErrNavUnavailable) {
		t.Errorf("err = %v, want ErrNavUnavailable", err)
	}

	env = newTestEnv(t, nil)
	if _, err := env.o.Move(context.Background(), MoveRequest{ClientID: "kiosk-1"}); !errors.Is(err, ErrNoTour) {
		t.Errorf("err = %v, want ErrNoTour", err)
	}
	res, err := env.o.Move(context.Background(), MoveRequest{ClientID: "kiosk-1", StopName: "前台"})
	if err != nil || res.Result.State != nav.StateArrived || res.StopIndex != -1 {
		t.Errorf("move by name = %+v, %v", res, err)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.o.Registry.Register("kiosk-1", "a1", registry.KindAsk, true, "")
	env.o.Registry.Register("kiosk-1", "m1", registry.KindMove, true, "")

	ids := env.o.Cancel("kiosk-1", "")
	if strings.Join(ids, ",") != "a1,m1" {
		t.Errorf("cancelled = %v", ids)
	}
	if again := env.o.Cancel("kiosk-1", ""); len(again) != 0 {
		t.Errorf("second cancel = %v, want none", again)
	}
}
