// Package connwatch tracks whether Docent's external dependencies (the
// answer model, the breakpoint store, the robot base controller) are
// reachable. It complements httpkit's dial retry, which only covers
// sub-second blips: a watcher rides out restarts and network outages
// lasting minutes, and reports the outcome to /health and metrics.
//
// A watcher probes quickly with exponential backoff until the service
// first answers or the startup attempts run out, then settles into
// slow periodic polling. Only transitions are reported.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks a service. nil means reachable.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	Initial         time.Duration
	Max             time.Duration
	Multiplier      float64
	StartupAttempts int
	Poll            time.Duration
	ProbeTimeout    time.Duration
}

// DefaultBackoff probes at 2s, 4s, 8s ... capped at 30s for up to eight
// startup attempts, then every 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             30 * time.Second,
		Multiplier:      2,
		StartupAttempts: 8,
		Poll:            30 * time.Second,
		ProbeTimeout:    5 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Config describes one watched service.
type Config struct {
	Name    string
	Probe   ProbeFunc
	Backoff Backoff
	// OnChange runs on every ready/unready transition, on the watcher
	// goroutine. It must not block.
	OnChange func(name string, ready bool, err error)
	Logger   *slog.Logger
}

// Status is a snapshot of one watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Watcher probes one service in the background.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Status returns the current snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop ends the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	wait := b.Initial
	startup := true
	for attempt := 1; ; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, b.ProbeTimeout)
		err := w.cfg.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		ready, changed := w.record(err)

		next := b.Poll
		if !startup && changed {
			if ready {
				w.cfg.Logger.Info("dependency recovered", "service", w.cfg.Name)
			} else {
				w.cfg.Logger.Warn("dependency went down", "service", w.cfg.Name, "error", err)
			}
		}
		if startup {
			switch {
			case ready:
				startup = false
				w.cfg.Logger.Info("dependency reachable", "service", w.cfg.Name, "attempts", attempt)
			case attempt >= b.StartupAttempts:
				startup = false
				w.cfg.Logger.Warn("dependency unreachable, polling in background",
					"service", w.cfg.Name, "attempts", attempt, "error", err)
			default:
				w.cfg.Logger.Debug("dependency probe failed",
					"service", w.cfg.Name, "attempt", attempt, "next", wait, "error", err)
				next = wait
				wait = min(time.Duration(float64(wait)*b.Multiplier), b.Max)
			}
		}

		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// record stores a probe outcome and fires OnChange on a transition.
func (w *Watcher) record(err error) (ready, changed bool) {
	w.mu.Lock()
	was := w.status.Ready
	w.status.Ready = err == nil
	w.status.CheckedAt = time.Now()
	if err != nil {
		w.status.Failures++
		w.status.Error = err.Error()
	} else {
		w.status.Failures = 0
		w.status.Error = ""
	}
	ready = w.status.Ready
	w.mu.Unlock()

	if ready != was && w.cfg.OnChange != nil {
		w.cfg.OnChange(w.cfg.Name, ready, err)
	}
	return ready, ready != was
}

// Manager owns a set of watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts probing cfg.Probe until ctx ends or Stop is called. An
// empty Name or nil Probe is a programming error and panics. A second
// watcher under the same name replaces the first.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: cfg.Name},
	}

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(wctx)
	return w
}

// Statuses returns every watcher's snapshot, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop ends every watcher and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
