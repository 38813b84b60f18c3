package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/docent/internal/api"
	"github.com/nugget/docent/internal/breakpoint"
	"github.com/nugget/docent/internal/buildinfo"
	"github.com/nugget/docent/internal/config"
	"github.com/nugget/docent/internal/connwatch"
	"github.com/nugget/docent/internal/events"
	"github.com/nugget/docent/internal/intent"
	"github.com/nugget/docent/internal/llm"
	"github.com/nugget/docent/internal/metrics"
	"github.com/nugget/docent/internal/nav"
	"github.com/nugget/docent/internal/registry"
	"github.com/nugget/docent/internal/safety"
	"github.com/nugget/docent/internal/session"
	"github.com/nugget/docent/internal/tour"
)

// shutdownTimeout bounds how long in-flight requests get to finish.
const shutdownTimeout = 10 * time.Second

// runServe is the composition root: it loads configuration, builds
// every component once and serves the API until ctx is cancelled or
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Docent", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level in config: %w", err)
	}
	logger = newLogger(stdout, level, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("config loaded", "path", cfgPath, "log_level", level, "log_format", cfg.LogFormat)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ttl := time.Duration(cfg.Events.TTLS) * time.Second
	reg := registry.New(registry.WithLogger(logger))
	store := events.NewStore(
		events.WithGlobalCapacity(cfg.Events.GlobalCapacity),
		events.WithRequestCapacity(cfg.Events.RequestCapacity),
		events.WithMaxRequests(cfg.Events.MaxRequests),
		events.WithTTL(ttl),
		events.WithBus(events.NewBus()),
		events.WithLogger(logger),
	)

	filter := safety.FromConfig(cfg)
	logger.Info("speech blacklist loaded", "terms", filter.Len(), "window", filter.Window())

	provider, err := nav.Build(ctx, cfg.Nav, logger)
	switch {
	case errors.Is(err, nav.ErrDisabled):
		logger.Info("navigation disabled")
	case err != nil:
		return err
	default:
		logger.Info("navigation enabled", "provider", cfg.Nav.Provider)
		if c, ok := provider.(interface{ Close(context.Context) error }); ok {
			defer func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer closeCancel()
				if err := c.Close(closeCtx); err != nil {
					logger.Warn("navigation provider close failed", "error", err)
				}
			}()
		}
	}

	bps, err := breakpoint.Open(ctx, cfg.Breakpoints, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open breakpoint store: %w", err)
	}
	defer bps.Close()

	answerer, err := buildAnswerer(cfg.Answer, logger)
	if err != nil {
		return err
	}

	mc := metrics.New(reg.ActiveCount)
	deps := session.Deps{
		Registry:    reg,
		Events:      store,
		Timings:     events.NewTimings(cfg.Events.MaxRequests, ttl),
		Classifier:  intent.New(),
		Commands:    tour.NewCommandParser(),
		Planner:     tour.FromConfig(cfg),
		Filter:      filter,
		Nav:         provider,
		NavName:     cfg.Nav.Provider,
		NavTimeout:  time.Duration(cfg.Nav.DefaultTimeoutS) * time.Second,
		Breakpoints: bps,
		Metrics:     mc,
		Limits:      cfg.Limits,
		Logger:      logger,
	}
	// A nil *OllamaClient must not become a non-nil Answerer.
	if answerer != nil {
		deps.Answerer = answerer
	}
	orch := session.New(deps)

	probes := map[string]connwatch.ProbeFunc{"breakpoints": bps.Ping}
	if answerer != nil {
		probes["answer_model"] = answerer.Ping
	}
	if p, ok := provider.(interface{ Ping(context.Context) error }); ok {
		probes["nav"] = p.Ping
	}
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	watchDependencies(ctx, connMgr, mc, probes)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, mc, logger)
	server.SetDependencies(connMgr.Statuses)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	<-done

	logger.Info("Docent stopped")
	return nil
}

// buildAnswerer returns the configured answer model, or nil when
// answering is turned off. Reachability is left to the dependency
// watcher.
func buildAnswerer(cfg config.AnswerConfig, logger *slog.Logger) (*llm.OllamaClient, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		logger.Info("answer model disabled, using fallback replies")
		return nil, nil
	case "ollama":
		logger.Info("answer model configured", "url", cfg.Ollama.URL, "model", cfg.Ollama.Model)
		return llm.NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown answer.provider %q", cfg.Provider)
	}
}

// watchDependencies starts a watcher for every external service the
// orchestrator relies on and mirrors their state into metrics.
func watchDependencies(ctx context.Context, m *connwatch.Manager, mc *metrics.Collector, probes map[string]connwatch.ProbeFunc) {
	for name, probe := range probes {
		mc.DependencyUp(name, false)
		m.Watch(ctx, connwatch.Config{
			Name:     name,
			Probe:    probe,
			Backoff:  connwatch.DefaultBackoff(),
			OnChange: func(name string, ready bool, _ error) { mc.DependencyUp(name, ready) },
		})
	}
}
