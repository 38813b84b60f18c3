package nav

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/docent/internal/config"
	"github.com/nugget/docent/internal/httpkit"
)

// Poll interval bounds for the state endpoint.
const (
	DefaultPollInterval = 500 * time.Millisecond
	minPollInterval     = 100 * time.Millisecond
	maxPollInterval     = 2000 * time.Millisecond

	defaultRequestTimeout = 5 * time.Second
	cancelTimeout         = 2 * time.Second
)

// HTTPProvider drives a robot base controller over HTTP: a go-to POST,
// then state polling until a terminal state or the deadline.
type HTTPProvider struct {
	client         *http.Client
	baseURL        string
	goToPath       string
	cancelPath     string
	statePath      string
	pollInterval   time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

type goToBody struct {
	ClientID  string  `json:"client_id"`
	RequestID string  `json:"request_id"`
	StopID    int     `json:"stop_id"`
	StopName  string  `json:"stop_name"`
	TimeoutS  float64 `json:"timeout_s"`
}

type cancelBody struct {
	ClientID  string `json:"client_id"`
	RequestID string `json:"request_id"`
}

// NewHTTPProvider validates cfg and returns a provider. A missing or
// malformed base URL is a *ConfigError.
func NewHTTPProvider(cfg config.NavHTTPConfig, logger *slog.Logger) (*HTTPProvider, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, &ConfigError{Provider: "http", Field: "nav.http.base_url", Reason: "required"}
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &ConfigError{Provider: "http", Field: "nav.http.base_url", Reason: "not an absolute URL"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	poll := DefaultPollInterval
	if cfg.PollIntervalMs > 0 {
		poll = min(max(time.Duration(cfg.PollIntervalMs)*time.Millisecond, minPollInterval), maxPollInterval)
	}
	reqTimeout := defaultRequestTimeout
	if cfg.RequestTimeoutMs > 0 {
		reqTimeout = time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	}

	return &HTTPProvider{
		client:         httpkit.NewClient(httpkit.WithTimeout(reqTimeout), httpkit.WithRetry(1, 200*time.Millisecond), httpkit.WithLogger(logger)),
		baseURL:        base,
		goToPath:       pathOr(cfg.GoToPath, "/nav/goto"),
		cancelPath:     pathOr(cfg.CancelPath, "/nav/cancel"),
		statePath:      pathOr(cfg.StatePath, "/nav/state"),
		pollInterval:   poll,
		requestTimeout: reqTimeout,
		logger:         logger,
	}, nil
}

func pathOr(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (h *HTTPProvider) headers(req MoveRequest) http.Header {
	hdr := http.Header{}
	hdr.Set("X-Client-ID", req.ClientID)
	hdr.Set("X-Request-ID", req.RequestID)
	return hdr
}

// RunMove implements [Provider].
func (h *HTTPProvider) RunMove(ctx context.Context, req MoveRequest, cancel Canceller) Result {
	timeout := req.timeout()
	deadline := time.Now().Add(timeout)
	log := h.logger.With("client_id", req.ClientID, "request_id", req.RequestID, "stop_id", req.StopID)

	if isCancelled(ctx, cancel) {
		return cancelledResult(ctx, cancel)
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, h.requestTimeout)
	data, err := httpkit.DoJSON(reqCtx, h.client, http.MethodPost, h.baseURL+h.goToPath, h.headers(req), goToBody{
		ClientID:  req.ClientID,
		RequestID: req.RequestID,
		StopID:    req.StopID,
		StopName:  req.StopName,
		TimeoutS:  timeout.Seconds(),
	})
	reqCancel()
	if err != nil {
		if ctx.Err() != nil {
			return cancelledResult(ctx, cancel)
		}
		var se *httpkit.StatusError
		if errors.As(err, &se) {
			log.Warn("nav goto rejected", "status", se.StatusCode)
			return Result{State: StateFailed, Reason: fmt.Sprintf("goto_http_%d", se.StatusCode)}
		}
		log.Warn("nav goto failed", "error", err)
		return Result{State: StateFailed, Reason: "goto_request_failed: " + err.Error()}
	}
	if res, ok := decodeState(data); ok {
		log.Debug("nav goto returned terminal state", "state", res.State)
		return res
	}

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	expire := time.NewTimer(timeout)
	defer expire.Stop()

	for {
		if isCancelled(ctx, cancel) {
			h.sendCancel(ctx, req, log)
			return cancelledResult(ctx, cancel)
		}
		if !time.Now().Before(deadline) {
			h.sendCancel(ctx, req, log)
			return Result{State: StateTimeout, Reason: fmt.Sprintf("no terminal state within %s", timeout)}
		}

		select {
		case <-ctx.Done():
			continue
		case <-expire.C:
			continue
		case <-ticker.C:
		}

		if res, ok := h.poll(ctx, req, log); ok {
			return res
		}
	}
}

// poll fetches the current state. Transport errors and malformed
// bodies count as no update.
func (h *HTTPProvider) poll(ctx context.Context, req MoveRequest, log *slog.Logger) (Result, bool) {
	q := url.Values{}
	q.Set("client_id", req.ClientID)
	q.Set("request_id", req.RequestID)

	pollCtx, cancel := context.WithTimeout(ctx, h.requestTimeout)
	defer cancel()
	data, err := httpkit.DoJSON(pollCtx, h.client, http.MethodGet, h.baseURL+h.statePath+"?"+q.Encode(), h.headers(req), nil)
	if err != nil {
		log.Log(ctx, config.LevelTrace, "nav poll failed", "error", err)
		return Result{}, false
	}
	return decodeState(data)
}

// sendCancel tells the controller to stop. Failures are logged and
// otherwise ignored.
func (h *HTTPProvider) sendCancel(ctx context.Context, req MoveRequest, log *slog.Logger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	_, err := httpkit.DoJSON(cctx, h.client, http.MethodPost, h.baseURL+h.cancelPath, h.headers(req), cancelBody{
		ClientID:  req.ClientID,
		RequestID: req.RequestID,
	})
	if err != nil {
		log.Debug("nav cancel command failed", "error", err)
	}
}

// Ping reports whether the controller answers at all. A 4xx reply to
// a bare state query still counts as reachable.
func (h *HTTPProvider) Ping(ctx context.Context) error {
	_, err := httpkit.DoJSON(ctx, h.client, http.MethodGet, h.baseURL+h.statePath, nil, nil)
	var se *httpkit.StatusError
	if errors.As(err, &se) && se.StatusCode < 500 {
		return nil
	}
	return err
}

func decodeState(data []byte) (Result, bool) {
	var rep stateReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return Result{}, false
	}
	return rep.result()
}
