// Package metrics exposes orchestrator counters and histograms in
// Prometheus format. Each Collector owns its registry, so tests and
// multiple instances never collide on the global default registry. All
// record methods are safe on a nil *Collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docent"

// Collector holds the orchestrator metrics.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	rateLimitedTotal  *prometheus.CounterVec
	cancellations     *prometheus.CounterVec
	navResults        *prometheus.CounterVec
	navDuration       *prometheus.HistogramVec
	intentsTotal      *prometheus.CounterVec
	blockedTotal      prometheus.Counter
	firstChunkLatency prometheus.Histogram
	activeSlots       prometheus.GaugeFunc
	dependencyUp      *prometheus.GaugeVec
}

// New creates a Collector. activeSlots, if non-nil, is sampled on each
// scrape for the in-flight request gauge.
func New(activeSlots func() int) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{registry: reg}
	c.requestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Requests accepted, by kind.",
	}, []string{"kind"})
	c.rateLimitedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limit, by kind.",
	}, []string{"kind"})
	c.cancellations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cancellations_total",
		Help:      "Requests whose cancellation latch was set, by kind and reason.",
	}, []string{"kind", "reason"})
	c.navResults = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nav_results_total",
		Help:      "Navigation moves by provider and terminal state.",
	}, []string{"provider", "state"})
	c.navDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "nav_duration_seconds",
		Help:      "Time from go-to to terminal state.",
		Buckets:   []float64{1, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"provider"})
	c.intentsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "intents_total",
		Help:      "Classified utterances by intent.",
	}, []string{"intent"})
	c.blockedTotal = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sensitive_blocks_total",
		Help:      "Answer streams stopped by the blacklist.",
	})
	c.firstChunkLatency = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ask_first_chunk_seconds",
		Help:      "Time from ask acceptance to the first streamed chunk.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
	})
	c.dependencyUp = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dependency_up",
		Help:      "1 if the last probe of an external dependency succeeded.",
	}, []string{"service"})
	if activeSlots != nil {
		c.activeSlots = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Occupied (client, kind) request slots.",
		}, func() float64 { return float64(activeSlots()) })
	}
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RequestAccepted counts an accepted request of kind.
func (c *Collector) RequestAccepted(kind string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(kind).Inc()
}

// RateLimited counts a rejected request of kind.
func (c *Collector) RateLimited(kind string) {
	if c == nil {
		return
	}
	c.rateLimitedTotal.WithLabelValues(kind).Inc()
}

// Cancel reason label values. Reasons arrive from clients, so anything
// outside this set is counted as ReasonOther.
const (
	ReasonSuperseded = "superseded"
	ReasonCancelled  = "cancelled"
	ReasonClientGone = "client_gone"
	ReasonOther      = "other"
)

func cancelReasonLabel(reason string) string {
	switch reason {
	case ReasonSuperseded, ReasonCancelled, ReasonClientGone:
		return reason
	default:
		return ReasonOther
	}
}

// Cancelled counts a cancellation. reason is folded into a fixed label
// set.
func (c *Collector) Cancelled(kind, reason string) {
	if c == nil {
		return
	}
	c.cancellations.WithLabelValues(kind, cancelReasonLabel(reason)).Inc()
}

// NavResult records a finished move.
func (c *Collector) NavResult(provider, state string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.navResults.WithLabelValues(provider, state).Inc()
	c.navDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// Intent counts a classified utterance.
func (c *Collector) Intent(intent string) {
	if c == nil {
		return
	}
	c.intentsTotal.WithLabelValues(intent).Inc()
}

// Blocked counts a stream stopped by the blacklist.
func (c *Collector) Blocked() {
	if c == nil {
		return
	}
	c.blockedTotal.Inc()
}

// FirstChunk observes the latency to the first answer chunk.
func (c *Collector) FirstChunk(d time.Duration) {
	if c == nil {
		return
	}
	c.firstChunkLatency.Observe(d.Seconds())
}

// DependencyUp records the probe outcome of an external dependency.
func (c *Collector) DependencyUp(service string, up bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.dependencyUp.WithLabelValues(service).Set(v)
}
