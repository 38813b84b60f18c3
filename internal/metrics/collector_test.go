package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	c := New(func() int { return 3 })

	c.RequestAccepted("ask")
	c.RequestAccepted("ask")
	c.RateLimited("move")
	c.Cancelled("ask", "superseded")
	c.Intent("guide")
	c.Blocked()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"requests ask", testutil.ToFloat64(c.requestsTotal.WithLabelValues("ask")), 2},
		{"rate limited move", testutil.ToFloat64(c.rateLimitedTotal.WithLabelValues("move")), 1},
		{"cancellations", testutil.ToFloat64(c.cancellations.WithLabelValues("ask", "superseded")), 1},
		{"intents", testutil.ToFloat64(c.intentsTotal.WithLabelValues("guide")), 1},
		{"blocked", testutil.ToFloat64(c.blockedTotal), 1},
		{"active", testutil.ToFloat64(c.activeSlots), 3},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestCollector_CancelReasonsBounded(t *testing.T) {
	c := New(nil)
	for i := range 500 {
		c.Cancelled("ask", fmt.Sprintf("visitor said stop #%d", i))
	}
	c.Cancelled("ask", "superseded")
	c.Cancelled("ask", "cancelled")
	c.Cancelled("ask", "client_gone")
	c.Cancelled("ask", "")

	if got := testutil.CollectAndCount(c.cancellations, "docent_cancellations_total"); got != 4 {
		t.Errorf("cancellation series = %d, want 4", got)
	}
	tests := []struct {
		reason string
		want   float64
	}{
		{"superseded", 1},
		{"cancelled", 1},
		{"client_gone", 1},
		{"other", 501},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(c.cancellations.WithLabelValues("ask", tt.reason)); got != tt.want {
			t.Errorf("reason %q = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestCollector_NavResult(t *testing.T) {
	c := New(nil)
	c.NavResult("mock", "arrived", 3*time.Second)
	c.NavResult("mock", "arrived", 4*time.Second)

	if got := testutil.ToFloat64(c.navResults.WithLabelValues("mock", "arrived")); got != 2 {
		t.Errorf("nav results = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(c.navDuration); got != 1 {
		t.Errorf("nav duration series = %d, want 1", got)
	}
}

func TestCollector_DependencyUp(t *testing.T) {
	c := New(nil)
	c.DependencyUp("breakpoints", true)
	c.DependencyUp("answer_model", true)
	c.DependencyUp("answer_model", false)

	if got := testutil.ToFloat64(c.dependencyUp.WithLabelValues("answer_model")); got != 0 {
		t.Errorf("answer_model = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.dependencyUp.WithLabelValues("breakpoints")); got != 1 {
		t.Errorf("breakpoints = %v, want 1", got)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector
	c.RequestAccepted("ask")
	c.RateLimited("ask")
	c.Cancelled("ask", "x")
	c.NavResult("mock", "arrived", time.Second)
	c.Intent("qa")
	c.Blocked()
	c.FirstChunk(time.Second)
	c.DependencyUp("answer_model", true)
	if c.Registry() != nil {
		t.Error("nil collector should have no registry")
	}
}

func TestCollector_Handler(t *testing.T) {
	c := New(nil)
	c.RequestAccepted("move")
	c.FirstChunk(300 * time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`docent_requests_total{kind="move"} 1`,
		"docent_ask_first_chunk_seconds_count 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
