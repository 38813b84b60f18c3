package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	for _, tc := range []struct {
		name string
		opts []ClientOption
		want string
	}{
		{name: "default", want: "Docent/"},
		{name: "override", opts: []ClientOption{WithUserAgent("Kiosk/2")}, want: "Kiosk/2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := NewClient(tc.opts...).Get(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if !strings.HasPrefix(string(body), tc.want) {
				t.Errorf("User-Agent = %q, want prefix %q", body, tc.want)
			}
		})
	}
}

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Client-ID") != "kiosk-1" {
			t.Errorf("X-Client-ID = %q", r.Header.Get("X-Client-ID"))
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("X-Client-ID", "kiosk-1")
	got, err := DoJSON(context.Background(), NewClient(), http.MethodPost, srv.URL, h, map[string]int{"stop_id": 2})
	if err != nil {
		t.Fatalf("DoJSON error: %v", err)
	}
	if string(got) != `{"stop_id":2}` {
		t.Errorf("echoed body = %q", got)
	}
}

func TestDoJSON_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "robot busy", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := DoJSON(context.Background(), NewClient(), http.MethodGet, srv.URL, nil, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusConflict {
		t.Errorf("StatusCode = %d, want 409", se.StatusCode)
	}
	if !strings.Contains(se.Body, "robot busy") {
		t.Errorf("Body = %q", se.Body)
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("error details")), 512); got != "error details" {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader(strings.Repeat("x", 100))), 10); len(got) != 10 {
		t.Errorf("expected 10 bytes, got %d", len(got))
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q", got)
	}
	DrainAndClose(nil, 10) // must not panic
}

// failingRoundTripper simulates dial errors then succeeds.
type failingRoundTripper struct {
	failures int
	calls    int
}

func (f *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.EHOSTUNREACH},
		}
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func newRetry(base http.RoundTripper, count int, delay time.Duration) *retryTransport {
	return &retryTransport{base: base, count: count, delay: delay, logger: slog.Default()}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantErr   bool
		wantCalls int
	}{
		{name: "recovers", failures: 1, count: 2, wantCalls: 2},
		{name: "no retry on success", failures: 0, count: 2, wantCalls: 1},
		{name: "exhausts", failures: 10, count: 2, wantErr: true, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures}
			req, _ := http.NewRequest("GET", "http://robot.local/nav/state", nil)
			_, err := newRetry(ft, tt.count, time.Millisecond).RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://robot.local", nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	if _, err := newRetry(ft, 5, 5*time.Second).RoundTrip(req); err == nil {
		t.Fatal("expected context cancellation error")
	}
	if ft.calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", ft.calls)
	}
}

func TestRetryTransport_NoRetryWithoutGetBody(t *testing.T) {
	ft := &failingRoundTripper{failures: 1}
	req, _ := http.NewRequest("POST", "http://robot.local/nav/goto", strings.NewReader(`{"stop_id":1}`))
	req.GetBody = nil

	if _, err := newRetry(ft, 2, time.Millisecond).RoundTrip(req); err == nil {
		t.Fatal("expected error (should not retry without GetBody)")
	}
	if ft.calls != 1 {
		t.Fatalf("expected 1 call (no retry), got %d", ft.calls)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"generic", fmt.Errorf("oops"), false},
		{"EHOSTUNREACH", syscall.EHOSTUNREACH, true},
		{"ENETUNREACH", syscall.ENETUNREACH, true},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", syscall.ECONNRESET, false},
		{"wrapped", fmt.Errorf("connect: %w", syscall.ECONNREFUSED), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.expected {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}
