package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strongdm/berth/internal/fault"
	"github.com/strongdm/berth/internal/retry"
)

func fastRetry(n int) retry.Config {
	return retry.Config{MaxAttempts: n, Delay: time.Millisecond}
}

func TestWaitReadyAcceptsAnyHTTPResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "booting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(srv.URL, Options{Retry: fastRetry(2)})
	if err := m.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
}

func TestWaitReadyExhaustionIsNonFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewMonitor(url, Options{Retry: fastRetry(2)})
	err := m.WaitReady(context.Background())
	fe, ok := fault.As(err)
	if !ok || fe.Kind != fault.GatewayUnreachable {
		t.Fatalf("expected GatewayUnreachable, got %v", err)
	}
	if fe.Fatal() {
		t.Fatalf("gateway timeout must not be fatal")
	}
}

func TestWaitReadyRetriesUntilUp(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			// Drop the connection to look like a gateway that is not listening yet.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Errorf("hijack unsupported")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(srv.URL, Options{Retry: fastRetry(5)})
	if err := m.WaitReady(context.Background()); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if got := hits.Load(); got < 3 {
		t.Fatalf("got %d requests want at least 3", got)
	}
}

func TestStatusDecoding(t *testing.T) {
	t.Parallel()

	cases := []struct {
		body      string
		known     bool
		wantValue int64
	}{
		{`{"uptime": 125, "version": "1.2.3"}`, true, 125},
		{`{"uptime": null}`, false, 0},
		{`{}`, false, 0},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/status" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(tc.body))
		}))
		st, err := NewMonitor(srv.URL, Options{}).Status(context.Background())
		srv.Close()
		if err != nil {
			t.Fatalf("Status(%s): %v", tc.body, err)
		}
		if st.UptimeKnown() != tc.known {
			t.Fatalf("Status(%s): known=%v want %v", tc.body, st.UptimeKnown(), tc.known)
		}
		if tc.known && *st.Uptime != tc.wantValue {
			t.Fatalf("Status(%s): got %d want %d", tc.body, *st.Uptime, tc.wantValue)
		}
	}
}

func TestStatusRejectsErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewMonitor(srv.URL, Options{}).Status(context.Background()); err == nil {
		t.Fatalf("expected error for 500")
	}
}

func TestLoopbackURL(t *testing.T) {
	t.Parallel()

	if got, want := LoopbackURL(18789), "http://127.0.0.1:18789"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
