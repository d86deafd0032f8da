package health

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestProberHealthyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(DefaultConfig())
	prober := NewProber(ProberConfig{
		Interval:     50 * time.Millisecond,
		ProbeTimeout: 2 * time.Second,
	}, tracker, []Target{{Provider: "openai", Endpoint: "openai-us", URL: srv.URL}}, quietLogger())

	prober.Start()
	time.Sleep(80 * time.Millisecond)
	prober.Stop()

	stats := tracker.ProviderStats("openai")
	if stats.State != StateHealthy {
		t.Errorf("expected healthy, got %s", stats.State)
	}
	if stats.TotalRequests == 0 {
		t.Error("expected at least one probe recorded")
	}
}

func TestProberUnhealthyEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     3,
		CooldownDuration:        time.Minute,
	}
	tracker := NewTracker(cfg)
	prober := NewProber(ProberConfig{
		Interval:     30 * time.Millisecond,
		ProbeTimeout: 2 * time.Second,
	}, tracker, []Target{{Provider: "bad", Endpoint: "bad-us", URL: srv.URL}}, quietLogger())

	prober.Start()
	time.Sleep(120 * time.Millisecond)
	prober.Stop()

	stats := tracker.ProviderStats("bad")
	if stats.TotalErrors == 0 {
		t.Error("expected errors recorded for a 503 endpoint")
	}
	if stats.State == StateHealthy {
		t.Errorf("expected degraded or down, got %s", stats.State)
	}
}

func TestProberAuthRejectionCountsAsReachable(t *testing.T) {
	statuses := []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusMethodNotAllowed}
	for _, code := range statuses {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		tracker := NewTracker(DefaultConfig())
		prober := NewProber(ProberConfig{
			Interval:     50 * time.Millisecond,
			ProbeTimeout: 2 * time.Second,
		}, tracker, []Target{{Provider: "anthropic", Endpoint: "anthropic-us", URL: srv.URL}}, quietLogger())

		prober.Start()
		time.Sleep(80 * time.Millisecond)
		prober.Stop()
		srv.Close()

		if stats := tracker.ProviderStats("anthropic"); stats.State != StateHealthy {
			t.Errorf("status %d: expected healthy, got %s", code, stats.State)
		}
	}
}

func TestProberUnreachableEndpoint(t *testing.T) {
	cfg := TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
		CooldownDuration:        time.Minute,
	}
	tracker := NewTracker(cfg)
	// Port 1 is not listening.
	prober := NewProber(ProberConfig{
		Interval:     30 * time.Millisecond,
		ProbeTimeout: time.Second,
	}, tracker, []Target{{Provider: "dead", Endpoint: "dead-us", URL: "http://127.0.0.1:1/"}}, quietLogger())

	prober.Start()
	time.Sleep(120 * time.Millisecond)
	prober.Stop()

	if stats := tracker.ProviderStats("dead"); stats.TotalErrors == 0 {
		t.Error("expected errors for unreachable endpoint")
	}
}

func TestProberEmptyURLSkipped(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	prober := NewProber(ProberConfig{
		Interval:     50 * time.Millisecond,
		ProbeTimeout: 2 * time.Second,
	}, tracker, []Target{{Provider: "no-probe", Endpoint: "e"}}, quietLogger())

	prober.Start()
	time.Sleep(80 * time.Millisecond)
	prober.Stop()

	if stats := tracker.ProviderStats("no-probe"); stats.TotalRequests != 0 {
		t.Errorf("expected no requests for empty URL, got %d", stats.TotalRequests)
	}
}

func TestProberStopIsClean(t *testing.T) {
	var probeCount atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probeCount.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(DefaultConfig())
	prober := NewProber(ProberConfig{
		Interval:     10 * time.Second, // only the initial probe fires
		ProbeTimeout: 2 * time.Second,
	}, tracker, []Target{{Provider: "p1", Endpoint: "e1", URL: srv.URL}}, quietLogger())

	prober.Start()
	time.Sleep(50 * time.Millisecond)
	prober.Stop()

	countAfterStop := probeCount.Load()
	time.Sleep(50 * time.Millisecond)

	if probeCount.Load() != countAfterStop {
		t.Error("probes continued after Stop()")
	}
}

func TestProberSetTargets(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tracker := NewTracker(DefaultConfig())
	prober := NewProber(ProberConfig{
		Interval:     30 * time.Millisecond,
		ProbeTimeout: 2 * time.Second,
	}, tracker, []Target{{Provider: "p1", Endpoint: "e1", URL: srv.URL}}, quietLogger())

	prober.Start()
	time.Sleep(45 * time.Millisecond)

	prober.SetTargets([]Target{
		{Provider: "p2", Endpoint: "e2", URL: srv.URL},
		{Provider: "p3", Endpoint: "e3", URL: srv.URL},
	})
	time.Sleep(60 * time.Millisecond)
	prober.Stop()

	if tracker.ProviderStats("p1").TotalRequests == 0 {
		t.Error("expected probes recorded for the initial target")
	}
	for _, p := range []string{"p2", "p3"} {
		if tracker.ProviderStats(p).TotalRequests == 0 {
			t.Errorf("expected probes recorded for %s after SetTargets", p)
		}
	}
}
