package health

import (
	"testing"
	"time"

	"github.com/jordanhubbard/llmgate/internal/events"
)

func TestRecordSuccess(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("openai", 150.0)
	tr.RecordSuccess("openai", 200.0)

	s := tr.ProviderStats("openai")
	if s.TotalRequests != 2 {
		t.Errorf("expected 2 requests, got %d", s.TotalRequests)
	}
	if s.State != StateHealthy {
		t.Errorf("expected healthy, got %s", s.State)
	}
	if s.ConsecErrors != 0 {
		t.Errorf("expected 0 consec errors, got %d", s.ConsecErrors)
	}
}

func TestDegradedAfterErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordError("openai", "timeout")
	tr.RecordError("openai", "timeout")

	s := tr.ProviderStats("openai")
	if s.State != StateDegraded {
		t.Errorf("expected degraded after 2 errors, got %s", s.State)
	}
	if !tr.IsAvailable("openai") {
		t.Error("degraded provider should still be available")
	}
}

func TestDownAfterErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 5; i++ {
		tr.RecordError("openai", "server error")
	}

	s := tr.ProviderStats("openai")
	if s.State != StateDown {
		t.Errorf("expected down after 5 errors, got %s", s.State)
	}
	if tr.IsAvailable("openai") {
		t.Error("down provider should not be available during cooldown")
	}
}

func TestCooldownExpiry(t *testing.T) {
	cfg := TrackerConfig{
		ConsecErrorsForDegraded: 1,
		ConsecErrorsForDown:     2,
		CooldownDuration:        10 * time.Millisecond,
	}
	tr := NewTracker(cfg)
	tr.RecordError("openai", "error1")
	tr.RecordError("openai", "error2")

	if tr.IsAvailable("openai") {
		t.Error("should be unavailable during cooldown")
	}

	time.Sleep(15 * time.Millisecond)

	if !tr.IsAvailable("openai") {
		t.Error("should be available after cooldown expires")
	}
}

func TestSuccessResetsErrors(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordError("openai", "error1")
	tr.RecordError("openai", "error2")

	s := tr.ProviderStats("openai")
	if s.State != StateDegraded {
		t.Fatalf("expected degraded, got %s", s.State)
	}

	tr.RecordSuccess("openai", 100)

	s = tr.ProviderStats("openai")
	if s.State != StateHealthy {
		t.Errorf("expected healthy after success, got %s", s.State)
	}
	if s.ConsecErrors != 0 {
		t.Errorf("expected 0 consec errors after success, got %d", s.ConsecErrors)
	}
}

func TestUnknownProviderAvailable(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	if !tr.IsAvailable("unknown") {
		t.Error("unknown provider should be available by default")
	}
}

func TestAllStatsSorted(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("openai", 100)
	tr.RecordSuccess("anthropic", 200)
	tr.RecordError("echo", "error")

	all := tr.AllStats()
	if len(all) != 3 {
		t.Fatalf("expected 3 providers in AllStats, got %d", len(all))
	}
	want := []string{"anthropic", "echo", "openai"}
	for i, s := range all {
		if s.Provider != want[i] {
			t.Errorf("AllStats[%d] = %s, want %s", i, s.Provider, want[i])
		}
	}
}

func TestProviderStatsUnknown(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	s := tr.ProviderStats("nonexistent")
	if s.State != StateHealthy {
		t.Errorf("expected healthy for unknown provider, got %s", s.State)
	}
}

func TestErrorRate(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.RecordSuccess("p1", 50)
	tr.RecordError("p1", "err1")
	tr.RecordError("p1", "err2")

	s := tr.ProviderStats("p1")
	if s.TotalRequests != 3 {
		t.Errorf("expected 3 total requests, got %d", s.TotalRequests)
	}
	if s.TotalErrors != 2 {
		t.Errorf("expected 2 total errors, got %d", s.TotalErrors)
	}
	if got := s.ErrorRate(); got < 0.66 || got > 0.67 {
		t.Errorf("error rate = %f, want ~0.667", got)
	}
	if got := (Stats{}).ErrorRate(); got != 0 {
		t.Errorf("empty stats error rate = %f, want 0", got)
	}
}

func TestHealthChangeAlertsPublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	cfg := TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     4,
		CooldownDuration:        10 * time.Millisecond,
	}
	tr := NewTracker(cfg, WithAlertBus(bus))

	// First error: still healthy (1 < 2), no transition alert.
	tr.RecordError("p1", "err1")
	select {
	case a := <-sub.C:
		t.Fatalf("unexpected alert after first error: %+v", a)
	default:
	}

	// Second error: healthy -> degraded.
	tr.RecordError("p1", "err2")
	select {
	case a := <-sub.C:
		if a.Type != events.AlertHealthChange {
			t.Errorf("expected health_change, got %s", a.Type)
		}
		if a.OldState != string(StateHealthy) {
			t.Errorf("expected old state healthy, got %s", a.OldState)
		}
		if a.NewState != string(StateDegraded) {
			t.Errorf("expected new state degraded, got %s", a.NewState)
		}
		if a.Provider != "p1" {
			t.Errorf("expected provider p1, got %s", a.Provider)
		}
	default:
		t.Fatal("expected health_change alert on degraded transition")
	}

	// Third + fourth errors: degraded -> down.
	tr.RecordError("p1", "err3")
	tr.RecordError("p1", "err4")
	select {
	case a := <-sub.C:
		if a.NewState != string(StateDown) {
			t.Errorf("expected new state down, got %s", a.NewState)
		}
	default:
		t.Fatal("expected health_change alert on down transition")
	}

	// Wait for cooldown, then success: down -> healthy.
	time.Sleep(15 * time.Millisecond)
	tr.RecordSuccess("p1", 50)
	select {
	case a := <-sub.C:
		if a.OldState != string(StateDown) {
			t.Errorf("expected old state down, got %s", a.OldState)
		}
		if a.NewState != string(StateHealthy) {
			t.Errorf("expected new state healthy, got %s", a.NewState)
		}
	default:
		t.Fatal("expected health_change alert on recovery transition")
	}
}
