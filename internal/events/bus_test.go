package events

import (
	"testing"
	"time"
)

func TestPublishAndSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	bus.Publish(Alert{
		Type:     AlertBudgetWarning,
		Provider: "openai",
		Model:    "fast",
		SpentUSD: 0.85,
		LimitUSD: 1.0,
	})

	select {
	case a := <-sub.C:
		if a.Type != AlertBudgetWarning {
			t.Errorf("expected budget_warning, got %s", a.Type)
		}
		if a.SpentUSD != 0.85 {
			t.Errorf("expected 0.85, got %v", a.SpentUSD)
		}
		if a.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for alert")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe(10)
	sub2 := bus.Subscribe(10)
	defer bus.Unsubscribe(sub1)
	defer bus.Unsubscribe(sub2)

	bus.Publish(Alert{Type: AlertBreakerChange, Endpoint: "eu-1", OldState: "closed", NewState: "open"})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case a := <-sub.C:
			if a.Type != AlertBreakerChange || a.NewState != "open" {
				t.Errorf("unexpected alert: %+v", a)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for alert")
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(10)
	bus.Unsubscribe(sub)

	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount())
	}

	// Publishing after unsubscribe should not panic.
	bus.Publish(Alert{Type: AlertLedgerDegraded})
}

func TestSlowSubscriberDropsAlerts(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1) // tiny buffer
	defer bus.Unsubscribe(sub)

	// Fill the buffer.
	bus.Publish(Alert{Type: AlertRateLimitWait, Scope: "rpm"})
	// This should be dropped (buffer full).
	bus.Publish(Alert{Type: AlertRateLimitWait, Scope: "tpm"})

	a := <-sub.C
	if a.Scope != "rpm" {
		t.Errorf("expected first alert, got %s", a.Scope)
	}

	// Channel should be empty now.
	select {
	case <-sub.C:
		t.Error("expected no more alerts")
	default:
		// OK - no alert available.
	}
}

func TestSubscriberCount(t *testing.T) {
	bus := NewBus()
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0, got %d", bus.SubscriberCount())
	}

	s1 := bus.Subscribe(10)
	s2 := bus.Subscribe(10)
	if bus.SubscriberCount() != 2 {
		t.Errorf("expected 2, got %d", bus.SubscriberCount())
	}

	bus.Unsubscribe(s1)
	if bus.SubscriberCount() != 1 {
		t.Errorf("expected 1, got %d", bus.SubscriberCount())
	}

	bus.Unsubscribe(s2)
	if bus.SubscriberCount() != 0 {
		t.Errorf("expected 0, got %d", bus.SubscriberCount())
	}
}

func TestAlertJSON(t *testing.T) {
	a := Alert{
		Type:      AlertBudgetExceeded,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Provider:  "openai",
		Model:     "fast",
		SpentUSD:  0.99,
		LimitUSD:  1.0,
	}
	b := a.JSON()
	if len(b) == 0 {
		t.Fatal("expected non-empty JSON")
	}
}
