package budget

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/llmgate/config"
	"github.com/jordanhubbard/llmgate/internal/events"
	"github.com/jordanhubbard/llmgate/internal/ledger"
)

var testClock = time.Date(2026, 8, 24, 15, 0, 0, 0, time.Local)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, cfg config.Budget, opts ...Option) (*Controller, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"),
		ledger.WithLogger(quietLogger()),
		ledger.WithClock(func() time.Time { return testClock }),
		ledger.WithFlushInterval(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = led.Close() })

	base := []Option{
		WithLogger(quietLogger()),
		WithClock(func() time.Time { return testClock }),
	}
	return New(led, cfg, append(base, opts...)...), led
}

// seedSpend writes a durable commit so SpendToday reflects it.
func seedSpend(t *testing.T, led *ledger.Ledger, usd float64) {
	t.Helper()
	h := led.AppendSync(&ledger.Event{
		TraceID:    "seed",
		Type:       ledger.EventCommit,
		Provider:   "openai",
		Model:      "fast",
		CostActual: usd,
		Status:     ledger.StatusOK,
	})
	if err := h.Wait(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestAllowUnderLimit(t *testing.T) {
	c, _ := newTestController(t, config.Budget{DailySpendLimitUSD: 1.0, WarnRatio: 0.8})

	d, err := c.Check(context.Background(), "t1", "openai", "fast", 0.00007)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Outcome != Allow {
		t.Errorf("expected allow, got %v", d.Outcome)
	}
	if d.LimitUSD != 1.0 || d.EstimateUSD != 0.00007 {
		t.Errorf("decision numbers wrong: %+v", d)
	}
}

func TestRejectOverLimit(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	c, led := newTestController(t, config.Budget{DailySpendLimitUSD: 1.0, WarnRatio: 0.8}, WithAlerts(bus))
	seedSpend(t, led, 0.99)

	d, err := c.Check(context.Background(), "t1", "openai", "fast", 0.05)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Outcome != Reject {
		t.Fatalf("expected reject, got %v", d.Outcome)
	}
	if d.SpentUSD != 0.99 {
		t.Errorf("expected spent 0.99, got %v", d.SpentUSD)
	}

	select {
	case a := <-sub.C:
		if a.Type != events.AlertBudgetExceeded {
			t.Errorf("expected budget_exceeded alert, got %s", a.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert published")
	}
}

func TestZeroLimitRejectsEverything(t *testing.T) {
	c, _ := newTestController(t, config.Budget{DailySpendLimitUSD: 0, WarnRatio: 0.8})

	// Even a free call is rejected when the cap is zero.
	d, err := c.Check(context.Background(), "t1", "echo", "local", 0)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Outcome != Reject {
		t.Errorf("expected reject, got %v", d.Outcome)
	}
}

func TestWarnOncePerDay(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(10)
	defer bus.Unsubscribe(sub)

	c, _ := newTestController(t, config.Budget{DailySpendLimitUSD: 1.0, WarnRatio: 0.8}, WithAlerts(bus))

	d, err := c.Check(context.Background(), "t1", "openai", "fast", 0.85)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Outcome != Warn {
		t.Fatalf("expected warn, got %v", d.Outcome)
	}

	// Same day, still above the ratio: admitted without a second warning.
	d, err = c.Check(context.Background(), "t2", "openai", "fast", 0.85)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Outcome != Allow {
		t.Errorf("expected plain allow on repeat, got %v", d.Outcome)
	}

	var warnings int
	for {
		select {
		case a := <-sub.C:
			if a.Type == events.AlertBudgetWarning {
				warnings++
			}
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	if warnings != 1 {
		t.Errorf("expected exactly one warning alert, got %d", warnings)
	}
}

func TestStrictRecordsDurableHold(t *testing.T) {
	c, led := newTestController(t, config.Budget{DailySpendLimitUSD: 1.0, WarnRatio: 0.8, Strict: true})

	d, err := c.Check(context.Background(), "trace-strict", "openai", "fast", 0.25)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Outcome != Allow {
		t.Fatalf("expected allow, got %v", d.Outcome)
	}

	// The hold is durable by the time Check returns.
	evts, err := led.TraceEvents(context.Background(), "trace-strict")
	if err != nil {
		t.Fatalf("trace events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != ledger.EventHold || evts[0].CostEst != 0.25 {
		t.Fatalf("expected one hold event, got %+v", evts)
	}

	spend, err := led.SpendToday(context.Background())
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if spend != 0.25 {
		t.Errorf("outstanding hold should count as spend, got %v", spend)
	}
}

func TestStrictContestedSlotHasOneWinner(t *testing.T) {
	c, led := newTestController(t, config.Budget{DailySpendLimitUSD: 1.0, WarnRatio: 0.99, Strict: true})
	seedSpend(t, led, 0.50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var allowed, rejected int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d, err := c.Check(context.Background(), "race", "openai", "fast", 0.30)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch d.Outcome {
			case Allow, Warn:
				allowed++
			case Reject:
				rejected++
			}
		}(i)
	}
	wg.Wait()

	// 0.50 spent + 0.30 fits once; the second contender sees the hold.
	if allowed != 1 || rejected != 7 {
		t.Errorf("expected 1 winner and 7 rejections, got %d/%d", allowed, rejected)
	}
}

func TestBestEffortRecordsNoHold(t *testing.T) {
	c, led := newTestController(t, config.Budget{DailySpendLimitUSD: 1.0, WarnRatio: 0.8})

	if _, err := c.Check(context.Background(), "trace-be", "openai", "fast", 0.25); err != nil {
		t.Fatalf("check: %v", err)
	}
	// Force pending writes through, then confirm no hold was written.
	seedSpend(t, led, 0)

	evts, err := led.TraceEvents(context.Background(), "trace-be")
	if err != nil {
		t.Fatalf("trace events: %v", err)
	}
	if len(evts) != 0 {
		t.Errorf("best-effort check must not write events, got %+v", evts)
	}
}

func TestCommitCancelAdjustEvents(t *testing.T) {
	c, led := newTestController(t, config.Budget{DailySpendLimitUSD: 1.0, WarnRatio: 0.8})

	c.Commit(Commit{
		TraceID:   "t1",
		Provider:  "openai",
		Model:     "fast",
		ActualUSD: 0.03,
		Usage:     &ledger.Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		Status:    ledger.StatusOK,
		Timing:    &ledger.Timing{TotalMs: 120},
	})
	c.Cancel("t2", "openai", "fast", "quota")
	c.Adjust("t1", "openai", "fast", -0.01)
	seedSpend(t, led, 0) // flush

	t1, err := led.TraceEvents(context.Background(), "t1")
	if err != nil {
		t.Fatalf("trace events: %v", err)
	}
	if len(t1) != 2 || t1[0].Type != ledger.EventCommit || t1[1].Type != ledger.EventAdjust {
		t.Fatalf("unexpected t1 events: %+v", t1)
	}
	if t1[1].CostActual != -0.01 {
		t.Errorf("adjust delta lost: %v", t1[1].CostActual)
	}

	t2, err := led.TraceEvents(context.Background(), "t2")
	if err != nil {
		t.Fatalf("trace events: %v", err)
	}
	if len(t2) != 1 || t2[0].Type != ledger.EventCancel {
		t.Fatalf("unexpected t2 events: %+v", t2)
	}
	if t2[0].Metadata["reason"] != "quota" {
		t.Errorf("cancel reason lost: %+v", t2[0].Metadata)
	}

	spend, err := led.SpendToday(context.Background())
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	want := 0.03 - 0.01
	if diff := spend - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected spend %v, got %v", want, spend)
	}
}
