// Package ledger is the durable accounting trail of the gateway. Every
// request leaves a sequence of events (hold, retry attempts, terminal
// commit or cancel) in a single SQLite file opened in WAL mode.
//
// Writes go through a bounded in-memory queue drained by one background
// worker that groups events into transactions. Reads run on the caller's
// goroutine and never block the writer.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/jordanhubbard/llmgate/internal/events"
	"github.com/jordanhubbard/llmgate/internal/metrics"
)

const (
	defaultQueueCapacity = 10000
	defaultBatchSize     = 100
	defaultFlushInterval = 200 * time.Millisecond

	// writeAttempts bounds how often a failing batch is retried before the
	// ledger degrades and the batch is dropped.
	writeAttempts = 3

	// drainDeadline bounds how long Close lets the worker drain before the
	// closing goroutine flushes the remainder itself.
	drainDeadline = 5 * time.Second
)

// ErrDropped is delivered to sync handles whose event was evicted from a
// full queue or lost to a persistently failing store.
var ErrDropped = errors.New("ledger: event dropped")

// Handle resolves once the attached event is durably committed.
type Handle struct {
	ch <-chan error
}

// Wait blocks until the event is committed, dropped, or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case err := <-h.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger events and failures are reported to.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithQueueCapacity bounds the number of events waiting for the worker.
func WithQueueCapacity(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithBatchSize caps how many events one transaction carries.
func WithBatchSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithFlushInterval caps how long an event waits before its batch is cut.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.flushEvery = d
		}
	}
}

// WithRetryInterval sets the initial back-off between write retries.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retryEvery = d
		}
	}
}

// WithMetrics attaches the gateway's Prometheus instruments.
func WithMetrics(m *metrics.Registry) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithAlerts attaches the alert bus for degradation notices.
func WithAlerts(bus *events.Bus) Option {
	return func(l *Ledger) { l.alerts = bus }
}

// Ledger owns the events table and its single write worker.
type Ledger struct {
	store *store
	log   *slog.Logger
	now   func() time.Time

	capacity   int
	batchSize  int
	flushEvery time.Duration
	retryEvery time.Duration

	metrics *metrics.Registry
	alerts  *events.Bus

	mu       sync.Mutex
	pending  []*Event
	closed   bool
	degraded bool

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// Open creates or opens the ledger database at path and starts the write
// worker. The caller must Close the ledger to flush pending events.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		log:        slog.Default(),
		now:        time.Now,
		capacity:   defaultQueueCapacity,
		batchSize:  defaultBatchSize,
		flushEvery: defaultFlushInterval,
		retryEvery: 100 * time.Millisecond,
		notify:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	s, err := openStore(path)
	if err != nil {
		return nil, err
	}
	l.store = s

	go l.run()
	return l, nil
}

// Append enqueues an event without waiting for durability. The ledger owns
// the event after the call returns.
func (l *Ledger) Append(e *Event) {
	l.enqueue(e)
}

// AppendSync enqueues an event and returns a handle that resolves once the
// event is durably committed. Strict budget holds use this.
func (l *Ledger) AppendSync(e *Event) *Handle {
	ch := make(chan error, 1)
	e.done = ch
	l.enqueue(e)
	return &Handle{ch: ch}
}

// Degraded reports whether the last write attempt exhausted its retries.
// The flag clears when a later batch commits.
func (l *Ledger) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Close drains the queue with a bounded deadline, flushes whatever the
// worker left behind, and closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.quit)
	select {
	case <-l.done:
	case <-time.After(drainDeadline):
	}

	// Whatever the worker did not get to is flushed on this goroutine.
	for l.pendingLen() > 0 {
		l.flushBatch(context.Background())
	}
	return l.store.Close()
}

func (l *Ledger) enqueue(e *Event) {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = unixSeconds(l.now())
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.noteDrop(e, "closed")
		return
	}
	if len(l.pending) >= l.capacity {
		if i := oldestNonTerminal(l.pending); i >= 0 {
			victim := l.pending[i]
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			l.mu.Unlock()
			l.noteDrop(victim, "queue full")
			l.mu.Lock()
		} else if !e.terminal() {
			// Everything queued is terminal and so is not evictable;
			// the incoming event loses instead.
			l.mu.Unlock()
			l.noteDrop(e, "queue full")
			return
		}
		// A terminal event is never dropped: it may push the queue past
		// capacity when nothing is evictable.
	}
	l.pending = append(l.pending, e)
	depth := len(l.pending)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.LedgerQueueDepth.Set(float64(depth))
	}
	l.wake()
}

func oldestNonTerminal(pending []*Event) int {
	for i, e := range pending {
		if !e.terminal() {
			return i
		}
	}
	return -1
}

func (l *Ledger) noteDrop(e *Event, reason string) {
	e.signal(ErrDropped)
	if l.metrics != nil {
		l.metrics.LedgerDropped.Inc()
	}
	l.log.Warn("ledger event dropped",
		"reason", reason, "event_type", string(e.Type), "trace_id", e.TraceID)
}

func (l *Ledger) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Ledger) pendingLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// run is the single write worker. A batch is cut when it reaches batchSize
// or flushEvery has elapsed since its first event, whichever comes first.
func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			l.drainOnQuit()
			return
		case <-l.notify:
		}

		timer := time.NewTimer(l.flushEvery)
	fill:
		for l.pendingLen() < l.batchSize {
			select {
			case <-l.notify:
			case <-timer.C:
				break fill
			case <-l.quit:
				timer.Stop()
				l.drainOnQuit()
				return
			}
		}
		timer.Stop()
		l.flushBatch(context.Background())
	}
}

func (l *Ledger) drainOnQuit() {
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()
	for l.pendingLen() > 0 && ctx.Err() == nil {
		l.flushBatch(ctx)
	}
}

// flushBatch takes up to batchSize events off the queue front and writes
// them in one transaction, retrying with back-off before giving up.
func (l *Ledger) flushBatch(ctx context.Context) {
	l.mu.Lock()
	n := len(l.pending)
	if n == 0 {
		l.mu.Unlock()
		return
	}
	if n > l.batchSize {
		n = l.batchSize
	}
	batch := l.pending[:n:n]
	l.pending = append([]*Event(nil), l.pending[n:]...)
	remaining := len(l.pending)
	l.mu.Unlock()

	if l.metrics != nil {
		l.metrics.LedgerQueueDepth.Set(float64(remaining))
	}

	err := l.writeWithRetry(ctx, batch)
	for _, e := range batch {
		e.signal(err)
	}
	l.setDegraded(err != nil)
	if err != nil {
		if l.metrics != nil {
			l.metrics.LedgerDropped.Add(float64(len(batch)))
		}
		l.log.Error("ledger batch dropped after retries", "error", err, "events", len(batch))
	}

	if remaining > 0 {
		l.wake()
	}
}

func (l *Ledger) writeWithRetry(ctx context.Context, batch []*Event) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.retryEvery
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.store.insertBatch(ctx, batch)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(writeAttempts))
	return err
}

func (l *Ledger) setDegraded(degraded bool) {
	l.mu.Lock()
	changed := l.degraded != degraded
	l.degraded = degraded
	l.mu.Unlock()
	if !changed {
		return
	}
	if degraded {
		l.log.Error("ledger degraded: accounting writes are failing")
		if l.alerts != nil {
			l.alerts.Publish(events.Alert{Type: events.AlertLedgerDegraded})
		}
		return
	}
	l.log.Info("ledger recovered")
	if l.alerts != nil {
		l.alerts.Publish(events.Alert{Type: events.AlertLedgerRecovered})
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func localMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
