package llmgate

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/jordanhubbard/llmgate/internal/budget"
	"github.com/jordanhubbard/llmgate/internal/ledger"
	"github.com/jordanhubbard/llmgate/providers"
)

// StreamReader is the pull surface over one streaming call. Recv returns
// events until the terminal event (IsFinal set) and then io.EOF; the
// terminal event settles the call in the ledger. Closing the reader before
// the terminal event abandons the stream: the adapter is released
// immediately and a cancelled commit records the partial usage and cost.
type StreamReader struct {
	c  *Client
	ca *call
	h  providers.StreamHandle

	mu       sync.Mutex
	done     bool
	closed   bool
	ttftMs   float64
	outChars int
	usage    providers.TokenUsage
	gotUsage bool
}

// Stream performs a streaming generation call against the model behind
// alias. Admission is identical to Generate; retries apply to opening the
// stream only, since re-running a stream that already yielded deltas would
// duplicate output.
func (c *Client) Stream(ctx context.Context, parts []ContentPart, alias string, gcfg *GenConfig) (*StreamReader, error) {
	ca, err := c.prepare(ctx, parts, alias, gcfg)
	if err != nil {
		return nil, err
	}

	ictx := providers.WithTraceID(ctx, ca.traceID)
	var h providers.StreamHandle
	err = ca.runner.Do(ictx, func(ctx context.Context) error {
		hh, serr := ca.adapter.Stream(ctx, ca.req)
		if serr != nil {
			return serr
		}
		h = hh
		return nil
	})
	if err != nil {
		mapped := callError(ca.traceID, ca.spec.Provider, ca.spec.ModelID, err)
		c.finishFailure(ca, mapped)
		return nil, mapped
	}
	return &StreamReader{c: c, ca: ca, h: h}, nil
}

// TraceID returns the trace identifier of the underlying call.
func (r *StreamReader) TraceID() string { return r.ca.traceID }

// Recv returns the next stream event. After the terminal event, or after
// Close, it returns io.EOF. A mid-stream failure settles the call and
// surfaces as one of the public error kinds.
func (r *StreamReader) Recv() (StreamEvent, error) {
	r.mu.Lock()
	if r.done || r.closed {
		r.mu.Unlock()
		return StreamEvent{}, io.EOF
	}
	r.mu.Unlock()

	ev, err := r.h.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Stream ended without a terminal event; settle with what
			// arrived.
			r.settle(nil)
			return StreamEvent{}, io.EOF
		}
		mapped := callError(r.ca.traceID, r.ca.spec.Provider, r.ca.spec.ModelID, err)
		r.fail(mapped)
		return StreamEvent{}, mapped
	}
	if ev.Err != nil {
		mapped := callError(r.ca.traceID, r.ca.spec.Provider, r.ca.spec.ModelID, ev.Err)
		r.fail(mapped)
		return StreamEvent{}, mapped
	}

	r.mu.Lock()
	if r.ttftMs == 0 {
		r.ttftMs = r.c.sinceMs(r.ca.t0)
	}
	r.outChars += len(ev.Delta)
	if ev.Usage != nil {
		r.usage = *ev.Usage
		r.gotUsage = true
	}
	r.mu.Unlock()

	if ev.IsFinal {
		r.settle(&ev)
	}
	return ev, nil
}

// Close abandons the stream. Before the terminal event it closes the
// adapter stream right away and commits status=cancelled with the partial
// usage observed so far; afterwards it is a no-op. Close is idempotent.
func (r *StreamReader) Close() error {
	r.mu.Lock()
	if r.done || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	usage, ttft := r.partialUsage()
	r.mu.Unlock()

	err := r.h.Close()

	cost := partialCost(r.ca.spec, r.ca.estTokens, usage.OutputTokens, r.ca.estimate)
	r.c.commitAbandoned(r.ca, usage, cost, providers.Timing{TTFTMs: ttft, TotalMs: r.c.sinceMs(r.ca.t0)})
	return err
}

// settle writes the success commit once the stream completed. final is nil
// when the stream ended in a bare io.EOF.
func (r *StreamReader) settle(final *providers.StreamEvent) {
	r.mu.Lock()
	if r.done || r.closed {
		r.mu.Unlock()
		return
	}
	r.done = true
	usage, ttft := r.partialUsage()
	r.mu.Unlock()

	var adapterCost float64
	finish := providers.FinishStop
	if final != nil {
		adapterCost = final.CostUSD
		if final.FinishReason != "" {
			finish = final.FinishReason
		}
	}

	timing := providers.Timing{TTFTMs: ttft, TotalMs: r.c.sinceMs(r.ca.t0)}
	cost := actualCost(r.ca.spec, usage, r.ca.estimate, adapterCost)
	r.c.commitSuccess(r.ca, usage, cost, timing, finish)
}

// fail settles a mid-stream failure and releases the adapter stream.
func (r *StreamReader) fail(err error) {
	r.mu.Lock()
	if r.done || r.closed {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()

	_ = r.h.Close()
	r.c.finishFailure(r.ca, err)
}

// partialUsage returns reported usage when the provider sent any, and an
// estimate from consumed deltas otherwise. Caller must hold r.mu.
func (r *StreamReader) partialUsage() (providers.TokenUsage, float64) {
	if r.gotUsage {
		return r.usage, r.ttftMs
	}
	u := providers.TokenUsage{
		InputTokens:  int64(r.ca.estTokens),
		OutputTokens: estimateOutputTokens(r.outChars),
		Known:        false,
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	return u, r.ttftMs
}

// commitAbandoned settles a stream the caller walked away from: the
// reservation keeps the tokens consumed and the ledger records a cancelled
// commit carrying partial usage and partial cost.
func (c *Client) commitAbandoned(ca *call, usage providers.TokenUsage, cost float64, timing providers.Timing) {
	provider, model := ca.spec.Provider, ca.spec.ModelID

	if ca.reservation != nil {
		actual := usage.TotalTokens
		if actual <= 0 {
			actual = int64(ca.estTokens)
		}
		ca.reservation.Commit(actual)
	}

	ca.budget.Commit(budget.Commit{
		TraceID:   ca.traceID,
		Provider:  provider,
		Model:     model,
		ActualUSD: cost,
		Usage:     toLedgerUsage(usage),
		Status:    ledger.StatusCancelled,
		Timing:    &ledger.Timing{TTFTMs: timing.TTFTMs, TotalMs: timing.TotalMs},
		Metadata: map[string]any{
			"alias":    ca.alias,
			"endpoint": ca.endpoint.Name,
			"reason":   "abandoned",
		},
	})

	c.metrics.RequestsTotal.WithLabelValues(provider, model, string(ledger.StatusCancelled)).Inc()
	c.metrics.RequestDuration.WithLabelValues(provider, model).Observe(timing.TotalMs / 1000)

	c.log.Info("stream abandoned",
		"trace_id", ca.traceID, "alias", ca.alias, "provider", provider, "model", model,
		"cost_usd", cost, "output_tokens", usage.OutputTokens, "total_ms", timing.TotalMs)
}

// StreamAsync runs Stream on its own goroutine and delivers events on the
// returned channel, which closes after the terminal event. Failures arrive
// as a final event with Err set. Cancelling ctx abandons the stream and
// commits the partial usage.
func (c *Client) StreamAsync(ctx context.Context, parts []ContentPart, alias string, gcfg *GenConfig) <-chan StreamEvent {
	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)

		sr, err := c.Stream(ctx, parts, alias, gcfg)
		if err != nil {
			ch <- StreamEvent{Err: err, IsFinal: true, FinishReason: providers.FinishError}
			return
		}
		defer func() { _ = sr.Close() }()

		for {
			ev, rerr := sr.Recv()
			if errors.Is(rerr, io.EOF) {
				return
			}
			if rerr != nil {
				select {
				case ch <- StreamEvent{Err: rerr, IsFinal: true, FinishReason: providers.FinishError}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
