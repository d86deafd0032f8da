// Package echo implements an in-process provider used by tests and offline
// development. It echoes the request text back, reports deterministic usage,
// and can be scripted to fail, stall, or stream specific deltas.
package echo

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jordanhubbard/llmgate/providers"
)

const chunkSize = 5

// Adapter implements providers.Adapter without any network I/O.
type Adapter struct {
	mu      sync.Mutex
	scripts []error
	calls   int

	name    string
	latency time.Duration
	deltas  []string
	usage   *providers.TokenUsage
	finish  providers.FinishReason
}

// New creates an echo adapter. With no options it behaves like a fast,
// always-successful chat provider.
func New(opts ...Option) *Adapter {
	a := &Adapter{name: "echo", finish: providers.FinishStop}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithName overrides the provider name the adapter reports.
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

// WithLatency makes each call sleep before responding.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

// WithDeltas scripts the exact stream deltas (and, joined, the Invoke
// content) instead of echoing the prompt.
func WithDeltas(deltas ...string) Option {
	return func(a *Adapter) { a.deltas = deltas }
}

// WithUsage scripts the usage reported on completion.
func WithUsage(u providers.TokenUsage) Option {
	return func(a *Adapter) { a.usage = &u }
}

// WithFinishReason scripts the finish reason on successful responses.
func WithFinishReason(r providers.FinishReason) Option {
	return func(a *Adapter) { a.finish = r }
}

// WithErrors scripts failures: each call consumes one error from the list
// until it is drained, after which calls succeed.
func WithErrors(errs ...error) Option {
	return func(a *Adapter) { a.scripts = errs }
}

func (a *Adapter) Name() string { return a.name }

// Calls reports how many Invoke/Stream calls the adapter has served,
// including scripted failures.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// nextError consumes one scripted failure, if any remain.
func (a *Adapter) nextError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.scripts) == 0 {
		return nil
	}
	err := a.scripts[0]
	a.scripts = a.scripts[1:]
	return err
}

func (a *Adapter) content(req *providers.Request) string {
	if len(a.deltas) > 0 {
		var s string
		for _, d := range a.deltas {
			s += d
		}
		return s
	}
	return fmt.Sprintf("[ECHO %s] %s", req.Model, req.PromptText())
}

func (a *Adapter) finalUsage(req *providers.Request, content string) providers.TokenUsage {
	if a.usage != nil {
		return *a.usage
	}
	in := int64(providers.EstimateParts(req.Parts))
	out := int64(len(content)/4 + 1)
	return providers.TokenUsage{
		InputTokens:  in,
		OutputTokens: out,
		TotalTokens:  in + out,
		Known:        true,
	}
}

func (a *Adapter) wait(ctx context.Context) error {
	if a.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.latency):
		return nil
	}
}

func (a *Adapter) Invoke(ctx context.Context, req *providers.Request) (*providers.GenerationResponse, error) {
	if err := a.nextError(); err != nil {
		return nil, err
	}
	if err := a.wait(ctx); err != nil {
		return nil, &providers.ClassifiedError{Err: err, Class: providers.ClassCancelled}
	}
	content := a.content(req)
	return &providers.GenerationResponse{
		Content:      content,
		Model:        req.Model,
		Provider:     a.name,
		Usage:        a.finalUsage(req, content),
		FinishReason: a.finish,
		TraceID:      req.TraceID,
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, req *providers.Request) (providers.StreamHandle, error) {
	if err := a.nextError(); err != nil {
		return nil, err
	}
	if err := a.wait(ctx); err != nil {
		return nil, &providers.ClassifiedError{Err: err, Class: providers.ClassCancelled}
	}

	deltas := a.deltas
	if len(deltas) == 0 {
		content := a.content(req)
		for i := 0; i < len(content); i += chunkSize {
			end := i + chunkSize
			if end > len(content) {
				end = len(content)
			}
			deltas = append(deltas, content[i:end])
		}
	}
	usage := a.finalUsage(req, a.content(req))
	return &stream{ctx: ctx, deltas: deltas, usage: usage, finish: a.finish}, nil
}

func (a *Adapter) EstimateTokens(req *providers.Request) int {
	return providers.EstimateParts(req.Parts)
}

// stream yields the scripted deltas one per Recv, then a terminal event,
// then io.EOF.
type stream struct {
	ctx    context.Context
	deltas []string
	usage  providers.TokenUsage
	finish providers.FinishReason

	pos    int
	done   bool
	closed bool
}

func (s *stream) Recv() (providers.StreamEvent, error) {
	if s.closed || s.done {
		return providers.StreamEvent{}, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return providers.StreamEvent{}, &providers.ClassifiedError{Err: err, Class: providers.ClassCancelled}
	}
	if s.pos < len(s.deltas) {
		ev := providers.StreamEvent{Delta: s.deltas[s.pos]}
		s.pos++
		return ev, nil
	}
	s.done = true
	u := s.usage
	return providers.StreamEvent{IsFinal: true, Usage: &u, FinishReason: s.finish}, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
