package circuitbreaker

import (
	"sync"
	"time"
)

// Registry holds one Breaker per endpoint, created lazily on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	breakerO []Option
	listener func(endpoint string, from, to State)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithBreakerOptions sets the options applied to every breaker the registry
// creates.
func WithBreakerOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.breakerO = opts }
}

// WithStateListener registers a callback fired on every transition of any
// breaker in the registry. It runs while that breaker's mutex is held, so it
// must not call back into the breaker.
func WithStateListener(fn func(endpoint string, from, to State)) RegistryOption {
	return func(r *Registry) { r.listener = fn }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{breakers: make(map[string]*Breaker)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns the breaker for an endpoint, creating it Closed if needed.
func (r *Registry) Get(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[endpoint]; ok {
		return b
	}
	opts := r.breakerO
	if r.listener != nil {
		ep := endpoint
		opts = append(append([]Option(nil), r.breakerO...),
			WithOnStateChange(func(from, to State) { r.listener(ep, from, to) }))
	}
	b := New(opts...)
	r.breakers[endpoint] = b
	return b
}

// States returns a snapshot of every known endpoint's state.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.CurrentState()
	}
	return out
}

// OpenedAt reports when the endpoint's breaker last tripped. Endpoints the
// registry has never seen report a zero time.
func (r *Registry) OpenedAt(endpoint string) time.Time {
	r.mu.Lock()
	b, ok := r.breakers[endpoint]
	r.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return b.OpenedAt()
}
