// Package registry resolves model aliases into concrete calls: the model
// spec plus the single endpoint the next attempt should use, honouring
// routing policies, data residency, and circuit-breaker state.
package registry

import (
	"fmt"

	"github.com/jordanhubbard/llmgate/config"
	"github.com/jordanhubbard/llmgate/internal/circuitbreaker"
)

// UnknownAliasError reports a model alias the registry does not define.
type UnknownAliasError struct {
	Alias string
}

func (e *UnknownAliasError) Error() string {
	return fmt.Sprintf("model alias %q is not configured", e.Alias)
}

// NoEndpointError reports that no endpoint can serve the resolved provider.
type NoEndpointError struct {
	Alias    string
	Provider string
}

func (e *NoEndpointError) Error() string {
	return fmt.Sprintf("no endpoint for provider %q (alias %q)", e.Provider, e.Alias)
}

// ResolvedCall is the outcome of resolution: what to call and where.
type ResolvedCall struct {
	Spec     config.ModelSpec
	Endpoint config.Endpoint
	// Probe marks a selection forced through an open breaker because no
	// healthy endpoint remained.
	Probe bool
}

// Registry picks endpoints for calls. Construction wires the breaker
// registry; the config snapshot travels with each call so a reload never
// splits one call's decisions across two configurations.
type Registry struct {
	breakers *circuitbreaker.Registry
}

// New creates a Registry backed by the given breaker registry.
func New(breakers *circuitbreaker.Registry) *Registry {
	return &Registry{breakers: breakers}
}

// Resolve maps an alias to its model spec and the endpoint to try now.
//
// Candidates are the snapshot's endpoints matching the model's provider and
// passing the residency filter, reordered by the first routing policy for
// that provider. The first candidate with a closed breaker wins. When every
// candidate's breaker is open, the one that tripped earliest is forced into
// a probe and returned with Probe set.
func (r *Registry) Resolve(cfg *config.MergedConfig, alias string) (ResolvedCall, error) {
	spec, ok := cfg.ModelRegistry[alias]
	if !ok {
		return ResolvedCall{}, &UnknownAliasError{Alias: alias}
	}

	var candidates []config.Endpoint
	for _, ep := range cfg.Endpoints {
		if ep.Provider != spec.Provider || !cfg.DataResidency.Allows(ep.Region) {
			continue
		}
		candidates = append(candidates, ep)
	}
	candidates = applyPolicy(cfg.RoutingPolicies, spec.Provider, candidates)
	if len(candidates) == 0 {
		return ResolvedCall{}, &NoEndpointError{Alias: alias, Provider: spec.Provider}
	}

	for _, ep := range candidates {
		if r.breakers.Get(ep.Name).CurrentState() == circuitbreaker.Closed {
			return ResolvedCall{Spec: spec, Endpoint: ep}, nil
		}
	}

	// Every breaker is open; retry the endpoint that failed longest ago.
	probe := candidates[0]
	oldest := r.breakers.OpenedAt(probe.Name)
	for _, ep := range candidates[1:] {
		if at := r.breakers.OpenedAt(ep.Name); at.Before(oldest) {
			probe, oldest = ep, at
		}
	}
	r.breakers.Get(probe.Name).Probe()
	return ResolvedCall{Spec: spec, Endpoint: probe, Probe: true}, nil
}

// applyPolicy moves the first matching policy's preferred endpoints, in
// preference order, ahead of the rest. Later policies for the same provider
// are ignored.
func applyPolicy(policies []config.RoutingPolicy, provider string, eps []config.Endpoint) []config.Endpoint {
	for _, p := range policies {
		if p.Provider != provider {
			continue
		}
		taken := make(map[string]bool, len(p.Prefer))
		out := make([]config.Endpoint, 0, len(eps))
		for _, name := range p.Prefer {
			for _, ep := range eps {
				if ep.Name == name && !taken[name] {
					out = append(out, ep)
					taken[name] = true
				}
			}
		}
		for _, ep := range eps {
			if !taken[ep.Name] {
				out = append(out, ep)
			}
		}
		return out
	}
	return eps
}
