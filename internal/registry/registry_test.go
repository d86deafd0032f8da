package registry

import (
	"errors"
	"testing"

	"github.com/jordanhubbard/llmgate/config"
	"github.com/jordanhubbard/llmgate/internal/circuitbreaker"
)

func testConfig() *config.MergedConfig {
	return &config.MergedConfig{
		ModelRegistry: map[string]config.ModelSpec{
			"gpt":    {Alias: "gpt", Provider: "openai", ModelID: "gpt-4o"},
			"claude": {Alias: "claude", Provider: "anthropic", ModelID: "claude-sonnet"},
			"voice":  {Alias: "voice", Provider: "elevenlabs", ModelID: "turbo"},
		},
		Endpoints: []config.Endpoint{
			{Name: "anthropic-us", Provider: "anthropic", URL: "https://api.anthropic.com", Region: "us"},
			{Name: "openai-us", Provider: "openai", URL: "https://api.openai.com", Region: "us"},
			{Name: "openai-eu", Provider: "openai", URL: "https://eu.api.openai.com", Region: "eu"},
		},
	}
}

func TestResolveUnknownAlias(t *testing.T) {
	r := New(circuitbreaker.NewRegistry())
	_, err := r.Resolve(testConfig(), "nope")
	var ua *UnknownAliasError
	if !errors.As(err, &ua) {
		t.Fatalf("err = %v, want *UnknownAliasError", err)
	}
	if ua.Alias != "nope" {
		t.Errorf("alias = %q, want %q", ua.Alias, "nope")
	}
}

func TestResolvePicksFirstProviderMatch(t *testing.T) {
	r := New(circuitbreaker.NewRegistry())
	got, err := r.Resolve(testConfig(), "gpt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint.Name != "openai-us" {
		t.Errorf("endpoint = %s, want openai-us (list order)", got.Endpoint.Name)
	}
	if got.Probe {
		t.Error("healthy selection should not be a probe")
	}
	if got.Spec.ModelID != "gpt-4o" {
		t.Errorf("model = %s, want gpt-4o", got.Spec.ModelID)
	}
}

func TestResolveHonorsResidency(t *testing.T) {
	cfg := testConfig()
	cfg.DataResidency = config.DataResidency{Configured: true, AllowedRegions: []string{"eu"}}

	r := New(circuitbreaker.NewRegistry())
	got, err := r.Resolve(cfg, "gpt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint.Name != "openai-eu" {
		t.Errorf("endpoint = %s, want openai-eu", got.Endpoint.Name)
	}

	// The anthropic endpoint is us-only, so residency leaves nothing.
	_, err = r.Resolve(cfg, "claude")
	var ne *NoEndpointError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want *NoEndpointError", err)
	}
	if ne.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", ne.Provider)
	}
}

func TestResolveNoEndpointForProvider(t *testing.T) {
	r := New(circuitbreaker.NewRegistry())
	_, err := r.Resolve(testConfig(), "voice")
	var ne *NoEndpointError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want *NoEndpointError", err)
	}
}

func TestResolvePolicyReorders(t *testing.T) {
	cfg := testConfig()
	cfg.RoutingPolicies = []config.RoutingPolicy{
		{Name: "anthropic-pin", Provider: "anthropic", Prefer: []string{"anthropic-us"}},
		{Name: "eu-first", Provider: "openai", Prefer: []string{"missing", "openai-eu"}},
		{Name: "us-first", Provider: "openai", Prefer: []string{"openai-us"}},
	}

	r := New(circuitbreaker.NewRegistry())
	got, err := r.Resolve(cfg, "gpt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	// The first openai policy wins; unknown preferred names are skipped.
	if got.Endpoint.Name != "openai-eu" {
		t.Errorf("endpoint = %s, want openai-eu", got.Endpoint.Name)
	}
}

func TestResolveSkipsOpenBreaker(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.WithBreakerOptions(circuitbreaker.WithThreshold(1)))
	breakers.Get("openai-us").RecordFailure()

	r := New(breakers)
	got, err := r.Resolve(testConfig(), "gpt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint.Name != "openai-eu" {
		t.Errorf("endpoint = %s, want openai-eu around the open breaker", got.Endpoint.Name)
	}
	if got.Probe {
		t.Error("a healthy fallback is not a probe")
	}
}

func TestResolveAllOpenProbesOldest(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.WithBreakerOptions(circuitbreaker.WithThreshold(1)))
	breakers.Get("openai-us").RecordFailure()
	breakers.Get("openai-eu").RecordFailure()

	r := New(breakers)
	got, err := r.Resolve(testConfig(), "gpt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint.Name != "openai-us" {
		t.Errorf("endpoint = %s, want the endpoint that tripped first", got.Endpoint.Name)
	}
	if !got.Probe {
		t.Error("all-open selection must be marked as a probe")
	}
	if st := breakers.Get("openai-us").CurrentState(); st != circuitbreaker.HalfOpen {
		t.Errorf("probed breaker state = %s, want half-open", st)
	}
}

func TestResolveSkipsHalfOpen(t *testing.T) {
	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.WithBreakerOptions(circuitbreaker.WithThreshold(1)))
	breakers.Get("openai-us").RecordFailure()
	breakers.Get("openai-us").Probe()

	r := New(breakers)
	got, err := r.Resolve(testConfig(), "gpt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint.Name != "openai-eu" {
		t.Errorf("endpoint = %s, want openai-eu while the probe is in flight", got.Endpoint.Name)
	}
}
