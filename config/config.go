// Package config resolves the layered gateway configuration: a project file
// (llm.project.yaml plus llm.project.d/ fragments), a user file, and
// environment overrides, merged into one immutable MergedConfig snapshot.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
)

// Unit types a model is priced in.
const (
	UnitToken       = "token"
	UnitImage       = "image"
	UnitAudioSecond = "audio_second"
	UnitCharacter   = "character"
)

// Model capabilities.
const (
	CapText     = "text"
	CapVision   = "vision"
	CapTTS      = "tts"
	CapASR      = "asr"
	CapImageGen = "image_gen"
	CapVideoGen = "video_gen"
	CapThinking = "thinking"
)

// Pricing holds per-unit prices in USD. Token and character units are priced
// per million; images per image; audio per second.
type Pricing struct {
	InputPer1M  float64 `yaml:"input_per_1m"`
	OutputPer1M float64 `yaml:"output_per_1m"`
	PerImage    float64 `yaml:"per_image"`
	PerSecond   float64 `yaml:"per_second"`
}

// Limits are per-(provider,model) rate limits. A nil field means unlimited;
// an explicit zero means the window admits nothing.
type Limits struct {
	RPM *int `yaml:"rpm"`
	TPM *int `yaml:"tpm"`
	RPD *int `yaml:"rpd"`
}

// ModelSpec is the concrete record an alias resolves to.
type ModelSpec struct {
	Alias        string         `yaml:"-"`
	Provider     string         `yaml:"provider"`
	ModelID      string         `yaml:"model_id"`
	UnitType     string         `yaml:"unit_type"`
	Pricing      Pricing        `yaml:"pricing"`
	Limits       Limits         `yaml:"limits"`
	Capabilities []string       `yaml:"capabilities"`
	ExtraConfig  map[string]any `yaml:"extra_config"`
}

// HasCapability reports whether the model declares the given capability.
func (m ModelSpec) HasCapability(c string) bool {
	for _, have := range m.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Endpoint is a network location with a region tag used for data-residency
// filtering and a provider tag used for selection.
type Endpoint struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
	Region   string `yaml:"region"`
}

// RoutingPolicy reorders endpoint preference for a provider. Policies are
// evaluated in list order; the first policy matching the resolved provider
// moves its preferred endpoint names, in order, ahead of the remaining
// filtered list.
type RoutingPolicy struct {
	Name     string   `yaml:"name"`
	Provider string   `yaml:"provider"`
	Prefer   []string `yaml:"prefer"`
}

// DataResidency restricts endpoints to a set of allowed regions.
// Configured=false means no restriction.
type DataResidency struct {
	Configured     bool
	AllowedRegions []string
}

// Allows reports whether a region passes the residency filter.
func (d DataResidency) Allows(region string) bool {
	if !d.Configured {
		return true
	}
	for _, r := range d.AllowedRegions {
		if r == region {
			return true
		}
	}
	return false
}

// Resilience controls retry and wait behaviour.
type Resilience struct {
	MaxRetries      int
	BaseDelayS      float64
	MaxDelayS       float64
	WaitOnRateLimit bool
	RetryBudgetS    float64
	MaxWaitTimeoutS float64
}

// Budget controls the daily spend guardrail.
type Budget struct {
	DailySpendLimitUSD float64
	WarnRatio          float64
	Strict             bool
}

// Network holds outbound transport tweaks.
type Network struct {
	// ProxyBypassProviders lists providers whose HTTP clients ignore proxy
	// environment variables.
	ProxyBypassProviders []string
}

// BypassesProxy reports whether the named provider should skip proxies.
func (n Network) BypassesProxy(provider string) bool {
	for _, p := range n.ProxyBypassProviders {
		if p == provider {
			return true
		}
	}
	return false
}

// Diagnostics counts silently-handled merge anomalies.
type Diagnostics struct {
	// EndpointsDropped is the number of user endpoints removed by the
	// data-residency filter.
	EndpointsDropped int
	// PolicyConflicts is the number of user routing policies discarded
	// because a project policy of the same name exists.
	PolicyConflicts int
}

// MergedConfig is the immutable result of resolving all configuration
// layers. It is built once per Load and shared read-only; nothing mutates
// it after construction.
type MergedConfig struct {
	APIKeys         map[string]string
	Endpoints       []Endpoint
	ModelRegistry   map[string]ModelSpec
	RoutingPolicies []RoutingPolicy
	DataResidency   DataResidency
	Resilience      Resilience
	Budget          Budget
	Network         Network
	Settings        map[string]any
	Diagnostics     Diagnostics
}

func defaultResilience() Resilience {
	return Resilience{
		MaxRetries:      3,
		BaseDelayS:      1.0,
		MaxDelayS:       60.0,
		WaitOnRateLimit: true,
		RetryBudgetS:    120,
		MaxWaitTimeoutS: 300,
	}
}

func defaultBudget() Budget {
	return Budget{
		DailySpendLimitUSD: 1.0,
		WarnRatio:          0.8,
	}
}

// Fingerprint returns a deterministic digest of the merged snapshot.
// The same input files and environment always produce the same value.
func (c *MergedConfig) Fingerprint() string {
	h := sha256.New()

	writeSorted := func(m map[string]string) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%s;", k, m[k])
		}
	}

	io.WriteString(h, "api_keys:")
	writeSorted(c.APIKeys)

	io.WriteString(h, "endpoints:")
	for _, e := range c.Endpoints {
		fmt.Fprintf(h, "%s|%s|%s|%s;", e.Name, e.Provider, e.URL, e.Region)
	}

	io.WriteString(h, "models:")
	aliases := make([]string, 0, len(c.ModelRegistry))
	for a := range c.ModelRegistry {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	for _, a := range aliases {
		m := c.ModelRegistry[a]
		caps := append([]string(nil), m.Capabilities...)
		sort.Strings(caps)
		fmt.Fprintf(h, "%s|%s|%s|%s|%v|%v|%d,%d,%d;",
			a, m.Provider, m.ModelID, m.UnitType, m.Pricing, caps,
			intOrMinusOne(m.Limits.RPM), intOrMinusOne(m.Limits.TPM), intOrMinusOne(m.Limits.RPD))
	}

	io.WriteString(h, "policies:")
	for _, p := range c.RoutingPolicies {
		fmt.Fprintf(h, "%s|%s|%v;", p.Name, p.Provider, p.Prefer)
	}

	fmt.Fprintf(h, "residency:%v|%v;", c.DataResidency.Configured, c.DataResidency.AllowedRegions)
	fmt.Fprintf(h, "resilience:%+v;", c.Resilience)
	fmt.Fprintf(h, "budget:%+v;", c.Budget)
	fmt.Fprintf(h, "network:%v;", c.Network.ProxyBypassProviders)

	return hex.EncodeToString(h.Sum(nil))
}

func intOrMinusOne(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}
