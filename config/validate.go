package config

import (
	"fmt"
	"regexp"
)

var providerName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

var validUnits = map[string]bool{
	UnitToken:       true,
	UnitImage:       true,
	UnitAudioSecond: true,
	UnitCharacter:   true,
}

var validCaps = map[string]bool{
	CapText:     true,
	CapVision:   true,
	CapTTS:      true,
	CapASR:      true,
	CapImageGen: true,
	CapVideoGen: true,
	CapThinking: true,
}

// Validate checks the merged snapshot for structurally invalid settings.
// It returns the first problem found.
func (c *MergedConfig) Validate() error {
	for alias, spec := range c.ModelRegistry {
		field := fmt.Sprintf("model_registry.%s", alias)
		if spec.Provider == "" {
			return &Error{Field: field + ".provider", Reason: "missing provider"}
		}
		if !providerName.MatchString(spec.Provider) {
			return &Error{Field: field + ".provider", Reason: fmt.Sprintf("invalid provider name %q", spec.Provider)}
		}
		if !validUnits[spec.UnitType] {
			return &Error{Field: field + ".unit_type", Reason: fmt.Sprintf("unknown unit type %q", spec.UnitType)}
		}
		for _, capability := range spec.Capabilities {
			if !validCaps[capability] {
				return &Error{Field: field + ".capabilities", Reason: fmt.Sprintf("unknown capability %q", capability)}
			}
		}
		if spec.Pricing.InputPer1M < 0 || spec.Pricing.OutputPer1M < 0 || spec.Pricing.PerImage < 0 || spec.Pricing.PerSecond < 0 {
			return &Error{Field: field + ".pricing", Reason: "negative price"}
		}
		for name, lim := range map[string]*int{"rpm": spec.Limits.RPM, "tpm": spec.Limits.TPM, "rpd": spec.Limits.RPD} {
			if lim != nil && *lim < 0 {
				return &Error{Field: field + ".limits." + name, Reason: fmt.Sprintf("negative limit %d", *lim)}
			}
		}
	}

	for i, ep := range c.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		if ep.Name == "" {
			return &Error{Field: field + ".name", Reason: "missing name"}
		}
		if ep.Provider == "" {
			return &Error{Field: field + ".provider", Reason: "missing provider"}
		}
		if ep.URL == "" {
			return &Error{Field: field + ".url", Reason: "missing url"}
		}
	}

	if c.Budget.DailySpendLimitUSD < 0 {
		return &Error{Field: "budget.daily_spend_limit_usd", Reason: fmt.Sprintf("negative limit %v", c.Budget.DailySpendLimitUSD)}
	}
	if c.Budget.WarnRatio <= 0 || c.Budget.WarnRatio > 1 {
		return &Error{Field: "budget.warn_ratio", Reason: fmt.Sprintf("must be in (0,1], got %v", c.Budget.WarnRatio)}
	}

	r := c.Resilience
	if r.MaxRetries < 0 {
		return &Error{Field: "resilience.max_retries", Reason: "must be >= 0"}
	}
	if r.BaseDelayS <= 0 || r.MaxDelayS <= 0 {
		return &Error{Field: "resilience", Reason: "delays must be > 0"}
	}
	if r.RetryBudgetS < 0 || r.MaxWaitTimeoutS < 0 {
		return &Error{Field: "resilience", Reason: "budgets must be >= 0"}
	}
	return nil
}

// ValidateProviders verifies that every model-registry provider is known to
// the caller (i.e. has a registered adapter). The resolver runs this when
// the gateway is constructed, after adapters are bound.
func (c *MergedConfig) ValidateProviders(known func(provider string) bool) error {
	for alias, spec := range c.ModelRegistry {
		if !known(spec.Provider) {
			return &Error{
				Field:  fmt.Sprintf("model_registry.%s.provider", alias),
				Reason: fmt.Sprintf("unknown provider %q (no adapter registered)", spec.Provider),
			}
		}
	}
	return nil
}
