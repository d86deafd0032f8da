package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jordanhubbard/llmgate/internal/keyring"
)

// Error is a configuration-time failure. The gateway refuses to start on it.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// LoadOptions locates the configuration layers. Zero values select the
// defaults described on each field.
type LoadOptions struct {
	// ProjectPath is the project layer. Default: "llm.project.yaml" in the
	// working directory. A missing file is an empty layer, not an error.
	ProjectPath string
	// ProjectDir holds *.yaml fragments merged over the project file in
	// lexical order. Default: "llm.project.d".
	ProjectDir string
	// UserPath is the user layer. Default: the first of
	// $XDG_CONFIG_HOME/llm-sdk/config.yaml and ./config.yaml that exists.
	UserPath string
	// KeyringPassphrase unlocks the encrypted api_keys_file when the user
	// layer names one. Default: $LLMGATE_KEYRING_PASSPHRASE.
	KeyringPassphrase string
}

// fileConfig is the YAML shape shared by both layers. Scalar fields are
// pointers so an absent key is distinguishable from an explicit zero.
type fileConfig struct {
	ModelRegistry           map[string]ModelSpec `yaml:"model_registry"`
	RoutingPolicies         []RoutingPolicy      `yaml:"routing_policies"`
	PersonalModelOverrides  map[string]ModelSpec `yaml:"personal_model_overrides"`
	PersonalRoutingPolicies []RoutingPolicy      `yaml:"personal_routing_policies"`

	DataResidency *struct {
		AllowedRegions []string `yaml:"allowed_regions"`
	} `yaml:"data_residency"`

	APIKeys     map[string]string `yaml:"api_keys"`
	APIKeysFile string            `yaml:"api_keys_file"`
	Endpoints   []Endpoint        `yaml:"endpoints"`

	DailySpendLimit *float64 `yaml:"daily_spend_limit"`
	Budget          *struct {
		DailySpendLimitUSD *float64 `yaml:"daily_spend_limit_usd"`
		WarnRatio          *float64 `yaml:"warn_ratio"`
		Strict             *bool    `yaml:"strict"`
	} `yaml:"budget"`

	Resilience *struct {
		MaxRetries      *int     `yaml:"max_retries"`
		BaseDelayS      *float64 `yaml:"base_delay_s"`
		MaxDelayS       *float64 `yaml:"max_delay_s"`
		WaitOnRateLimit *bool    `yaml:"wait_on_rate_limit"`
		RetryBudgetS    *float64 `yaml:"retry_budget_s"`
		MaxWaitTimeoutS *float64 `yaml:"max_wait_timeout_s"`
	} `yaml:"resilience"`

	Network *struct {
		ProxyBypassEnabled *bool    `yaml:"proxy_bypass_enabled"`
		BypassProxy        []string `yaml:"bypass_proxy"`
	} `yaml:"network"`

	Settings map[string]any `yaml:"settings"`
}

// Load resolves the configuration layers into a MergedConfig.
//
// Merge semantics:
//   - model registry: user base, then personal_model_overrides, then the
//     project registry last (project wins on collision);
//   - routing policies: project first, user appended; a user policy whose
//     name collides with a project policy is dropped and counted;
//   - endpoints: user-supplied, filtered by project data residency, drops
//     counted;
//   - scalars: env var > user file > project file > built-in default.
func Load(opts LoadOptions) (*MergedConfig, error) {
	project, err := loadProjectLayer(opts)
	if err != nil {
		return nil, err
	}
	user, err := loadUserLayer(opts)
	if err != nil {
		return nil, err
	}

	cfg := &MergedConfig{
		APIKeys:       map[string]string{},
		ModelRegistry: map[string]ModelSpec{},
		Settings:      project.Settings,
	}

	if err := mergeAPIKeys(cfg, project, user, opts); err != nil {
		return nil, err
	}
	mergeModelRegistry(cfg, project, user)
	mergeRoutingPolicies(cfg, project, user)
	if err := mergeEndpoints(cfg, project, user); err != nil {
		return nil, err
	}
	mergeResilience(cfg, project, user)
	mergeBudget(cfg, project, user)
	mergeNetwork(cfg, user)

	if verr := cfg.Validate(); verr != nil {
		return nil, verr
	}
	return cfg, nil
}

func loadProjectLayer(opts LoadOptions) (*fileConfig, error) {
	path := opts.ProjectPath
	if path == "" {
		path = "llm.project.yaml"
	}
	dir := opts.ProjectDir
	if dir == "" {
		dir = "llm.project.d"
	}

	base, err := readLayerFile(path)
	if err != nil {
		return nil, err
	}

	frags, _ := filepath.Glob(filepath.Join(dir, "*.yaml"))
	sort.Strings(frags)
	for _, frag := range frags {
		fc, err := readLayerFile(frag)
		if err != nil {
			return nil, err
		}
		mergeFragment(base, fc)
	}
	return base, nil
}

func loadUserLayer(opts LoadOptions) (*fileConfig, error) {
	path := opts.UserPath
	if path == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			candidate := filepath.Join(dir, "llm-sdk", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
		if path == "" {
			path = "config.yaml"
		}
	}
	return readLayerFile(path)
}

func readLayerFile(path string) (*fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fc, nil
		}
		return nil, &Error{Field: path, Reason: err.Error()}
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, &Error{Field: path, Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}
	return &fc, nil
}

// mergeFragment merges a project-directory fragment over the base project
// layer: registry and scalar keys override, policy lists append.
func mergeFragment(base, frag *fileConfig) {
	if base.ModelRegistry == nil {
		base.ModelRegistry = map[string]ModelSpec{}
	}
	for k, v := range frag.ModelRegistry {
		base.ModelRegistry[k] = v
	}
	base.RoutingPolicies = append(base.RoutingPolicies, frag.RoutingPolicies...)
	if frag.DataResidency != nil {
		base.DataResidency = frag.DataResidency
	}
	if frag.Resilience != nil {
		base.Resilience = frag.Resilience
	}
	if frag.Budget != nil {
		base.Budget = frag.Budget
	}
	if frag.Settings != nil {
		if base.Settings == nil {
			base.Settings = map[string]any{}
		}
		for k, v := range frag.Settings {
			base.Settings[k] = v
		}
	}
}

var providerKeyEnv = regexp.MustCompile(`^LLM_PROVIDER_([A-Z0-9_]+)_API_KEY$`)

func mergeAPIKeys(cfg *MergedConfig, project, user *fileConfig, opts LoadOptions) error {
	// Lowest precedence: the encrypted keyring file, when configured.
	if user.APIKeysFile != "" {
		passphrase := opts.KeyringPassphrase
		if passphrase == "" {
			passphrase = os.Getenv("LLMGATE_KEYRING_PASSPHRASE")
		}
		if passphrase != "" {
			keys, err := keyring.Load(expandHome(user.APIKeysFile), passphrase)
			if err != nil {
				return &Error{Field: "api_keys_file", Reason: err.Error()}
			}
			for k, v := range keys {
				cfg.APIKeys[k] = v
			}
		}
	}

	for k, v := range project.APIKeys {
		cfg.APIKeys[strings.ToLower(k)] = v
	}
	for k, v := range user.APIKeys {
		cfg.APIKeys[strings.ToLower(k)] = v
	}

	// Highest precedence: LLM_PROVIDER_<NAME>_API_KEY environment variables.
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if m := providerKeyEnv.FindStringSubmatch(name); m != nil {
			cfg.APIKeys[strings.ToLower(m[1])] = value
		}
	}
	return nil
}

func mergeModelRegistry(cfg *MergedConfig, project, user *fileConfig) {
	for alias, spec := range user.ModelRegistry {
		cfg.ModelRegistry[alias] = spec
	}
	// Personal overrides beat the user base but never a project definition;
	// project entries are applied last and win outright.
	for alias, spec := range user.PersonalModelOverrides {
		cfg.ModelRegistry[alias] = spec
	}
	for alias, spec := range project.ModelRegistry {
		cfg.ModelRegistry[alias] = spec
	}

	for alias, spec := range cfg.ModelRegistry {
		spec.Alias = alias
		if spec.ModelID == "" {
			spec.ModelID = alias
		}
		if spec.UnitType == "" {
			spec.UnitType = UnitToken
		}
		cfg.ModelRegistry[alias] = spec
	}
}

func mergeRoutingPolicies(cfg *MergedConfig, project, user *fileConfig) {
	cfg.RoutingPolicies = append(cfg.RoutingPolicies, project.RoutingPolicies...)

	projectNames := map[string]bool{}
	for _, p := range project.RoutingPolicies {
		projectNames[p.Name] = true
	}
	userPolicies := append(append([]RoutingPolicy(nil), user.RoutingPolicies...), user.PersonalRoutingPolicies...)
	for _, p := range userPolicies {
		if p.Name != "" && projectNames[p.Name] {
			cfg.Diagnostics.PolicyConflicts++
			continue
		}
		cfg.RoutingPolicies = append(cfg.RoutingPolicies, p)
	}
}

func mergeEndpoints(cfg *MergedConfig, project, user *fileConfig) error {
	if project.DataResidency != nil {
		cfg.DataResidency = DataResidency{
			Configured:     true,
			AllowedRegions: project.DataResidency.AllowedRegions,
		}
	}

	if cfg.DataResidency.Configured && len(cfg.DataResidency.AllowedRegions) == 0 && len(user.Endpoints) > 0 {
		return &Error{Field: "data_residency.allowed_regions", Reason: "empty allowed-regions with endpoints configured"}
	}

	for _, ep := range user.Endpoints {
		if !cfg.DataResidency.Allows(ep.Region) {
			cfg.Diagnostics.EndpointsDropped++
			continue
		}
		ep.Provider = strings.ToLower(ep.Provider)
		cfg.Endpoints = append(cfg.Endpoints, ep)
	}
	return nil
}

func mergeResilience(cfg *MergedConfig, project, user *fileConfig) {
	r := defaultResilience()
	for _, layer := range []*fileConfig{project, user} {
		if layer.Resilience == nil {
			continue
		}
		f := layer.Resilience
		if f.MaxRetries != nil {
			r.MaxRetries = *f.MaxRetries
		}
		if f.BaseDelayS != nil {
			r.BaseDelayS = *f.BaseDelayS
		}
		if f.MaxDelayS != nil {
			r.MaxDelayS = *f.MaxDelayS
		}
		if f.WaitOnRateLimit != nil {
			r.WaitOnRateLimit = *f.WaitOnRateLimit
		}
		if f.RetryBudgetS != nil {
			r.RetryBudgetS = *f.RetryBudgetS
		}
		if f.MaxWaitTimeoutS != nil {
			r.MaxWaitTimeoutS = *f.MaxWaitTimeoutS
		}
	}
	if v, ok := envInt("LLM_MAX_RETRIES"); ok {
		r.MaxRetries = v
	}
	if v, ok := envFloat("LLM_BASE_DELAY_S"); ok {
		r.BaseDelayS = v
	}
	if v, ok := envFloat("LLM_MAX_DELAY_S"); ok {
		r.MaxDelayS = v
	}
	if v, ok := envBool("LLM_WAIT_ON_RATE_LIMIT"); ok {
		r.WaitOnRateLimit = v
	}
	if v, ok := envFloat("LLM_RETRY_BUDGET_S"); ok {
		r.RetryBudgetS = v
	}
	if v, ok := envFloat("LLM_MAX_WAIT_TIMEOUT_S"); ok {
		r.MaxWaitTimeoutS = v
	}
	cfg.Resilience = r
}

func mergeBudget(cfg *MergedConfig, project, user *fileConfig) {
	b := defaultBudget()
	for _, layer := range []*fileConfig{project, user} {
		if layer.Budget != nil {
			if layer.Budget.DailySpendLimitUSD != nil {
				b.DailySpendLimitUSD = *layer.Budget.DailySpendLimitUSD
			}
			if layer.Budget.WarnRatio != nil {
				b.WarnRatio = *layer.Budget.WarnRatio
			}
			if layer.Budget.Strict != nil {
				b.Strict = *layer.Budget.Strict
			}
		}
		// daily_spend_limit is the user-file shorthand.
		if layer.DailySpendLimit != nil {
			b.DailySpendLimitUSD = *layer.DailySpendLimit
		}
	}
	if v, ok := envFloat("LLM_DAILY_SPEND_LIMIT"); ok {
		b.DailySpendLimitUSD = v
	}
	if v, ok := envFloat("LLM_BUDGET_WARN_RATIO"); ok {
		b.WarnRatio = v
	}
	if v, ok := envBool("LLM_STRICT_BUDGET"); ok {
		b.Strict = v
	}
	cfg.Budget = b
}

func mergeNetwork(cfg *MergedConfig, user *fileConfig) {
	if user.Network == nil {
		return
	}
	enabled := user.Network.ProxyBypassEnabled == nil || *user.Network.ProxyBypassEnabled
	if !enabled {
		return
	}
	for _, p := range user.Network.BypassProxy {
		cfg.Network.ProxyBypassProviders = append(cfg.Network.ProxyBypassProviders, strings.ToLower(p))
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
