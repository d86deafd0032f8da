// Package llmgate is a client-side gateway for large language model
// providers. It hides provider differences behind one call surface and
// puts every request through the same admission pipeline: alias
// resolution, daily budget check, per-model rate limiting, retry with
// bounded waiting, and a durable append-only cost ledger.
//
// A Client is safe for concurrent use. Construction wires the subsystems
// from merged YAML configuration:
//
//	gw, err := llmgate.New(
//		llmgate.WithLedgerPath("~/.llmgate/ledger.db"),
//		llmgate.WithReportServer("127.0.0.1:8720"),
//	)
//
// Calls address models by alias, never by provider-specific ID. The
// ledger survives crashes; spend accounting is derived from it, so a
// restarted process keeps the day's spend.
package llmgate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/llmgate/config"
	"github.com/jordanhubbard/llmgate/internal/budget"
	"github.com/jordanhubbard/llmgate/internal/circuitbreaker"
	"github.com/jordanhubbard/llmgate/internal/events"
	"github.com/jordanhubbard/llmgate/internal/health"
	"github.com/jordanhubbard/llmgate/internal/ledger"
	"github.com/jordanhubbard/llmgate/internal/logging"
	"github.com/jordanhubbard/llmgate/internal/metrics"
	"github.com/jordanhubbard/llmgate/internal/ratelimit"
	"github.com/jordanhubbard/llmgate/internal/registry"
	"github.com/jordanhubbard/llmgate/internal/reportsrv"
	"github.com/jordanhubbard/llmgate/internal/stats"
	"github.com/jordanhubbard/llmgate/internal/tracing"
	"github.com/jordanhubbard/llmgate/providers"
	"github.com/jordanhubbard/llmgate/providers/anthropic"
	"github.com/jordanhubbard/llmgate/providers/echo"
	"github.com/jordanhubbard/llmgate/providers/openai"
)

// Re-exported call types so callers rarely need the providers package
// directly.
type (
	GenConfig          = providers.GenConfig
	ContentPart        = providers.ContentPart
	GenerationResponse = providers.GenerationResponse
	StreamEvent        = providers.StreamEvent
	TokenUsage         = providers.TokenUsage
	VoiceConfig        = providers.VoiceConfig
	FinishReason       = providers.FinishReason
)

// Text wraps a prompt string as a single text content part.
func Text(s string) ContentPart { return providers.Text(s) }

// Client is the gateway handle. All methods are safe for concurrent use;
// one Client is meant to live for the process lifetime.
type Client struct {
	log  *slog.Logger
	opts options

	cfg    atomic.Pointer[config.MergedConfig]
	budget atomic.Pointer[budget.Controller]

	metrics  *metrics.Registry
	alerts   *events.Bus
	ledger   *ledger.Ledger
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Registry
	resolver *registry.Registry
	tracker  *health.Tracker
	stats    *stats.Collector

	injected map[string]providers.Adapter
	builtMu  sync.Mutex
	built    map[string]providers.Adapter

	report        *reportsrv.Server
	prober        *health.Prober
	traceShutdown func(context.Context) error

	// Overridable in tests. now stamps call start times; sleep serves
	// retry back-off and quota waits.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	closeOnce sync.Once
	closeErr  error
}

// New constructs a Client. Configuration is merged from the project file,
// its drop-in directory, and the user file unless WithConfig supplies one.
// The ledger opens (and migrates) immediately so a broken path fails
// construction, not the first call.
func New(opts ...Option) (*Client, error) {
	o := options{providerTimeout: defaultProviderTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = logging.SetupFromEnv()
	}

	cfg := o.cfg
	if cfg == nil {
		loaded, err := config.Load(config.LoadOptions{
			ProjectPath:       o.projectPath,
			ProjectDir:        o.projectDir,
			UserPath:          o.userPath,
			KeyringPassphrase: o.passphrase,
		})
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		cfg = loaded
	}
	if o.strict != nil {
		cp := *cfg
		cp.Budget.Strict = *o.strict
		cfg = &cp
	}

	m := metrics.New()
	m.PolicyConflicts.Add(float64(cfg.Diagnostics.PolicyConflicts))
	m.EndpointsDropped.Add(float64(cfg.Diagnostics.EndpointsDropped))

	bus := events.NewBus()

	traceShutdown, err := tracing.Setup(tracing.FromEnv())
	if err != nil {
		log.Warn("tracing setup failed, spans will not be exported", "error", err)
		traceShutdown = func(context.Context) error { return nil }
	}

	ledgerPath := o.ledgerPath
	if ledgerPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("resolve default ledger path: %w", err)}
		}
		ledgerPath = filepath.Join(home, ".llmgate", "ledger.db")
	}
	if dir := filepath.Dir(ledgerPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("create ledger directory: %w", err)}
		}
	}
	led, err := ledger.Open(ledgerPath,
		ledger.WithLogger(log),
		ledger.WithMetrics(m),
		ledger.WithAlerts(bus),
	)
	if err != nil {
		return nil, fmt.Errorf("llmgate: open ledger: %w", err)
	}

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.WithStateListener(func(endpoint string, from, to circuitbreaker.State) {
			m.BreakerState.WithLabelValues(endpoint).Set(breakerGauge(to))
			bus.Publish(events.Alert{
				Type:     events.AlertBreakerChange,
				Endpoint: endpoint,
				OldState: from.String(),
				NewState: to.String(),
			})
			log.Warn("endpoint breaker state changed",
				"endpoint", endpoint, "from", from.String(), "to", to.String())
		}),
	)

	c := &Client{
		log:      log,
		opts:     o,
		metrics:  m,
		alerts:   bus,
		ledger:   led,
		limiter:  ratelimit.New(),
		breakers: breakers,
		resolver: registry.New(breakers),
		tracker:  health.NewTracker(health.DefaultConfig(), health.WithAlertBus(bus)),
		stats:    stats.NewCollector(),
		injected: o.adapters,
		built:    make(map[string]providers.Adapter),

		traceShutdown: traceShutdown,
		now:           time.Now,
		sleep:         sleepCtx,
	}
	c.cfg.Store(cfg)
	c.budget.Store(budget.New(led, cfg.Budget,
		budget.WithLogger(log),
		budget.WithAlerts(bus),
		budget.WithMetrics(m),
	))

	if o.probeInterval > 0 {
		pc := health.DefaultProberConfig()
		pc.Interval = o.probeInterval
		c.prober = health.NewProber(pc, c.tracker, probeTargets(cfg), log)
		c.prober.Start()
	}

	if o.reportAddr != "" {
		srv := reportsrv.New(reportsrv.Dependencies{
			Ledger:  led,
			Health:  c.tracker,
			Stats:   c.stats,
			Metrics: m,
			Alerts:  bus,
		}, log)
		if err := srv.Start(o.reportAddr); err != nil {
			_ = led.Close()
			return nil, fmt.Errorf("llmgate: start report server: %w", err)
		}
		c.report = srv
	}

	log.Info("llmgate client ready",
		"config_fingerprint", cfg.Fingerprint(),
		"models", len(cfg.ModelRegistry),
		"endpoints", len(cfg.Endpoints),
		"strict_budget", cfg.Budget.Strict,
		"ledger_path", ledgerPath,
	)
	return c, nil
}

// Reload re-reads configuration from disk and swaps it in atomically.
// In-flight calls finish on the snapshot they started with. With an
// injected config (WithConfig) there is nothing to re-read.
func (c *Client) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.opts.cfg != nil {
		c.log.Debug("reload skipped, configuration was injected")
		return nil
	}

	loaded, err := config.Load(config.LoadOptions{
		ProjectPath:       c.opts.projectPath,
		ProjectDir:        c.opts.projectDir,
		UserPath:          c.opts.userPath,
		KeyringPassphrase: c.opts.passphrase,
	})
	if err != nil {
		return &ConfigError{Err: err}
	}
	if c.opts.strict != nil {
		loaded.Budget.Strict = *c.opts.strict
	}

	c.cfg.Store(loaded)
	c.budget.Store(budget.New(c.ledger, loaded.Budget,
		budget.WithLogger(c.log),
		budget.WithAlerts(c.alerts),
		budget.WithMetrics(c.metrics),
	))
	c.metrics.PolicyConflicts.Add(float64(loaded.Diagnostics.PolicyConflicts))
	c.metrics.EndpointsDropped.Add(float64(loaded.Diagnostics.EndpointsDropped))
	if c.prober != nil {
		c.prober.SetTargets(probeTargets(loaded))
	}

	c.log.Info("configuration reloaded",
		"config_fingerprint", loaded.Fingerprint(),
		"models", len(loaded.ModelRegistry),
		"endpoints", len(loaded.Endpoints),
	)
	return nil
}

// Config returns the current merged configuration snapshot.
func (c *Client) Config() *config.MergedConfig { return c.cfg.Load() }

// ReportAddr returns the report server's bound address, or "" when no
// report server was configured. Useful with WithReportServer(":0").
func (c *Client) ReportAddr() string {
	if c.report == nil {
		return ""
	}
	return c.report.Addr()
}

// Close stops the report server and health probes, flushes the ledger
// queue (bounded internally at five seconds), and shuts tracing down. It
// is idempotent; later calls return the first result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if c.prober != nil {
			c.prober.Stop()
		}
		if c.report != nil {
			if err := c.report.Shutdown(ctx); err != nil {
				c.closeErr = err
			}
		}
		if err := c.traceShutdown(ctx); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		if err := c.ledger.Close(); err != nil && c.closeErr == nil {
			c.closeErr = err
		}
		c.log.Info("llmgate client closed")
	})
	return c.closeErr
}

// adapterFor returns the adapter serving one provider endpoint. Injected
// adapters win; built-ins are constructed lazily per endpoint URL so
// base-URL overrides and proxy bypass take effect.
func (c *Client) adapterFor(cfg *config.MergedConfig, provider string, ep config.Endpoint) (providers.Adapter, error) {
	if a, ok := c.injected[provider]; ok {
		return a, nil
	}

	key := provider + "|" + ep.URL
	c.builtMu.Lock()
	defer c.builtMu.Unlock()
	if a, ok := c.built[key]; ok {
		return a, nil
	}

	apiKey := cfg.APIKeys[provider]
	httpClient := providers.NewHTTPClient(c.opts.providerTimeout, cfg.Network.BypassesProxy(provider))

	var a providers.Adapter
	switch provider {
	case "openai":
		a = openai.New(provider, apiKey, ep.URL, openai.WithHTTPClient(httpClient))
	case "anthropic":
		a = anthropic.New(provider, apiKey, ep.URL, anthropic.WithHTTPClient(httpClient))
	case "echo":
		a = echo.New()
	default:
		return nil, &ConfigError{Err: fmt.Errorf("no adapter registered for provider %q", provider)}
	}
	c.built[key] = a
	return a, nil
}

func probeTargets(cfg *config.MergedConfig) []health.Target {
	targets := make([]health.Target, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		targets = append(targets, health.Target{Provider: ep.Provider, Endpoint: ep.Name, URL: ep.URL})
	}
	return targets
}

func breakerGauge(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.Open:
		return 2
	case circuitbreaker.HalfOpen:
		return 1
	default:
		return 0
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
