package llmgate

import (
	"log/slog"
	"time"

	"github.com/jordanhubbard/llmgate/config"
	"github.com/jordanhubbard/llmgate/providers"
)

const defaultProviderTimeout = 120 * time.Second

type options struct {
	projectPath string
	projectDir  string
	userPath    string
	passphrase  string

	cfg *config.MergedConfig

	adapters   map[string]providers.Adapter
	ledgerPath string
	strict     *bool
	reportAddr string
	logger     *slog.Logger

	providerTimeout time.Duration
	probeInterval   time.Duration
}

// Option configures a Client at construction time.
type Option func(*options)

// WithConfigPaths overrides where the project and user config files are
// read from. Empty strings keep the defaults (llm.project.yaml next to the
// process, the XDG user config otherwise).
func WithConfigPaths(projectPath, userPath string) Option {
	return func(o *options) {
		o.projectPath = projectPath
		o.userPath = userPath
	}
}

// WithConfigDir overrides the project drop-in directory merged over the
// project file.
func WithConfigDir(dir string) Option {
	return func(o *options) { o.projectDir = dir }
}

// WithConfig supplies an already-merged configuration and skips file
// loading entirely. Reload becomes a no-op for file-driven changes.
func WithConfig(cfg *config.MergedConfig) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithKeyringPassphrase unlocks the encrypted key file with an explicit
// passphrase instead of LLMGATE_KEYRING_PASSPHRASE.
func WithKeyringPassphrase(passphrase string) Option {
	return func(o *options) { o.passphrase = passphrase }
}

// WithAdapter registers a provider adapter, replacing the built-in one for
// that provider name. The injected adapter is used for every endpoint of
// the provider.
func WithAdapter(provider string, a providers.Adapter) Option {
	return func(o *options) {
		if o.adapters == nil {
			o.adapters = make(map[string]providers.Adapter)
		}
		o.adapters[provider] = a
	}
}

// WithLedgerPath sets the SQLite ledger location. The default is
// ~/.llmgate/ledger.db.
func WithLedgerPath(path string) Option {
	return func(o *options) { o.ledgerPath = path }
}

// WithStrictBudget overrides the configured budget mode. Strict admission
// serializes checks and records durable holds so concurrent calls cannot
// slip past the daily limit together.
func WithStrictBudget(strict bool) Option {
	return func(o *options) { o.strict = &strict }
}

// WithReportServer starts the embedded read-only report server on addr
// (for example "127.0.0.1:8720", or ":0" for an ephemeral port). Without
// this option no listener is opened.
func WithReportServer(addr string) Option {
	return func(o *options) { o.reportAddr = addr }
}

// WithLogger sets the structured logger. Without it the client configures
// one from LLMGATE_LOG_LEVEL / LLMGATE_LOG_FORMAT.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProviderTimeout bounds each provider HTTP round trip for the
// built-in adapters. The default is 120 seconds; generation calls run
// long.
func WithProviderTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.providerTimeout = d
		}
	}
}

// WithHealthProbes enables periodic endpoint reachability probes feeding
// the health tracker. Zero leaves probing off; probes are GETs against
// endpoint base URLs, never model calls.
func WithHealthProbes(interval time.Duration) Option {
	return func(o *options) { o.probeInterval = interval }
}
