package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Target is one endpoint URL the prober checks. Results are recorded under
// the owning provider, so several endpoints of one provider fold into that
// provider's stats.
type Target struct {
	Provider string
	Endpoint string
	URL      string
}

// ProberConfig configures the reachability prober.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober periodically checks endpoint reachability and feeds results into
// the Tracker. It never calls model APIs; a plain GET against the base URL
// is enough to tell a down host from a reachable one.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	client  *http.Client
	logger  *slog.Logger
	stop    chan struct{}
	done    chan struct{}

	mu      sync.RWMutex
	targets []Target
}

// NewProber creates a reachability prober.
func NewProber(cfg ProberConfig, tracker *Tracker, targets []Target, logger *slog.Logger) *Prober {
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: targets,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetTargets replaces the probe set. Safe to call while running; a config
// reload swaps the whole list.
func (p *Prober) SetTargets(targets []Target) {
	p.mu.Lock()
	p.targets = targets
	p.mu.Unlock()
	p.logger.Info("health prober: targets replaced", slog.Int("count", len(targets)))
}

// Start begins the periodic probe loop in a goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop signals the prober to stop and waits for it to finish.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	// Probe immediately on start.
	p.probeAll()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stop:
			return
		}
	}
}

func (p *Prober) probeAll() {
	p.mu.RLock()
	snapshot := make([]Target, len(p.targets))
	copy(snapshot, p.targets)
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range snapshot {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()
			p.probe(target)
		}(t)
	}
	wg.Wait()
}

func (p *Prober) probe(target Target) {
	if target.URL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", target.URL, nil)
	if err != nil {
		p.tracker.RecordError(target.Provider, "probe: "+err.Error())
		p.logger.Warn("health probe request error",
			slog.String("provider", target.Provider),
			slog.String("endpoint", target.Endpoint),
			slog.String("error", err.Error()),
		)
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latencyMs := float64(time.Since(start).Milliseconds())

	if err != nil {
		p.tracker.RecordError(target.Provider, "probe: "+err.Error())
		p.logger.Warn("health probe failed",
			slog.String("provider", target.Provider),
			slog.String("endpoint", target.Endpoint),
			slog.String("error", err.Error()),
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Model API base URLs answer 401/404/405 to unauthenticated GETs; any
	// status below 500 proves the host is up.
	if resp.StatusCode < 500 {
		p.tracker.RecordSuccess(target.Provider, latencyMs)
		p.logger.Debug("health probe ok",
			slog.String("provider", target.Provider),
			slog.String("endpoint", target.Endpoint),
			slog.Int("status", resp.StatusCode),
			slog.Float64("latency_ms", latencyMs),
		)
	} else {
		p.tracker.RecordError(target.Provider, "probe: HTTP "+resp.Status)
		p.logger.Warn("health probe unhealthy",
			slog.String("provider", target.Provider),
			slog.String("endpoint", target.Endpoint),
			slog.Int("status", resp.StatusCode),
		)
	}
}
