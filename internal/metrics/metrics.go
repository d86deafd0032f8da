// Package metrics owns the gateway's Prometheus instruments. Each client
// carries its own Registry so two gateways in one process never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec
	CostUSD          *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	RateLimitWaits   *prometheus.CounterVec
	BudgetRejects    prometheus.Counter
	LedgerQueueDepth prometheus.Gauge
	LedgerDropped    prometheus.Counter
	BreakerState     *prometheus.GaugeVec
	PolicyConflicts  prometheus.Counter
	EndpointsDropped prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_requests_total",
			Help: "Completed generation requests by final status",
		}, []string{"provider", "model", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmgate_request_duration_seconds",
			Help:    "End-to-end request duration including waits and retries",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "model"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_tokens_total",
			Help: "Tokens consumed, split by direction (input/output)",
		}, []string{"provider", "model", "direction"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_cost_usd_total",
			Help: "Actual USD cost recorded at commit",
		}, []string{"provider", "model"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_retries_total",
			Help: "Retry attempts by error class",
		}, []string{"provider", "model", "class"}),
		RateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_ratelimit_waits_total",
			Help: "Local rate-limit waits by exhausted window",
		}, []string{"provider", "model", "scope"}),
		BudgetRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmgate_budget_rejections_total",
			Help: "Requests rejected by the daily spend cap",
		}),
		LedgerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmgate_ledger_queue_depth",
			Help: "Accounting events waiting for the ledger writer",
		}),
		LedgerDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmgate_ledger_events_dropped_total",
			Help: "Accounting events dropped because the ledger queue was full",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmgate_breaker_state",
			Help: "Circuit breaker state per endpoint (0 closed, 1 half-open, 2 open)",
		}, []string{"endpoint"}),
		PolicyConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmgate_policy_conflicts_total",
			Help: "User routing policies discarded because a project policy won",
		}),
		EndpointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmgate_endpoints_dropped_total",
			Help: "User endpoints removed by the data-residency filter",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.TokensTotal, m.CostUSD,
		m.RetriesTotal, m.RateLimitWaits, m.BudgetRejects,
		m.LedgerQueueDepth, m.LedgerDropped, m.BreakerState,
		m.PolicyConflicts, m.EndpointsDropped,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
