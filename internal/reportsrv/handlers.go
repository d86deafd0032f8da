package reportsrv

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jordanhubbard/llmgate/internal/events"
	"github.com/jordanhubbard/llmgate/internal/health"
	"github.com/jordanhubbard/llmgate/internal/ledger"
)

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// intQuery returns the named query parameter as an int, or def when the
// parameter is absent or malformed.
func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// HealthzResponse is returned by /healthz.
type HealthzResponse struct {
	Status         string         `json:"status"`
	LedgerDegraded bool           `json:"ledger_degraded"`
	Providers      []health.Stats `json:"providers"`
}

// HealthzHandler reports gateway liveness. The ledger writer falling
// behind flips the status to degraded with a 503 so load balancers and
// probes notice; per-provider health detail rides along either way.
func HealthzHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		degraded := d.Ledger != nil && d.Ledger.Degraded()

		providers := []health.Stats{}
		if d.Health != nil {
			providers = d.Health.AllStats()
		}

		status, code := "ok", http.StatusOK
		if degraded {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, HealthzResponse{
			Status:         status,
			LedgerDegraded: degraded,
			Providers:      providers,
		})
	}
}

// BudgetTodayHandler returns the current local day's spend summary.
func BudgetTodayHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Ledger == nil {
			jsonError(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}
		s, err := d.Ledger.TodaySummary(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

// BudgetReportHandler returns per-day summaries for the last ?days=N
// local days (default 7), oldest first.
func BudgetReportHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Ledger == nil {
			jsonError(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}
		days := intQuery(r, "days", 7)
		trend, err := d.Ledger.DailyTrend(r.Context(), days)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, trend)
	}
}

// BudgetTopHandler ranks spend by ?by=model|provider (default provider)
// over ?days=N days, returning at most ?limit=N rows (default 5).
func BudgetTopHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Ledger == nil {
			jsonError(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}
		by := r.URL.Query().Get("by")
		if by == "" {
			by = "provider"
		}
		days := intQuery(r, "days", 7)
		limit := intQuery(r, "limit", 5)

		top, err := d.Ledger.TopConsumers(r.Context(), by, days, limit)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if top == nil {
			top = []ledger.Consumer{}
		}
		writeJSON(w, http.StatusOK, top)
	}
}

// ProvidersHealthResponse combines the live in-process tracker view with
// the ledger's historical commit outcomes.
type ProvidersHealthResponse struct {
	Live    []health.Stats          `json:"live"`
	History []ledger.ProviderHealth `json:"history"`
}

// ProvidersHealthHandler returns provider health: live tracker state plus
// error rates and latency percentiles over the last ?days=N days.
func ProvidersHealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ProvidersHealthResponse{
			Live:    []health.Stats{},
			History: []ledger.ProviderHealth{},
		}
		if d.Health != nil {
			resp.Live = d.Health.AllStats()
		}
		if d.Ledger != nil {
			days := intQuery(r, "days", 7)
			history, err := d.Ledger.ProvidersHealth(r.Context(), days)
			if err != nil {
				jsonError(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if history != nil {
				resp.History = history
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// StatsResponse is returned by /v1/stats.
type StatsResponse struct {
	Global     any `json:"global"`
	ByModel    any `json:"by_model"`
	ByProvider any `json:"by_provider"`
}

// StatsHandler returns windowed aggregates from the in-memory collector.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Stats == nil {
			writeJSON(w, http.StatusOK, StatsResponse{
				Global:     []any{},
				ByModel:    map[string]any{},
				ByProvider: map[string]any{},
			})
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{
			Global:     d.Stats.Global(),
			ByModel:    d.Stats.Summary(),
			ByProvider: d.Stats.SummaryByProvider(),
		})
	}
}

// SSEHandler streams alert-bus events to the client using Server-Sent
// Events. Each alert is one SSE message with the alert type as the
// event name.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		// Send initial connection event.
		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case a := <-sub.C:
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", a.Type, a.JSON())
				flusher.Flush()
			}
		}
	}
}
