package handler

import (
	"net/http"

	"github.com/alanyoungcy/solbot/internal/breaker"
)

// BreakerStats exposes the circuit breaker counters for the status endpoint.
type BreakerStats interface {
	Snapshot() breaker.Stats
}

// WatchCounter reports how many orders the monitor is polling.
type WatchCounter interface {
	Watching() int
}

// StatusHandler serves the operational status of the bot.
type StatusHandler struct {
	Mode    string
	Breaker BreakerStats
	Monitor WatchCounter
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, brk BreakerStats, mon WatchCounter) *StatusHandler {
	return &StatusHandler{Mode: mode, Breaker: brk, Monitor: mon}
}

// GetStatus responds with the current mode, breaker state, and watch count.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"mode": h.Mode}
	if h.Breaker != nil {
		stats := h.Breaker.Snapshot()
		out["breaker"] = map[string]any{
			"state":          string(stats.State),
			"failures":       stats.Failures,
			"total_calls":    stats.TotalCalls,
			"total_failures": stats.TotalFailures,
			"short_circuits": stats.TotalShortCircs,
		}
	}
	if h.Monitor != nil {
		out["watching"] = h.Monitor.Watching()
	}
	writeJSON(w, http.StatusOK, out)
}
