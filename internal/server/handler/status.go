package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/feed"
	"github.com/alanyoungcy/elephantbot/internal/platform/paper"
	"github.com/alanyoungcy/elephantbot/internal/service"
)

// Sources the status endpoint reads from. Optional ones may be nil.
type (
	CycleSource    interface{ Snapshot() []domain.CycleView }
	ElephantSource interface{ Records() []domain.Elephant }
	RiskSource     interface {
		Counters() service.RiskCounters
		DailyLimitBreached() bool
	}
	RecentSource interface{ Recent(n int) []domain.CycleRecord }
	FeedSource   interface{ Stats() feed.Stats }
	PaperSource  interface {
		Positions() []paper.Position
		OpenOrders() int
	}
)

// StatusHandler serves a snapshot of the running bot.
type StatusHandler struct {
	Mode      string
	Account   string
	Symbols   []string
	StartedAt time.Time

	Cycles    CycleSource
	Elephants ElephantSource
	Risk      RiskSource
	Recent    RecentSource
	Feed      FeedSource
	Paper     PaperSource
	Connected func() bool
}

// GetStatus responds with mode, live cycles, tracked elephants and risk
// counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"mode":       h.Mode,
		"account":    h.Account,
		"symbols":    h.Symbols,
		"started_at": h.StartedAt.UTC().Format(time.RFC3339),
		"uptime":     time.Since(h.StartedAt).Round(time.Second).String(),
	}
	if h.Cycles != nil {
		body["cycles"] = h.Cycles.Snapshot()
	}
	if h.Elephants != nil {
		body["elephants"] = h.Elephants.Records()
	}
	if h.Risk != nil {
		body["risk"] = h.Risk.Counters()
		body["daily_limit_breached"] = h.Risk.DailyLimitBreached()
	}
	if h.Recent != nil {
		body["recent_cycles"] = h.Recent.Recent(20)
	}
	if h.Feed != nil {
		body["feed"] = h.Feed.Stats()
	}
	if h.Paper != nil {
		body["paper"] = map[string]any{
			"positions":   h.Paper.Positions(),
			"open_orders": h.Paper.OpenOrders(),
		}
	}
	if h.Connected != nil {
		body["gateway_connected"] = h.Connected()
	}
	writeJSON(w, http.StatusOK, body)
}
