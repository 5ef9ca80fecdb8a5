package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// Releaser closes a halted cycle after manual reconciliation.
type Releaser interface {
	Release(ctx context.Context, symbol string, now time.Time) error
}

// CycleHandler serves completed cycle history and operator actions on live
// cycles.
type CycleHandler struct {
	store    domain.CycleStore // nil without Postgres
	recent   RecentSource
	releaser Releaser
	audit    domain.AuditStore // optional
	logger   *slog.Logger
}

// NewCycleHandler creates a CycleHandler. When store is nil history comes
// from the in-memory recent buffer.
func NewCycleHandler(store domain.CycleStore, recent RecentSource, releaser Releaser, audit domain.AuditStore, logger *slog.Logger) *CycleHandler {
	return &CycleHandler{
		store:    store,
		recent:   recent,
		releaser: releaser,
		audit:    audit,
		logger:   logger.With(slog.String("handler", "cycles")),
	}
}

// ListCycles returns completed cycles, newest first.
// GET /api/cycles?limit=&offset=&since=&until=
func (h *CycleHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.store == nil {
		recs := h.recent.Recent(opts.Offset + opts.Limit)
		if opts.Offset >= len(recs) {
			recs = nil
		} else {
			recs = recs[opts.Offset:]
		}
		writeJSON(w, http.StatusOK, map[string]any{"cycles": nonNil(recs)})
		return
	}
	recs, err := h.store.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list cycles failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": nonNil(recs)})
}

// GetCycle returns one completed cycle.
// GET /api/cycles/{id}
func (h *CycleHandler) GetCycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.store == nil {
		for _, rec := range h.recent.Recent(0) {
			if rec.ID == id {
				writeJSON(w, http.StatusOK, rec)
				return
			}
		}
		writeError(w, http.StatusNotFound, "cycle not found")
		return
	}
	rec, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusNotFound {
			writeError(w, code, "cycle not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get cycle failed", slog.String("id", id), slog.String("error", err.Error()))
		writeError(w, code, "failed to get cycle")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ReleaseCycle closes the halted cycle on symbol.
// POST /api/cycles/{symbol}/release
func (h *CycleHandler) ReleaseCycle(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	if err := h.releaser.Release(r.Context(), symbol, time.Now()); err != nil {
		switch code := statusFor(err); code {
		case http.StatusNotFound:
			writeError(w, code, "no cycle on "+symbol)
		case http.StatusConflict:
			writeError(w, code, "cycle on "+symbol+" is not halted")
		default:
			writeError(w, code, err.Error())
		}
		return
	}
	h.logger.InfoContext(r.Context(), "cycle released by operator", slog.String("symbol", symbol))
	if h.audit != nil {
		if err := h.audit.Log(r.Context(), "cycle.release", map[string]any{
			"symbol": symbol,
			"remote": r.RemoteAddr,
		}); err != nil {
			h.logger.WarnContext(r.Context(), "audit log failed", slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released", "symbol": symbol})
}

func nonNil(recs []domain.CycleRecord) []domain.CycleRecord {
	if recs == nil {
		return []domain.CycleRecord{}
	}
	return recs
}
