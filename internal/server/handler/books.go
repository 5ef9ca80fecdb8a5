package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

// BookSource returns the last cached snapshot of a symbol.
type BookSource interface {
	Latest(ctx context.Context, symbol string) (domain.OrderbookSnapshot, error)
}

// BookHandler serves cached order book snapshots.
type BookHandler struct {
	books BookSource
}

func NewBookHandler(books BookSource) *BookHandler {
	return &BookHandler{books: books}
}

// GetBook returns the latest snapshot for symbol.
// GET /api/books/{symbol}
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	snap, err := h.books.Latest(r.Context(), symbol)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no book cached for "+symbol)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read book")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
