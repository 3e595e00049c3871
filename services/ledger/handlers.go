package ledger

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"qtus/pkg/render"
)

// Reader lists recorded outcomes.
type Reader interface {
	Recent(ctx context.Context, q Query) ([]Entry, error)
}

// Handler serves GET /outcomes.
type Handler struct {
	reader Reader
	logger zerolog.Logger
}

// NewHandler wraps r for HTTP.
func NewHandler(r Reader, logger zerolog.Logger) *Handler {
	return &Handler{reader: r, logger: logger.With().Str("component", "ledger").Logger()}
}

// Routes registers GET /outcomes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/outcomes", h.handleList)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := Query{State: r.URL.Query().Get("state")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			render.Error(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer, got %q", raw))
			return
		}
		q.Limit = limit
	}

	entries, err := h.reader.Recent(r.Context(), q)
	if err != nil {
		h.logger.Error().Err(err).Msg("listing outcomes failed")
		render.Error(w, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, http.StatusOK, map[string]any{"outcomes": entries})
}
