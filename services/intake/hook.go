package intake

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"qtus/pkg/render"
)

// Dispatcher starts a pipeline run without waiting for it.
type Dispatcher interface {
	Go(id string)
}

// Hook receives post-finish notifications over HTTP.
type Hook struct {
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewHook builds a Hook that hands accepted ids to d.
func NewHook(d Dispatcher, logger zerolog.Logger) (*Hook, error) {
	if d == nil {
		return nil, errors.New("dispatcher is required")
	}
	return &Hook{dispatcher: d, logger: logger.With().Str("component", "hook").Logger()}, nil
}

// Routes registers POST /hooks/post-finish.
func (h *Hook) Routes(r chi.Router) {
	r.Post("/hooks/post-finish", h.handlePostFinish)
}

func (h *Hook) handlePostFinish(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := render.DecodeJSON(r, &req); err != nil {
		render.Error(w, http.StatusBadRequest, err)
		return
	}

	id, err := req.UploadID()
	switch {
	case errors.Is(err, ErrIgnoredHook):
		render.JSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		render.Error(w, http.StatusBadRequest, err)
		return
	}

	h.logger.Info().Str("upload_id", id).Msg("post-finish hook received")
	h.dispatcher.Go(id)
	render.JSON(w, http.StatusAccepted, map[string]string{"id": id})
}
