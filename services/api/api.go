// Package api assembles the qtus HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"qtus/pkg/render"
	"qtus/services/gateway"
	"qtus/services/intake"
	"qtus/services/ledger"
)

const readyTimeout = 2 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Options wires the HTTP surface. Gateway and Hook are required.
type Options struct {
	ServiceName string
	Gateway     *gateway.Gateway
	Hook        *intake.Hook
	// Outcomes is nil when no ledger is configured.
	Outcomes *ledger.Handler
	// Metrics serves /metrics; promhttp.Handler() when nil.
	Metrics http.Handler
	Ready   map[string]Check
	Logger  zerolog.Logger
}

// API owns the routed handlers.
type API struct {
	opts   Options
	logger zerolog.Logger
}

// New validates opts.
func New(opts Options) (*API, error) {
	if opts.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if opts.Hook == nil {
		return nil, errors.New("hook is required")
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "qtus"
	}
	return &API{opts: opts, logger: opts.Logger}, nil
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, check := range a.opts.Ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		a.logger.Warn().Interface("checks", failed).Msg("not ready")
		render.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
