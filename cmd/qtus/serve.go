package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"qtus/pkg/db"
	"qtus/services/api"
	"qtus/services/gateway"
	"qtus/services/intake"
	"qtus/services/ledger"
)

func newServeCommand() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume upload events and serve the retrieval endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), concurrency)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "Upload events processed in parallel from the bus")
	return cmd
}

func runServe(ctx context.Context, concurrency int) error {
	a, err := newApp(ctx, appOptions{connectBus: true})
	if err != nil {
		return err
	}
	defer a.close()

	gw, err := gateway.New(gateway.Options{
		FS:             a.fs,
		Projects:       a.projects,
		Project:        a.cfg.GatewayProject,
		PublicBaseURL:  a.cfg.PublicBaseURL,
		AllowedOrigins: a.cfg.AllowedOrigins,
		RateLimit:      a.cfg.DownloadRateLimit,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	hook, err := intake.NewHook(a.orchestrator, a.logger)
	if err != nil {
		return err
	}

	ready := map[string]api.Check{}
	var outcomes *ledger.Handler
	if a.ledger != nil {
		outcomes = ledger.NewHandler(a.ledger, a.logger)
		ready["database"] = func(ctx context.Context) error { return db.Ping(ctx, a.pool) }
	}

	var sub *intake.Subscriber
	if a.bus != nil {
		ready["nats"] = func(context.Context) error {
			if !a.bus.Connected() {
				return errors.New("not connected")
			}
			return nil
		}

		sub, err = intake.NewSubscriber(a.bus, a.orchestrator, intake.SubscriberOptions{
			Subject:     a.cfg.NATSSubject,
			Concurrency: concurrency,
			Logger:      a.logger,
		})
		if err != nil {
			return err
		}
		if err := sub.Start(ctx); err != nil {
			return err
		}
	}

	router, err := api.New(api.Options{
		ServiceName: serviceName,
		Gateway:     gw,
		Hook:        hook,
		Outcomes:    outcomes,
		Metrics:     a.metricsHandler(),
		Ready:       ready,
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           router.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.cfg.Addr).Str("store", a.cfg.DataStore).Str("dir", a.cfg.Directory).Msg("qtus listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var serveFailure error
	select {
	case <-ctx.Done():
	case serveFailure = <-serveErr:
		if serveFailure != nil {
			a.logger.Error().Err(serveFailure).Msg("http server")
		}
	}

	a.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error().Err(err).Msg("shutdown server")
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			a.logger.Error().Err(err).Msg("close subscriber")
		}
	}
	a.orchestrator.Wait()
	a.logger.Info().Msg("in-flight uploads finished")
	if serveFailure != nil {
		return fmt.Errorf("http server: %w", serveFailure)
	}
	return nil
}
