package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	"qtus/internal/config"
	"qtus/pkg/bus"
	"qtus/pkg/db"
	gos3 "qtus/pkg/s3"
	"qtus/pkg/telemetry"
	"qtus/services/ledger"
	"qtus/services/notify"
	"qtus/services/pipeline"
	"qtus/services/replica"
)

const connectRetries = 5

// app holds the components shared by every subcommand.
type app struct {
	cfg          config.Config
	logger       zerolog.Logger
	fs           afero.Fs
	projects     *pipeline.ProjectSet
	registry     *prometheus.Registry
	orchestrator *pipeline.Orchestrator

	bus    *bus.Bus
	pool   *pgxpool.Pool
	orm    *gorm.DB
	ledger *ledger.Ledger

	shutdownTracing func(context.Context) error
}

type appOptions struct {
	// connectBus dials NATS when NATS_URL is set.
	connectBus bool
}

func loadConfig(ctx context.Context) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, logger, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		fs:       afero.NewOsFs(),
		registry: prometheus.NewRegistry(),
	}
	if err := a.init(ctx, opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, opts appOptions) error {
	specs := make([]pipeline.ProjectSpec, 0, len(a.cfg.ProjectList()))
	for _, p := range a.cfg.ProjectList() {
		specs = append(specs, pipeline.ProjectSpec{Name: p.Name, Notify: p.Notify})
	}
	projects, err := pipeline.NewProjectSet(a.cfg.Directory, specs)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	if err := projects.Provision(a.fs); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	a.projects = projects
	for _, p := range projects.All() {
		a.logger.Info().Str("project", p.Name).Str("dir", p.CompletedDir).Bool("notify", p.Notify).Msg("project ready")
	}

	shutdown, err := telemetry.InitTracing(ctx, serviceName, a.cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	a.shutdownTracing = shutdown

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := pipeline.NewMetrics(a.registry)
	if err != nil {
		return err
	}

	orchOpts := pipeline.Options{
		FS:            a.fs,
		UploadDir:     a.cfg.Directory,
		Projects:      projects,
		NotifyTimeout: a.cfg.NotifyTimeout,
		Metrics:       metrics,
		Logger:        a.logger,
	}

	if a.cfg.AnyNotify() {
		dispatcher, err := notify.NewDispatcher(notify.Config{
			LoginURL:  a.cfg.Backend.AuthURL,
			NotifyURL: a.cfg.Backend.NotificationURL,
			Email:     a.cfg.Backend.Email,
			Password:  a.cfg.Backend.Password,
			Timeout:   a.cfg.NotifyTimeout,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		orchOpts.Notifier = dispatcher
	}

	if opts.connectBus && a.cfg.NATSURL != "" {
		b, err := connect(ctx, a.logger, "nats", func(context.Context) (*bus.Bus, error) {
			return bus.New(a.cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		})
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.bus = b
		orchOpts.Publisher = b
	}

	if a.cfg.DBDSN != "" {
		if err := a.openLedger(ctx); err != nil {
			return err
		}
		orchOpts.Recorder = a.ledger
	}

	if a.cfg.S3.Bucket != "" {
		client, err := gos3.NewClient(ctx, gos3.Config{
			Endpoint:       a.cfg.S3.Endpoint,
			AccessKey:      a.cfg.S3.AccessKey,
			SecretKey:      a.cfg.S3.SecretKey,
			Region:         a.cfg.S3.Region,
			DisableTLS:     a.cfg.S3.DisableTLS,
			ForcePathStyle: a.cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		rep, err := replica.New(a.fs, client, a.cfg.S3.Bucket, a.logger)
		if err != nil {
			return err
		}
		orchOpts.Replicator = rep
	}

	orch, err := pipeline.NewOrchestrator(orchOpts)
	if err != nil {
		return err
	}
	a.orchestrator = orch
	return nil
}

func (a *app) openLedger(ctx context.Context) error {
	pool, err := connect(ctx, a.logger, "postgres", func(ctx context.Context) (*pgxpool.Pool, error) {
		return db.Open(ctx, a.cfg.DBDSN)
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	a.pool = pool

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	orm, err := db.OpenORM(ctx, pool)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}
	a.orm = orm

	l, err := ledger.New(orm, pool)
	if err != nil {
		return err
	}
	a.ledger = l
	return nil
}

func (a *app) metricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// close releases connections in reverse order of acquisition.
func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.orm != nil {
		if err := db.CloseORM(a.orm); err != nil {
			a.logger.Error().Err(err).Msg("close orm")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Error().Err(err).Msg("shutdown tracing")
		}
	}
}

// connect retries dial with exponential backoff.
func connect[T any](ctx context.Context, logger zerolog.Logger, name string, dial func(context.Context) (T, error)) (T, error) {
	var out T
	backoff := retry.WithMaxRetries(connectRetries, retry.NewExponential(500*time.Millisecond))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		v, err := dial(ctx)
		if err != nil {
			logger.Warn().Err(err).Str("target", name).Int("attempt", attempt).Msg("connect failed")
			return retry.RetryableError(err)
		}
		out = v
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

func isConfigError(err error) bool {
	return errors.Is(err, config.ErrInvalid)
}
