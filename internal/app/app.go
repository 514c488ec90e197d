package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/alert"
	"driftwatch/internal/alerting"
	"driftwatch/internal/api"
	"driftwatch/internal/config"
	"driftwatch/internal/explain"
	"driftwatch/internal/scheduler"
	"driftwatch/internal/service"
	"driftwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openAlertStore returns the configured alert store: PostgreSQL when a DSN is
// set, otherwise the in-memory backend.
func (a *App) openAlertStore(ctx context.Context) (alert.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return alert.NewMemoryStore(), nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewAlertStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

// newSink assembles the configured alert channels into one fanout sink.
func (a *App) newSink() (alerting.Sink, func(), error) {
	if !a.Config.Alerting.Enabled {
		return nil, nil, nil
	}

	var (
		sinks   []alerting.Sink
		closers []func()
	)
	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case "console":
			sinks = append(sinks, alerting.NewConsoleSink(nil))
		case "webhook":
			sinks = append(sinks, alerting.NewWebhookSink(a.Config.Alerting.Webhook, a.Logger))
		case "nats":
			sink, err := alerting.NewNATSSink(a.Config.Alerting.NATS, a.Logger)
			if err != nil {
				for _, closeFn := range closers {
					closeFn()
				}
				return nil, nil, err
			}
			sinks = append(sinks, sink)
			closers = append(closers, sink.Close)
		}
	}
	if len(sinks) == 0 {
		return nil, nil, nil
	}

	closeAll := func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}
	return alerting.NewFanout(a.Logger, sinks...), closeAll, nil
}

// newPipeline builds the full detection pipeline from configuration.
func (a *App) newPipeline(store alert.Store, sink alerting.Sink, sched *scheduler.Scheduler) (*service.Pipeline, error) {
	aggregator, err := aggregate.New(a.Config.Windows, a.Logger)
	if err != nil {
		return nil, err
	}

	return service.New(service.Options{
		Aggregator: aggregator,
		Detect:     a.Config.Detector,
		Correlate:  a.Config.Correlate,
		Explainer:  explain.New(a.Config.Severity),
		Manager:    alert.NewManager(store, a.Logger),
		Sink:       sink,
		Scheduler:  sched,
		Windows:    a.Config.Windows.Sizes,
	}, a.Logger)
}

// Run executes the long-running detection service and API server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openAlertStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; alerts persist in memory only")
	}

	sink, closeSink, err := a.newSink()
	if err != nil {
		return err
	}
	if closeSink != nil {
		defer closeSink()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Windows.FlushInterval,
		AlignToStart: true,
	}, a.Logger)

	pipeline, err := a.newPipeline(store, sink, sched)
	if err != nil {
		return err
	}

	server := api.NewServer(a.Config.API, pipeline, a.Logger)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- server.Run(runCtx) }()
	go func() { errCh <- pipeline.Run(runCtx) }()

	a.Logger.Info().Msg("driftwatch started")
	err = <-errCh
	stop()
	// Let the second component shut down before returning.
	select {
	case <-errCh:
	case <-time.After(10 * time.Second):
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("driftwatch stopped")
	return nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit    int
	Endpoint string
	Status   string
}

// ExportOptions hold parameters for exporting aggregate history.
type ExportOptions struct {
	Addr      string
	Endpoint  string
	Window    time.Duration
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// ReplayOptions configure offline record replay.
type ReplayOptions struct {
	File string
}

// SimulateOptions configure the synthetic degradation run.
type SimulateOptions struct {
	Endpoint string
}
