package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/api"
	"github.com/warp/allocation-engine/cache"
	"github.com/warp/allocation-engine/config"
	"github.com/warp/allocation-engine/events"
	"github.com/warp/allocation-engine/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort int
	amqpURL   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts the HTTP API with the view cache, the month-rollover scheduler and,
when an AMQP URL is configured, cross-instance cache invalidation.

On SIGINT/SIGTERM the server stops accepting connections, waits up to 30s
for active requests, then closes the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		if cmd.Flags().Changed("amqp-url") {
			cfg.AMQP.URL = amqpURL
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

// app is the wired object graph shared by serve and seed.
type app struct {
	store     *sqlite.Store
	engine    *allocation.Engine
	views     *cache.Views
	overrides *allocation.OverrideService
	handler   *api.Handler
}

// newApp wires everything except the network-facing pieces. extra
// invalidators run after the local cache is dropped.
func newApp(store *sqlite.Store, cfg *config.Config, logger *zap.Logger, extra ...allocation.Invalidator) *app {
	engine := allocation.NewEngine(store)
	engine.Logger = logger.With(zap.String("component", "engine"))

	views := cache.New(engine,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithLogger(logger.With(zap.String("component", "cache"))))

	invalidators := append(allocation.Invalidators{views}, extra...)
	overrides := allocation.NewOverrideService(store, invalidators)
	overrides.Logger = logger.With(zap.String("component", "overrides"))

	handler := api.NewHandler(store, views, overrides, logger)
	handler.DefaultCurrency = cfg.DefaultCurrency

	return &app{store: store, engine: engine, views: views, overrides: overrides, handler: handler}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	var extra []allocation.Invalidator
	var publisher *events.Client
	instanceID := uuid.NewString()
	if cfg.AMQP.URL != "" {
		publisher, err = events.Dial(cfg.AMQP.URL, cfg.AMQP.Exchange, instanceID, logger)
		if err != nil {
			// Peers fall back to their cache TTL.
			logger.Warn("AMQP unavailable, override events disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			extra = append(extra, publisher)
		}
	}

	a := newApp(store, cfg, logger, extra...)

	// The listener outlives server.Shutdown and is stopped last.
	var background errgroup.Group
	listenCtx, stopListener := context.WithCancel(ctx)
	defer func() {
		stopListener()
		if err := background.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("override event listener exited", zap.Error(err))
		}
	}()
	if publisher != nil {
		listener := &events.Listener{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			InstanceID: instanceID,
			Target:     a.views,
			Logger:     logger,
		}
		background.Go(func() error { return listener.Run(listenCtx) })
	}

	scheduler, err := api.NewMaintenanceScheduler(a.views, cfg.Scheduler.RolloverCron, cfg.Cache.CleanupCron, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		scheduler.Stop()
		logger.Info("maintenance scheduler stopped", zap.Time("last_flush", scheduler.LastFlush()))
	}()
	logger.Info("maintenance scheduled",
		zap.Time("next_rollover", scheduler.NextRollover()),
		zap.Time("next_cleanup", scheduler.NextCleanup()))

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(a.handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("db", cfg.Database.Path),
			zap.String("instance", instanceID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
