package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/botfleet/orchestrator/internal/billing"
	"github.com/botfleet/orchestrator/internal/config"
	"github.com/botfleet/orchestrator/internal/connector"
	"github.com/botfleet/orchestrator/internal/database"
	"github.com/botfleet/orchestrator/internal/events"
	"github.com/botfleet/orchestrator/internal/handler"
	"github.com/botfleet/orchestrator/internal/jobs"
	"github.com/botfleet/orchestrator/internal/metrics"
	"github.com/botfleet/orchestrator/internal/orchestrator"
	"github.com/botfleet/orchestrator/internal/redis"
	"github.com/botfleet/orchestrator/internal/registry"
	"github.com/botfleet/orchestrator/internal/reporter"
	"github.com/botfleet/orchestrator/internal/repository"
	"github.com/botfleet/orchestrator/internal/vault"
)

func newServeCmd() *cobra.Command {
	var runMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and restore live sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), runMigrations)
		},
	}

	cmd.Flags().BoolVar(&runMigrations, "migrate", false, "apply pending migrations before serving")
	return cmd
}

func runServe(parent context.Context, runMigrations bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(cfg.IsProduction()); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, config.DBPingTimeout)
	err = db.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	log.Info().Msg("database connected")

	if runMigrations || cfg.AutoMigrate {
		if err := migrate(ctx, db); err != nil {
			return err
		}
	}

	redisClient, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	broker := events.NewBroker(redisClient.Client)
	defer broker.Close()

	v, err := vault.New(cfg.VaultKey)
	if err != nil {
		return err
	}

	m := metrics.New()
	store := repository.NewStore(db.DB)
	runner := connector.NewRunnerConnector(cfg.RunnerURL, cfg.RunnerSecret, config.RunnerRequestTimeout)

	orch := orchestrator.New(orchestrator.Config{
		PairingWindow:        cfg.PairingWindow(),
		ConnectTimeout:       cfg.ConnectTimeout(),
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		RestoreConcurrency:   cfg.RestoreConcurrency,
		ActivityInterval:     config.ActivityTouchInterval,
		CloseTimeout:         config.SessionCloseTimeout,
	}, orchestrator.Deps{
		Store:     store,
		Reporter:  reporter.New(store.Instances, broker, m),
		Vault:     v,
		Workdir:   vault.NewWorkdir(afero.NewOsFs(), cfg.SessionDir),
		Connector: runner,
		Registry:  registry.New(),
		Metrics:   m,
	})
	m.RegisterLiveSessions(orch.LiveSessions)

	coordinator := billing.NewCoordinator(
		repository.NewTransactor(db, store), store, cfg.PaymentWebhookSecret, broker, m,
	)

	router := handler.NewRouter(handler.RouterConfig{
		ServiceAPIKey:      cfg.ServiceAPIKey,
		AdminKeyHash:       cfg.AdminKeyHash,
		RunnerSecret:       cfg.RunnerSecret,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		IsProduction:       cfg.IsProduction(),
	}, handler.Handlers{
		Instances: handler.NewInstanceHandler(orch),
		Billing:   handler.NewBillingHandler(coordinator),
		Admin:     handler.NewAdminHandler(coordinator),
		Runner:    handler.NewRunnerHandler(runner, orch),
		Events:    handler.NewEventsHandler(broker, orch),
		Health:    handler.NewHealthHandler(db, orch.LiveSessions),
		Metrics:   m.Handler(),
	}, redisClient.Client)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Runner callbacks arrive over HTTP, so restore only once the server is up.
	go func() {
		result, err := orch.Restore(ctx)
		if err != nil {
			log.Error().Err(err).Msg("restore interrupted")
			return
		}
		log.Info().
			Int("total", result.Total).
			Int("online", result.Online).
			Int("failed", result.Failed).
			Msg("restore complete")
	}()

	maintenance := jobs.NewMaintenanceJob(
		store.Instances, store.Subscriptions, orch, m, cfg.PairingWindow(), config.JobRunTimeout,
	)
	if err := maintenance.Start(jobs.Schedules{
		PairingSweep: cfg.PairingSweepSchedule,
		ExpirySweep:  cfg.ExpirySweepSchedule,
	}); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer maintenance.Stop()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sessions did not close in time")
	}

	log.Info().Msg("server stopped")
	return nil
}
