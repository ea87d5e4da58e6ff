package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/darshan-rambhia/petrowatch/internal/alerter"
	"github.com/darshan-rambhia/petrowatch/internal/api"
	"github.com/darshan-rambhia/petrowatch/internal/auth"
	"github.com/darshan-rambhia/petrowatch/internal/collector"
	"github.com/darshan-rambhia/petrowatch/internal/config"
	"github.com/darshan-rambhia/petrowatch/internal/events"
	"github.com/darshan-rambhia/petrowatch/internal/notify"
	"github.com/darshan-rambhia/petrowatch/internal/seed"
	"github.com/darshan-rambhia/petrowatch/internal/service"
	"github.com/darshan-rambhia/petrowatch/internal/simulator"
	"github.com/darshan-rambhia/petrowatch/internal/status"
	"github.com/darshan-rambhia/petrowatch/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, simulator and background jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

// loadConfig loads the config and installs the process logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, config.ErrConfigFileNotFound) {
			return nil, fmt.Errorf("%w\n\nCopy the example config to get started:\n  cp petrowatch.example.yml %s", err, path)
		}
		return nil, fmt.Errorf("loading config (%s): %w", path, err)
	}
	slog.SetDefault(newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	ver, sha, built, dirty := buildInfo()
	slog.Info("starting petrowatch",
		"version", ver,
		"commit", sha,
		"built", built,
		"dirty", dirty,
		"go", runtime.Version(),
		"listen", cfg.Listen,
	)

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	tracker := status.New(st.Backend())
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	targets, err := notify.FromConfig(cfg.Notifications)
	if err != nil {
		return err
	}
	pool := collector.NewWorkerPool(cfg.WorkerPoolSize)
	a := alerter.New(st, bus, targets, pool)

	svc, err := service.New(st, bus, a)
	if err != nil {
		return fmt.Errorf("building service: %w", err)
	}
	tokens := auth.NewTokens(cfg.Auth.Secret, cfg.Auth.TokenTTL.Duration)
	authn := auth.NewAuthenticator(st, tokens, auth.NewLimiter(cfg.Auth.LoginRate, cfg.Auth.LoginBurst))

	g, ctx := errgroup.WithContext(ctx)

	// The HTTP server starts immediately and answers 503 until the store is ready.
	server := api.NewServer(cfg.Listen, api.Deps{
		Service:   svc,
		Auth:      authn,
		Bus:       bus,
		Status:    tracker,
		Heartbeat: cfg.Events.Heartbeat.Duration,
		Version:   ver,
	})
	g.Go(func() error { return server.Run(ctx) })

	if cfg.Events.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
		defer rdb.Close()
		relay := events.NewRelay(rdb, cfg.Events.RedisChannel)
		g.Go(func() error { return relay.Run(ctx, bus) })
	}

	sim := simulator.New(st, a, bus, tracker, cfg.Simulator)
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, func(next *config.Config) {
				sim.Apply(next.Simulator)
			})
		})
	}

	g.Go(func() error {
		if err := status.InitStore(ctx, st, tracker, cfg.StoreRetry.Duration); err != nil {
			return err
		}
		if err := seedIfEmpty(ctx, st, cfg.Seed); err != nil {
			slog.Error("seeding store", "error", err)
		}

		pruner := store.NewPruner(st, store.RetentionConfig{
			ClearedAlarms: cfg.Retention.ClearedAlarms.Duration,
			Measurements:  cfg.Retention.Measurements.Duration,
		}, cfg.Retention.Interval.Duration)
		g.Go(func() error { return pruner.Run(ctx) })

		// The simulator is started even when disabled so a config reload can enable it.
		g.Go(func() error { return collector.Run(ctx, sim) })
		return nil
	})

	slog.Info("all components started",
		"store", st.Backend(),
		"notifications", len(targets),
		"relay", cfg.Events.RedisAddr != "",
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("petrowatch stopped gracefully")
	return nil
}

func seedIfEmpty(ctx context.Context, st store.Store, cfg config.SeedConfig) error {
	if !cfg.IfEmpty {
		return nil
	}
	c, err := seed.Load(cfg.Path)
	if err != nil {
		return err
	}
	applied, err := seed.IfEmpty(ctx, st, c, seed.Options{})
	if err != nil {
		return err
	}
	if applied {
		slog.Info("empty store seeded", "catalogue", cfg.Path)
	}
	return nil
}
