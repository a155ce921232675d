package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/agentrt/internal/api"
	"github.com/alecgard/agentrt/internal/auth"
	"github.com/alecgard/agentrt/internal/cache"
	"github.com/alecgard/agentrt/internal/config"
	"github.com/alecgard/agentrt/internal/metering"
	"github.com/alecgard/agentrt/internal/metrics"
	"github.com/alecgard/agentrt/internal/runtime"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentrt HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keys, err := auth.NewKeyring(cfg.Auth.Keys)
	if err != nil {
		return err
	}
	if !keys.Enabled() {
		slog.Warn("no api keys configured, the HTTP API is unauthenticated")
	}

	m := metrics.New()

	deps := api.RouterDeps{
		Metrics:        m,
		Keys:           keys,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}

	var (
		archive   runtime.Archiver
		collector *metering.Collector
	)
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return err
		}
		slog.Info("connected to database")

		m.RegisterDBPoolCollector(func() (int32, int32, int32) {
			s := pool.Stat()
			return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
		})

		store := metering.NewStore(pool)
		collector = metering.NewCollector(store, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
		collector.SetObserver(m)
		go collector.Start(ctx)

		archive = collector
		deps.Usage = store
		deps.DBPool = pool
	} else {
		slog.Info("no database configured, call records are kept in memory only")
	}

	var responses cache.Cache
	if cfg.Redis.URL != "" {
		rdb, err := cache.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		responses = cache.NewRedis(rdb, cfg.Redis.Namespace)
		slog.Info("using redis response cache", "namespace", cfg.Redis.Namespace)
	} else {
		responses = cache.NewMemory(cfg.Cache.MaxEntries)
	}
	m.RegisterCacheCollector(func() (int, int64, int64, int64, int64) {
		s := responses.Stats()
		return s.Entries, s.Hits, s.Misses, s.Evictions, s.Expired
	})

	rt, err := buildRuntime(cfg, responses, archive, m)
	if err != nil {
		return err
	}
	rt.OnAlert(m.AlertRaised)
	deps.Runtime = rt
	slog.Info("runtime ready", "agents", len(rt.Registry().Names()), "workflows", len(rt.Registry().Workflows()))

	scheduler := runtime.NewScheduler(rt, cfg.Scheduler.Interval, cfg.Scheduler.AlertWindow)
	go scheduler.Start(ctx)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	scheduler.Stop()
	err = srv.Shutdown(shutdownCtx)
	if collector != nil {
		collector.Stop()
	}
	return err
}
