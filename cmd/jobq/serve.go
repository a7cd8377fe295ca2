package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/jobq/api"
	audithook "github.com/xraph/jobq/audit_hook"
	"github.com/xraph/jobq/engine"
	"github.com/xraph/jobq/queue"
	"github.com/xraph/jobq/store"
	"github.com/xraph/jobq/store/memory"
	"github.com/xraph/jobq/store/postgres"
	redisstore "github.com/xraph/jobq/store/redis"
	"github.com/xraph/jobq/tasks/chat"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker and the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("store", "redis", "backend: memory | redis | postgres")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN")
	serveCmd.Flags().String("http-addr", ":8000", "HTTP listen address; empty disables the API")
	serveCmd.Flags().Bool("worker", true, "claim and execute jobs; false runs a producer-only process")
	serveCmd.Flags().Bool("audit", false, "log every job lifecycle event as an audit record")
	serveCmd.Flags().Int("concurrency", 10, "maximum simultaneously executing jobs")
	serveCmd.Flags().Int("max-retries", 2, "default retries after the first attempt")
	serveCmd.Flags().Duration("job-timeout", 60*time.Second, "default per-job execution timeout")
	serveCmd.Flags().Duration("result-ttl", 5*time.Minute, "how long results stay readable")

	bindFlag("store", serveCmd.Flags(), "store")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("http_addr", serveCmd.Flags(), "http-addr")
	bindFlag("worker", serveCmd.Flags(), "worker")
	bindFlag("audit", serveCmd.Flags(), "audit")
	bindFlag("concurrency", serveCmd.Flags(), "concurrency")
	bindFlag("max_retries", serveCmd.Flags(), "max-retries")
	bindFlag("job_timeout", serveCmd.Flags(), "job-timeout")
	bindFlag("result_ttl", serveCmd.Flags(), "result-ttl")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel, "jobq")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = s.Migrate(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	opts := []engine.Option{
		engine.WithStore(s),
		engine.WithConfig(cfg.Engine),
		engine.WithLogger(logger),
		engine.WithRegisterer(prometheus.DefaultRegisterer),
	}
	if cfg.Audit {
		auditLogger := buildLogger(cfg.LogLevel, "audit")
		// job.started duplicates the attempt logs.
		opts = append(opts, engine.WithExtension(audithook.New(audithook.NewLogRecorder(auditLogger),
			audithook.WithoutActions(audithook.ActionJobStarted),
			audithook.WithLogger(logger),
		)))
	}
	if cfg.ChatRateLimit > 0 || cfg.ChatMaxConcurrency > 0 {
		opts = append(opts, engine.WithQueueConfig(queue.Config{
			Task:           chat.TaskName,
			RateLimit:      cfg.ChatRateLimit,
			MaxConcurrency: cfg.ChatMaxConcurrency,
		}))
	}
	eng, err := engine.New(opts...)
	if err != nil {
		return err
	}

	if cfg.GoogleAPIKey != "" {
		gen, err := chat.NewClient(ctx, cfg.GoogleAPIKey)
		if err != nil {
			return err
		}
		engine.Register(eng, chat.NewDefinition(gen, cfg.Chat, logger))
	} else {
		logger.Warn("no Google API key configured, chat task disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RunWorker {
		if err := eng.Start(gctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down, draining in-flight jobs...")
			return eng.Stop(context.Background())
		})
	}

	if cfg.HTTPAddr != "" {
		srv := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.New(eng, api.WithLogger(logger), api.WithChatWait(chatWait)).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http api listening", slog.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("jobq starting",
		slog.String("store", cfg.Store),
		slog.Bool("worker", cfg.RunWorker),
		slog.Int("concurrency", cfg.Engine.Concurrency),
		slog.Int("max_retries", cfg.Engine.DefaultMaxRetries),
		slog.Duration("job_timeout", cfg.Engine.DefaultTimeout),
	)

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped cleanly")
	return nil
}

// openStore connects the configured backend. The returned func releases
// it and any client it owns.
func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (store.Store, func() error, error) {
	switch cfg.Store {
	case "memory":
		s := memory.New(memory.WithTombstoneTTL(cfg.Engine.TombstoneTTL))
		return s, s.Close, nil

	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := postgres.New(connectCtx, cfg.PostgresDSN,
			postgres.WithLogger(logger),
			postgres.WithTombstoneTTL(cfg.Engine.TombstoneTTL),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return s, s.Close, nil

	default:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		s := redisstore.New(client,
			redisstore.WithLogger(logger),
			redisstore.WithNamespace(cfg.RedisNamespace),
			redisstore.WithTombstoneTTL(cfg.Engine.TombstoneTTL),
		)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return s, client.Close, nil
	}
}

