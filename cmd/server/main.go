package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nadmax/convoq/internal/api"
	"github.com/nadmax/convoq/internal/config"
	"github.com/nadmax/convoq/internal/llm"
	"github.com/nadmax/convoq/internal/logger"
	"github.com/nadmax/convoq/internal/queue"
	"github.com/nadmax/convoq/internal/repository"
	"github.com/nadmax/convoq/internal/retry"
	"github.com/nadmax/convoq/internal/stream"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("CONVOQ_CONFIG"), "Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.Setup(cfg.Server)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo repository.TaskRepository
	if cfg.Database.DSN != "" {
		pg, err := repository.NewPostgresRepository(cfg.Database.DSN, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := pg.Close(); err != nil {
				log.Warn("failed to close Postgres repository", "error", err)
			}
		}()

		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		repo = pg
	} else {
		log.Info("database.dsn not set, running without task history")
	}

	q, err := queue.NewQueue(cfg.Redis.Addr, repo,
		queue.WithQueues(queueConfigs(cfg)),
		queue.WithBackoff(retry.NewBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.JitterFraction)),
		queue.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.Warn("failed to close server queue", "error", err)
		}
	}()

	var bridge *stream.Bridge
	if cfg.LLM.GeminiAPIKey != "" {
		backend, err := llm.NewGeminiBackend(ctx, llm.GeminiConfig{
			APIKey:       cfg.LLM.GeminiAPIKey,
			QualityModel: cfg.LLM.QualityModel,
			FastModel:    cfg.LLM.FastModel,
		}, log)
		if err != nil {
			return err
		}
		bridge = stream.NewBridge(backend, stream.Config{
			FragmentTimeout: cfg.Stream.FragmentTimeout,
			IdleTimeout:     cfg.Stream.IdleTimeout,
			CancelGrace:     cfg.Stream.CancelGrace,
		}, log)
	} else {
		log.Warn("llm.gemini_api_key not set, chat streaming disabled")
	}

	go startMetricsCollector(ctx, q, log)

	srv := newHTTPServer(ctx, fmt.Sprintf(":%d", cfg.Server.Port), api.NewAPI(q, bridge, repo, log))

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", srv.Addr, "redis", cfg.Redis.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// newHTTPServer derives every request context from ctx, so live chat streams
// are cancelled when the process is asked to stop.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func queueConfigs(cfg *config.Config) map[string]queue.QueueConfig {
	queues := make(map[string]queue.QueueConfig, len(cfg.Queues))
	for name, qc := range cfg.Queues {
		queues[name] = queue.QueueConfig{
			MaxAttempts:       qc.MaxAttempts,
			VisibilityTimeout: qc.VisibilityTimeout,
			Retention:         qc.Retention,
		}
	}
	return queues
}
