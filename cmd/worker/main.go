package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nadmax/convoq/internal/config"
	"github.com/nadmax/convoq/internal/llm"
	"github.com/nadmax/convoq/internal/logger"
	"github.com/nadmax/convoq/internal/queue"
	"github.com/nadmax/convoq/internal/repository"
	"github.com/nadmax/convoq/internal/retry"
	"github.com/nadmax/convoq/internal/worker"
	"github.com/nadmax/convoq/internal/worker/handlers"
)

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
		log.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required by the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewPostgresRepository(cfg.Database.DSN, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			log.Warn("failed to close Postgres repository", "error", err)
		}
	}()

	if err := repo.Migrate(ctx); err != nil {
		return err
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
			log.Warn("failed to close worker queue", "error", err)
		}
	}()

	pool := worker.NewPool(q, poolConfig(cfg), log)

	pool.RegisterHandler(handlers.EvaluateAchievementsType,
		handlers.NewAchievementEvaluator(repo, handlers.DefaultAchievementRules, log).Handle)
	pool.RegisterHandler(handlers.RecordAnalyticsType, handlers.NewAnalyticsRecorder(repo).Handle)

	if cfg.Email.SendGridAPIKey != "" {
		mailer, err := handlers.NewFeedbackMailer(handlers.EmailConfig{
			APIKey:      cfg.Email.SendGridAPIKey,
			FromName:    cfg.Email.FromName,
			FromAddress: cfg.Email.FromAddress,
			FeedbackTo:  cfg.Email.FeedbackTo,
		}, log)
		if err != nil {
			return err
		}
		pool.RegisterHandler(handlers.SendFeedbackEmailType, mailer.Handle)
	} else {
		log.Warn("email.sendgrid_api_key not set, feedback emails will fail permanently")
	}

	if cfg.LLM.GeminiAPIKey != "" {
		backend, err := llm.NewGeminiBackend(ctx, llm.GeminiConfig{
			APIKey:       cfg.LLM.GeminiAPIKey,
			QualityModel: cfg.LLM.QualityModel,
			FastModel:    cfg.LLM.FastModel,
		}, log)
		if err != nil {
			return err
		}
		pool.RegisterHandler(handlers.SummarizeConversationType, handlers.NewSummarizer(backend, repo, log).Handle)
	} else {
		log.Warn("llm.gemini_api_key not set, conversation summaries will fail permanently")
	}

	if err := pool.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down worker")
	pool.Stop()

	return nil
}

func poolConfig(cfg *config.Config) worker.Config {
	pc := worker.Config{
		ID:              cfg.Worker.ID,
		Queues:          make(map[string]worker.QueueSettings, len(cfg.Queues)),
		PollInterval:    cfg.Worker.PollInterval,
		MaxPollInterval: cfg.Worker.MaxPollInterval,
		ReapInterval:    cfg.Worker.ReapInterval,
	}
	if pc.ID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		pc.ID = hostname
	}

	for name, qc := range cfg.Queues {
		pc.Queues[name] = worker.QueueSettings{
			Concurrency:    qc.Concurrency,
			HandlerTimeout: qc.HandlerTimeout(),
		}
	}
	return pc
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
