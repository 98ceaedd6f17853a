package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/medication-reminders/internal/config"
	"github.com/bissquit/medication-reminders/internal/deadletter"
	deadletterpostgres "github.com/bissquit/medication-reminders/internal/deadletter/postgres"
	"github.com/bissquit/medication-reminders/internal/dedup"
	dedupostgres "github.com/bissquit/medication-reminders/internal/dedup/postgres"
	dedupredis "github.com/bissquit/medication-reminders/internal/dedup/redis"
	"github.com/bissquit/medication-reminders/internal/delivery"
	"github.com/bissquit/medication-reminders/internal/monitor"
	"github.com/bissquit/medication-reminders/internal/notifications"
	"github.com/bissquit/medication-reminders/internal/notifications/mattermost"
	"github.com/bissquit/medication-reminders/internal/notifications/telegram"
	"github.com/bissquit/medication-reminders/internal/reminders"
	reminderspostgres "github.com/bissquit/medication-reminders/internal/reminders/postgres"
	"github.com/bissquit/medication-reminders/internal/scheduler"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
)

// components is the wired delivery pipeline.
type components struct {
	collector     *monitor.Collector
	deadLetters   *deadletter.Service
	pipeline      *reminders.Pipeline
	evaluator     *reminders.Evaluator
	driver        *reminders.Driver
	healthChecker *monitor.HealthChecker
	scheduler     *scheduler.Scheduler

	// Set only for the matching dedup backend.
	dedupPostgres *dedupostgres.Store
	redis         *goredis.Client
}

func buildComponents(ctx context.Context, cfg *config.Config, db *pgxpool.Pool, logger *slog.Logger) (*components, error) {
	c := &components{
		collector: monitor.NewCollector(cfg.Monitor.Retention),
	}

	store, err := c.dedupStore(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	deduplicator := dedup.New(store, cfg.Dedup.Window)

	dispatcher, err := buildDispatcher(cfg)
	if err != nil {
		c.close()
		return nil, err
	}
	renderer, err := notifications.NewRenderer()
	if err != nil {
		c.close()
		return nil, fmt.Errorf("create notification renderer: %w", err)
	}

	c.deadLetters = deadletter.NewService(deadletterpostgres.NewRepository(db), c.collector)
	c.deadLetters.SetAutoRetryCeiling(cfg.DeadLetter.AutoRetry.MaxRetries)

	remindersRepo := reminderspostgres.NewRepository(db)

	c.pipeline = reminders.NewPipeline(reminders.PipelineDeps{
		Gate:       deduplicator,
		Renderer:   renderer,
		Sender:     dispatcher,
		Executor:   delivery.NewExecutor(c.collector),
		DLQ:        c.deadLetters,
		Recipients: remindersRepo,
		Recorder:   c.collector,
	}, delivery.Policy{
		MaxRetries:     cfg.Delivery.MaxRetries,
		BaseDelay:      cfg.Delivery.BaseDelay,
		MaxDelay:       cfg.Delivery.MaxDelay,
		Jitter:         cfg.Delivery.Jitter,
		AttemptTimeout: cfg.Delivery.AttemptTimeout,
	})
	c.deadLetters.SetRedeliverer(c.pipeline)

	c.evaluator, err = reminders.NewEvaluator(remindersRepo, deduplicator, c.pipeline, reminders.EvaluatorConfig{
		Workers:           cfg.Reminders.Workers,
		DefaultTimezone:   cfg.Reminders.DefaultTimezone,
		DefaultDigestTime: cfg.Reminders.DefaultDigestTime,
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("create evaluator: %w", err)
	}
	c.driver = reminders.NewDriver(c.evaluator)

	c.healthChecker = monitor.NewHealthChecker(c.collector, c.deadLetters, monitor.Thresholds{
		ErrorRatePercent:     cfg.Monitor.ErrorRatePercent,
		DLQWarning:           cfg.Monitor.DLQWarning,
		DLQCritical:          cfg.Monitor.DLQCritical,
		NoSuccessAfter:       cfg.Monitor.NoSuccessAfter,
		RateLimitHitsPerHour: cfg.Monitor.RateLimitHitsPerHour,
	})

	c.scheduler = scheduler.New(logger, time.UTC)
	if err := c.registerJobs(cfg); err != nil {
		c.close()
		return nil, err
	}

	return c, nil
}

func (c *components) dedupStore(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) (dedup.Store, error) {
	switch cfg.Dedup.Backend {
	case config.DedupBackendRedis:
		client, err := dedupredis.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		c.redis = client
		return dedupredis.NewStore(client, cfg.Dedup.Retention), nil
	case config.DedupBackendMemory:
		slog.Warn("in-memory dedup store: sent history is lost on restart")
		return dedup.NewMemoryStore(), nil
	default:
		c.dedupPostgres = dedupostgres.NewStore(db)
		return c.dedupPostgres, nil
	}
}

func buildDispatcher(cfg *config.Config) (*notifications.Dispatcher, error) {
	var senders []notifications.Sender

	if cfg.Telegram.Enabled {
		telegramSender, err := telegram.NewSender(telegram.Config{
			Enabled:   true,
			BotToken:  cfg.Telegram.BotToken,
			RateLimit: cfg.Telegram.RateLimit,
			Timeout:   cfg.Telegram.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create telegram sender: %w", err)
		}
		senders = append(senders, telegramSender)
	} else {
		slog.Warn("telegram sender is disabled: telegram recipients will be dead-lettered")
	}

	if cfg.Mattermost.Enabled {
		senders = append(senders, mattermost.NewSender(mattermost.Config{
			DefaultUsername: cfg.Mattermost.Username,
			DefaultIconURL:  cfg.Mattermost.IconURL,
			Timeout:         cfg.Mattermost.Timeout,
		}))
	}

	slog.Info("notification channels configured",
		"telegram_enabled", cfg.Telegram.Enabled,
		"mattermost_enabled", cfg.Mattermost.Enabled,
	)
	return notifications.NewDispatcher(senders...), nil
}

type jobSpec struct {
	name    string
	spec    string
	timeout time.Duration
	job     scheduler.Job
}

func (c *components) registerJobs(cfg *config.Config) error {
	jobs := []jobSpec{
		{"evaluate-reminders", cfg.Reminders.Schedule, 0, c.evaluate},
		{"deadletter-cleanup", cfg.DeadLetter.CleanupSchedule, 5 * time.Minute, func(ctx context.Context) error {
			_, err := c.deadLetters.Cleanup(ctx, cfg.DeadLetter.RetentionDays)
			return err
		}},
		{"deadletter-size", "@every 1m", 30 * time.Second, func(ctx context.Context) error {
			c.deadLetters.RefreshSize(ctx)
			return nil
		}},
	}

	if cfg.DeadLetter.AutoRetry.Enabled {
		reprocessor := deadletter.NewReprocessor(c.deadLetters, deadletter.ReprocessorConfig{
			BatchSize:  cfg.DeadLetter.AutoRetry.BatchSize,
			StaleAfter: cfg.DeadLetter.AutoRetry.StaleAfter,
		})
		jobs = append(jobs, jobSpec{"deadletter-reprocess", cfg.DeadLetter.AutoRetry.Schedule, 10 * time.Minute, func(ctx context.Context) error {
			_, err := reprocessor.Run(ctx)
			return err
		}})
	}

	if c.dedupPostgres != nil {
		retention := cfg.Dedup.Retention
		jobs = append(jobs, jobSpec{"dedup-cleanup", cfg.Dedup.CleanupSchedule, 5 * time.Minute, func(ctx context.Context) error {
			_, err := c.dedupPostgres.Cleanup(ctx, time.Now().Add(-retention))
			return err
		}})
	}

	for _, j := range jobs {
		if err := c.scheduler.Add(j.name, j.spec, j.timeout, j.job); err != nil {
			return fmt.Errorf("register job: %w", err)
		}
	}
	return nil
}

// evaluate runs one evaluation pass, reporting an overlapping tick as skipped.
func (c *components) evaluate(ctx context.Context) error {
	ran, err := c.driver.Tick(ctx)
	if err != nil {
		return err
	}
	if !ran {
		return scheduler.ErrSkipped
	}
	return nil
}

func (c *components) close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
	}
}
