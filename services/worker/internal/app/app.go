package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"exampilot/pkg/cases"
	"exampilot/pkg/events"
	"exampilot/pkg/extract"
	"exampilot/pkg/llm"
	"exampilot/pkg/qagen"
	"exampilot/pkg/queue"
	"exampilot/pkg/storage"
	"exampilot/pkg/store"
)

const (
	defaultQueueName = "exampilot:generation"
	// defaultClaimIdle exceeds the longest generation run the retry budget
	// allows, so a live run is never taken over.
	defaultClaimIdle = 30 * time.Minute
)

// Config holds runtime configuration for the generation worker. Store,
// Objects, Client and Queue replace the configured backends when set.
type Config struct {
	DatabaseURL string
	Store       *store.GormStore

	Storage storage.Config
	Objects storage.ObjectStore

	LLM               llm.ProviderConfig
	Client            llm.Client
	RetryBaseDelay    time.Duration
	PromptConcurrency int
	AnswerConcurrency int

	RedisAddr        string
	RedisPassword    string
	QueueName        string
	QueueGroup       string
	QueueConcurrency int
	QueueMaxRetries  int
	QueueRetryDelay  time.Duration
	QueueClaimIdle   time.Duration
	Queue            *queue.RedisJobQueue

	AMQPURL      string
	AMQPExchange string

	Logger *slog.Logger
}

// App consumes queued cases and generates their questions.
type App struct {
	store       *store.GormStore
	cases       *cases.Orchestrator
	queue       *queue.RedisJobQueue
	events      events.Publisher
	concurrency int
	logger      *slog.Logger
}

// New constructs the worker.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = storage.Open(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}
	client := cfg.Client
	if client == nil {
		var err error
		client, err = llm.NewClient(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("init llm client: %w", err)
		}
	}
	retrier := llm.NewRetrier(client, llm.RetryConfig{BaseDelay: cfg.RetryBaseDelay, Logger: logger})

	jobs := cfg.Queue
	if jobs == nil {
		queueName := strings.TrimSpace(cfg.QueueName)
		if queueName == "" {
			queueName = defaultQueueName
		}
		claimIdle := cfg.QueueClaimIdle
		if claimIdle <= 0 {
			claimIdle = defaultClaimIdle
		}
		var err error
		jobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     queueName,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: cfg.QueueRetryDelay,
			ClaimIdle:  claimIdle,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init generation queue: %w", err)
		}
	}

	var publisher events.Publisher = events.Noop{}
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		p, err := events.NewAMQPPublisher(events.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("init event publisher: %w", err)
		}
		publisher = p
	}

	generator := qagen.NewGenerator(dataStore, retrier, qagen.Config{
		PromptConcurrency: cfg.PromptConcurrency,
		AnswerConcurrency: cfg.AnswerConcurrency,
		Logger:            logger,
	})
	orch, err := cases.NewOrchestrator(dataStore, objects, extract.NewPDFExtractor(extract.Config{Logger: logger}), generator, nil, publisher, cases.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	concurrency := cfg.QueueConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &App{
		store:       dataStore,
		cases:       orch,
		queue:       jobs,
		events:      publisher,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Run consumes the generation queue until ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	a.queue.Start(ctx, a.concurrency, a.HandleJob)
	a.logger.Info("generation worker started", "concurrency", a.concurrency)
	<-ctx.Done()
}

// HandleJob generates the questions of one queued case. Only store read
// failures are retried; a failed generation has already rolled the case
// back, so running it again cannot succeed. A case found processing on a
// later attempt belongs to a run that was interrupted and is failed.
func (a *App) HandleJob(ctx context.Context, job queue.JobStatus) error {
	logger := a.logger.With("job_id", job.ID, "case_id", job.CaseID, "attempt", job.Attempts)
	c, err := a.cases.Generate(ctx, job.CaseID)
	switch {
	case err == nil:
		logger.Info("case generated", "status", c.Status)
		return nil
	case errors.Is(err, cases.ErrInvalidTransition) && job.Attempts > 1:
		status, aerr := a.cases.AbandonRun(ctx, job.CaseID)
		if aerr == nil {
			logger.Info("case already finished by an earlier attempt", "status", status)
			return nil
		}
		logger.Warn("interrupted case generation abandoned", "status", status, "err", aerr)
		return queue.Permanent(aerr)
	case errors.Is(err, cases.ErrCaseNotFound),
		errors.Is(err, cases.ErrInvalidTransition),
		errors.Is(err, cases.ErrGenerationFailed):
		logger.Warn("case generation failed", "err", err)
		return queue.Permanent(err)
	default:
		logger.Error("case generation will be retried", "err", err)
		return err
	}
}

// Job returns the status of a queued job.
func (a *App) Job(ctx context.Context, id string) (queue.JobStatus, bool, error) {
	return a.queue.GetJob(ctx, id)
}

// Ready pings the database.
func (a *App) Ready(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// Close releases the queue, the publisher and the database.
func (a *App) Close() error {
	return errors.Join(a.queue.Close(), a.events.Close(), a.store.Close())
}
