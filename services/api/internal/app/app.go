package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"exampilot/pkg/cases"
	"exampilot/pkg/discussion"
	"exampilot/pkg/domain"
	"exampilot/pkg/events"
	"exampilot/pkg/extract"
	"exampilot/pkg/llm"
	"exampilot/pkg/prompts"
	"exampilot/pkg/qagen"
	"exampilot/pkg/queue"
	"exampilot/pkg/storage"
	"exampilot/pkg/store"
)

const (
	DefaultQueueName = "exampilot:generation"
	presignExpiry    = 15 * time.Minute
)

// Config holds runtime configuration for the API core. Store, Objects,
// Client and Extractor replace the configured backends when set.
type Config struct {
	DatabaseURL string
	Store       *store.GormStore

	Storage storage.Config
	Objects storage.ObjectStore

	LLM            llm.ProviderConfig
	Client         llm.Client
	RetryBaseDelay time.Duration

	PromptConcurrency int
	AnswerConcurrency int
	DisablePdftotext  bool
	Extractor         cases.Extractor
	MaxUploadBytes    int64

	AsyncGeneration bool
	RedisAddr       string
	RedisPassword   string
	QueueName       string

	AMQPURL      string
	AMQPExchange string

	Logger *slog.Logger
}

// App wires persistence, blob storage, the model client and the case and
// discussion services together.
type App struct {
	store       *store.GormStore
	objects     storage.ObjectStore
	cases       *cases.Orchestrator
	discussions *discussion.Service
	queue       *queue.RedisJobQueue
	events      events.Publisher
	logger      *slog.Logger
}

// New constructs the application and seeds the prompt catalog when empty.
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
	seeded, err := dataStore.SeedPrompts(prompts.Defaults())
	if err != nil {
		return nil, fmt.Errorf("seed prompts: %w", err)
	}
	if seeded > 0 {
		logger.Info("prompt catalog seeded", "prompts", seeded)
	}

	objects := cfg.Objects
	if objects == nil {
		objects, err = storage.Open(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("init object store: %w", err)
		}
	}

	client := cfg.Client
	if client == nil {
		client, err = llm.NewClient(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("init llm client: %w", err)
		}
	}
	retrier := llm.NewRetrier(client, llm.RetryConfig{BaseDelay: cfg.RetryBaseDelay, Logger: logger})

	extractor := cfg.Extractor
	if extractor == nil {
		extractor = extract.NewPDFExtractor(extract.Config{DisablePdftotext: cfg.DisablePdftotext, Logger: logger})
	}

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{store: dataStore, objects: objects, events: publisher, logger: logger}

	var scheduler cases.Scheduler
	if cfg.AsyncGeneration {
		queueName := strings.TrimSpace(cfg.QueueName)
		if queueName == "" {
			queueName = DefaultQueueName
		}
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   queueName,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init generation queue: %w", err)
		}
		a.queue = q
		scheduler = q
	}

	generator := qagen.NewGenerator(dataStore, retrier, qagen.Config{
		PromptConcurrency: cfg.PromptConcurrency,
		AnswerConcurrency: cfg.AnswerConcurrency,
		Logger:            logger,
	})
	a.cases, err = cases.NewOrchestrator(dataStore, objects, extractor, generator, scheduler, publisher, cases.Config{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Async:          cfg.AsyncGeneration,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	a.discussions, err = discussion.NewService(dataStore, retrier, discussion.Config{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("init discussions: %w", err)
	}
	return a, nil
}

func newPublisher(cfg Config, logger *slog.Logger) (events.Publisher, error) {
	if strings.TrimSpace(cfg.AMQPURL) == "" {
		return events.Noop{}, nil
	}
	p, err := events.NewAMQPPublisher(events.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("init event publisher: %w", err)
	}
	return p, nil
}

// Close releases the queue, the publisher and the database.
func (a *App) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	errs = append(errs, a.events.Close(), a.store.Close())
	return errors.Join(errs...)
}

// Ready pings the database.
func (a *App) Ready(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// UploadCase lands a case file and, unless generation is queued, generates
// its questions before returning.
func (a *App) UploadCase(ctx context.Context, up cases.Upload) (domain.Case, error) {
	return a.cases.ProcessAndStore(ctx, up)
}

func (a *App) ListCases(ctx context.Context, ownerID string) ([]domain.Case, error) {
	return a.cases.ListCases(ctx, ownerID)
}

func (a *App) GetCase(ctx context.Context, ownerID, caseID string) (domain.Case, error) {
	return a.cases.GetCase(ctx, ownerID, caseID)
}

func (a *App) DeleteCase(ctx context.Context, ownerID, caseID string) error {
	return a.cases.DeleteCase(ctx, ownerID, caseID)
}

// CaseQuestions returns the generation outcome of one of ownerID's cases.
func (a *App) CaseQuestions(ctx context.Context, ownerID, caseID string) (cases.CaseQuestions, error) {
	if _, err := a.cases.GetCase(ctx, ownerID, caseID); err != nil {
		return cases.CaseQuestions{}, err
	}
	return a.cases.CaseQuestions(ctx, caseID)
}

func (a *App) NextQuestion(ctx context.Context, ownerID, caseID, topic string) (domain.Question, bool, error) {
	return a.cases.NextQuestion(ctx, ownerID, caseID, topic)
}

// CaseDownloadURL returns a pre-signed URL for the original case file.
func (a *App) CaseDownloadURL(ctx context.Context, ownerID, caseID string) (string, string, error) {
	c, err := a.cases.GetCase(ctx, ownerID, caseID)
	if err != nil {
		return "", "", err
	}
	url, err := a.objects.PresignGet(ctx, c.StorageKey, presignExpiry)
	if err != nil {
		return "", "", fmt.Errorf("presign case file: %w", err)
	}
	return url, c.Filename, nil
}

func (a *App) ListPrompts() ([]domain.Prompt, error) {
	return a.store.ListPrompts()
}

// CreatePromptVersion stores a new version of a catalog prompt.
func (a *App) CreatePromptVersion(p domain.Prompt) (domain.Prompt, error) {
	return a.store.CreatePromptVersion(p)
}

func (a *App) StartDiscussion(ctx context.Context, ownerID, caseID, questionID, message string) (discussion.Thread, error) {
	return a.discussions.Start(ctx, ownerID, caseID, questionID, message)
}

func (a *App) PostMessage(ctx context.Context, ownerID, discussionID, content string) (discussion.Thread, error) {
	return a.discussions.Post(ctx, ownerID, discussionID, content)
}

func (a *App) History(ctx context.Context, ownerID, discussionID string) (discussion.Thread, error) {
	return a.discussions.History(ctx, ownerID, discussionID)
}

func (a *App) ListDiscussions(ctx context.Context, ownerID, caseID string) ([]domain.AnswerDiscussion, error) {
	return a.discussions.ListDiscussions(ctx, ownerID, caseID)
}

func (a *App) SaveAnswer(ctx context.Context, ownerID, discussionID, content string, final bool) (domain.UserAnswer, error) {
	return a.discussions.SaveUserAnswer(ctx, ownerID, discussionID, content, final)
}
