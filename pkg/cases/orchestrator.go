package cases

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"exampilot/pkg/domain"
	"exampilot/pkg/events"
	"exampilot/pkg/extract"
	"exampilot/pkg/qagen"
	"exampilot/pkg/queue"
	"exampilot/pkg/storage"
	"exampilot/pkg/store"
)

const (
	DefaultMaxUploadBytes = 10 << 20
	uploadSourceWeb       = "web"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	CreateCase(domain.Case) error
	GetCase(id string) (domain.Case, bool, error)
	ListCasesByOwner(ownerID string) ([]domain.Case, error)
	SetCaseStatus(id string, from, to domain.CaseStatus) error
	DeleteCase(id string) error
	SaveQuestionSets(caseID string, sets []domain.QuestionSet) ([]domain.QuestionSet, error)
	ListQuestionSets(caseID string) ([]domain.QuestionSet, error)
	ListQuestions(caseID, topic string, unansweredOnly bool) ([]domain.Question, error)
}

type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (string, error)
}

type Generator interface {
	GenerateAll(ctx context.Context, caseText string) (qagen.Batch, error)
}

// Scheduler hands a landed case to the worker.
type Scheduler interface {
	Enqueue(ctx context.Context, caseID string) (queue.JobStatus, error)
}

type Config struct {
	MaxUploadBytes int64
	// Async lands the case and enqueues generation instead of running it
	// inline. Requires a Scheduler.
	Async  bool
	Logger *slog.Logger
}

// Upload is one case file submitted by a user.
type Upload struct {
	OwnerID    string
	Filename   string
	CaseNumber int
	Data       []byte
	Source     string
}

// CaseQuestions is the view of a case's generation outcome. QuestionSets is
// only populated once the case is completed.
type CaseQuestions struct {
	CaseID       string               `json:"caseId"`
	Status       domain.CaseStatus    `json:"status"`
	QuestionSets []domain.QuestionSet `json:"questionSets,omitempty"`
}

// Orchestrator lands uploaded cases, drives question generation and keeps
// blob storage and database rows consistent on every failure path.
type Orchestrator struct {
	store     Store
	objects   storage.ObjectStore
	extractor Extractor
	generator Generator
	scheduler Scheduler
	events    events.Publisher
	maxUpload int64
	async     bool
	logger    *slog.Logger
}

func NewOrchestrator(st Store, objects storage.ObjectStore, extractor Extractor, generator Generator, scheduler Scheduler, publisher events.Publisher, cfg Config) (*Orchestrator, error) {
	if st == nil || objects == nil || extractor == nil {
		return nil, errors.New("orchestrator requires store, object store and extractor")
	}
	if cfg.Async && scheduler == nil {
		return nil, errors.New("async generation requires a scheduler")
	}
	if !cfg.Async && generator == nil {
		return nil, errors.New("inline generation requires a generator")
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     st,
		objects:   objects,
		extractor: extractor,
		generator: generator,
		scheduler: scheduler,
		events:    publisher,
		maxUpload: maxUpload,
		async:     cfg.Async,
		logger:    logger,
	}, nil
}

// WithGenerator returns a copy of o that runs generation with g. The worker
// uses it to share one orchestrator setup with the API.
func (o *Orchestrator) WithGenerator(g Generator) *Orchestrator {
	cp := *o
	cp.generator = g
	return &cp
}

// CaseID derives the content-addressed case id for owner and data.
func CaseID(ownerID string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(ownerID))
	h.Write([]byte("_"))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StorageKey is the object key of a case blob.
func StorageKey(ownerID, caseID, fileType string) string {
	return fmt.Sprintf("cases/users/%s/%s.%s", ownerID, caseID, fileType)
}

func (o *Orchestrator) validate(up Upload) (string, error) {
	if strings.TrimSpace(up.OwnerID) == "" {
		return "", ErrMissingOwner
	}
	fileType := strings.TrimPrefix(strings.ToLower(filepath.Ext(up.Filename)), ".")
	if !extract.Supported(up.Filename) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFileType, filepath.Ext(up.Filename))
	}
	if up.CaseNumber != 1 && up.CaseNumber != 2 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidCaseNumber, up.CaseNumber)
	}
	if len(up.Data) == 0 {
		return "", ErrEmptyFile
	}
	if int64(len(up.Data)) > o.maxUpload {
		return "", fmt.Errorf("%w: %d bytes > %d", ErrFileTooLarge, len(up.Data), o.maxUpload)
	}
	return fileType, nil
}

// ProcessAndStore lands an upload and, unless async generation is enabled,
// generates and stores its questions before returning. In async mode the
// returned case is still uploaded and a worker finishes it.
func (o *Orchestrator) ProcessAndStore(ctx context.Context, up Upload) (domain.Case, error) {
	c, err := o.land(ctx, up)
	if err != nil {
		return domain.Case{}, err
	}
	if o.async {
		if _, err := o.scheduler.Enqueue(ctx, c.ID); err != nil {
			o.rollback(ctx, c, "enqueue_failed")
			return domain.Case{}, fmt.Errorf("%w: %w", ErrEnqueue, err)
		}
		o.logger.Info("case_generation_enqueued", "case_id", c.ID)
		return c, nil
	}
	return o.Generate(ctx, c.ID)
}

// land validates, stores the blob, extracts text and inserts the case row.
// Failures after the blob write delete the blob again.
func (o *Orchestrator) land(ctx context.Context, up Upload) (domain.Case, error) {
	fileType, err := o.validate(up)
	if err != nil {
		return domain.Case{}, err
	}
	id := CaseID(up.OwnerID, up.Data)
	key := StorageKey(up.OwnerID, id, fileType)
	logger := o.logger.With("case_id", id, "owner_id", up.OwnerID)

	if err := o.objects.PutIfAbsent(ctx, key, up.Data, "application/"+fileType); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return domain.Case{}, fmt.Errorf("%w: %w", ErrCaseExists, err)
		}
		return domain.Case{}, fmt.Errorf("store case blob: %w", err)
	}

	text, err := o.extractor.Extract(ctx, up.Filename, up.Data)
	if err != nil {
		o.deleteBlob(ctx, key, logger)
		return domain.Case{}, fmt.Errorf("extract case text: %w", err)
	}

	source := strings.TrimSpace(up.Source)
	if source == "" {
		source = uploadSourceWeb
	}
	now := time.Now().UTC()
	c := domain.Case{
		ID:         id,
		OwnerID:    up.OwnerID,
		Filename:   filepath.Base(up.Filename),
		StorageKey: key,
		Text:       text,
		FileType:   fileType,
		FileSize:   int64(len(up.Data)),
		CaseNumber: up.CaseNumber,
		Status:     domain.CaseUploaded,
		Metadata:   map[string]string{"upload_source": source},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.CreateCase(c); err != nil {
		o.deleteBlob(ctx, key, logger)
		return domain.Case{}, fmt.Errorf("create case: %w", err)
	}
	logger.Info("case_uploaded", "file_size", c.FileSize, "case_number", c.CaseNumber)
	o.publish(ctx, c, "")
	return c, nil
}

// Generate runs question generation for an uploaded case. On success the
// question sets are stored and the case becomes completed; on any failure
// the case is marked failed and rolled back (row and blob removed).
func (o *Orchestrator) Generate(ctx context.Context, caseID string) (domain.Case, error) {
	if o.generator == nil {
		return domain.Case{}, errors.New("orchestrator has no generator")
	}
	c, ok, err := o.store.GetCase(caseID)
	if err != nil {
		return domain.Case{}, fmt.Errorf("load case %s: %w", caseID, err)
	}
	if !ok {
		return domain.Case{}, ErrCaseNotFound
	}
	logger := o.logger.With("case_id", c.ID)

	if err := o.store.SetCaseStatus(c.ID, domain.CaseUploaded, domain.CaseProcessing); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			return domain.Case{}, fmt.Errorf("%w: %s -> %s: %w", ErrInvalidTransition, c.Status, domain.CaseProcessing, err)
		}
		return domain.Case{}, fmt.Errorf("set case processing: %w", err)
	}
	c.Status = domain.CaseProcessing
	logger.Info("case_status", "status", c.Status)
	o.publish(ctx, c, "")

	start := time.Now()
	batch, err := o.generator.GenerateAll(ctx, c.Text)
	if err == nil && batch.TotalQuestions() == 0 {
		err = errors.Join(ErrNoQuestions, batch.SkippedErr())
	}
	if err != nil {
		return domain.Case{}, o.fail(ctx, c, err)
	}
	if len(batch.Skipped) > 0 {
		logger.Warn("case_prompts_skipped", "count", len(batch.Skipped), "err", batch.SkippedErr())
	}

	sets := make([]domain.QuestionSet, 0, len(batch.Results))
	for _, r := range batch.Results {
		sets = append(sets, domain.QuestionSet{
			CaseID:        c.ID,
			PromptID:      r.Prompt.ID,
			PromptVersion: r.Prompt.Version,
			Topic:         r.Prompt.Topic(),
			Questions:     r.Questions,
		})
	}
	if _, err := o.store.SaveQuestionSets(c.ID, sets); err != nil {
		return domain.Case{}, o.fail(ctx, c, fmt.Errorf("save question sets: %w", err))
	}
	if err := o.store.SetCaseStatus(c.ID, domain.CaseProcessing, domain.CaseCompleted); err != nil {
		return domain.Case{}, o.fail(ctx, c, fmt.Errorf("set case completed: %w", err))
	}
	c.Status = domain.CaseCompleted
	c.UpdatedAt = time.Now().UTC()
	logger.Info("case_status",
		"status", c.Status,
		"question_sets", len(sets),
		"questions", batch.TotalQuestions(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	o.publish(ctx, c, "")
	return c, nil
}

// AbandonRun settles a case whose generation run was interrupted, for
// example by a worker crash. A processing case is failed and rolled back and
// ErrGenerationFailed is returned; a completed case is left alone and yields
// no error. Any other status is an ErrInvalidTransition.
func (o *Orchestrator) AbandonRun(ctx context.Context, caseID string) (domain.CaseStatus, error) {
	c, ok, err := o.store.GetCase(caseID)
	if err != nil {
		return "", fmt.Errorf("load case %s: %w", caseID, err)
	}
	if !ok {
		return "", ErrCaseNotFound
	}
	switch c.Status {
	case domain.CaseCompleted:
		return c.Status, nil
	case domain.CaseProcessing:
		return domain.CaseFailed, o.fail(ctx, c, ErrRunAbandoned)
	default:
		return c.Status, fmt.Errorf("%w: cannot abandon a %s case", ErrInvalidTransition, c.Status)
	}
}

// fail marks c failed and removes it with its blob. The returned error wraps
// both ErrGenerationFailed and cause.
func (o *Orchestrator) fail(ctx context.Context, c domain.Case, cause error) error {
	logger := o.logger.With("case_id", c.ID)
	logger.Error("case_generation_failed", "err", cause)
	cleanupCtx := context.WithoutCancel(ctx)
	if err := o.store.SetCaseStatus(c.ID, domain.CaseProcessing, domain.CaseFailed); err != nil {
		logger.Error("case_set_failed_status", "err", err)
	} else {
		c.Status = domain.CaseFailed
		o.publish(cleanupCtx, c, cause.Error())
	}
	o.rollback(cleanupCtx, c, "generation_failed")
	return fmt.Errorf("%w: %w", ErrGenerationFailed, cause)
}

// rollback deletes the case row (with everything it owns) and its blob.
func (o *Orchestrator) rollback(ctx context.Context, c domain.Case, reason string) {
	ctx = context.WithoutCancel(ctx)
	logger := o.logger.With("case_id", c.ID, "reason", reason)
	if err := o.store.DeleteCase(c.ID); err != nil {
		logger.Error("case_rollback_row_failed", "err", err)
	}
	o.deleteBlob(ctx, c.StorageKey, logger)
	logger.Info("case_rolled_back")
}

func (o *Orchestrator) deleteBlob(ctx context.Context, key string, logger *slog.Logger) {
	if err := o.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		logger.Error("case_blob_delete_failed", "key", key, "err", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, c domain.Case, reason string) {
	ev := events.CaseEvent{
		CaseID:  c.ID,
		OwnerID: c.OwnerID,
		Status:  c.Status,
		Reason:  reason,
		At:      time.Now().UTC(),
	}
	if err := o.events.Publish(ctx, ev); err != nil {
		o.logger.Warn("case_event_publish_failed", "case_id", c.ID, "status", c.Status, "err", err)
	}
}
