package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"exampilot/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the queue marks the job failed without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Handler processes one generation job.
type Handler func(context.Context, JobStatus) error

// JobStatus is the Redis-side record of a case generation job.
type JobStatus struct {
	ID           string    `json:"id"`
	CaseID       string    `json:"caseId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// jobRecord is the hash layout of a JobStatus.
type jobRecord struct {
	CaseID    string `redis:"caseId"`
	Status    string `redis:"status"`
	Error     string `redis:"error"`
	Attempts  int    `redis:"attempts"`
	CreatedAt string `redis:"createdAt"`
	UpdatedAt string `redis:"updatedAt"`
}

func (r jobRecord) status(id string) JobStatus {
	job := JobStatus{
		ID:           id,
		CaseID:       r.CaseID,
		Status:       r.Status,
		ErrorMessage: r.Error,
		Attempts:     r.Attempts,
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return job
}

// RedisJobQueue schedules case generation on a Redis stream consumed by a
// consumer group. Each job also has a status hash that expires after JobTTL.
type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	logger       *slog.Logger
	groupOnce    sync.Once
}

type RedisQueueConfig struct {
	Addr     string
	Password string
	Stream   string
	Group    string
	Consumer string
	JobTTL   time.Duration
	// MaxRetries is the number of attempts before a failing job is marked
	// failed.
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
	Logger     *slog.Logger
}

// NewRedisJobQueue builds a queue with its own Redis client.
func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return NewRedisJobQueueWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg)
}

// NewRedisJobQueueWithClient builds the queue on an existing client.
func NewRedisJobQueueWithClient(client *redis.Client, cfg RedisQueueConfig) (*RedisJobQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        orDefault(strings.TrimSpace(cfg.Group), "generation"),
		consumerBase: orDefault(strings.TrimSpace(cfg.Consumer), util.NewID()),
		jobTTL:       positiveOr(cfg.JobTTL, 24*time.Hour),
		maxRetries:   positiveOr(cfg.MaxRetries, 3),
		block:        positiveOr(cfg.Block, 5*time.Second),
		claimIdle:    positiveOr(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   positiveOr(cfg.RetryDelay, 2*time.Second),
		maxLen:       positiveOr(cfg.MaxLen, 10000),
		readCount:    positiveOr(cfg.ReadCount, 10),
		claimCount:   positiveOr(cfg.ClaimCount, 10),
		logger:       logger.With("stream", stream),
	}
	return q, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func positiveOr[T int | int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

// Close releases the Redis client.
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

// Enqueue schedules question generation for caseID. The status hash and the
// stream entry are written in one transaction.
func (q *RedisJobQueue) Enqueue(ctx context.Context, caseID string) (JobStatus, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return JobStatus{}, errors.New("caseId required")
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:        util.NewID(),
		CaseID:    caseID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	key := q.jobKey(job.ID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key,
		"caseId", job.CaseID,
		"status", job.Status,
		"error", "",
		"attempts", 0,
		"createdAt", now.Format(time.RFC3339Nano),
		"updatedAt", now.Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, q.jobTTL)
	q.addEntry(ctx, pipe, job.ID, job.CaseID)
	if _, err := pipe.Exec(ctx); err != nil {
		return JobStatus{}, fmt.Errorf("enqueue case %s: %w", caseID, err)
	}
	return job, nil
}

// GetJob returns the status record of jobID.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	res := q.client.HGetAll(ctx, q.jobKey(jobID))
	fields, err := res.Result()
	if err != nil {
		return JobStatus{}, false, err
	}
	if len(fields) == 0 {
		return JobStatus{}, false, nil
	}
	var rec jobRecord
	if err := res.Scan(&rec); err != nil {
		return JobStatus{}, false, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return rec.status(jobID), true, nil
}

// begin marks a job processing and counts the attempt. A status hash that
// already expired is recreated from the stream entry.
func (q *RedisJobQueue) begin(ctx context.Context, jobID, caseID string) (JobStatus, error) {
	key := q.jobKey(jobID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, "caseId", caseID, "status", StatusProcessing, "updatedAt", now)
	pipe.HSetNX(ctx, key, "createdAt", now)
	attempts := pipe.HIncrBy(ctx, key, "attempts", 1)
	pipe.Expire(ctx, key, q.jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return JobStatus{}, err
	}
	return JobStatus{
		ID:       jobID,
		CaseID:   caseID,
		Status:   StatusProcessing,
		Attempts: int(attempts.Val()),
	}, nil
}

// settle records the outcome of an attempt.
func (q *RedisJobQueue) settle(ctx context.Context, jobID, status, errMsg string) error {
	key := q.jobKey(jobID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, "status", status, "error", errMsg, "updatedAt", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) addEntry(ctx context.Context, pipe redis.Pipeliner, jobID, caseID string) {
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": jobID, "case_id": caseID},
	})
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return q.stream + ":job:" + jobID
}
