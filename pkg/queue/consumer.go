package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Start launches concurrency consumers that run until ctx is cancelled.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		go q.consume(ctx, fmt.Sprintf("%s-%d", q.consumerBase, i), handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			q.logger.Warn("queue_group_create_failed", "group", q.group, "err", err)
		}
	})
}

// consume first reclaims entries another consumer left pending for longer
// than claimIdle, then blocks for new ones.
func (q *RedisJobQueue) consume(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		claimed, err := q.reclaim(ctx, consumer)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("queue_reclaim_failed", "consumer", consumer, "err", err)
		}
		for _, msg := range claimed {
			q.process(ctx, consumer, msg, handler)
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		switch {
		case errors.Is(err, redis.Nil) || ctx.Err() != nil:
			continue
		case err != nil:
			q.logger.Warn("queue_read_failed", "consumer", consumer, "err", err)
			q.pause(ctx)
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.process(ctx, consumer, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) reclaim(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return msgs, err
}

func (q *RedisJobQueue) pause(ctx context.Context) {
	t := time.NewTimer(q.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs handler for one entry. Success and final failure remove the
// entry; a retryable failure re-adds it at the tail so other jobs are not
// blocked behind it.
func (q *RedisJobQueue) process(ctx context.Context, consumer string, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	caseID, _ := msg.Values["case_id"].(string)
	if jobID == "" || caseID == "" {
		q.logger.Warn("queue_message_malformed", "msg_id", msg.ID)
		q.drop(ctx, msg.ID)
		return
	}
	job, err := q.begin(ctx, jobID, caseID)
	if err != nil {
		// Left pending; reclaim picks it up again.
		q.logger.Error("queue_begin_failed", "job_id", jobID, "case_id", caseID, "err", err)
		return
	}
	logger := q.logger.With("job_id", jobID, "case_id", caseID, "consumer", consumer, "attempt", job.Attempts)

	err = runHandler(ctx, job, handler)
	switch {
	case err == nil:
		if serr := q.settle(ctx, jobID, StatusDone, ""); serr != nil {
			logger.Warn("queue_status_write_failed", "err", serr)
		}
		q.drop(ctx, msg.ID)
		logger.Info("queue_job_done")
	case errors.Is(err, ErrPermanent) || job.Attempts >= q.maxRetries:
		if serr := q.settle(ctx, jobID, StatusFailed, err.Error()); serr != nil {
			logger.Warn("queue_status_write_failed", "err", serr)
		}
		q.drop(ctx, msg.ID)
		logger.Error("queue_job_failed", "err", err)
	default:
		logger.Warn("queue_job_retry", "err", err)
		if serr := q.settle(ctx, jobID, StatusQueued, err.Error()); serr != nil {
			logger.Warn("queue_status_write_failed", "err", serr)
		}
		q.pause(ctx)
		if rerr := q.requeue(ctx, msg.ID, jobID, caseID); rerr != nil {
			logger.Warn("queue_requeue_failed", "err", rerr)
		}
	}
}

func runHandler(ctx context.Context, job JobStatus, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}

func (q *RedisJobQueue) drop(ctx context.Context, msgID string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	if _, err := pipe.Exec(context.WithoutCancel(ctx)); err != nil {
		q.logger.Warn("queue_ack_failed", "msg_id", msgID, "err", err)
	}
}

// requeue re-adds the job and acks the old entry atomically. On error the
// old entry stays pending.
func (q *RedisJobQueue) requeue(ctx context.Context, msgID, jobID, caseID string) error {
	pipe := q.client.TxPipeline()
	q.addEntry(ctx, pipe, jobID, caseID)
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}
