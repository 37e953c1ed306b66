package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, cfg RedisQueueConfig) (*RedisJobQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg.Addr = mr.Addr()
	if cfg.Stream == "" {
		cfg.Stream = "test:generation"
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	q, err := NewRedisJobQueue(cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q, mr
}

func TestEnqueueWritesStatusAndEntry(t *testing.T) {
	q, mr := newTestQueue(t, RedisQueueConfig{JobTTL: time.Hour})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, " case-1 ")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.CaseID != "case-1" || got.Status != StatusQueued || got.Attempts != 0 {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not decoded: %+v", got)
	}
	if ttl := mr.TTL(q.jobKey(job.ID)); ttl != time.Hour {
		t.Fatalf("job ttl = %v, want 1h", ttl)
	}
	if n, err := q.client.XLen(ctx, q.stream).Result(); err != nil || n != 1 {
		t.Fatalf("stream length = %d, %v; want 1", n, err)
	}

	if _, err := q.Enqueue(ctx, "  "); err == nil {
		t.Fatalf("expected empty case id to fail")
	}
	if _, ok, err := q.GetJob(ctx, "missing"); ok || err != nil {
		t.Fatalf("missing job: ok=%v err=%v", ok, err)
	}
}

func TestBeginCountsAttemptsAndRecreatesExpiredStatus(t *testing.T) {
	q, mr := newTestQueue(t, RedisQueueConfig{})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "case-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for want := 1; want <= 2; want++ {
		got, err := q.begin(ctx, job.ID, job.CaseID)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if got.Attempts != want || got.Status != StatusProcessing {
			t.Fatalf("begin #%d = %+v", want, got)
		}
	}

	mr.Del(q.jobKey(job.ID))
	got, err := q.begin(ctx, job.ID, job.CaseID)
	if err != nil {
		t.Fatalf("begin after expiry: %v", err)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts after expiry = %d, want 1", got.Attempts)
	}
	stored, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok || stored.CaseID != "case-1" || stored.CreatedAt.IsZero() {
		t.Fatalf("recreated status = %+v ok=%v err=%v", stored, ok, err)
	}
}

func TestRequeueFailureKeepsPendingEntry(t *testing.T) {
	q, _ := newTestQueue(t, RedisQueueConfig{Consumer: "consumer-1"})
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "case-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
	}).Result()
	if err != nil || len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("readgroup: %+v err=%v", streams, err)
	}
	msgID := streams[0].Messages[0].ID

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeue(canceled, msgID, job.ID, job.CaseID); err == nil {
		t.Fatalf("expected requeue to fail on canceled context")
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil || pending.Count != 1 {
		t.Fatalf("pending = %+v err=%v; want the original entry", pending, err)
	}

	if err := q.requeue(ctx, msgID, job.ID, job.CaseID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	pending, err = q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil || pending.Count != 0 {
		t.Fatalf("pending after requeue = %+v err=%v", pending, err)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 1 {
		t.Fatalf("stream length after requeue = %d, want 1", n)
	}
}

func TestStartRunsHandlerWithRetries(t *testing.T) {
	q, _ := newTestQueue(t, RedisQueueConfig{Block: 20 * time.Millisecond, MaxRetries: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enqueue := func(caseID string) JobStatus {
		job, err := q.Enqueue(ctx, caseID)
		if err != nil {
			t.Fatalf("enqueue %s: %v", caseID, err)
		}
		return job
	}
	okJob := enqueue("case-ok")
	flakyJob := enqueue("case-flaky")
	goneJob := enqueue("case-gone")
	brokenJob := enqueue("case-broken")
	panicJob := enqueue("case-panic")

	var flakyCalls, goneCalls, brokenCalls atomic.Int32
	q.Start(ctx, 2, func(_ context.Context, job JobStatus) error {
		switch job.CaseID {
		case "case-flaky":
			if flakyCalls.Add(1) < 2 {
				return errors.New("store unavailable")
			}
		case "case-gone":
			goneCalls.Add(1)
			return Permanent(errors.New("case not found"))
		case "case-broken":
			brokenCalls.Add(1)
			return errors.New("database down")
		case "case-panic":
			panic("boom")
		}
		return nil
	})

	waitStatus(t, q, okJob.ID, StatusDone)
	if flaky := waitStatus(t, q, flakyJob.ID, StatusDone); flaky.Attempts != 2 || flaky.ErrorMessage != "" {
		t.Fatalf("flaky job = %+v, want done after 2 attempts", flaky)
	}
	gone := waitStatus(t, q, goneJob.ID, StatusFailed)
	if gone.Attempts != 1 || goneCalls.Load() != 1 || gone.ErrorMessage == "" {
		t.Fatalf("permanent failure retried: %+v calls=%d", gone, goneCalls.Load())
	}
	if broken := waitStatus(t, q, brokenJob.ID, StatusFailed); broken.Attempts != 3 || brokenCalls.Load() != 3 {
		t.Fatalf("broken job = %+v calls=%d, want 3 attempts", broken, brokenCalls.Load())
	}
	if p := waitStatus(t, q, panicJob.ID, StatusFailed); p.Attempts != 1 {
		t.Fatalf("panicking job = %+v, want failed after 1 attempt", p)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) should be nil")
	}
	err := Permanent(errors.New("x"))
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("Permanent should wrap ErrPermanent: %v", err)
	}
}

func waitStatus(t *testing.T, q *RedisJobQueue, jobID, want string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _, _ := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %s did not reach %s, last status %+v", jobID, want, job)
	return JobStatus{}
}
