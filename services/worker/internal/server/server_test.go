package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"exampilot/pkg/llm"
	"exampilot/pkg/queue"
	"exampilot/pkg/storage"
	"exampilot/pkg/store"
	"exampilot/services/worker/internal/app"
)

func TestJobStatusEndpoint(t *testing.T) {
	st, err := store.NewGormStore("sqlite::memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	mr := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{Addr: mr.Addr(), Stream: "test:generation"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	worker, err := app.New(app.Config{
		Store:   st,
		Objects: storage.NewMemoryStore(),
		Client: llm.ClientFunc(func(context.Context, []llm.Message, llm.Options) (string, error) {
			return "", nil
		}),
		Queue: q,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	t.Cleanup(func() { _ = worker.Close() })
	job, err := q.Enqueue(context.Background(), "case-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	srv := httptest.NewServer(New(worker).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/" + job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got queue.JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CaseID != "case-1" || got.Status != queue.StatusQueued {
		t.Fatalf("unexpected job: %+v", got)
	}

	missing, err := http.Get(srv.URL + "/jobs/unknown")
	if err != nil {
		t.Fatalf("get missing job: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want 404", missing.StatusCode)
	}

	ready, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", ready.StatusCode)
	}
}
