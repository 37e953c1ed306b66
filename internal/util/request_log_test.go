package util

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cases/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("missing"))
	})

	req := httptest.NewRequest(http.MethodGet, "/cases/c-1", nil)
	req = req.WithContext(ContextWithLogger(req.Context(), logger))
	req.Header.Set(requestIDHeader, "req-7")
	WithRequestID(WithRequestLog("api", mux)).ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg":        "http_request",
		"level":      "WARN",
		"service":    "api",
		"path":       "/cases/c-1",
		"route":      "GET /cases/{id}",
		"status":     float64(http.StatusNotFound),
		"bytes":      float64(len("missing")),
		"request_id": "req-7",
	}
	for k, v := range want {
		if line[k] != v {
			t.Fatalf("log %s = %v, want %v (line %s)", k, line[k], v, buf.String())
		}
	}
}

func TestStatusLevel(t *testing.T) {
	for status, want := range map[int]slog.Level{
		http.StatusOK:                  slog.LevelInfo,
		http.StatusAccepted:            slog.LevelInfo,
		http.StatusTooManyRequests:     slog.LevelWarn,
		http.StatusServiceUnavailable:  slog.LevelError,
		http.StatusInternalServerError: slog.LevelError,
	} {
		if got := statusLevel(status); got != want {
			t.Fatalf("statusLevel(%d) = %v, want %v", status, got, want)
		}
	}
}
