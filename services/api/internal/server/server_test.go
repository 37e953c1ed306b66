package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"exampilot/internal/ratelimit"
	"exampilot/internal/usertoken"
	"exampilot/pkg/cases"
	"exampilot/pkg/discussion"
	"exampilot/pkg/domain"
	"exampilot/pkg/llm"
	"exampilot/pkg/storage"
	"exampilot/pkg/store"
	"exampilot/services/api/internal/app"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type staticExtractor struct{}

func (staticExtractor) Extract(context.Context, string, []byte) (string, error) {
	return "Patientin, 34 Jahre, berichtet über anhaltende Niedergeschlagenheit.", nil
}

func scriptedClient() llm.Client {
	return llm.ClientFunc(func(_ context.Context, _ []llm.Message, opts llm.Options) (string, error) {
		if !opts.JSON {
			return "Antwort mit 25 Zeichen!!", nil
		}
		raw, _ := json.Marshal(map[string]any{"questions": []map[string]any{
			{"question": "Welche Diagnose ist zu stellen?", "difficulty": "Mittel", "keywords": "Diagnose, ICD-10"},
		}})
		return string(raw), nil
	})
}

type testEnv struct {
	srv     *httptest.Server
	objects *storage.MemoryStore
}

func newTestEnv(t *testing.T, limiter *ratelimit.FixedWindowLimiter) testEnv {
	t.Helper()
	st, err := store.NewGormStore("sqlite::memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	objects := storage.NewMemoryStore()
	core, err := app.New(app.Config{
		Store:     st,
		Objects:   objects,
		Client:    scriptedClient(),
		Extractor: staticExtractor{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = core.Close() })
	verifier, err := usertoken.NewVerifier(usertoken.Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	s, err := New(Config{App: core, TokenVerifier: verifier, UploadLimiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, objects: objects}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "exampilot-auth",
		Audience:  jwt.ClaimStrings{"exampilot-api"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e testEnv) upload(t *testing.T, token, filename, caseNumber string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if caseNumber != "" {
		_ = mw.WriteField("caseNumber", caseNumber)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/cases", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-Id"); got == "" {
		t.Fatalf("expected X-Request-Id header")
	}
}

func TestUploadGenerateAndDiscuss(t *testing.T) {
	env := newTestEnv(t, nil)
	token := signToken(t, "user-1")

	resp := env.upload(t, token, "fall1.PDF", "1", []byte("%PDF-1.4 case one"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	c := decode[domain.Case](t, resp)
	if c.Status != domain.CaseCompleted || c.FileType != "pdf" || c.CaseNumber != 1 {
		t.Fatalf("unexpected case: %+v", c)
	}
	if env.objects.Len() != 1 {
		t.Fatalf("expected 1 stored object, got %d", env.objects.Len())
	}

	view := decode[cases.CaseQuestions](t, env.do(t, http.MethodGet, "/cases/"+c.ID+"/questions", token, nil))
	if view.Status != domain.CaseCompleted || len(view.QuestionSets) == 0 {
		t.Fatalf("unexpected questions view: %+v", view)
	}

	resp = env.do(t, http.MethodGet, "/cases/"+c.ID+"/questions/next", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("next question status = %d", resp.StatusCode)
	}
	q := decode[domain.Question](t, resp)

	resp = env.do(t, http.MethodPost, "/cases/"+c.ID+"/discussions", token, map[string]string{
		"questionId": q.ID,
		"message":    "Ich würde eine depressive Episode vermuten.",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start discussion status = %d", resp.StatusCode)
	}
	thread := decode[discussion.Thread](t, resp)
	if len(thread.Messages) != 2 || thread.Messages[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected thread: %+v", thread.Messages)
	}
	adID := thread.Discussion.ID

	resp = env.do(t, http.MethodPost, "/discussions/"+adID+"/messages", token, map[string]string{"content": "Und welche Differentialdiagnosen?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post message status = %d", resp.StatusCode)
	}
	history := decode[discussion.Thread](t, env.do(t, http.MethodGet, "/discussions/"+adID+"/messages", token, nil))
	if len(history.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(history.Messages))
	}
	for i, m := range history.Messages {
		if m.Position != i {
			t.Fatalf("message %d has position %d", i, m.Position)
		}
	}

	resp = env.do(t, http.MethodPut, "/discussions/"+adID+"/answer", token, map[string]any{"content": "Depressive Episode, mittelgradig.", "final": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save answer status = %d", resp.StatusCode)
	}
	ua := decode[domain.UserAnswer](t, resp)
	if ua.Status != domain.AnswerFinal {
		t.Fatalf("answer status = %q", ua.Status)
	}

	resp = env.do(t, http.MethodGet, "/cases/"+c.ID+"/questions/next", token, nil)
	if resp.StatusCode == http.StatusOK {
		if next := decode[domain.Question](t, resp); next.ID == q.ID {
			t.Fatalf("answered question returned as next")
		}
	} else if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("next question status = %d", resp.StatusCode)
	}

	list := decode[map[string]any](t, env.do(t, http.MethodGet, "/cases/"+c.ID+"/discussions", token, nil))
	if list["count"] != float64(1) {
		t.Fatalf("expected 1 discussion, got %v", list["count"])
	}
}

func TestUploadRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	token := signToken(t, "user-1")
	if resp := env.upload(t, token, "fall.pdf", "1", []byte("%PDF-1.4 dup")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first upload status = %d", resp.StatusCode)
	}

	tests := []struct {
		name       string
		token      string
		filename   string
		caseNumber string
		data       string
		status     int
		code       string
	}{
		{"missing token", "", "fall.pdf", "1", "%PDF-1.4 a", http.StatusUnauthorized, "AUTH_INVALID_TOKEN"},
		{"bad token", "not-a-jwt", "fall.pdf", "1", "%PDF-1.4 a", http.StatusUnauthorized, "AUTH_INVALID_TOKEN"},
		{"duplicate", token, "fall.pdf", "1", "%PDF-1.4 dup", http.StatusConflict, "CASE_ALREADY_EXISTS"},
		{"missing case number", token, "fall.pdf", "", "%PDF-1.4 b", http.StatusBadRequest, "CASE_INVALID_CASE_NUMBER"},
		{"case number out of range", token, "fall.pdf", "3", "%PDF-1.4 c", http.StatusBadRequest, "CASE_INVALID_CASE_NUMBER"},
		{"unsupported type", token, "fall.docx", "2", "PK docx", http.StatusBadRequest, "CASE_UNSUPPORTED_FILE_TYPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.upload(t, tt.token, tt.filename, tt.caseNumber, []byte(tt.data))
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			body := decode[map[string]string](t, resp)
			if body["code"] != tt.code {
				t.Fatalf("code = %q, want %q", body["code"], tt.code)
			}
		})
	}
	if env.objects.Len() != 1 {
		t.Fatalf("rejected uploads left objects behind: %d", env.objects.Len())
	}
}

func TestCasesAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := signToken(t, "user-1")
	other := signToken(t, "user-2")
	c := decode[domain.Case](t, env.upload(t, owner, "fall.pdf", "2", []byte("%PDF-1.4 mine")))

	for _, path := range []string{"/cases/" + c.ID, "/cases/" + c.ID + "/questions", "/cases/" + c.ID + "/download"} {
		if resp := env.do(t, http.MethodGet, path, other, nil); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s as other user = %d, want 404", path, resp.StatusCode)
		}
	}
	if resp := env.do(t, http.MethodDelete, "/cases/"+c.ID, other, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("DELETE as other user = %d, want 404", resp.StatusCode)
	}
	list := decode[map[string]any](t, env.do(t, http.MethodGet, "/cases", other, nil))
	if list["count"] != float64(0) {
		t.Fatalf("other user sees %v cases", list["count"])
	}

	if resp := env.do(t, http.MethodDelete, "/cases/"+c.ID, owner, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE as owner = %d", resp.StatusCode)
	}
	if env.objects.Len() != 0 {
		t.Fatalf("blob not removed on delete")
	}
	if resp := env.do(t, http.MethodGet, "/cases/"+c.ID, owner, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET deleted case = %d, want 404", resp.StatusCode)
	}
}

func TestUploadRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(mr.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	env := newTestEnv(t, limiter)
	token := signToken(t, "user-1")

	if resp := env.upload(t, token, "a.pdf", "1", []byte("%PDF-1.4 a")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first upload status = %d", resp.StatusCode)
	}
	resp := env.upload(t, token, "b.pdf", "1", []byte("%PDF-1.4 b"))
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second upload status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestPromptsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	token := signToken(t, "user-1")
	list := decode[map[string]any](t, env.do(t, http.MethodGet, "/prompts", token, nil))
	if n, _ := list["count"].(float64); n == 0 {
		t.Fatalf("expected seeded prompts")
	}

	resp := env.do(t, http.MethodPost, "/prompts/custom_topic/versions", token, map[string]string{"content": "Fragen zum Setting"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("new prompt without type = %d, want 400", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/prompts/custom_topic/versions", token, map[string]string{"type": "simple", "content": "Fragen zum Setting"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create prompt = %d", resp.StatusCode)
	}
	p := decode[domain.Prompt](t, resp)
	if p.Version != 1 || p.Type != domain.PromptSimple {
		t.Fatalf("unexpected prompt: %+v", p)
	}
	p2 := decode[domain.Prompt](t, env.do(t, http.MethodPost, "/prompts/custom_topic/versions", token, map[string]string{"content": "Fragen zum Setting, v2"}))
	if p2.Version != 2 || p2.Type != domain.PromptSimple {
		t.Fatalf("unexpected second version: %+v", p2)
	}
}

func TestClassifyErrors(t *testing.T) {
	s := &Server{}
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter string
	}{
		{"too large", cases.ErrFileTooLarge, http.StatusRequestEntityTooLarge, ""},
		{"empty file", cases.ErrEmptyFile, http.StatusBadRequest, ""},
		{"exists", fmt.Errorf("%w: %w", cases.ErrCaseExists, storage.ErrAlreadyExists), http.StatusConflict, ""},
		{"busy", cases.ErrCaseBusy, http.StatusConflict, ""},
		{"not ready", discussion.ErrCaseNotReady, http.StatusConflict, ""},
		{"rate limited", fmt.Errorf("%w: %w", cases.ErrGenerationFailed, &llm.RateLimitError{Attempts: 5, LastWait: 2500 * time.Millisecond, Err: errors.New("429")}), http.StatusServiceUnavailable, "3"},
		{"api error", fmt.Errorf("%w: %w", cases.ErrGenerationFailed, &llm.APIError{Err: errors.New("boom")}), http.StatusBadGateway, ""},
		{"reply failed", fmt.Errorf("%w: %w", discussion.ErrAssistantReplyFailed, &llm.APIError{Err: errors.New("boom")}), http.StatusBadGateway, ""},
		{"no questions", fmt.Errorf("%w: %w", cases.ErrGenerationFailed, cases.ErrNoQuestions), http.StatusBadGateway, ""},
		{"enqueue", fmt.Errorf("%w: redis down", cases.ErrEnqueue), http.StatusServiceUnavailable, ""},
		{"storage", fmt.Errorf("list cases: %w", fmt.Errorf("%w: connection refused", store.ErrStorage)), http.StatusServiceUnavailable, ""},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			status, code, _ := s.classify(rec, tt.err)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (code %s)", status, tt.status, code)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Fatalf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
		})
	}
}
