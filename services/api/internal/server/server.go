package server

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"exampilot/internal/ratelimit"
	"exampilot/internal/usertoken"
	"exampilot/internal/util"
	"exampilot/pkg/cases"
	"exampilot/pkg/discussion"
	"exampilot/pkg/domain"
	"exampilot/pkg/llm"
	"exampilot/pkg/store"
	"exampilot/services/api/internal/app"
)

// multipart framing allowance on top of the file size limit
const formOverheadBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	UploadLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server exposes the case, prompt and discussion endpoints.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	uploadLimiter  *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	maxUploadBytes int64
	logger         *slog.Logger
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = cases.DefaultMaxUploadBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		uploadLimiter:  cfg.UploadLimiter,
		trustedProxies: cfg.TrustedProxies,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("api", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

type route struct {
	pattern string
	public  http.HandlerFunc
	user    userHandler
}

func (s *Server) routeTable() []route {
	return []route{
		{pattern: "GET /healthz", public: s.handleHealth},
		{pattern: "GET /readyz", public: s.handleReady},

		// cases
		{pattern: "POST /cases", user: s.handleUploadCase},
		{pattern: "GET /cases", user: s.handleListCases},
		{pattern: "GET /cases/{id}", user: s.handleGetCase},
		{pattern: "DELETE /cases/{id}", user: s.handleDeleteCase},
		{pattern: "GET /cases/{id}/questions", user: s.handleCaseQuestions},
		{pattern: "GET /cases/{id}/questions/next", user: s.handleNextQuestion},
		{pattern: "GET /cases/{id}/download", user: s.handleDownloadCase},

		// prompts
		{pattern: "GET /prompts", user: s.handleListPrompts},
		{pattern: "POST /prompts/{id}/versions", user: s.handleCreatePromptVersion},

		// discussions
		{pattern: "GET /cases/{id}/discussions", user: s.handleListDiscussions},
		{pattern: "POST /cases/{id}/discussions", user: s.handleStartDiscussion},
		{pattern: "GET /discussions/{id}/messages", user: s.handleHistory},
		{pattern: "POST /discussions/{id}/messages", user: s.handlePostMessage},
		{pattern: "PUT /discussions/{id}/answer", user: s.handleSaveAnswer},
	}
}

func (s *Server) routes() {
	for _, rt := range s.routeTable() {
		if rt.user != nil {
			s.mux.Handle(rt.pattern, s.withUser(rt.user))
			continue
		}
		s.mux.HandleFunc(rt.pattern, rt.public)
	}
}

// Routes lists the "METHOD /path" patterns the server handles.
func Routes() []string {
	table := (&Server{}).routeTable()
	out := make([]string, 0, len(table))
	for _, rt := range table {
		out = append(out, rt.pattern)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ready(r.Context()); err != nil {
		util.WriteError(w, http.StatusServiceUnavailable, "SYSTEM_NOT_READY", "database unavailable")
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := usertoken.BearerToken(r)
		if !ok {
			util.WriteError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		clientIP := util.ClientIP(r, s.trustedProxies)
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("auth_token_rejected", "client_ip", clientIP, "err", err)
			util.WriteError(w, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		logger := util.LoggerFromContext(r.Context()).With("user_id", userID, "client_ip", clientIP)
		ctx := util.ContextWithLogger(r.Context(), logger)
		next(w, r.WithContext(ctx), userID)
	})
}

func (s *Server) handleUploadCase(w http.ResponseWriter, r *http.Request, userID string) {
	if s.uploadLimiter != nil {
		if ok, retryAfter := s.uploadLimiter.Allow(r.Context(), "upload|"+userID); !ok {
			setRetryAfter(w, retryAfter)
			util.WriteError(w, http.StatusTooManyRequests, "CASE_UPLOAD_RATE_LIMITED", "too many uploads")
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+formOverheadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			util.WriteError(w, http.StatusRequestEntityTooLarge, "CASE_FILE_TOO_LARGE", "file too large")
			return
		}
		util.WriteError(w, http.StatusBadRequest, "CASE_INVALID_UPLOAD_FORM", "invalid form data")
		return
	}
	caseNumber, err := strconv.Atoi(strings.TrimSpace(r.FormValue("caseNumber")))
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "CASE_INVALID_CASE_NUMBER", "caseNumber must be 1 or 2")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "CASE_FILE_REQUIRED", "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		util.WriteError(w, http.StatusBadRequest, "CASE_INVALID_UPLOAD_FORM", "read file failed")
		return
	}
	c, err := s.app.UploadCase(r.Context(), cases.Upload{
		OwnerID:    userID,
		Filename:   header.Filename,
		CaseNumber: caseNumber,
		Data:       data,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusCreated
	if c.Status == domain.CaseUploaded {
		status = http.StatusAccepted
	}
	util.WriteJSON(w, status, c)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request, userID string) {
	items, err := s.app.ListCases(r.Context(), userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request, userID string) {
	c, err := s.app.GetCase(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.app.DeleteCase(r.Context(), userID, r.PathValue("id")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCaseQuestions(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := s.app.CaseQuestions(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleNextQuestion(w http.ResponseWriter, r *http.Request, userID string) {
	q, ok, err := s.app.NextQuestion(r.Context(), userID, r.PathValue("id"), strings.TrimSpace(r.URL.Query().Get("topic")))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	util.WriteJSON(w, http.StatusOK, q)
}

func (s *Server) handleDownloadCase(w http.ResponseWriter, r *http.Request, userID string) {
	url, filename, err := s.app.CaseDownloadURL(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]string{
		"url":      url,
		"filename": filename,
	})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request, _ string) {
	items, err := s.app.ListPrompts()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

type promptVersionRequest struct {
	Type           string `json:"type"`
	Specialization string `json:"specialization"`
	Category       string `json:"category"`
	SubCategory    string `json:"subCategory"`
	Content        string `json:"content"`
}

func (s *Server) handleCreatePromptVersion(w http.ResponseWriter, r *http.Request, _ string) {
	var req promptVersionRequest
	if err := util.DecodeJSON(r, &req, 1<<20); err != nil {
		util.WriteError(w, http.StatusBadRequest, "PROMPT_INVALID_REQUEST", "invalid JSON body")
		return
	}
	p, err := s.app.CreatePromptVersion(domain.Prompt{
		ID:             r.PathValue("id"),
		Type:           domain.PromptType(strings.ToLower(strings.TrimSpace(req.Type))),
		Specialization: req.Specialization,
		Category:       req.Category,
		SubCategory:    req.SubCategory,
		Content:        req.Content,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListDiscussions(w http.ResponseWriter, r *http.Request, userID string) {
	items, err := s.app.ListDiscussions(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

type startDiscussionRequest struct {
	QuestionID string `json:"questionId"`
	Message    string `json:"message"`
}

func (s *Server) handleStartDiscussion(w http.ResponseWriter, r *http.Request, userID string) {
	var req startDiscussionRequest
	if err := util.DecodeJSON(r, &req, 1<<20); err != nil {
		util.WriteError(w, http.StatusBadRequest, "DISCUSSION_INVALID_REQUEST", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.QuestionID) == "" {
		util.WriteError(w, http.StatusBadRequest, "DISCUSSION_INVALID_REQUEST", "questionId is required")
		return
	}
	thread, err := s.app.StartDiscussion(r.Context(), userID, r.PathValue("id"), req.QuestionID, req.Message)
	if err != nil {
		s.writeThreadError(w, r, thread, err)
		return
	}
	util.WriteJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, userID string) {
	thread, err := s.app.History(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, thread)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req postMessageRequest
	if err := util.DecodeJSON(r, &req, 1<<20); err != nil {
		util.WriteError(w, http.StatusBadRequest, "DISCUSSION_INVALID_REQUEST", "invalid JSON body")
		return
	}
	thread, err := s.app.PostMessage(r.Context(), userID, r.PathValue("id"), req.Content)
	if err != nil {
		s.writeThreadError(w, r, thread, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, thread)
}

type saveAnswerRequest struct {
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

func (s *Server) handleSaveAnswer(w http.ResponseWriter, r *http.Request, userID string) {
	var req saveAnswerRequest
	if err := util.DecodeJSON(r, &req, 1<<20); err != nil {
		util.WriteError(w, http.StatusBadRequest, "DISCUSSION_INVALID_REQUEST", "invalid JSON body")
		return
	}
	ua, err := s.app.SaveAnswer(r.Context(), userID, r.PathValue("id"), req.Content, req.Final)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	util.WriteJSON(w, http.StatusOK, ua)
}

// writeThreadError keeps the already stored part of a thread in the response
// when only the assistant reply failed.
func (s *Server) writeThreadError(w http.ResponseWriter, r *http.Request, thread discussion.Thread, err error) {
	if thread.Discussion.ID == "" || !errors.Is(err, discussion.ErrAssistantReplyFailed) {
		s.writeAppError(w, r, err)
		return
	}
	status, code, msg := s.classify(w, err)
	util.LoggerFromContext(r.Context()).Warn("assistant reply failed", "answer_discussion_id", thread.Discussion.ID, "err", err)
	util.WriteJSON(w, status, map[string]any{
		"error":  msg,
		"code":   code,
		"thread": thread,
	})
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := s.classify(w, err)
	if status >= http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "status", status, "code", code, "err", err)
	}
	util.WriteError(w, status, code, msg)
}

func (s *Server) classify(w http.ResponseWriter, err error) (int, string, string) {
	switch {
	case errors.Is(err, cases.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "CASE_FILE_TOO_LARGE", err.Error()
	case errors.Is(err, cases.ErrUnsupportedFileType):
		return http.StatusBadRequest, "CASE_UNSUPPORTED_FILE_TYPE", err.Error()
	case errors.Is(err, cases.ErrInvalidCaseNumber):
		return http.StatusBadRequest, "CASE_INVALID_CASE_NUMBER", err.Error()
	case cases.IsInputError(err):
		return http.StatusBadRequest, "CASE_INVALID_UPLOAD", err.Error()
	case errors.Is(err, cases.ErrCaseExists):
		return http.StatusConflict, "CASE_ALREADY_EXISTS", "case already uploaded"
	case errors.Is(err, cases.ErrCaseNotFound), errors.Is(err, discussion.ErrCaseNotFound):
		return http.StatusNotFound, "CASE_NOT_FOUND", "case not found"
	case errors.Is(err, discussion.ErrQuestionNotFound):
		return http.StatusNotFound, "QUESTION_NOT_FOUND", "question not found"
	case errors.Is(err, discussion.ErrDiscussionNotFound), errors.Is(err, discussion.ErrDiscussionForbidden):
		return http.StatusNotFound, "DISCUSSION_NOT_FOUND", "discussion not found"
	case errors.Is(err, cases.ErrCaseBusy), errors.Is(err, cases.ErrInvalidTransition):
		return http.StatusConflict, "CASE_BUSY", "case is being processed"
	case errors.Is(err, discussion.ErrCaseNotReady):
		return http.StatusConflict, "CASE_NOT_READY", "case has no questions yet"
	case errors.Is(err, discussion.ErrEmptyMessage):
		return http.StatusBadRequest, "DISCUSSION_EMPTY_MESSAGE", "message content required"
	case errors.Is(err, store.ErrInvalidPrompt):
		return http.StatusBadRequest, "PROMPT_INVALID_REQUEST", err.Error()
	case errors.Is(err, llm.ErrRateLimited):
		var rl *llm.RateLimitError
		if errors.As(err, &rl) {
			setRetryAfter(w, rl.LastWait)
		}
		return http.StatusServiceUnavailable, "LLM_RATE_LIMITED", "language model rate limit exceeded, try again later"
	case errors.Is(err, llm.ErrAPI), errors.Is(err, discussion.ErrAssistantReplyFailed):
		return http.StatusBadGateway, "LLM_UPSTREAM_ERROR", "language model request failed"
	case errors.Is(err, cases.ErrNoQuestions):
		return http.StatusBadGateway, "CASE_NO_QUESTIONS", "no questions could be generated for this case"
	case errors.Is(err, cases.ErrGenerationFailed):
		return http.StatusInternalServerError, "CASE_GENERATION_FAILED", "question generation failed"
	case errors.Is(err, cases.ErrEnqueue):
		return http.StatusServiceUnavailable, "CASE_QUEUE_UNAVAILABLE", "generation queue unavailable"
	case errors.Is(err, store.ErrStorage):
		return http.StatusServiceUnavailable, "SYSTEM_STORAGE_UNAVAILABLE", "storage unavailable"
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR", "internal error"
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
