package discussion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"exampilot/pkg/domain"
	"exampilot/pkg/llm"
	"exampilot/pkg/prompts"
)

const defaultHistoryLimit = 40

// Store is the persistence the discussion service needs.
type Store interface {
	GetCase(id string) (domain.Case, bool, error)
	GetQuestion(id string) (domain.Question, string, bool, error)
	GetPrompt(id string) (domain.Prompt, bool, error)
	GetCaseDiscussion(caseID, ownerID string) (domain.CaseDiscussion, bool, error)
	ListAnswerDiscussions(caseDiscussionID string) ([]domain.AnswerDiscussion, error)
	FindAnswerDiscussion(caseDiscussionID, questionID string) (domain.AnswerDiscussion, bool, error)
	GetAnswerDiscussion(id string) (domain.AnswerDiscussion, domain.CaseDiscussion, bool, error)
	StartAnswerDiscussion(caseID, ownerID, questionID string, seed domain.Message) (domain.AnswerDiscussion, domain.Message, error)
	AppendMessage(answerDiscussionID string, msg domain.Message) (domain.Message, error)
	ListMessages(answerDiscussionID string) ([]domain.Message, error)
	SaveUserAnswer(answerDiscussionID, content string, status domain.UserAnswerStatus) (domain.UserAnswer, error)
	GetUserAnswer(answerDiscussionID string) (domain.UserAnswer, bool, error)
}

// Completer is the blocking completion path, normally *llm.Retrier.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.Options) (string, error)
}

type Config struct {
	// HistoryLimit caps how many earlier messages are sent to the model.
	HistoryLimit int
	Logger       *slog.Logger
}

// Thread is an answer discussion with its messages in creation order.
type Thread struct {
	Discussion domain.AnswerDiscussion `json:"discussion"`
	Messages   []domain.Message        `json:"messages"`
	UserAnswer *domain.UserAnswer      `json:"userAnswer,omitempty"`
}

// Service runs the per-question tutoring conversations.
type Service struct {
	store        Store
	llm          Completer
	historyLimit int
	logger       *slog.Logger
}

func NewService(st Store, completer Completer, cfg Config) (*Service, error) {
	if st == nil || completer == nil {
		return nil, errors.New("discussion service requires store and completer")
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, llm: completer, historyLimit: historyLimit, logger: logger}, nil
}

// Start opens the discussion of questionID with the user's first message and
// returns the thread including the assistant's reply. If the owner already
// discusses that question, the message is appended to the existing thread.
func (s *Service) Start(ctx context.Context, ownerID, caseID, questionID, firstMessage string) (Thread, error) {
	firstMessage = strings.TrimSpace(firstMessage)
	if firstMessage == "" {
		return Thread{}, ErrEmptyMessage
	}
	c, q, err := s.loadCaseQuestion(ownerID, caseID, questionID)
	if err != nil {
		return Thread{}, err
	}

	cd, found, err := s.store.GetCaseDiscussion(c.ID, ownerID)
	if err != nil {
		return Thread{}, fmt.Errorf("load case discussion: %w", err)
	}
	if found {
		ad, exists, err := s.store.FindAnswerDiscussion(cd.ID, q.ID)
		if err != nil {
			return Thread{}, fmt.Errorf("load answer discussion: %w", err)
		}
		if exists {
			return s.post(ctx, c, q, ad, firstMessage)
		}
	}

	ad, seed, err := s.store.StartAnswerDiscussion(c.ID, ownerID, q.ID, domain.Message{
		Role:    domain.RoleUser,
		Content: firstMessage,
	})
	if err != nil {
		return Thread{}, fmt.Errorf("start discussion: %w", err)
	}
	s.logger.Info("discussion_started", "case_id", c.ID, "question_id", q.ID, "answer_discussion_id", ad.ID)
	if _, err := s.reply(ctx, c, q, ad.ID); err != nil {
		return Thread{Discussion: ad, Messages: []domain.Message{seed}}, err
	}
	return s.thread(ad)
}

// Post appends a user message to an answer discussion and returns the
// thread including the assistant's reply.
func (s *Service) Post(ctx context.Context, ownerID, answerDiscussionID, content string) (Thread, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Thread{}, ErrEmptyMessage
	}
	ad, cd, err := s.loadDiscussion(ownerID, answerDiscussionID)
	if err != nil {
		return Thread{}, err
	}
	c, q, err := s.loadCaseQuestion(ownerID, cd.CaseID, ad.QuestionID)
	if err != nil {
		return Thread{}, err
	}
	return s.post(ctx, c, q, ad, content)
}

func (s *Service) post(ctx context.Context, c domain.Case, q domain.Question, ad domain.AnswerDiscussion, content string) (Thread, error) {
	if _, err := s.store.AppendMessage(ad.ID, domain.Message{Role: domain.RoleUser, Content: content}); err != nil {
		return Thread{}, fmt.Errorf("save user message: %w", err)
	}
	if _, err := s.reply(ctx, c, q, ad.ID); err != nil {
		th, terr := s.thread(ad)
		if terr != nil {
			return Thread{}, err
		}
		return th, err
	}
	return s.thread(ad)
}

// History returns the messages of an answer discussion in creation order.
func (s *Service) History(ctx context.Context, ownerID, answerDiscussionID string) (Thread, error) {
	ad, _, err := s.loadDiscussion(ownerID, answerDiscussionID)
	if err != nil {
		return Thread{}, err
	}
	return s.thread(ad)
}

// ListDiscussions returns the owner's answer discussions of a case, most
// recently active first.
func (s *Service) ListDiscussions(ctx context.Context, ownerID, caseID string) ([]domain.AnswerDiscussion, error) {
	c, found, err := s.store.GetCase(caseID)
	if err != nil {
		return nil, fmt.Errorf("load case: %w", err)
	}
	if !found || c.OwnerID != ownerID {
		return nil, ErrCaseNotFound
	}
	cd, found, err := s.store.GetCaseDiscussion(caseID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load case discussion: %w", err)
	}
	if !found {
		return []domain.AnswerDiscussion{}, nil
	}
	return s.store.ListAnswerDiscussions(cd.ID)
}

// SaveUserAnswer stores the user's condensed answer. A final answer marks
// the question answered.
func (s *Service) SaveUserAnswer(ctx context.Context, ownerID, answerDiscussionID, content string, final bool) (domain.UserAnswer, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.UserAnswer{}, ErrEmptyMessage
	}
	ad, _, err := s.loadDiscussion(ownerID, answerDiscussionID)
	if err != nil {
		return domain.UserAnswer{}, err
	}
	status := domain.AnswerInDiscussion
	if final {
		status = domain.AnswerFinal
	}
	ua, err := s.store.SaveUserAnswer(ad.ID, content, status)
	if err != nil {
		return domain.UserAnswer{}, fmt.Errorf("save user answer: %w", err)
	}
	s.logger.Info("user_answer_saved", "answer_discussion_id", ad.ID, "question_id", ad.QuestionID, "status", status)
	return ua, nil
}

func (s *Service) loadDiscussion(ownerID, answerDiscussionID string) (domain.AnswerDiscussion, domain.CaseDiscussion, error) {
	ad, cd, found, err := s.store.GetAnswerDiscussion(answerDiscussionID)
	if err != nil {
		return domain.AnswerDiscussion{}, domain.CaseDiscussion{}, fmt.Errorf("load answer discussion: %w", err)
	}
	if !found {
		return domain.AnswerDiscussion{}, domain.CaseDiscussion{}, ErrDiscussionNotFound
	}
	if cd.OwnerID != ownerID {
		return domain.AnswerDiscussion{}, domain.CaseDiscussion{}, ErrDiscussionForbidden
	}
	return ad, cd, nil
}

func (s *Service) loadCaseQuestion(ownerID, caseID, questionID string) (domain.Case, domain.Question, error) {
	c, found, err := s.store.GetCase(caseID)
	if err != nil {
		return domain.Case{}, domain.Question{}, fmt.Errorf("load case: %w", err)
	}
	if !found || c.OwnerID != ownerID {
		return domain.Case{}, domain.Question{}, ErrCaseNotFound
	}
	if c.Status != domain.CaseCompleted {
		return domain.Case{}, domain.Question{}, ErrCaseNotReady
	}
	q, questionCase, found, err := s.store.GetQuestion(questionID)
	if err != nil {
		return domain.Case{}, domain.Question{}, fmt.Errorf("load question: %w", err)
	}
	if !found || questionCase != c.ID {
		return domain.Case{}, domain.Question{}, ErrQuestionNotFound
	}
	return c, q, nil
}

func (s *Service) thread(ad domain.AnswerDiscussion) (Thread, error) {
	msgs, err := s.store.ListMessages(ad.ID)
	if err != nil {
		return Thread{}, fmt.Errorf("list messages: %w", err)
	}
	th := Thread{Discussion: ad, Messages: msgs}
	ua, found, err := s.store.GetUserAnswer(ad.ID)
	if err != nil {
		return Thread{}, fmt.Errorf("load user answer: %w", err)
	}
	if found {
		th.UserAnswer = &ua
	}
	return th, nil
}

// reply asks the model for the examiner's next turn and appends it.
func (s *Service) reply(ctx context.Context, c domain.Case, q domain.Question, answerDiscussionID string) (domain.Message, error) {
	history, err := s.store.ListMessages(answerDiscussionID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load history: %w", err)
	}
	if len(history) > s.historyLimit {
		history = history[len(history)-s.historyLimit:]
	}
	system, err := s.systemPrompt(c, q)
	if err != nil {
		return domain.Message{}, err
	}
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case domain.RoleAssistant:
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}

	text, err := s.llm.Complete(ctx, messages, llm.Options{})
	if err != nil {
		s.logger.Error("discussion_reply_failed", "answer_discussion_id", answerDiscussionID, "err", err)
		return domain.Message{}, fmt.Errorf("%w: %w", ErrAssistantReplyFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, fmt.Errorf("%w: empty response", ErrAssistantReplyFailed)
	}
	msg, err := s.store.AppendMessage(answerDiscussionID, domain.Message{Role: domain.RoleAssistant, Content: text})
	if err != nil {
		return domain.Message{}, fmt.Errorf("save assistant message: %w", err)
	}
	return msg, nil
}

func (s *Service) systemPrompt(c domain.Case, q domain.Question) (string, error) {
	examiner, found, err := s.store.GetPrompt(prompts.ExaminerAnswer)
	if err != nil {
		return "", fmt.Errorf("load prompt %s: %w", prompts.ExaminerAnswer, err)
	}
	base := examiner.Content
	if !found || strings.TrimSpace(base) == "" {
		base, _ = prompts.Fragment(prompts.ExaminerAnswer)
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nFalltext:\n")
	b.WriteString(c.Text)
	b.WriteString("\n\nPrüfungsfrage: ")
	b.WriteString(q.Text)
	if q.Context != "" {
		b.WriteString("\nKontext: ")
		b.WriteString(q.Context)
	}
	b.WriteString("\n\nMusterantwort (nicht wörtlich verraten): ")
	b.WriteString(q.LLMAnswer)
	b.WriteString("\n\nFühre das Prüfungsgespräch zu dieser Frage weiter. Gib Rückmeldung zur Antwort des Kandidaten und stelle bei Bedarf eine Nachfrage.")
	return b.String(), nil
}
