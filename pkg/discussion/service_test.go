package discussion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"exampilot/pkg/domain"
	"exampilot/pkg/llm"
	"exampilot/pkg/store"
)

type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]llm.Message
	err   error
}

func (f *fakeCompleter) Complete(_ context.Context, messages []llm.Message, _ llm.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if f.err != nil {
		return "", f.err
	}
	return "Prüfer: Bitte begründen Sie das genauer.", nil
}

type fixture struct {
	svc       *Service
	store     *store.GormStore
	llm       *fakeCompleter
	caseID    string
	questions []domain.Question
}

func newFixture(t *testing.T, status domain.CaseStatus) *fixture {
	t.Helper()
	st, err := store.NewGormStore("sqlite::memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.CreateCase(domain.Case{
		ID: "case-1", OwnerID: "user-1", Filename: "fall.pdf", StorageKey: "k",
		Text: "Patient, 52 Jahre, Schlafstörungen.", FileType: "pdf", FileSize: 1,
		CaseNumber: 1, Status: status,
	}); err != nil {
		t.Fatalf("create case: %v", err)
	}
	sets, err := st.SaveQuestionSets("case-1", []domain.QuestionSet{{
		PromptID: "diagnostic", PromptVersion: 1, Topic: "diagnostic",
		Questions: []domain.Question{
			{Text: "Welche Diagnose stellen Sie?", Context: "ICD-10", Difficulty: domain.DifficultyMedium, LLMAnswer: "F51.0 Nichtorganische Insomnie"},
			{Text: "Welche Therapie schlagen Sie vor?", Difficulty: domain.DifficultyHard, LLMAnswer: "Kognitive Verhaltenstherapie für Insomnie"},
		},
	}})
	if err != nil {
		t.Fatalf("save sets: %v", err)
	}
	fake := &fakeCompleter{}
	svc, err := NewService(st, fake, Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, store: st, llm: fake, caseID: "case-1", questions: sets[0].Questions}
}

func TestStartCreatesThreadWithReply(t *testing.T) {
	f := newFixture(t, domain.CaseCompleted)
	ctx := context.Background()

	th, err := f.svc.Start(ctx, "user-1", f.caseID, f.questions[0].ID, "Ich denke an eine Insomnie.")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(th.Messages) != 2 || th.Messages[0].Role != domain.RoleUser || th.Messages[1].Role != domain.RoleAssistant {
		t.Fatalf("unexpected messages: %+v", th.Messages)
	}
	call := f.llm.calls[0]
	if call[0].Role != llm.RoleSystem {
		t.Fatalf("expected system prompt first, got %+v", call[0])
	}
	for _, want := range []string{"Schlafstörungen", "Welche Diagnose stellen Sie?", "F51.0", "ICD-10"} {
		if !strings.Contains(call[0].Content, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}
	if len(call) != 2 || call[1].Content != "Ich denke an eine Insomnie." {
		t.Fatalf("unexpected history sent: %+v", call)
	}

	// Starting again on the same question continues the thread.
	again, err := f.svc.Start(ctx, "user-1", f.caseID, f.questions[0].ID, "Und F51.1?")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if again.Discussion.ID != th.Discussion.ID || len(again.Messages) != 4 {
		t.Fatalf("expected reuse of thread, got %+v", again)
	}
	if len(f.llm.calls[1]) != 4 {
		t.Fatalf("expected full history in second call, got %d messages", len(f.llm.calls[1]))
	}

	list, err := f.svc.ListDiscussions(ctx, "user-1", f.caseID)
	if err != nil || len(list) != 1 {
		t.Fatalf("list discussions: %+v err=%v", list, err)
	}
}

func TestPostAndHistoryOrder(t *testing.T) {
	f := newFixture(t, domain.CaseCompleted)
	ctx := context.Background()
	th, err := f.svc.Start(ctx, "user-1", f.caseID, f.questions[1].ID, "KVT-I")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.Post(ctx, "user-1", th.Discussion.ID, "Schlafrestriktion gehört dazu."); err != nil {
		t.Fatalf("post: %v", err)
	}
	hist, err := f.svc.History(ctx, "user-1", th.Discussion.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(hist.Messages))
	}
	for i, m := range hist.Messages {
		if m.Position != i {
			t.Fatalf("message %d has position %d", i, m.Position)
		}
	}
	if hist.Messages[2].Content != "Schlafrestriktion gehört dazu." {
		t.Fatalf("unexpected order: %+v", hist.Messages)
	}
	if _, err := f.svc.History(ctx, "user-2", th.Discussion.ID); !errors.Is(err, ErrDiscussionForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.svc.Post(ctx, "user-1", "missing", "x"); !errors.Is(err, ErrDiscussionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.Post(ctx, "user-1", th.Discussion.ID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
}

func TestReplyFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t, domain.CaseCompleted)
	f.llm.err = &llm.RateLimitError{Attempts: 5, Err: errors.New("429")}

	th, err := f.svc.Start(context.Background(), "user-1", f.caseID, f.questions[0].ID, "Erste Antwort")
	if !errors.Is(err, ErrAssistantReplyFailed) || !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("expected reply failure wrapping rate limit, got %v", err)
	}
	if th.Discussion.ID == "" || len(th.Messages) != 1 {
		t.Fatalf("expected thread with seed message, got %+v", th)
	}
}

func TestStartRequiresCompletedOwnedCase(t *testing.T) {
	f := newFixture(t, domain.CaseProcessing)
	ctx := context.Background()
	if _, err := f.svc.Start(ctx, "user-1", f.caseID, f.questions[0].ID, "x"); !errors.Is(err, ErrCaseNotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
	if _, err := f.svc.Start(ctx, "user-2", f.caseID, f.questions[0].ID, "x"); !errors.Is(err, ErrCaseNotFound) {
		t.Fatalf("expected not found for other owner, got %v", err)
	}
}

func TestStartRejectsQuestionOfOtherCase(t *testing.T) {
	f := newFixture(t, domain.CaseCompleted)
	if _, err := f.svc.Start(context.Background(), "user-1", f.caseID, "no-such-question", "x"); !errors.Is(err, ErrQuestionNotFound) {
		t.Fatalf("expected question not found, got %v", err)
	}
}

func TestSaveUserAnswerMarksQuestion(t *testing.T) {
	f := newFixture(t, domain.CaseCompleted)
	ctx := context.Background()
	th, err := f.svc.Start(ctx, "user-1", f.caseID, f.questions[0].ID, "Insomnie")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	draft, err := f.svc.SaveUserAnswer(ctx, "user-1", th.Discussion.ID, "Entwurf", false)
	if err != nil || draft.Status != domain.AnswerInDiscussion {
		t.Fatalf("save draft: %+v err=%v", draft, err)
	}
	final, err := f.svc.SaveUserAnswer(ctx, "user-1", th.Discussion.ID, "F51.0, da ...", true)
	if err != nil || final.Status != domain.AnswerFinal || final.ID != draft.ID {
		t.Fatalf("save final: %+v err=%v", final, err)
	}
	q, _, _, _ := f.store.GetQuestion(f.questions[0].ID)
	if !q.IsAnswered {
		t.Fatalf("expected question answered")
	}
	hist, _ := f.svc.History(ctx, "user-1", th.Discussion.ID)
	if hist.UserAnswer == nil || hist.UserAnswer.Content != "F51.0, da ..." {
		t.Fatalf("expected user answer in thread, got %+v", hist.UserAnswer)
	}
	if _, err := f.svc.SaveUserAnswer(ctx, "user-2", th.Discussion.ID, "x", true); !errors.Is(err, ErrDiscussionForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
