package store

import (
	"exampilot/pkg/domain"
)

// Store defines persistence operations for cases, prompts, question sets and
// discussions. Lookups return found=false rather than an error when absent.
type Store interface {
	// cases
	CreateCase(domain.Case) error
	GetCase(id string) (domain.Case, bool, error)
	ListCasesByOwner(ownerID string) ([]domain.Case, error)
	// SetCaseStatus moves a case from one status to the next and fails with
	// ErrStatusConflict if the stored status is not from.
	SetCaseStatus(id string, from, to domain.CaseStatus) error
	// DeleteCase removes a case and everything it owns.
	DeleteCase(id string) error

	// question sets
	SaveQuestionSets(caseID string, sets []domain.QuestionSet) ([]domain.QuestionSet, error)
	ListQuestionSets(caseID string) ([]domain.QuestionSet, error)
	ListQuestions(caseID, topic string, unansweredOnly bool) ([]domain.Question, error)
	GetQuestion(id string) (domain.Question, string, bool, error)

	// prompts
	SeedPrompts(prompts []domain.Prompt) (int, error)
	ListPrompts() ([]domain.Prompt, error)
	ListTopicPrompts() ([]domain.Prompt, error)
	GetPrompt(id string) (domain.Prompt, bool, error)
	CreatePromptVersion(p domain.Prompt) (domain.Prompt, error)

	// discussions
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
