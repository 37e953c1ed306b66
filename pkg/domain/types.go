package domain

import (
	"strings"
	"time"
)

// CaseStatus tracks the generation lifecycle of an uploaded case.
type CaseStatus string

const (
	CaseUploaded   CaseStatus = "uploaded"
	CaseProcessing CaseStatus = "processing"
	CaseCompleted  CaseStatus = "completed"
	CaseFailed     CaseStatus = "failed"
)

// CanTransition reports whether a case may move from s to next.
// uploaded -> processing -> completed|failed; completed and failed are terminal.
func (s CaseStatus) CanTransition(next CaseStatus) bool {
	switch s {
	case CaseUploaded:
		return next == CaseProcessing
	case CaseProcessing:
		return next == CaseCompleted || next == CaseFailed
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s CaseStatus) Terminal() bool {
	return s == CaseCompleted || s == CaseFailed
}

// Difficulty is the three-step ordinal used for exam questions.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "leicht"
	DifficultyMedium Difficulty = "mittel"
	DifficultyHard   Difficulty = "schwer"
)

// ParseDifficulty normalizes s case-insensitively.
func ParseDifficulty(s string) (Difficulty, bool) {
	switch d := Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d, true
	default:
		return "", false
	}
}

// PromptType separates instruction fragments from topic prompts.
type PromptType string

const (
	PromptInstruction PromptType = "instruction"
	PromptSimple      PromptType = "simple"
	PromptComplex     PromptType = "complex"
)

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type UserAnswerStatus string

const (
	AnswerInDiscussion UserAnswerStatus = "in_discussion"
	AnswerFinal        UserAnswerStatus = "final"
)

// Case is an uploaded exam case report.
type Case struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"ownerId"`
	Filename   string            `json:"filename"`
	StorageKey string            `json:"-"`
	Text       string            `json:"-"`
	FileType   string            `json:"fileType"`
	FileSize   int64             `json:"fileSize"`
	CaseNumber int               `json:"caseNumber"`
	Status     CaseStatus        `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Prompt is one immutable version of a stored instruction template.
type Prompt struct {
	ID             string     `json:"id"`
	Version        int        `json:"version"`
	Type           PromptType `json:"type"`
	Specialization string     `json:"specialization,omitempty"`
	Category       string     `json:"category,omitempty"`
	SubCategory    string     `json:"subCategory,omitempty"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Topic is the label a question set is grouped under.
func (p Prompt) Topic() string {
	if p.Category != "" && p.SubCategory != "" {
		return p.Category + "_" + p.SubCategory
	}
	return p.ID
}

// QuestionSet groups the questions one prompt version produced for one case.
type QuestionSet struct {
	ID            string     `json:"id"`
	CaseID        string     `json:"caseId"`
	PromptID      string     `json:"promptId"`
	PromptVersion int        `json:"promptVersion"`
	Topic         string     `json:"topic"`
	Questions     []Question `json:"questions"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type Question struct {
	ID            string     `json:"id"`
	QuestionSetID string     `json:"questionSetId"`
	Position      int        `json:"position"`
	Text          string     `json:"question"`
	Context       string     `json:"context,omitempty"`
	Difficulty    Difficulty `json:"difficulty"`
	Keywords      []string   `json:"keywords"`
	LLMAnswer     string     `json:"answer,omitempty"`
	IsAnswered    bool       `json:"isAnswered"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// CaseDiscussion is the per-owner discussion container of a case.
type CaseDiscussion struct {
	ID            string    `json:"id"`
	CaseID        string    `json:"caseId"`
	OwnerID       string    `json:"ownerId"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// AnswerDiscussion is the thread about a single question.
type AnswerDiscussion struct {
	ID               string    `json:"id"`
	CaseDiscussionID string    `json:"caseDiscussionId"`
	QuestionID       string    `json:"questionId"`
	CreatedAt        time.Time `json:"createdAt"`
	LastMessageAt    time.Time `json:"lastMessageAt"`
}

type Message struct {
	ID                 string      `json:"id"`
	AnswerDiscussionID string      `json:"answerDiscussionId"`
	Role               MessageRole `json:"role"`
	Content            string      `json:"content"`
	Position           int         `json:"position"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// UserAnswer is the user's condensed answer; at most one per answer discussion.
type UserAnswer struct {
	ID                 string           `json:"id"`
	AnswerDiscussionID string           `json:"answerDiscussionId"`
	QuestionID         string           `json:"questionId"`
	Content            string           `json:"content"`
	Status             UserAnswerStatus `json:"status"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}
