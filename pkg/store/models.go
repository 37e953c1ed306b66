package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Children reference their parent by id
// only; there are no back-references.
type CaseModel struct {
	ID         string `gorm:"primaryKey"`
	OwnerID    string `gorm:"not null;index"`
	Filename   string `gorm:"not null"`
	StorageKey string `gorm:"not null"`
	Text       string `gorm:"type:text"`
	FileType   string `gorm:"not null"`
	FileSize   int64  `gorm:"not null"`
	CaseNumber int    `gorm:"not null"`
	Status     string `gorm:"not null;index"`
	Metadata   datatypes.JSON
	CreatedAt  time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type PromptModel struct {
	ID             string `gorm:"primaryKey"`
	Version        int    `gorm:"primaryKey;autoIncrement:false"`
	Type           string `gorm:"not null;index"`
	Specialization string
	Category       string
	SubCategory    string
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

type QuestionSetModel struct {
	ID            string    `gorm:"primaryKey"`
	CaseID        string    `gorm:"not null;index"`
	PromptID      string    `gorm:"not null"`
	PromptVersion int       `gorm:"not null"`
	Topic         string    `gorm:"not null;index"`
	Position      int       `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

type QuestionModel struct {
	ID            string `gorm:"primaryKey"`
	QuestionSetID string `gorm:"not null;index"`
	Position      int    `gorm:"not null"`
	Text          string `gorm:"type:text;not null"`
	Context       string `gorm:"type:text"`
	Difficulty    string `gorm:"not null"`
	// Keywords is a JSON-encoded string list.
	Keywords   string    `gorm:"type:text;not null"`
	LLMAnswer  string    `gorm:"type:text"`
	IsAnswered bool      `gorm:"not null;default:false"`
	CreatedAt  time.Time `gorm:"not null"`
}

type CaseDiscussionModel struct {
	ID            string    `gorm:"primaryKey"`
	CaseID        string    `gorm:"not null;uniqueIndex:idx_case_discussion_owner"`
	OwnerID       string    `gorm:"not null;uniqueIndex:idx_case_discussion_owner"`
	CreatedAt     time.Time `gorm:"not null"`
	LastMessageAt time.Time `gorm:"not null"`
}

type AnswerDiscussionModel struct {
	ID               string    `gorm:"primaryKey"`
	CaseDiscussionID string    `gorm:"not null;uniqueIndex:idx_answer_discussion_question"`
	QuestionID       string    `gorm:"not null;uniqueIndex:idx_answer_discussion_question"`
	CreatedAt        time.Time `gorm:"not null"`
	LastMessageAt    time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID                 string    `gorm:"primaryKey"`
	AnswerDiscussionID string    `gorm:"not null;uniqueIndex:idx_message_position"`
	Role               string    `gorm:"not null"`
	Content            string    `gorm:"type:text;not null"`
	Position           int       `gorm:"not null;uniqueIndex:idx_message_position"`
	CreatedAt          time.Time `gorm:"not null;index"`
}

type UserAnswerModel struct {
	ID                 string    `gorm:"primaryKey"`
	AnswerDiscussionID string    `gorm:"not null;uniqueIndex"`
	QuestionID         string    `gorm:"not null;index"`
	Content            string    `gorm:"type:text;not null"`
	Status             string    `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}
