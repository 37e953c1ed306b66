package store

import (
	"encoding/json"
	"strings"

	"gorm.io/datatypes"

	"exampilot/pkg/domain"
)

func caseToModel(c domain.Case) CaseModel {
	var meta datatypes.JSON
	if len(c.Metadata) > 0 {
		if raw, err := json.Marshal(c.Metadata); err == nil {
			meta = datatypes.JSON(raw)
		}
	}
	return CaseModel{
		ID:         c.ID,
		OwnerID:    c.OwnerID,
		Filename:   c.Filename,
		StorageKey: c.StorageKey,
		Text:       c.Text,
		FileType:   c.FileType,
		FileSize:   c.FileSize,
		CaseNumber: c.CaseNumber,
		Status:     string(c.Status),
		Metadata:   meta,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func caseFromModel(m CaseModel) domain.Case {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Case{
		ID:         m.ID,
		OwnerID:    m.OwnerID,
		Filename:   m.Filename,
		StorageKey: m.StorageKey,
		Text:       m.Text,
		FileType:   m.FileType,
		FileSize:   m.FileSize,
		CaseNumber: m.CaseNumber,
		Status:     domain.CaseStatus(m.Status),
		Metadata:   meta,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func promptToModel(p domain.Prompt) PromptModel {
	return PromptModel{
		ID:             p.ID,
		Version:        p.Version,
		Type:           string(p.Type),
		Specialization: p.Specialization,
		Category:       p.Category,
		SubCategory:    p.SubCategory,
		Content:        p.Content,
		CreatedAt:      p.CreatedAt,
	}
}

func promptFromModel(m PromptModel) domain.Prompt {
	return domain.Prompt{
		ID:             m.ID,
		Version:        m.Version,
		Type:           domain.PromptType(m.Type),
		Specialization: m.Specialization,
		Category:       m.Category,
		SubCategory:    m.SubCategory,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

func questionSetToModel(s domain.QuestionSet, position int) QuestionSetModel {
	return QuestionSetModel{
		ID:            s.ID,
		CaseID:        s.CaseID,
		PromptID:      s.PromptID,
		PromptVersion: s.PromptVersion,
		Topic:         s.Topic,
		Position:      position,
		CreatedAt:     s.CreatedAt,
	}
}

func questionSetFromModel(m QuestionSetModel) domain.QuestionSet {
	return domain.QuestionSet{
		ID:            m.ID,
		CaseID:        m.CaseID,
		PromptID:      m.PromptID,
		PromptVersion: m.PromptVersion,
		Topic:         m.Topic,
		CreatedAt:     m.CreatedAt,
	}
}

func questionToModel(q domain.Question) QuestionModel {
	return QuestionModel{
		ID:            q.ID,
		QuestionSetID: q.QuestionSetID,
		Position:      q.Position,
		Text:          q.Text,
		Context:       q.Context,
		Difficulty:    string(q.Difficulty),
		Keywords:      encodeKeywords(q.Keywords),
		LLMAnswer:     q.LLMAnswer,
		IsAnswered:    q.IsAnswered,
		CreatedAt:     q.CreatedAt,
	}
}

func questionFromModel(m QuestionModel) domain.Question {
	return domain.Question{
		ID:            m.ID,
		QuestionSetID: m.QuestionSetID,
		Position:      m.Position,
		Text:          m.Text,
		Context:       m.Context,
		Difficulty:    domain.Difficulty(m.Difficulty),
		Keywords:      decodeKeywords(m.Keywords),
		LLMAnswer:     m.LLMAnswer,
		IsAnswered:    m.IsAnswered,
		CreatedAt:     m.CreatedAt,
	}
}

func encodeKeywords(keywords []string) string {
	if len(keywords) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(keywords)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func decodeKeywords(raw string) []string {
	raw = strings.TrimSpace(raw)
	out := []string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}
	}
	return out
}

func caseDiscussionFromModel(m CaseDiscussionModel) domain.CaseDiscussion {
	return domain.CaseDiscussion{
		ID:            m.ID,
		CaseID:        m.CaseID,
		OwnerID:       m.OwnerID,
		CreatedAt:     m.CreatedAt,
		LastMessageAt: m.LastMessageAt,
	}
}

func answerDiscussionFromModel(m AnswerDiscussionModel) domain.AnswerDiscussion {
	return domain.AnswerDiscussion{
		ID:               m.ID,
		CaseDiscussionID: m.CaseDiscussionID,
		QuestionID:       m.QuestionID,
		CreatedAt:        m.CreatedAt,
		LastMessageAt:    m.LastMessageAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:                 m.ID,
		AnswerDiscussionID: m.AnswerDiscussionID,
		Role:               domain.MessageRole(m.Role),
		Content:            m.Content,
		Position:           m.Position,
		CreatedAt:          m.CreatedAt,
	}
}

func userAnswerFromModel(m UserAnswerModel) domain.UserAnswer {
	return domain.UserAnswer{
		ID:                 m.ID,
		AnswerDiscussionID: m.AnswerDiscussionID,
		QuestionID:         m.QuestionID,
		Content:            m.Content,
		Status:             domain.UserAnswerStatus(m.Status),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}
