package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"exampilot/pkg/domain"
)

// GetCaseDiscussion returns the owner's discussion container for a case.
func (s *GormStore) GetCaseDiscussion(caseID, ownerID string) (domain.CaseDiscussion, bool, error) {
	var model CaseDiscussionModel
	if err := s.db.First(&model, "case_id = ? AND owner_id = ?", caseID, ownerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CaseDiscussion{}, false, nil
		}
		return domain.CaseDiscussion{}, false, storageErr(err)
	}
	return caseDiscussionFromModel(model), true, nil
}

// ListAnswerDiscussions returns the threads of a case discussion, most
// recently active first.
func (s *GormStore) ListAnswerDiscussions(caseDiscussionID string) ([]domain.AnswerDiscussion, error) {
	var models []AnswerDiscussionModel
	if err := s.db.Where("case_discussion_id = ?", caseDiscussionID).
		Order("last_message_at DESC").
		Find(&models).Error; err != nil {
		return nil, storageErr(err)
	}
	res := make([]domain.AnswerDiscussion, 0, len(models))
	for _, m := range models {
		res = append(res, answerDiscussionFromModel(m))
	}
	return res, nil
}

// FindAnswerDiscussion returns the thread about questionID, if any.
func (s *GormStore) FindAnswerDiscussion(caseDiscussionID, questionID string) (domain.AnswerDiscussion, bool, error) {
	var model AnswerDiscussionModel
	if err := s.db.First(&model, "case_discussion_id = ? AND question_id = ?", caseDiscussionID, questionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AnswerDiscussion{}, false, nil
		}
		return domain.AnswerDiscussion{}, false, storageErr(err)
	}
	return answerDiscussionFromModel(model), true, nil
}

// GetAnswerDiscussion returns a thread together with its parent.
func (s *GormStore) GetAnswerDiscussion(id string) (domain.AnswerDiscussion, domain.CaseDiscussion, bool, error) {
	var model AnswerDiscussionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AnswerDiscussion{}, domain.CaseDiscussion{}, false, nil
		}
		return domain.AnswerDiscussion{}, domain.CaseDiscussion{}, false, storageErr(err)
	}
	var parent CaseDiscussionModel
	if err := s.db.First(&parent, "id = ?", model.CaseDiscussionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.AnswerDiscussion{}, domain.CaseDiscussion{}, false, nil
		}
		return domain.AnswerDiscussion{}, domain.CaseDiscussion{}, false, storageErr(err)
	}
	return answerDiscussionFromModel(model), caseDiscussionFromModel(parent), true, nil
}

// StartAnswerDiscussion creates the case discussion (unless the owner already
// has one for the case), the answer discussion and its first message in one
// transaction.
func (s *GormStore) StartAnswerDiscussion(caseID, ownerID, questionID string, seed domain.Message) (domain.AnswerDiscussion, domain.Message, error) {
	if strings.TrimSpace(seed.Content) == "" {
		return domain.AnswerDiscussion{}, domain.Message{}, fmt.Errorf("seed message content required")
	}
	if seed.Role == "" {
		seed.Role = domain.RoleUser
	}
	now := time.Now().UTC()
	var ad AnswerDiscussionModel
	var msg MessageModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var parent CaseDiscussionModel
		err := tx.First(&parent, "case_id = ? AND owner_id = ?", caseID, ownerID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			parent = CaseDiscussionModel{
				ID:            newID(),
				CaseID:        caseID,
				OwnerID:       ownerID,
				CreatedAt:     now,
				LastMessageAt: now,
			}
			if err := tx.Create(&parent).Error; err != nil {
				return fmt.Errorf("create case discussion: %w", err)
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&CaseDiscussionModel{}).
				Where("id = ?", parent.ID).
				Update("last_message_at", now).Error; err != nil {
				return err
			}
		}

		var existing int64
		if err := tx.Model(&AnswerDiscussionModel{}).
			Where("case_discussion_id = ? AND question_id = ?", parent.ID, questionID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrDiscussionExists
		}
		ad = AnswerDiscussionModel{
			ID:               newID(),
			CaseDiscussionID: parent.ID,
			QuestionID:       questionID,
			CreatedAt:        now,
			LastMessageAt:    now,
		}
		if err := tx.Create(&ad).Error; err != nil {
			return fmt.Errorf("create answer discussion: %w", err)
		}
		msg = MessageModel{
			ID:                 newID(),
			AnswerDiscussionID: ad.ID,
			Role:               string(seed.Role),
			Content:            seed.Content,
			Position:           0,
			CreatedAt:          now,
		}
		if err := tx.Create(&msg).Error; err != nil {
			return fmt.Errorf("create seed message: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.AnswerDiscussion{}, domain.Message{}, storageErr(err)
	}
	return answerDiscussionFromModel(ad), messageFromModel(msg), nil
}

// AppendMessage adds msg at the end of a thread and bumps last_message_at on
// the thread and its case discussion. The thread row is locked while the next
// position is taken.
func (s *GormStore) AppendMessage(answerDiscussionID string, msg domain.Message) (domain.Message, error) {
	if msg.Role == "" {
		return domain.Message{}, fmt.Errorf("message role required")
	}
	now := time.Now().UTC()
	var model MessageModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ad AnswerDiscussionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&ad, "id = ?", answerDiscussionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("answer discussion %s: %w", answerDiscussionID, ErrNotFound)
			}
			return err
		}
		var next int
		if err := tx.Model(&MessageModel{}).
			Where("answer_discussion_id = ?", answerDiscussionID).
			Select("COALESCE(MAX(position), -1) + 1").
			Scan(&next).Error; err != nil {
			return err
		}
		model = MessageModel{
			ID:                 newID(),
			AnswerDiscussionID: answerDiscussionID,
			Role:               string(msg.Role),
			Content:            msg.Content,
			Position:           next,
			CreatedAt:          now,
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		if err := tx.Model(&AnswerDiscussionModel{}).
			Where("id = ?", ad.ID).
			Update("last_message_at", now).Error; err != nil {
			return err
		}
		return tx.Model(&CaseDiscussionModel{}).
			Where("id = ?", ad.CaseDiscussionID).
			Update("last_message_at", now).Error
	})
	if err != nil {
		return domain.Message{}, storageErr(err)
	}
	return messageFromModel(model), nil
}

// ListMessages returns a thread's messages in creation order.
func (s *GormStore) ListMessages(answerDiscussionID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := s.db.Where("answer_discussion_id = ?", answerDiscussionID).
		Order("position ASC").
		Find(&models).Error; err != nil {
		return nil, storageErr(err)
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		res = append(res, messageFromModel(m))
	}
	return res, nil
}

// SaveUserAnswer creates or replaces the single user answer of a thread and
// keeps the question's is_answered flag in step with a final status.
func (s *GormStore) SaveUserAnswer(answerDiscussionID, content string, status domain.UserAnswerStatus) (domain.UserAnswer, error) {
	if status != domain.AnswerInDiscussion && status != domain.AnswerFinal {
		return domain.UserAnswer{}, fmt.Errorf("invalid answer status %q", status)
	}
	now := time.Now().UTC()
	var model UserAnswerModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ad AnswerDiscussionModel
		if err := tx.First(&ad, "id = ?", answerDiscussionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("answer discussion %s: %w", answerDiscussionID, ErrNotFound)
			}
			return err
		}
		err := tx.First(&model, "answer_discussion_id = ?", answerDiscussionID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			model = UserAnswerModel{
				ID:                 newID(),
				AnswerDiscussionID: answerDiscussionID,
				QuestionID:         ad.QuestionID,
				Content:            content,
				Status:             string(status),
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("create user answer: %w", err)
			}
		case err != nil:
			return err
		default:
			model.Content = content
			model.Status = string(status)
			model.UpdatedAt = now
			if err := tx.Model(&UserAnswerModel{}).
				Where("id = ?", model.ID).
				Updates(map[string]any{
					"content":    content,
					"status":     string(status),
					"updated_at": now,
				}).Error; err != nil {
				return fmt.Errorf("update user answer: %w", err)
			}
		}
		return tx.Model(&QuestionModel{}).
			Where("id = ?", ad.QuestionID).
			Update("is_answered", status == domain.AnswerFinal).Error
	})
	if err != nil {
		return domain.UserAnswer{}, storageErr(err)
	}
	return userAnswerFromModel(model), nil
}

// GetUserAnswer returns the user answer of a thread.
func (s *GormStore) GetUserAnswer(answerDiscussionID string) (domain.UserAnswer, bool, error) {
	var model UserAnswerModel
	if err := s.db.First(&model, "answer_discussion_id = ?", answerDiscussionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.UserAnswer{}, false, nil
		}
		return domain.UserAnswer{}, false, storageErr(err)
	}
	return userAnswerFromModel(model), true, nil
}
