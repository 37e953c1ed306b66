package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"exampilot/pkg/domain"
)

// SaveQuestionSets stores every set and its questions in one transaction:
// each parent row is inserted before its children are attached to its id.
// Any failure rolls back all sets.
func (s *GormStore) SaveQuestionSets(caseID string, sets []domain.QuestionSet) ([]domain.QuestionSet, error) {
	now := time.Now().UTC()
	saved := make([]domain.QuestionSet, len(sets))
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for i, set := range sets {
			if set.ID == "" {
				set.ID = newID()
			}
			set.CaseID = caseID
			set.CreatedAt = now
			setModel := questionSetToModel(set, i)
			if err := tx.Create(&setModel).Error; err != nil {
				return fmt.Errorf("create question set %s: %w", set.PromptID, err)
			}

			questions := make([]domain.Question, len(set.Questions))
			models := make([]QuestionModel, 0, len(set.Questions))
			for j, q := range set.Questions {
				if q.ID == "" {
					q.ID = newID()
				}
				q.QuestionSetID = set.ID
				q.Position = j
				q.CreatedAt = now
				if q.Keywords == nil {
					q.Keywords = []string{}
				}
				questions[j] = q
				models = append(models, questionToModel(q))
			}
			if len(models) > 0 {
				if err := tx.CreateInBatches(&models, 200).Error; err != nil {
					return fmt.Errorf("create questions for set %s: %w", set.PromptID, err)
				}
			}
			set.Questions = questions
			saved[i] = set
		}
		return nil
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return saved, nil
}

// ListQuestionSets returns a case's sets in generation order with their
// questions in model-output order.
func (s *GormStore) ListQuestionSets(caseID string) ([]domain.QuestionSet, error) {
	var setModels []QuestionSetModel
	if err := s.db.Where("case_id = ?", caseID).Order("position ASC").Find(&setModels).Error; err != nil {
		return nil, storageErr(err)
	}
	if len(setModels) == 0 {
		return []domain.QuestionSet{}, nil
	}
	ids := make([]string, 0, len(setModels))
	for _, m := range setModels {
		ids = append(ids, m.ID)
	}
	var questionModels []QuestionModel
	if err := s.db.Where("question_set_id IN ?", ids).Order("position ASC").Find(&questionModels).Error; err != nil {
		return nil, storageErr(err)
	}
	bySet := make(map[string][]domain.Question, len(setModels))
	for _, m := range questionModels {
		bySet[m.QuestionSetID] = append(bySet[m.QuestionSetID], questionFromModel(m))
	}
	sets := make([]domain.QuestionSet, 0, len(setModels))
	for _, m := range setModels {
		set := questionSetFromModel(m)
		set.Questions = bySet[m.ID]
		if set.Questions == nil {
			set.Questions = []domain.Question{}
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// ListQuestions returns the questions of a case, optionally narrowed to one
// topic and to questions without a final user answer.
func (s *GormStore) ListQuestions(caseID, topic string, unansweredOnly bool) ([]domain.Question, error) {
	query := s.db.Model(&QuestionModel{}).
		Select("question_models.*").
		Joins("JOIN question_set_models ON question_set_models.id = question_models.question_set_id").
		Where("question_set_models.case_id = ?", caseID)
	if topic != "" {
		query = query.Where("question_set_models.topic = ?", topic)
	}
	if unansweredOnly {
		query = query.Where("question_models.is_answered = ?", false)
	}
	var models []QuestionModel
	if err := query.
		Order("question_set_models.position ASC").
		Order("question_models.position ASC").
		Find(&models).Error; err != nil {
		return nil, storageErr(err)
	}
	res := make([]domain.Question, 0, len(models))
	for _, m := range models {
		res = append(res, questionFromModel(m))
	}
	return res, nil
}

// GetQuestion returns a question and the id of the case owning it.
func (s *GormStore) GetQuestion(id string) (domain.Question, string, bool, error) {
	var model QuestionModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Question{}, "", false, nil
		}
		return domain.Question{}, "", false, storageErr(err)
	}
	var set QuestionSetModel
	if err := s.db.First(&set, "id = ?", model.QuestionSetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Question{}, "", false, nil
		}
		return domain.Question{}, "", false, storageErr(err)
	}
	return questionFromModel(model), set.CaseID, true, nil
}
