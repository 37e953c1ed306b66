package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"exampilot/pkg/domain"
)

// SeedPrompts inserts prompts when the catalog is empty and reports how many
// rows were written.
func (s *GormStore) SeedPrompts(prompts []domain.Prompt) (int, error) {
	inserted := 0
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&PromptModel{}).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 || len(prompts) == 0 {
			return nil
		}
		now := time.Now().UTC()
		models := make([]PromptModel, 0, len(prompts))
		for _, p := range prompts {
			if p.Version <= 0 {
				p.Version = 1
			}
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now
			}
			models = append(models, promptToModel(p))
		}
		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("seed prompts: %w", err)
		}
		inserted = len(models)
		return nil
	})
	return inserted, storageErr(err)
}

// ListPrompts returns the latest version of every prompt ordered by id.
func (s *GormStore) ListPrompts() ([]domain.Prompt, error) {
	return s.latestPrompts(false)
}

// ListTopicPrompts returns the latest version of every non-instruction prompt.
func (s *GormStore) ListTopicPrompts() ([]domain.Prompt, error) {
	return s.latestPrompts(true)
}

func (s *GormStore) latestPrompts(topicsOnly bool) ([]domain.Prompt, error) {
	var models []PromptModel
	if err := s.db.Order("id ASC").Order("version DESC").Find(&models).Error; err != nil {
		return nil, storageErr(err)
	}
	res := make([]domain.Prompt, 0, len(models))
	var last string
	for _, m := range models {
		if m.ID == last {
			continue
		}
		last = m.ID
		if topicsOnly && m.Type == string(domain.PromptInstruction) {
			continue
		}
		res = append(res, promptFromModel(m))
	}
	return res, nil
}

// GetPrompt returns the latest version of a prompt.
func (s *GormStore) GetPrompt(id string) (domain.Prompt, bool, error) {
	var model PromptModel
	if err := s.db.Where("id = ?", id).Order("version DESC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Prompt{}, false, nil
		}
		return domain.Prompt{}, false, storageErr(err)
	}
	return promptFromModel(model), true, nil
}

// CreatePromptVersion stores p as the next version of its id. Existing rows
// are never modified, so question sets keep pointing at the text that
// produced them.
func (s *GormStore) CreatePromptVersion(p domain.Prompt) (domain.Prompt, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return domain.Prompt{}, fmt.Errorf("%w: id required", ErrInvalidPrompt)
	}
	if strings.TrimSpace(p.Content) == "" {
		return domain.Prompt{}, fmt.Errorf("%w: content required", ErrInvalidPrompt)
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var current int
		if err := tx.Model(&PromptModel{}).
			Where("id = ?", p.ID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&current).Error; err != nil {
			return err
		}
		if p.Type == "" {
			var prev PromptModel
			if err := tx.Where("id = ? AND version = ?", p.ID, current).First(&prev).Error; err == nil {
				p.Type = domain.PromptType(prev.Type)
			}
		}
		if p.Type == "" {
			return fmt.Errorf("%w: type required", ErrInvalidPrompt)
		}
		p.Version = current + 1
		p.CreatedAt = time.Now().UTC()
		model := promptToModel(p)
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Prompt{}, storageErr(err)
	}
	return p, nil
}
