package cases

import (
	"context"
	"fmt"

	"exampilot/pkg/domain"
)

// GetCase returns ownerID's case. Cases of other owners are reported as not
// found.
func (o *Orchestrator) GetCase(ctx context.Context, ownerID, caseID string) (domain.Case, error) {
	c, ok, err := o.store.GetCase(caseID)
	if err != nil {
		return domain.Case{}, fmt.Errorf("load case %s: %w", caseID, err)
	}
	if !ok || c.OwnerID != ownerID {
		return domain.Case{}, ErrCaseNotFound
	}
	return c, nil
}

func (o *Orchestrator) ListCases(ctx context.Context, ownerID string) ([]domain.Case, error) {
	return o.store.ListCasesByOwner(ownerID)
}

// CaseQuestions reports a case's status and, once completed, its question
// sets.
func (o *Orchestrator) CaseQuestions(ctx context.Context, caseID string) (CaseQuestions, error) {
	c, ok, err := o.store.GetCase(caseID)
	if err != nil {
		return CaseQuestions{}, fmt.Errorf("load case %s: %w", caseID, err)
	}
	if !ok {
		return CaseQuestions{}, ErrCaseNotFound
	}
	res := CaseQuestions{CaseID: c.ID, Status: c.Status}
	if c.Status != domain.CaseCompleted {
		return res, nil
	}
	sets, err := o.store.ListQuestionSets(c.ID)
	if err != nil {
		return CaseQuestions{}, fmt.Errorf("list question sets: %w", err)
	}
	res.QuestionSets = sets
	return res, nil
}

// NextQuestion returns the first question of a completed case that has no
// final answer yet, optionally within one topic. ok is false when every
// question is answered.
func (o *Orchestrator) NextQuestion(ctx context.Context, ownerID, caseID, topic string) (domain.Question, bool, error) {
	c, err := o.GetCase(ctx, ownerID, caseID)
	if err != nil {
		return domain.Question{}, false, err
	}
	if c.Status != domain.CaseCompleted {
		return domain.Question{}, false, nil
	}
	open, err := o.store.ListQuestions(c.ID, topic, true)
	if err != nil {
		return domain.Question{}, false, fmt.Errorf("list open questions: %w", err)
	}
	if len(open) == 0 {
		return domain.Question{}, false, nil
	}
	return open[0], true, nil
}

// DeleteCase removes a case, everything it owns and its blob. Cases that
// are still being generated cannot be deleted.
func (o *Orchestrator) DeleteCase(ctx context.Context, ownerID, caseID string) error {
	c, err := o.GetCase(ctx, ownerID, caseID)
	if err != nil {
		return err
	}
	if c.Status == domain.CaseProcessing {
		return ErrCaseBusy
	}
	if err := o.store.DeleteCase(c.ID); err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	o.deleteBlob(ctx, c.StorageKey, o.logger.With("case_id", c.ID))
	o.logger.Info("case_deleted", "case_id", c.ID, "owner_id", ownerID)
	return nil
}
