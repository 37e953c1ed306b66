package prompts

import (
	"testing"

	"exampilot/pkg/domain"
)

func TestDefaultsSeparateInstructionsFromTopics(t *testing.T) {
	seen := map[string]bool{}
	topicCount := 0
	for _, p := range Defaults() {
		if seen[p.ID] {
			t.Fatalf("duplicate prompt id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Version != 1 {
			t.Fatalf("%s: version = %d, want 1", p.ID, p.Version)
		}
		if p.Content == "" {
			t.Fatalf("%s: empty content", p.ID)
		}
		if p.Type != domain.PromptInstruction {
			topicCount++
		}
	}
	for _, id := range []string{ExaminerQuestion, ExaminerAnswer, OutputFormatQuestions, OutputFormatAnswers} {
		if !seen[id] {
			t.Fatalf("missing instruction fragment %q", id)
		}
	}
	if topicCount == 0 {
		t.Fatalf("expected topic prompts in the seed")
	}
}

func TestFragmentLookup(t *testing.T) {
	if _, ok := Fragment(ExaminerAnswer); !ok {
		t.Fatalf("examiner answer fragment missing")
	}
	if _, ok := Fragment("personal_learnings"); ok {
		t.Fatalf("topic prompts are not fragments")
	}
}
