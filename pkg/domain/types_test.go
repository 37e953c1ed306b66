package domain

import "testing"

func TestCaseStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to CaseStatus
		want     bool
	}{
		{CaseUploaded, CaseProcessing, true},
		{CaseUploaded, CaseCompleted, false},
		{CaseUploaded, CaseFailed, false},
		{CaseProcessing, CaseCompleted, true},
		{CaseProcessing, CaseFailed, true},
		{CaseProcessing, CaseUploaded, false},
		{CaseCompleted, CaseFailed, false},
		{CaseFailed, CaseProcessing, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseDifficulty(t *testing.T) {
	if d, ok := ParseDifficulty("  Mittel "); !ok || d != DifficultyMedium {
		t.Fatalf("ParseDifficulty(Mittel) = %q, %v", d, ok)
	}
	if _, ok := ParseDifficulty("easy"); ok {
		t.Fatalf("expected english label to be rejected")
	}
}

func TestPromptTopic(t *testing.T) {
	p := Prompt{ID: "structure_defense_mechanisms", Category: "structure", SubCategory: "defense_mechanisms"}
	if p.Topic() != "structure_defense_mechanisms" {
		t.Fatalf("Topic() = %q", p.Topic())
	}
	if (Prompt{ID: "diagnostic"}).Topic() != "diagnostic" {
		t.Fatalf("topic should fall back to prompt id")
	}
}
