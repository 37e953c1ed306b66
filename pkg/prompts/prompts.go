// Package prompts holds the built-in examiner prompt catalog used to seed the
// store and as a fallback for missing instruction fragments.
package prompts

import "exampilot/pkg/domain"

// Instruction fragment ids.
const (
	ExaminerQuestion      = "examiner_prompt_question"
	ExaminerAnswer        = "examiner_prompt_answer"
	OutputFormatQuestions = "output_format_questions"
	OutputFormatAnswers   = "output_format_answers"
)

const (
	SpecializationGeneral         = "allgemein"
	SpecializationDepthPsychology = "tiefenpsychologie"
)

const examinerRole = "Du bist ein erfahrener Prüfer für die mündliche Psychotherapie-Approbationsprüfung in Deutschland. "

const examinerGoals = "Diese Prüfungsfragen sollen: " +
	"- Die Theorie und praktische Anwendung psychotherapeutischer Konzepte prüfen " +
	"- Den typischen Stil und Schwierigkeitsgrad einer realen Approbationsprüfung widerspiegeln " +
	"- Sowohl Faktenwissen als auch klinisches Urteilsvermögen und Reflexionsfähigkeit abfragen " +
	"- Einen fachlichen Dialog zwischen Prüfer und Kandidat ermöglichen, der die klinische Kompetenz des Kandidaten zeigt " +
	"- Die Begründung diagnostischer und therapeutischer Entscheidungen erfragen " +
	"- So formuliert sein, wie sie von einem Prüfungsausschussmitglied tatsächlich gestellt werden könnten " +
	"- Verschiedene Komplexitätsebenen abdecken (von grundlegenden Fragen bis zu anspruchsvollen Fallkonzeptualisierungen) " +
	"Orientiere dich an tatsächlichen Prüfungssituationen, in denen der Kandidat seinen Fall darstellt und von zwei Prüfern dazu befragt wird."

var fragments = map[string]string{
	ExaminerQuestion: examinerRole +
		"Deine Aufgabe ist es, realistische Prüfungsfragen zu einem psychotherapeutischen Fallbericht zu erstellen. " +
		examinerGoals +
		"Bitte formuliere nun 3 Fragen zu dem Fall (eine leicht, eine mittel und eine schwer), nehme dabei folgendes Themengebiet in den Fokus: ",
	ExaminerAnswer: examinerRole +
		"Deine Aufgabe ist es, eine Antwort auf eine Prüfungsfrage zu einem psychotherapeutischen Fallbericht zu erstellen. " +
		examinerGoals +
		"Bitte formuliere nun eine Antwort auf die oben genannte Frage: ",
	OutputFormatQuestions: "Gib deine Antwort als JSON-Objekt mit dem Schlüssel 'questions' zurück, das ein Array von Fragen enthält. " +
		"Jede Frage sollte ein separates JSON-Objekt sein mit folgender Struktur: " +
		"{ " +
		"  'question': 'Die vollständige Fragestellung', " +
		"  'context': 'Optionaler Kontext oder Hintergrundinfo zur Frage', " +
		"  'difficulty': 'Einschätzung des Schwierigkeitsgrads (leicht, mittel, schwer)', " +
		"  'keywords': ['Schlüsselwort1', 'Schlüsselwort2', ...] " +
		"} " +
		"Formatiere das JSON korrekt, damit es direkt maschinell verarbeitet werden kann.",
	OutputFormatAnswers: "Gib deine Antwort als einfachen Text zurück. ",
}

var topics = []domain.Prompt{
	{
		ID:             "diagnostic",
		Type:           domain.PromptSimple,
		Specialization: SpecializationGeneral,
		Content: "Analysiere den Fall und erstelle eine oder mehrere Fragen zu dem Fall, welche die Diagnostik und Differentialdiagnose betreffen: " +
			"- Fragen zur verwendeten Diagnostik ('Welche Diagnostikverfahren haben Sie verwendet?') " +
			"- Begründung von Diagnosen und Ausschlussdiagnosen ('Warum haben Sie die Diagnose xy ausgeschlossen?') " +
			"- Nachweis der Beherrschung von Anamnesentechnik und psychodiagnostischen Untersuchungsmethoden " +
			"- Beurteilung der Ergebnisse diagnostischer Verfahren " +
			"- Gewichtung unterschiedlicher Informationen für die Diagnosestellung " +
			"Achte dabei auf Testverfahren, Klassifikationssysteme (ICD/DSM) und Ausschlussdiagnosen.\n\n",
	},
	{
		ID:             "personal_learnings",
		Type:           domain.PromptSimple,
		Specialization: SpecializationGeneral,
		Content: "Analysiere den Fall und erstelle eine oder mehrere Fragen zu dem Fall, welche das persönliche Lernen betreffen: " +
			"- Reflexion über eigene therapeutische Entwicklung anhand des Falls " +
			"- Herausforderungen und deren Bewältigung " +
			"- Erkenntnisse für zukünftige Behandlungen " +
			"- Supervision und deren Einfluss auf den Behandlungsprozess\n\n",
	},
	{
		ID:             "structure_defense_mechanisms",
		Type:           domain.PromptComplex,
		Specialization: SpecializationDepthPsychology,
		Category:       "structure",
		SubCategory:    "defense_mechanisms",
		Content: "Abwehrmechanismen und deren diagnostische Einordnung: " +
			"- Hierarchie der Abwehrmechanismen nach Anna Freud " +
			"- Reife, neurotische und unreife/primitive Abwehrmechanismen " +
			"- Strukturspezifische Abwehrmuster: Spaltung (niedrig), Idealisierung/Entwertung (mittel), Verdrängung (hoch), Sublimierung (reif) " +
			"- Funktion der Abwehr zum Schutz des psychischen Gleichgewichts " +
			"- Abwehranalyse als therapeutisches Instrument " +
			"- Veränderung der Abwehrmechanismen im therapeutischen Prozess\n\n",
	},
}

// Fragment returns the built-in text of an instruction fragment.
func Fragment(id string) (string, bool) {
	text, ok := fragments[id]
	return text, ok
}

// Defaults returns the seed catalog: instruction fragments first, then topics.
// Every entry is version 1.
func Defaults() []domain.Prompt {
	out := make([]domain.Prompt, 0, len(fragments)+len(topics))
	for _, id := range []string{ExaminerQuestion, ExaminerAnswer, OutputFormatQuestions, OutputFormatAnswers} {
		out = append(out, domain.Prompt{
			ID:      id,
			Version: 1,
			Type:    domain.PromptInstruction,
			Content: fragments[id],
		})
	}
	for _, p := range topics {
		p.Version = 1
		out = append(out, p)
	}
	return out
}
