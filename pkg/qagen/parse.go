package qagen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"exampilot/pkg/domain"
)

const (
	minQuestionLength = 10
	minAnswerLength   = 20

	// UnanswerableText replaces answers that fail validation.
	UnanswerableText = "Unable to generate a valid answer."
)

var requiredQuestionKeys = []string{"question", "difficulty", "keywords"}

var errNoJSON = errors.New("no json value in model output")

// RawQuestion is one decoded item of a model response, before validation.
type RawQuestion map[string]any

// Validation is the outcome of checking a RawQuestion. The question is usable
// only when Rejected is empty.
type Validation struct {
	Question domain.Question
	Rejected string
}

func (v Validation) OK() bool { return v.Rejected == "" }

func rejected(format string, args ...any) Validation {
	return Validation{Rejected: fmt.Sprintf(format, args...)}
}

// ParseQuestions locates the JSON payload in a model response and returns the
// items that carry every required key. Items missing a key are reported in
// dropped, not as an error.
func ParseQuestions(text string) (items []RawQuestion, dropped []string, err error) {
	value, err := decodeLoose(text)
	if err != nil {
		return nil, nil, err
	}
	var list []any
	switch v := value.(type) {
	case map[string]any:
		if qs, ok := v["questions"].([]any); ok {
			list = qs
		} else {
			list = []any{v}
		}
	case []any:
		list = v
	default:
		return nil, nil, fmt.Errorf("unexpected json %T in model output", value)
	}

	for i, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			dropped = append(dropped, fmt.Sprintf("item %d is not an object", i))
			continue
		}
		if missing := missingKeys(obj); len(missing) > 0 {
			dropped = append(dropped, fmt.Sprintf("item %d missing %s", i, strings.Join(missing, ", ")))
			continue
		}
		items = append(items, RawQuestion(obj))
	}
	return items, dropped, nil
}

func missingKeys(obj map[string]any) []string {
	var missing []string
	for _, key := range requiredQuestionKeys {
		if _, ok := obj[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// decodeLoose tries the whole text (code fences stripped), then the outermost
// {...} and [...] substrings.
func decodeLoose(text string) (any, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```JSON")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var out any
	if err := json.Unmarshal([]byte(cleaned), &out); err == nil {
		return out, nil
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(cleaned, pair[0])
		end := strings.LastIndex(cleaned, pair[1])
		if start < 0 || end <= start {
			continue
		}
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &out); err == nil {
			return out, nil
		}
	}
	return nil, errNoJSON
}

// ValidateQuestion checks length, difficulty and keywords of a raw item.
func ValidateQuestion(raw RawQuestion) Validation {
	text, ok := raw["question"].(string)
	if !ok {
		return rejected("question is %T, want string", raw["question"])
	}
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minQuestionLength {
		return rejected("question shorter than %d characters", minQuestionLength)
	}

	diffRaw, ok := raw["difficulty"].(string)
	if !ok {
		return rejected("difficulty is %T, want string", raw["difficulty"])
	}
	difficulty, ok := domain.ParseDifficulty(diffRaw)
	if !ok {
		return rejected("difficulty %q not one of leicht, mittel, schwer", diffRaw)
	}

	keywords, err := coerceKeywords(raw["keywords"])
	if err != nil {
		return rejected("keywords: %v", err)
	}

	q := domain.Question{
		Text:       text,
		Difficulty: difficulty,
		Keywords:   keywords,
	}
	if ctx, ok := raw["context"].(string); ok {
		q.Context = strings.TrimSpace(ctx)
	}
	return Validation{Question: q}
}

// coerceKeywords accepts a JSON array, a JSON-array string or a comma
// separated string.
func coerceKeywords(v any) ([]string, error) {
	switch kw := v.(type) {
	case []any:
		out := make([]string, 0, len(kw))
		for _, item := range kw {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("keyword is %T, want string", item)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	case string:
		s := strings.TrimSpace(kw)
		if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
			var list []string
			if err := json.Unmarshal([]byte(s), &list); err == nil {
				return coerceKeywords(toAnySlice(list))
			}
		}
		out := []string{}
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// validAnswer returns the trimmed answer or UnanswerableText.
func validAnswer(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minAnswerLength {
		return UnanswerableText, false
	}
	return text, true
}
