package qagen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"exampilot/pkg/domain"
	"exampilot/pkg/llm"
	"exampilot/pkg/prompts"
)

const (
	DefaultPromptConcurrency = 3
	DefaultAnswerConcurrency = 2
)

var (
	ErrEmptyCaseText = errors.New("case text is empty")
	ErrEmptyCatalog  = errors.New("prompt catalog has no topic prompts")
)

// Catalog is the read side of the prompt store.
type Catalog interface {
	ListTopicPrompts() ([]domain.Prompt, error)
	GetPrompt(id string) (domain.Prompt, bool, error)
}

// Completer is the non-blocking completion path, normally *llm.Retrier.
type Completer interface {
	CompleteAsync(ctx context.Context, messages []llm.Message, opts llm.Options) <-chan llm.Result
}

type Config struct {
	PromptConcurrency int
	AnswerConcurrency int
	Logger            *slog.Logger
}

// PromptResult holds the validated questions, each with its answer, that one
// topic prompt produced. Questions keep the order of the model output.
type PromptResult struct {
	Prompt    domain.Prompt
	Questions []domain.Question
}

// SkippedPrompt is a prompt whose task failed as a whole.
type SkippedPrompt struct {
	Prompt domain.Prompt
	Err    error
}

// Batch is the outcome of GenerateAll. Results follow catalog order and
// include prompts that produced no questions.
type Batch struct {
	Results []PromptResult
	Skipped []SkippedPrompt
}

func (b Batch) TotalQuestions() int {
	n := 0
	for _, r := range b.Results {
		n += len(r.Questions)
	}
	return n
}

// SkippedErr joins the errors of all skipped prompts, nil if none.
func (b Batch) SkippedErr() error {
	errs := make([]error, 0, len(b.Skipped))
	for _, s := range b.Skipped {
		errs = append(errs, fmt.Errorf("prompt %s: %w", s.Prompt.ID, s.Err))
	}
	return errors.Join(errs...)
}

// Generator turns case text into questions and answers for every topic prompt.
type Generator struct {
	catalog Catalog
	llm     Completer
	cfg     Config
}

func NewGenerator(catalog Catalog, completer Completer, cfg Config) *Generator {
	if cfg.PromptConcurrency <= 0 {
		cfg.PromptConcurrency = DefaultPromptConcurrency
	}
	if cfg.AnswerConcurrency <= 0 {
		cfg.AnswerConcurrency = DefaultAnswerConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Generator{catalog: catalog, llm: completer, cfg: cfg}
}

type instructions struct {
	examinerQuestion string
	examinerAnswer   string
	formatQuestions  string
	formatAnswers    string
}

// GenerateAll runs every topic prompt against caseText. At most
// PromptConcurrency prompts and, per prompt, AnswerConcurrency answers are in
// flight. Failures of single prompts or questions are absorbed; only catalog
// errors are returned.
func (g *Generator) GenerateAll(ctx context.Context, caseText string) (Batch, error) {
	if strings.TrimSpace(caseText) == "" {
		return Batch{}, ErrEmptyCaseText
	}
	topics, err := g.catalog.ListTopicPrompts()
	if err != nil {
		return Batch{}, fmt.Errorf("load prompt catalog: %w", err)
	}
	if len(topics) == 0 {
		return Batch{}, ErrEmptyCatalog
	}
	instr, err := g.loadInstructions()
	if err != nil {
		return Batch{}, err
	}

	type outcome struct {
		questions []domain.Question
		err       error
	}
	outcomes := make([]outcome, len(topics))

	var group errgroup.Group
	group.SetLimit(g.cfg.PromptConcurrency)
	for i, prompt := range topics {
		group.Go(func() error {
			questions, err := g.runPrompt(ctx, instr, prompt, caseText)
			outcomes[i] = outcome{questions: questions, err: err}
			return nil
		})
	}
	_ = group.Wait()

	var batch Batch
	for i, prompt := range topics {
		if err := outcomes[i].err; err != nil {
			batch.Skipped = append(batch.Skipped, SkippedPrompt{Prompt: prompt, Err: err})
			continue
		}
		batch.Results = append(batch.Results, PromptResult{Prompt: prompt, Questions: outcomes[i].questions})
	}
	g.cfg.Logger.Info("question generation finished",
		"prompts", len(topics),
		"skipped", len(batch.Skipped),
		"questions", batch.TotalQuestions(),
	)
	return batch, nil
}

func (g *Generator) loadInstructions() (instructions, error) {
	load := func(id string) (string, error) {
		p, found, err := g.catalog.GetPrompt(id)
		if err != nil {
			return "", fmt.Errorf("load prompt %s: %w", id, err)
		}
		if found && strings.TrimSpace(p.Content) != "" {
			return p.Content, nil
		}
		text, _ := prompts.Fragment(id)
		return text, nil
	}
	var (
		in  instructions
		err error
	)
	if in.examinerQuestion, err = load(prompts.ExaminerQuestion); err != nil {
		return in, err
	}
	if in.examinerAnswer, err = load(prompts.ExaminerAnswer); err != nil {
		return in, err
	}
	if in.formatQuestions, err = load(prompts.OutputFormatQuestions); err != nil {
		return in, err
	}
	if in.formatAnswers, err = load(prompts.OutputFormatAnswers); err != nil {
		return in, err
	}
	return in, nil
}

// runPrompt generates and answers the questions of one prompt. A returned
// error means the prompt is skipped.
func (g *Generator) runPrompt(ctx context.Context, instr instructions, prompt domain.Prompt, caseText string) (questions []domain.Question, err error) {
	logger := g.cfg.Logger.With("prompt_id", prompt.ID, "prompt_version", prompt.Version)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prompt task panic: %v", r)
			logger.Error("prompt task panicked", "panic", r)
		}
	}()

	res := await(ctx, g.llm.CompleteAsync(ctx, instruction(composeQuestionPrompt(instr, prompt.Content, caseText)), llm.Options{JSON: true}))
	if res.Err != nil {
		logger.Error("question generation failed", "err", res.Err)
		return nil, res.Err
	}

	raw, dropped, perr := ParseQuestions(res.Text)
	if perr != nil {
		logger.Warn("unparseable question response", "err", perr)
		return []domain.Question{}, nil
	}
	for _, reason := range dropped {
		logger.Warn("dropped raw question", "reason", reason)
	}

	valid := make([]domain.Question, 0, len(raw))
	for _, item := range raw {
		v := ValidateQuestion(item)
		if !v.OK() {
			logger.Warn("dropped invalid question", "reason", v.Rejected)
			continue
		}
		valid = append(valid, v.Question)
	}
	if len(valid) == 0 {
		return []domain.Question{}, nil
	}
	return g.answerAll(ctx, instr, valid, caseText, logger), nil
}

// answerAll answers questions concurrently and reassembles them in input
// order. Questions whose answer call fails are dropped.
func (g *Generator) answerAll(ctx context.Context, instr instructions, questions []domain.Question, caseText string, logger *slog.Logger) []domain.Question {
	answered := make([]bool, len(questions))
	out := make([]domain.Question, len(questions))

	var group errgroup.Group
	group.SetLimit(g.cfg.AnswerConcurrency)
	for i, q := range questions {
		group.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("answer task panicked", "question_index", i, "panic", r)
				}
			}()
			res := await(ctx, g.llm.CompleteAsync(ctx, instruction(composeAnswerPrompt(instr, q.Text, caseText)), llm.Options{}))
			if res.Err != nil {
				logger.Warn("dropped question, answer generation failed", "question_index", i, "err", res.Err)
				return nil
			}
			answer, ok := validAnswer(res.Text)
			if !ok {
				logger.Warn("answer too short, using placeholder", "question_index", i)
			}
			q.LLMAnswer = answer
			q.Position = i
			out[i] = q
			answered[i] = true
			return nil
		})
	}
	_ = group.Wait()

	result := make([]domain.Question, 0, len(questions))
	for i := range out {
		if answered[i] {
			q := out[i]
			q.Position = len(result)
			result = append(result, q)
		}
	}
	return result
}

func await(ctx context.Context, ch <-chan llm.Result) llm.Result {
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return llm.Result{Err: ctx.Err()}
	}
}

// instruction wraps a composed prompt as a single system turn. Providers
// that require a user turn receive it as one.
func instruction(content string) []llm.Message {
	return []llm.Message{{Role: llm.RoleSystem, Content: content}}
}

func composeQuestionPrompt(instr instructions, topic, caseText string) string {
	var b strings.Builder
	b.WriteString(instr.examinerQuestion)
	b.WriteString("\n\n")
	b.WriteString(topic)
	b.WriteString("\n\n")
	b.WriteString("Nachfolgend bekommst du den Falltext. Erstelle Fragen zu diesem Fall, welche das oben genannte Thema betreffen:\n\n")
	b.WriteString(caseText)
	b.WriteString("\n\n")
	b.WriteString(instr.formatQuestions)
	return b.String()
}

func composeAnswerPrompt(instr instructions, question, caseText string) string {
	var b strings.Builder
	b.WriteString(instr.examinerAnswer)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\n")
	b.WriteString("Nachfolgend bekommst du den Falltext. Antworte auf die oben genannte Frage: \n\n")
	b.WriteString(caseText)
	b.WriteString("\n\n")
	b.WriteString(instr.formatAnswers)
	return b.String()
}
