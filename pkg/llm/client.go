package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string
	Content string
}

// Options tune a single completion.
type Options struct {
	// JSON asks the provider for a JSON-object response.
	JSON bool
}

// Client is a single completion call against a remote model.
// Implementations do not retry; see Retrier.
type Client interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []Message, opts Options) (string, error)

func (f ClientFunc) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	return f(ctx, messages, opts)
}

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// NewClient builds the Client for cfg.Provider.
func NewClient(cfg ProviderConfig) (Client, error) {
	switch normalizeProvider(cfg.Provider) {
	case "openai":
		return NewOpenAIClient(cfg)
	case "anthropic":
		return NewAnthropicClient(cfg)
	case "gemini":
		return NewGeminiClient(cfg)
	case "openai-compatible":
		return NewCompatClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}

func normalizeProvider(raw string) string {
	p := strings.ToLower(strings.TrimSpace(raw))
	p = strings.ReplaceAll(p, "_", "-")
	if p == "openaicompatible" || p == "openai-compat" {
		return "openai-compatible"
	}
	return p
}

// splitSystem joins system turns into one instruction and returns the rest.
// A conversation of system turns only is sent as a single user turn.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	joined := strings.Join(system, "\n\n")
	if len(rest) == 0 && joined != "" {
		return "", []Message{{Role: RoleUser, Content: joined}}
	}
	return joined, rest
}
