package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	DefaultBaseDelay        = time.Second
	DefaultMaxAttempts      = 5
	DefaultAsyncMaxAttempts = 10
	DefaultMaxJitter        = 500 * time.Millisecond
)

// RetryConfig controls the rate-limit retry loop.
type RetryConfig struct {
	BaseDelay time.Duration
	// MaxAttempts bounds blocking calls; AsyncMaxAttempts bounds CompleteAsync,
	// which runs under concurrent fan-out and needs a larger budget.
	MaxAttempts      int
	AsyncMaxAttempts int
	MaxJitter        time.Duration
	Logger           *slog.Logger

	// Sleep and Jitter are replaceable in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() time.Duration
}

var errProviderPanic = errors.New("provider panic")

// Result is delivered by CompleteAsync.
type Result struct {
	Text string
	Err  error
}

// Retrier retries rate-limited completions with server-suggested or
// exponential backoff. Any other failure is returned at once as *APIError.
type Retrier struct {
	client Client
	cfg    RetryConfig
}

func NewRetrier(client Client, cfg RetryConfig) *Retrier {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AsyncMaxAttempts <= 0 {
		cfg.AsyncMaxAttempts = DefaultAsyncMaxAttempts
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Jitter == nil {
		maxJitter := cfg.MaxJitter
		cfg.Jitter = func() time.Duration {
			if maxJitter <= 0 {
				return 0
			}
			return rand.N(maxJitter)
		}
	}
	return &Retrier{client: client, cfg: cfg}
}

// Complete blocks until the model answers or the retry budget is spent.
func (r *Retrier) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	return r.run(ctx, messages, opts, r.cfg.MaxAttempts)
}

// CompleteAsync starts the call in its own goroutine. The channel yields
// exactly one Result and is then closed.
func (r *Retrier) CompleteAsync(ctx context.Context, messages []Message, opts Options) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		text, err := r.run(ctx, messages, opts, r.cfg.AsyncMaxAttempts)
		out <- Result{Text: text, Err: err}
	}()
	return out
}

// Await is CompleteAsync followed by a context-aware receive.
func (r *Retrier) Await(ctx context.Context, messages []Message, opts Options) (string, error) {
	select {
	case res := <-r.CompleteAsync(ctx, messages, opts):
		return res.Text, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Retrier) run(ctx context.Context, messages []Message, opts Options, maxAttempts int) (string, error) {
	var (
		lastErr  error
		lastWait time.Duration
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		text, err := r.call(ctx, messages, opts)
		if err == nil {
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("llm completion: %w", ctxErr)
		}
		if errors.Is(err, errProviderPanic) || !IsRateLimit(err) {
			return "", &APIError{Err: err}
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		wait := r.backoff(err, attempt)
		lastWait = wait
		r.cfg.Logger.Warn("llm rate limited, retrying",
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"wait", wait,
		)
		if err := r.cfg.Sleep(ctx, wait); err != nil {
			return "", fmt.Errorf("llm retry wait: %w", err)
		}
	}
	r.cfg.Logger.Error("llm rate limit retries exhausted", "attempts", maxAttempts, "err", lastErr)
	return "", &RateLimitError{Attempts: maxAttempts, LastWait: lastWait, Err: lastErr}
}

// call invokes the provider once. A panicking provider is reported as a
// failed call instead of taking the process down.
func (r *Retrier) call(ctx context.Context, messages []Message, opts Options) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.cfg.Logger.Error("llm provider panicked", "panic", p)
			text, err = "", fmt.Errorf("%w: %v", errProviderPanic, p)
		}
	}()
	return r.client.Complete(ctx, messages, opts)
}

// backoff uses the server-suggested wait when present, otherwise
// BaseDelay*2^attempt plus jitter in [0, MaxJitter).
func (r *Retrier) backoff(err error, attempt int) time.Duration {
	if wait, ok := SuggestedWait(err); ok {
		return wait
	}
	return r.cfg.BaseDelay*time.Duration(1<<attempt) + r.cfg.Jitter()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
