package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrAPI marks a provider failure that was not retried.
	ErrAPI = errors.New("llm api error")
	// ErrRateLimited marks retry exhaustion caused by rate limiting only.
	ErrRateLimited = errors.New("llm rate limit exceeded")
)

// APIError wraps a non-rate-limit provider failure.
type APIError struct {
	Err error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api error: %v", e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

func (e *APIError) Is(target error) bool { return target == ErrAPI }

// RateLimitError is returned after every attempt was rate limited.
type RateLimitError struct {
	Attempts int
	LastWait time.Duration
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("llm rate limit exceeded after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// StatusError is a non-2xx response from an HTTP provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

func (e *StatusError) HTTPStatusCode() int { return e.StatusCode }

// RetryAfterDuration is the Retry-After header value, zero when absent.
func (e *StatusError) RetryAfterDuration() time.Duration { return e.RetryAfter }

var rateLimitMarkers = []string{
	"rate_limit_exceeded",
	"rate_limit_error",
	"resource_exhausted",
}

// IsRateLimit reports whether err signals upstream rate limiting, either by a
// marker in the error text or by an HTTP 429 status.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ HTTPStatusCode() int }
	if errors.As(err, &coder) && coder.HTTPStatusCode() == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var suggestedWaitPattern = regexp.MustCompile(`(?i)try again in (\d+(?:\.\d+)?)\s*(ms|s)\b`)

// SuggestedWait extracts a server-suggested wait from the error, first from a
// "Please try again in 2.5s" phrase in its text, then from a Retry-After value.
func SuggestedWait(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if m := suggestedWaitPattern.FindStringSubmatch(err.Error()); m != nil {
		v, perr := strconv.ParseFloat(m[1], 64)
		if perr == nil {
			unit := time.Second
			if strings.EqualFold(m[2], "ms") {
				unit = time.Millisecond
			}
			return time.Duration(v * float64(unit)), true
		}
	}
	var ra interface{ RetryAfterDuration() time.Duration }
	if errors.As(err, &ra) {
		if d := ra.RetryAfterDuration(); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
