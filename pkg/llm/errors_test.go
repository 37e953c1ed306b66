package llm

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRateLimit(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"openai marker", errors.New(`{"code":"rate_limit_exceeded"}`), true},
		{"anthropic marker", errors.New(`{"type":"rate_limit_error"}`), true},
		{"status 429", &StatusError{Provider: "gemini", StatusCode: 429, Message: "quota"}, true},
		{"wrapped status", fmt.Errorf("call: %w", &StatusError{StatusCode: 429}), true},
		{"status 500", &StatusError{StatusCode: 500, Message: "boom"}, false},
		{"plain", errors.New("invalid api key"), false},
	}
	for _, tc := range cases {
		if got := IsRateLimit(tc.err); got != tc.want {
			t.Fatalf("%s: IsRateLimit = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSuggestedWait(t *testing.T) {
	cases := []struct {
		err  error
		want time.Duration
		ok   bool
	}{
		{errors.New("Rate limit reached. Please try again in 2.5s."), 2500 * time.Millisecond, true},
		{errors.New("Please try again in 820ms."), 820 * time.Millisecond, true},
		{errors.New("please try again in 3s"), 3 * time.Second, true},
		{&StatusError{StatusCode: 429, RetryAfter: 7 * time.Second}, 7 * time.Second, true},
		{errors.New("rate_limit_exceeded"), 0, false},
	}
	for _, tc := range cases {
		got, ok := SuggestedWait(tc.err)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("SuggestedWait(%v) = %v, %v; want %v, %v", tc.err, got, ok, tc.want, tc.ok)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if parseRetryAfter("12") != 12*time.Second {
		t.Fatalf("expected 12s")
	}
	if parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT") != 0 {
		t.Fatalf("http-date values are ignored")
	}
}
