package util

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "keeps well-formed id", incoming: "req-7f3a.upload:1", keep: true},
		{name: "generates when missing"},
		{name: "replaces id with spaces", incoming: "bad id"},
		{name: "replaces id with newline", incoming: "abc\nlevel=error"},
		{name: "replaces oversized id", incoming: strings.Repeat("a", maxRequestIDLength+1)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromRequest(r)
			}))
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tc.incoming != "" {
				req.Header.Set("X-Request-Id", tc.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			header := rec.Header().Get("X-Request-Id")
			if header == "" || header != seen {
				t.Fatalf("header %q and context %q should match and be set", header, seen)
			}
			if tc.keep && seen != tc.incoming {
				t.Fatalf("request id = %q, want %q", seen, tc.incoming)
			}
			if !tc.keep && seen == tc.incoming {
				t.Fatalf("request id %q should have been replaced", seen)
			}
		})
	}
}

func TestRequestIDOutsideRequest(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("RequestIDFromContext = %q, want empty", got)
	}
	if got := RequestIDFromRequest(nil); got != "" {
		t.Fatalf("RequestIDFromRequest(nil) = %q, want empty", got)
	}
}
