package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Content string `json:"content"`
		Final   bool   `json:"final"`
	}
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"content":"x","final":true}`))
	if err := DecodeJSON(req, &dst, 0); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dst.Content != "x" || !dst.Final {
		t.Fatalf("unexpected decode result: %+v", dst)
	}

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"content":"x"}{}`))
	if err := DecodeJSON(req, &dst, 0); err == nil {
		t.Fatalf("expected trailing data to fail")
	}
	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"unknown":1}`))
	if err := DecodeJSON(req, &dst, 0); err == nil {
		t.Fatalf("expected unknown field to fail")
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusConflict, "case_exists", "case already uploaded")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"code":"case_exists"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}
