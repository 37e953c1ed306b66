package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"exampilot/pkg/domain"
)

func TestCaseEventRoutingKeyAndEncoding(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := CaseEvent{CaseID: "c-1", OwnerID: "u-1", Status: domain.CaseCompleted, At: at}
	if got := ev.RoutingKey(); got != "case.completed" {
		t.Fatalf("routing key = %q", got)
	}
	body, err := ev.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["caseId"] != "c-1" || decoded["status"] != "completed" || decoded["at"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected payload: %s", body)
	}
	if _, ok := decoded["reason"]; ok {
		t.Fatalf("expected empty reason to be omitted: %s", body)
	}
}

func TestCaseEventEncodeStampsTime(t *testing.T) {
	body, err := CaseEvent{CaseID: "c-1", Status: domain.CaseFailed}.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded struct {
		At time.Time `json:"at"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.At.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	if _, err := NewAMQPPublisher(AMQPConfig{}); err == nil {
		t.Fatalf("expected missing url to fail")
	}
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = Noop{}
	if err := p.Publish(context.Background(), CaseEvent{CaseID: "c-1"}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("noop close: %v", err)
	}
}
