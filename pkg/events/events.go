package events

import (
	"context"
	"encoding/json"
	"time"

	"exampilot/pkg/domain"
)

// CaseEvent announces a case status transition.
type CaseEvent struct {
	CaseID  string            `json:"caseId"`
	OwnerID string            `json:"ownerId"`
	Status  domain.CaseStatus `json:"status"`
	Reason  string            `json:"reason,omitempty"`
	At      time.Time         `json:"at"`
}

// RoutingKey is "case.<status>".
func (e CaseEvent) RoutingKey() string {
	return "case." + string(e.Status)
}

func (e CaseEvent) encode() ([]byte, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	return json.Marshal(e)
}

// Publisher delivers case events. Callers treat publish errors as
// non-fatal.
type Publisher interface {
	Publish(ctx context.Context, ev CaseEvent) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, CaseEvent) error { return nil }
func (Noop) Close() error                             { return nil }
