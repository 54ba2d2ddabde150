package service

import (
	"log/slog"
	"time"
)

// AuditEvent is a fire-and-forget record of an engine decision. Delivery
// is best effort; nothing in the engine depends on it succeeding.
type AuditEvent struct {
	Type           string
	OrganizationID string
	Detail         map[string]any
	At             time.Time
}

// AuditSink receives audit events.
type AuditSink interface {
	Emit(event AuditEvent)
}

// LogAuditSink writes audit events to the structured log. Stands in for
// the external audit pipeline, which consumes the same event shape.
type LogAuditSink struct{}

// Emit logs the event.
func (LogAuditSink) Emit(event AuditEvent) {
	slog.Info("audit",
		"event", event.Type,
		"organization_id", event.OrganizationID,
		"detail", event.Detail,
	)
}

func audit(sink AuditSink, eventType, organizationID string, detail map[string]any) {
	if sink == nil {
		return
	}
	sink.Emit(AuditEvent{
		Type:           eventType,
		OrganizationID: organizationID,
		Detail:         detail,
		At:             time.Now().UTC(),
	})
}
