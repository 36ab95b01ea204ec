// Package auditlog persists pam audit events with Bun.
package auditlog

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-pam"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// EventModel is the Bun model for audit events.
type EventModel struct {
	bun.BaseModel `bun:"table:pam_audit_events,alias:pae"`

	ID         uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Name       string    `bun:"name,notnull" json:"name"`
	Username   string    `bun:"username,notnull" json:"username"`
	Service    string    `bun:"service,notnull" json:"service"`
	Operation  string    `bun:"operation" json:"operation,omitempty"`
	OccurredAt time.Time `bun:"occurred_at,notnull" json:"occurred_at"`
}

// Sink implements pam.AuditSink by inserting one row per event. A failed
// insert is returned to the caller, which aborts the guarded operation.
type Sink struct {
	db    *bun.DB
	newID func() uuid.UUID
}

var _ pam.AuditSink = (*Sink)(nil)

// NewSink creates a sink writing through db.
func NewSink(db *bun.DB) *Sink {
	return &Sink{db: db, newID: uuid.New}
}

// EnsureSchema creates the events table if missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*EventModel)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create audit events table")
	}
	return nil
}

// Record implements pam.AuditSink.
func (s *Sink) Record(ctx context.Context, event pam.AuditEvent) error {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	model := &EventModel{
		ID:         s.newID(),
		Name:       string(event.Name),
		Username:   event.User,
		Service:    event.Service,
		Operation:  event.Operation,
		OccurredAt: occurred.UTC(),
	}

	if _, err := s.db.NewInsert().Model(model).Exec(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to persist audit event").
			WithMetadata(map[string]any{
				"event":    model.Name,
				"username": model.Username,
			})
	}
	return nil
}

// ListByUser returns a user's events, oldest first.
func (s *Sink) ListByUser(ctx context.Context, username string) ([]pam.AuditEvent, error) {
	var models []EventModel
	err := s.db.NewSelect().
		Model(&models).
		Where("username = ?", username).
		Order("occurred_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list audit events")
	}

	events := make([]pam.AuditEvent, 0, len(models))
	for _, m := range models {
		events = append(events, pam.AuditEvent{
			Name:       pam.AuditEventName(m.Name),
			User:       m.Username,
			Service:    m.Service,
			Operation:  m.Operation,
			OccurredAt: m.OccurredAt,
		})
	}
	return events, nil
}
