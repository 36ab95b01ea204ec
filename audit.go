package pam

import (
	"context"
	"errors"
	"time"
)

// AuditEventName enumerates the state-changing operations that emit events.
type AuditEventName string

const (
	AuditAuthenticate AuditEventName = "pam.authenticate"
	AuditAcctMgmt     AuditEventName = "pam.acct_mgmt"
	AuditChauthtok    AuditEventName = "pam.chauthtok"
	AuditOpenSession  AuditEventName = "pam.open_session"
	AuditCloseSession AuditEventName = "pam.close_session"
	AuditSetCred      AuditEventName = "pam.setcred"
)

// AuditEvent is emitted before a state-changing native call.
type AuditEvent struct {
	Name    AuditEventName
	User    string
	Service string
	// Operation is set for credential events.
	Operation  string
	OccurredAt time.Time
}

// AuditSink consumes audit events. Returning an error aborts the operation
// the event guards.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// AuditSinkFunc adapts a function to the AuditSink interface.
type AuditSinkFunc func(ctx context.Context, event AuditEvent) error

// Record implements AuditSink.
func (f AuditSinkFunc) Record(ctx context.Context, event AuditEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// MultiAuditSink fans events out to every sink and fails if any of them fails.
type MultiAuditSink struct {
	sinks []AuditSink
}

// NewMultiAuditSink drops nil sinks.
func NewMultiAuditSink(sinks ...AuditSink) *MultiAuditSink {
	filtered := make([]AuditSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiAuditSink{sinks: filtered}
}

// Record implements AuditSink.
func (m *MultiAuditSink) Record(ctx context.Context, event AuditEvent) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopAuditSink struct{}

func (noopAuditSink) Record(context.Context, AuditEvent) error {
	return nil
}

func normalizeAuditSink(s AuditSink) AuditSink {
	if s == nil {
		return noopAuditSink{}
	}
	return s
}
