package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/youlyank/corebase/internal/domain/audit"
	"github.com/youlyank/corebase/internal/port/database"
	"github.com/youlyank/corebase/internal/port/messagequeue"
)

// AuditService records lifecycle and session events into the audit trail. It
// consumes the same queue traffic the live dashboards do, so every published
// decision lands in the log without the publishing services knowing about it.
type AuditService struct {
	store database.Store
	queue messagequeue.Queue
}

// NewAuditService creates an AuditService.
func NewAuditService(store database.Store, queue messagequeue.Queue) *AuditService {
	return &AuditService{store: store, queue: queue}
}

// StartSubscribers subscribes to the audited subjects and returns cancel
// functions for each subscription. Handler errors propagate to the queue so
// failed appends are retried and eventually dead-lettered.
func (s *AuditService) StartSubscribers(ctx context.Context) ([]func(), error) {
	var cancels []func()

	cancel, err := s.queue.Subscribe(ctx, messagequeue.SubjectEnvAll, func(msgCtx context.Context, subject string, data []byte) error {
		var payload messagequeue.EnvironmentEventPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("unmarshal environment event: %w", err)
		}
		return s.recordEnvironmentEvent(msgCtx, subject, &payload)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe environment events: %w", err)
	}
	cancels = append(cancels, cancel)

	cancel, err = s.queue.Subscribe(ctx, messagequeue.SubjectSessionPresence, func(msgCtx context.Context, _ string, data []byte) error {
		var payload messagequeue.SessionPresencePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("unmarshal session presence: %w", err)
		}
		return s.recordPresenceEvent(msgCtx, &payload)
	})
	if err != nil {
		cancelAll(cancels)
		return nil, fmt.Errorf("subscribe session presence: %w", err)
	}
	cancels = append(cancels, cancel)

	return cancels, nil
}

// Query returns a page of audit entries matching the filter.
func (s *AuditService) Query(ctx context.Context, filter audit.Filter, cursor string, limit int) (*audit.Page, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.store.ListAudit(ctx, filter, cursor, limit)
}

func (s *AuditService) recordEnvironmentEvent(ctx context.Context, subject string, payload *messagequeue.EnvironmentEventPayload) error {
	entry := audit.Entry{
		ProjectID:     payload.ProjectID,
		EnvironmentID: payload.EnvironmentID,
		Action:        subject,
		Details:       payload.Reason,
		RequestID:     payload.RequestID,
		CreatedAt:     payload.At,
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *AuditService) recordPresenceEvent(ctx context.Context, payload *messagequeue.SessionPresencePayload) error {
	// Cursor moves are presence noise, not auditable decisions.
	if payload.Event == "cursor" {
		return nil
	}
	entry := audit.Entry{
		ProjectID: payload.ProjectID,
		SessionID: payload.SessionID,
		UserID:    payload.UserID,
		Action:    "session." + payload.Event,
		Details:   payload.Role,
		RequestID: payload.RequestID,
		CreatedAt: payload.At,
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func cancelAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
