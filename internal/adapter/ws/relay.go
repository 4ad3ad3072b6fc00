package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/youlyank/corebase/internal/port/messagequeue"
)

// Relay bridges the message queue and the WebSocket hub: services publish
// runtime events to the queue, the relay translates payloads into
// client-facing events and fans them out to the right project's watchers.
type Relay struct {
	hub     *Hub
	queue   messagequeue.Queue
	log     *slog.Logger
	cancels []func()
}

// NewRelay creates a relay feeding hub from queue.
func NewRelay(hub *Hub, queue messagequeue.Queue, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{hub: hub, queue: queue, log: log}
}

// Start registers the queue subscriptions. Call Stop to unsubscribe.
func (r *Relay) Start(ctx context.Context) error {
	subs := []struct {
		subject string
		handler messagequeue.Handler
	}{
		{messagequeue.SubjectEnvAll, r.handleEnvironment},
		{messagequeue.SubjectSessionPresence, r.handlePresence},
		{messagequeue.SubjectMetricsSample, r.handleMetrics},
	}

	for _, s := range subs {
		cancel, err := r.queue.Subscribe(ctx, s.subject, s.handler)
		if err != nil {
			r.Stop()
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		r.cancels = append(r.cancels, cancel)
	}
	return nil
}

// Stop cancels all queue subscriptions.
func (r *Relay) Stop() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

func (r *Relay) handleEnvironment(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.EnvironmentEventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal environment event: %w", err)
	}

	r.hub.BroadcastProjectEvent(ctx, p.ProjectID, EventEnvironmentStatus, EnvironmentStatusEvent{
		EnvironmentID: p.EnvironmentID,
		ProjectID:     p.ProjectID,
		Template:      p.Template,
		State:         p.State,
		Reason:        p.Reason,
	})
	return nil
}

func (r *Relay) handlePresence(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.SessionPresencePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal presence event: %w", err)
	}

	r.hub.BroadcastProjectEvent(ctx, p.ProjectID, EventSessionPresence, SessionPresenceEvent{
		SessionID: p.SessionID,
		ProjectID: p.ProjectID,
		UserID:    p.UserID,
		Event:     p.Event,
		Role:      p.Role,
		Path:      p.Path,
		Line:      p.Line,
		Column:    p.Column,
	})
	return nil
}

func (r *Relay) handleMetrics(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.MetricsSamplePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unmarshal metrics sample: %w", err)
	}

	r.hub.BroadcastProjectEvent(ctx, p.ProjectID, EventMetricsSample, MetricsSampleEvent{
		EnvironmentID:    p.EnvironmentID,
		ProjectID:        p.ProjectID,
		MemoryUsedBytes:  p.MemoryUsedBytes,
		MemoryLimitBytes: p.MemoryLimitBytes,
		CPUPercent:       p.CPUPercent,
		NetRxBytes:       p.NetRxBytes,
		NetTxBytes:       p.NetTxBytes,
		Unavailable:      p.Unavailable,
	})
	return nil
}
