package ws

import (
	"context"
	"encoding/json"
)

// Event type constants for WebSocket messages.
const (
	EventEnvironmentStatus = "environment.status"
	EventSessionPresence   = "session.presence"
	EventMetricsSample     = "metrics.sample"
)

// EnvironmentStatusEvent is broadcast when an environment changes state.
type EnvironmentStatusEvent struct {
	EnvironmentID string `json:"environment_id"`
	ProjectID     string `json:"project_id,omitempty"`
	Template      string `json:"template"`
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
}

// SessionPresenceEvent is broadcast when a participant joins, leaves, or
// moves their cursor.
type SessionPresenceEvent struct {
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Event     string `json:"event"` // "joined", "left", "cursor"
	Role      string `json:"role,omitempty"`
	Path      string `json:"path,omitempty"`
	Line      int    `json:"line,omitempty"`
	Column    int    `json:"column,omitempty"`
}

// MetricsSampleEvent carries the latest resource snapshot for an environment.
type MetricsSampleEvent struct {
	EnvironmentID    string  `json:"environment_id"`
	ProjectID        string  `json:"project_id,omitempty"`
	MemoryUsedBytes  int64   `json:"memory_used_bytes"`
	MemoryLimitBytes int64   `json:"memory_limit_bytes"`
	CPUPercent       float64 `json:"cpu_percent"`
	NetRxBytes       int64   `json:"net_rx_bytes"`
	NetTxBytes       int64   `json:"net_tx_bytes"`
	Unavailable      bool    `json:"unavailable,omitempty"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// BroadcastProjectEvent marshals a typed event and sends it to the project's
// watchers.
func (h *Hub) BroadcastProjectEvent(ctx context.Context, projectID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.BroadcastToProject(ctx, projectID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
