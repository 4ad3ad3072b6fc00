package messagequeue

import "time"

// EnvironmentEventPayload is the schema for environments.* messages.
type EnvironmentEventPayload struct {
	EnvironmentID string    `json:"environment_id"`
	ProjectID     string    `json:"project_id"`
	Template      string    `json:"template"`
	State         string    `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	RequestID     string    `json:"request_id,omitempty"` // originating request, carried into the audit trail
	At            time.Time `json:"at"`
}

// SessionPresencePayload is the schema for sessions.presence messages.
type SessionPresencePayload struct {
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Event     string    `json:"event"` // joined | left | cursor
	Role      string    `json:"role,omitempty"`
	Path      string    `json:"path,omitempty"`
	Line      int       `json:"line,omitempty"`
	Column    int       `json:"column,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	At        time.Time `json:"at"`
}

// MetricsSamplePayload is the schema for metrics.sample messages.
type MetricsSamplePayload struct {
	EnvironmentID    string    `json:"environment_id"`
	ProjectID        string    `json:"project_id"`
	MemoryUsedBytes  int64     `json:"memory_used_bytes"`
	MemoryLimitBytes int64     `json:"memory_limit_bytes"`
	CPUPercent       float64   `json:"cpu_percent"`
	NetRxBytes       int64     `json:"net_rx_bytes"`
	NetTxBytes       int64     `json:"net_tx_bytes"`
	SampledAt        time.Time `json:"sampled_at"`
	Unavailable      bool      `json:"unavailable,omitempty"`
}
