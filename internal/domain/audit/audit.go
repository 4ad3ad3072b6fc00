// Package audit defines the audit trail types recording lifecycle decisions.
package audit

import "time"

// Entry represents a single entry in the audit trail.
type Entry struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id,omitempty"`
	EnvironmentID string    `json:"environment_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
	Action        string    `json:"action"`
	Details       string    `json:"details,omitempty"`
	RequestID     string    `json:"request_id,omitempty"` // correlates the entry with request logs
	CreatedAt     time.Time `json:"created_at"`
}

// Filter controls which audit entries are returned.
type Filter struct {
	ProjectID     string     `json:"project_id,omitempty"`
	EnvironmentID string     `json:"environment_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	Action        string     `json:"action,omitempty"`
	After         *time.Time `json:"after,omitempty"`
	Before        *time.Time `json:"before,omitempty"`
}

// Page is a cursor-paginated page of audit entries.
type Page struct {
	Entries []Entry `json:"entries"`
	Cursor  string  `json:"cursor"`
	HasMore bool    `json:"has_more"`
	Total   int     `json:"total"`
}
