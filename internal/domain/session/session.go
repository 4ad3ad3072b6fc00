// Package session defines the collaboration session domain: several users
// sharing one running environment/document under role-based permissions.
package session

import (
	"fmt"
	"time"

	"github.com/youlyank/corebase/internal/domain"
)

// Role is a participant's role within a session.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// Action is a capability a role may hold inside a session.
type Action string

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionAdmin    Action = "admin"
	ActionTerminal Action = "terminal"
	ActionShare    Action = "share"
)

// Policy maps roles to their permitted actions.
type Policy map[Role][]Action

// DefaultPolicy returns the capability map used when a session config does not
// override it.
func DefaultPolicy() Policy {
	return Policy{
		RoleOwner:  {ActionRead, ActionWrite, ActionAdmin, ActionTerminal, ActionShare},
		RoleEditor: {ActionRead, ActionWrite, ActionTerminal},
		RoleViewer: {ActionRead},
	}
}

// Allows reports whether the policy grants action to role.
func (p Policy) Allows(role Role, action Action) bool {
	for _, a := range p[role] {
		if a == action {
			return true
		}
	}
	return false
}

// Cursor is a participant's editing position, broadcast as presence.
type Cursor struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Participant is one user attached to a session.
type Participant struct {
	UserID     string    `json:"user_id"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
	LastActive time.Time `json:"last_active"`
	Cursor     *Cursor   `json:"cursor,omitempty"`
}

// Config holds per-session policy knobs.
type Config struct {
	MaxUsers int    `json:"max_users"`
	Policy   Policy `json:"policy,omitempty"` // nil = DefaultPolicy

	// MaxConcurrentExecs caps simultaneous command executions against the
	// session's backing environment. 0 means unlimited.
	MaxConcurrentExecs int `json:"max_concurrent_execs,omitempty"`
}

// Session coordinates multiple users sharing one running environment. It owns
// its participant list; the environment is referenced, never owned — a session
// outlives the environment it points to.
type Session struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	EnvironmentID string        `json:"environment_id"`
	CreatedBy     string        `json:"created_by"` // creator keeps the owner role across rejoins
	Config        Config        `json:"config"`
	JoinCodeHash  string        `json:"-"` // bcrypt hash; empty = open session
	Participants  []Participant `json:"participants"`
	CreatedAt     time.Time     `json:"created_at"`

	// EmptySince is set when the last participant leaves and cleared on the
	// next join. The cleanup sweep deletes sessions empty longer than the
	// reconnection window.
	EmptySince time.Time `json:"empty_since"`
}

// Participant returns the entry for userID, or nil if not attached.
func (s *Session) Participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}

// EffectivePolicy returns the session's policy, falling back to the default.
func (s *Session) EffectivePolicy() Policy {
	if s.Config.Policy != nil {
		return s.Config.Policy
	}
	return DefaultPolicy()
}

// CreateRequest holds the fields needed to create a session.
type CreateRequest struct {
	ProjectID     string `json:"project_id"`
	EnvironmentID string `json:"environment_id"`
	Config        Config `json:"config"`
}

// Validate rejects malformed create requests.
func (r *CreateRequest) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", domain.ErrValidation)
	}
	if r.EnvironmentID == "" {
		return fmt.Errorf("%w: environment_id is required", domain.ErrValidation)
	}
	if r.Config.MaxUsers < 1 {
		return fmt.Errorf("%w: max_users must be >= 1", domain.ErrValidation)
	}
	if r.Config.MaxConcurrentExecs < 0 {
		return fmt.Errorf("%w: max_concurrent_execs must be >= 0", domain.ErrValidation)
	}
	for role := range r.Config.Policy {
		if !role.Valid() {
			return fmt.Errorf("%w: unknown role %q in policy", domain.ErrValidation, role)
		}
	}
	return nil
}
