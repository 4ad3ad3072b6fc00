package service

import (
	"context"
	"fmt"

	"github.com/youlyank/corebase/internal/domain"
	"github.com/youlyank/corebase/internal/domain/session"
	"github.com/youlyank/corebase/internal/port/database"
)

// Authorizer answers whether a user may perform an action on a project. The
// runtime owner may do anything; everyone else needs a session whose policy
// grants the action for their role.
type Authorizer struct {
	store  database.Store
	collab *CollabService
}

// NewAuthorizer creates an Authorizer backed by the given store.
func NewAuthorizer(store database.Store) *Authorizer {
	return &Authorizer{store: store}
}

// SetCollab sets the collaboration service consulted for session grants.
func (a *Authorizer) SetCollab(c *CollabService) {
	a.collab = c
}

// Authorize returns nil when userID may perform action on projectID, and
// ErrPermissionDenied otherwise.
func (a *Authorizer) Authorize(ctx context.Context, projectID, userID string, action session.Action) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", domain.ErrPermissionDenied)
	}

	if env, err := a.store.GetEnvironmentByProject(ctx, projectID); err == nil && env.OwnerID == userID {
		return nil
	}

	if a.collab != nil && a.collab.HasProjectPermission(ctx, projectID, userID, action) {
		return nil
	}
	return fmt.Errorf("%w: user %s lacks %s on project %s", domain.ErrPermissionDenied, userID, action, projectID)
}
