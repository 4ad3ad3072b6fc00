// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/youlyank/corebase/internal/domain/audit"
	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/domain/session"
)

// Store is the port interface for database operations.
type Store interface {
	// Environments
	ListEnvironments(ctx context.Context) ([]environment.Environment, error)
	GetEnvironment(ctx context.Context, id string) (*environment.Environment, error)
	GetEnvironmentByProject(ctx context.Context, projectID string) (*environment.Environment, error)
	CreateEnvironment(ctx context.Context, env *environment.Environment) error
	UpdateEnvironment(ctx context.Context, env *environment.Environment) error
	// TouchEnvironment bumps last_active without rewriting the row, and only
	// while the environment is still running.
	TouchEnvironment(ctx context.Context, id string, at time.Time) error
	DeleteEnvironment(ctx context.Context, id string) error

	// Sessions. An empty projectID lists sessions across all projects.
	ListSessions(ctx context.Context, projectID string) ([]session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	SaveSession(ctx context.Context, s *session.Session) error
	DeleteSession(ctx context.Context, id string) error

	// Audit trail
	AppendAudit(ctx context.Context, entry audit.Entry) error
	ListAudit(ctx context.Context, filter audit.Filter, cursor string, limit int) (*audit.Page, error)
}
