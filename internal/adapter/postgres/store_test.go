package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/youlyank/corebase/internal/adapter/postgres"
	"github.com/youlyank/corebase/internal/domain"
	"github.com/youlyank/corebase/internal/domain/audit"
	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/domain/session"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	// Run goose migrations first (uses embedded SQL files).
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

// newTestEnvironment builds an unsaved environment with a fresh ID.
func newTestEnvironment(template string) *environment.Environment {
	return &environment.Environment{
		ID:        uuid.NewString(),
		Template:  template,
		State:     environment.StateProvisioning,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

// --------------------------------------------------------------------------
// TestStore_EnvironmentCRUD
// --------------------------------------------------------------------------

func TestStore_EnvironmentCRUD(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	env := newTestEnvironment("base")
	if err := store.CreateEnvironment(ctx, env); err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	t.Cleanup(func() {
		_ = store.DeleteEnvironment(ctx, env.ID)
	})

	t.Run("Get", func(t *testing.T) {
		got, err := store.GetEnvironment(ctx, env.ID)
		if err != nil {
			t.Fatalf("GetEnvironment: %v", err)
		}
		if got.Template != "base" {
			t.Fatalf("expected template base, got %q", got.Template)
		}
		if got.State != environment.StateProvisioning {
			t.Fatalf("expected state provisioning, got %q", got.State)
		}
		if got.ProjectID != "" {
			t.Fatalf("expected empty project_id for pooled environment, got %q", got.ProjectID)
		}
		if !got.StartedAt.IsZero() {
			t.Fatalf("expected zero started_at, got %v", got.StartedAt)
		}
	})

	t.Run("Update", func(t *testing.T) {
		projectID := "proj-" + uuid.NewString()[:8]
		env.ProjectID = projectID
		env.OwnerID = "user-1"
		env.Handle = "corebase-abc123"
		env.State = environment.StateRunning
		env.StartedAt = time.Now().UTC().Truncate(time.Microsecond)
		env.LastActive = env.StartedAt
		if err := store.UpdateEnvironment(ctx, env); err != nil {
			t.Fatalf("UpdateEnvironment: %v", err)
		}

		got, err := store.GetEnvironment(ctx, env.ID)
		if err != nil {
			t.Fatalf("GetEnvironment after update: %v", err)
		}
		if got.State != environment.StateRunning {
			t.Fatalf("expected state running, got %q", got.State)
		}
		if got.Handle != "corebase-abc123" {
			t.Fatalf("expected handle corebase-abc123, got %q", got.Handle)
		}
		if got.StartedAt.IsZero() {
			t.Fatal("expected non-zero started_at after update")
		}

		byProject, err := store.GetEnvironmentByProject(ctx, projectID)
		if err != nil {
			t.Fatalf("GetEnvironmentByProject: %v", err)
		}
		if byProject.ID != env.ID {
			t.Fatalf("expected environment %s, got %s", env.ID, byProject.ID)
		}
	})

	t.Run("ByProject_ExcludesTerminal", func(t *testing.T) {
		env.State = environment.StateStopped
		env.Reason = "stopped by owner"
		if err := store.UpdateEnvironment(ctx, env); err != nil {
			t.Fatalf("UpdateEnvironment: %v", err)
		}

		_, err := store.GetEnvironmentByProject(ctx, env.ProjectID)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for terminal environment, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		envs, err := store.ListEnvironments(ctx)
		if err != nil {
			t.Fatalf("ListEnvironments: %v", err)
		}
		found := false
		for _, e := range envs {
			if e.ID == env.ID {
				found = true
			}
		}
		if !found {
			t.Fatal("ListEnvironments did not include the created environment")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.DeleteEnvironment(ctx, env.ID); err != nil {
			t.Fatalf("DeleteEnvironment: %v", err)
		}
		_, err := store.GetEnvironment(ctx, env.ID)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := store.DeleteEnvironment(ctx, env.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound on double delete, got %v", err)
		}
	})
}

// --------------------------------------------------------------------------
// TestStore_SessionRoundTrip
// --------------------------------------------------------------------------

func TestStore_SessionRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	projectID := "proj-" + uuid.NewString()[:8]
	sess := &session.Session{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		EnvironmentID: uuid.NewString(),
		CreatedBy:     "user-1",
		Config: session.Config{
			MaxUsers:           4,
			MaxConcurrentExecs: 2,
		},
		JoinCodeHash: "$2a$10$abcdefghijklmnopqrstuv",
		Participants: []session.Participant{
			{
				UserID:   "user-1",
				Role:     session.RoleOwner,
				JoinedAt: time.Now().UTC().Truncate(time.Microsecond),
				Cursor:   &session.Cursor{Path: "main.go", Line: 10, Column: 4},
			},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	t.Cleanup(func() {
		_ = store.DeleteSession(ctx, sess.ID)
	})

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ProjectID != projectID {
		t.Fatalf("expected project %q, got %q", projectID, got.ProjectID)
	}
	if got.CreatedBy != "user-1" {
		t.Fatalf("created_by did not round-trip: %q", got.CreatedBy)
	}
	if got.Config.MaxUsers != 4 || got.Config.MaxConcurrentExecs != 2 {
		t.Fatalf("config did not round-trip: %+v", got.Config)
	}
	if got.JoinCodeHash != sess.JoinCodeHash {
		t.Fatalf("join code hash did not round-trip: %q", got.JoinCodeHash)
	}
	if len(got.Participants) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(got.Participants))
	}
	p := got.Participants[0]
	if p.UserID != "user-1" || p.Role != session.RoleOwner {
		t.Fatalf("participant did not round-trip: %+v", p)
	}
	if p.Cursor == nil || p.Cursor.Path != "main.go" || p.Cursor.Line != 10 {
		t.Fatalf("cursor did not round-trip: %+v", p.Cursor)
	}
	if !got.EmptySince.IsZero() {
		t.Fatalf("expected zero empty_since, got %v", got.EmptySince)
	}

	t.Run("Upsert", func(t *testing.T) {
		sess.Participants = append(sess.Participants, session.Participant{
			UserID:   "user-2",
			Role:     session.RoleViewer,
			JoinedAt: time.Now().UTC().Truncate(time.Microsecond),
		})
		sess.EmptySince = time.Now().UTC().Truncate(time.Microsecond)
		if err := store.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession upsert: %v", err)
		}

		got, err := store.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatalf("GetSession after upsert: %v", err)
		}
		if len(got.Participants) != 2 {
			t.Fatalf("expected 2 participants after upsert, got %d", len(got.Participants))
		}
		if got.EmptySince.IsZero() {
			t.Fatal("expected non-zero empty_since after upsert")
		}
		if diff := got.EmptySince.Sub(sess.EmptySince); diff.Abs() > time.Second {
			t.Fatalf("empty_since drifted by %v", diff)
		}
	})

	t.Run("List", func(t *testing.T) {
		sessions, err := store.ListSessions(ctx, projectID)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) != 1 {
			t.Fatalf("expected 1 session for project, got %d", len(sessions))
		}
		if sessions[0].ID != sess.ID {
			t.Fatalf("expected session %s, got %s", sess.ID, sessions[0].ID)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := store.DeleteSession(ctx, sess.ID); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		_, err := store.GetSession(ctx, sess.ID)
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})
}

// --------------------------------------------------------------------------
// TestStore_AuditTrail
// --------------------------------------------------------------------------

func TestStore_AuditTrail(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	projectID := "proj-" + uuid.NewString()[:8]
	envID := uuid.NewString()

	actions := []string{"environment.provisioned", "environment.started", "environment.reclaimed"}
	for _, action := range actions {
		err := store.AppendAudit(ctx, audit.Entry{
			ProjectID:     projectID,
			EnvironmentID: envID,
			UserID:        "user-1",
			Action:        action,
			Details:       "template=base",
			RequestID:     "req-42",
		})
		if err != nil {
			t.Fatalf("AppendAudit %s: %v", action, err)
		}
	}

	t.Run("FilterByProject", func(t *testing.T) {
		page, err := store.ListAudit(ctx, audit.Filter{ProjectID: projectID}, "", 10)
		if err != nil {
			t.Fatalf("ListAudit: %v", err)
		}
		if page.Total != 3 {
			t.Fatalf("expected total 3, got %d", page.Total)
		}
		if len(page.Entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(page.Entries))
		}
		// Newest first.
		if page.Entries[0].Action != "environment.reclaimed" {
			t.Fatalf("expected newest entry first, got %q", page.Entries[0].Action)
		}
		if page.Entries[0].RequestID != "req-42" {
			t.Fatalf("request_id did not round-trip: %q", page.Entries[0].RequestID)
		}
		if page.HasMore {
			t.Fatal("expected HasMore=false for full page")
		}
	})

	t.Run("FilterByAction", func(t *testing.T) {
		page, err := store.ListAudit(ctx, audit.Filter{ProjectID: projectID, Action: "environment.started"}, "", 10)
		if err != nil {
			t.Fatalf("ListAudit: %v", err)
		}
		if len(page.Entries) != 1 {
			t.Fatalf("expected 1 entry for action filter, got %d", len(page.Entries))
		}
		if page.Entries[0].EnvironmentID != envID {
			t.Fatalf("expected environment %s, got %s", envID, page.Entries[0].EnvironmentID)
		}
	})

	t.Run("CursorPagination", func(t *testing.T) {
		first, err := store.ListAudit(ctx, audit.Filter{ProjectID: projectID}, "", 2)
		if err != nil {
			t.Fatalf("ListAudit first page: %v", err)
		}
		if len(first.Entries) != 2 {
			t.Fatalf("expected 2 entries on first page, got %d", len(first.Entries))
		}
		if !first.HasMore {
			t.Fatal("expected HasMore=true on first page")
		}
		if first.Cursor == "" {
			t.Fatal("expected non-empty cursor on first page")
		}

		second, err := store.ListAudit(ctx, audit.Filter{ProjectID: projectID}, first.Cursor, 2)
		if err != nil {
			t.Fatalf("ListAudit second page: %v", err)
		}
		if len(second.Entries) != 1 {
			t.Fatalf("expected 1 entry on second page, got %d", len(second.Entries))
		}
		if second.HasMore {
			t.Fatal("expected HasMore=false on last page")
		}
		for _, e := range first.Entries {
			if e.ID == second.Entries[0].ID {
				t.Fatal("second page repeated an entry from the first page")
			}
		}
	})

	t.Run("BadCursor", func(t *testing.T) {
		_, err := store.ListAudit(ctx, audit.Filter{ProjectID: projectID}, "not-a-number", 10)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation for bad cursor, got %v", err)
		}
	})
}
