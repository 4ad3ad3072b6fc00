package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/youlyank/corebase/internal/domain"
	"github.com/youlyank/corebase/internal/domain/audit"
	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/domain/session"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Environments ---

// envColumns is the SELECT column list for environments queries.
const envColumns = `id, COALESCE(project_id, ''), COALESCE(owner_id, ''), template, COALESCE(handle, ''), state, COALESCE(reason, ''), created_at, started_at, last_active`

func scanEnvironment(row scannable) (environment.Environment, error) {
	var env environment.Environment
	var startedAt, lastActive *time.Time
	err := row.Scan(
		&env.ID, &env.ProjectID, &env.OwnerID, &env.Template, &env.Handle,
		&env.State, &env.Reason, &env.CreatedAt, &startedAt, &lastActive,
	)
	if err != nil {
		return environment.Environment{}, err
	}
	env.StartedAt = timeOrZero(startedAt)
	env.LastActive = timeOrZero(lastActive)
	return env, nil
}

func (s *Store) ListEnvironments(ctx context.Context) ([]environment.Environment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+envColumns+` FROM environments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var envs []environment.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

func (s *Store) GetEnvironment(ctx context.Context, id string) (*environment.Environment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+envColumns+` FROM environments WHERE id = $1`, id)

	env, err := scanEnvironment(row)
	if err != nil {
		return nil, notFoundWrap(err, "get environment %s", id)
	}
	return &env, nil
}

// GetEnvironmentByProject returns the project's current environment, i.e. the
// newest one in a non-terminal state. At most one such environment exists per
// project; the single-writer orchestrator enforces that.
func (s *Store) GetEnvironmentByProject(ctx context.Context, projectID string) (*environment.Environment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+envColumns+` FROM environments
		 WHERE project_id = $1 AND state NOT IN ('stopped', 'error')
		 ORDER BY created_at DESC LIMIT 1`, projectID)

	env, err := scanEnvironment(row)
	if err != nil {
		return nil, notFoundWrap(err, "environment for project %s", projectID)
	}
	return &env, nil
}

func (s *Store) CreateEnvironment(ctx context.Context, env *environment.Environment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO environments (id, project_id, owner_id, template, handle, state, reason, created_at, started_at, last_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		env.ID, nullIfEmpty(env.ProjectID), nullIfEmpty(env.OwnerID), env.Template, nullIfEmpty(env.Handle),
		string(env.State), nullIfEmpty(env.Reason), env.CreatedAt, nullTime(env.StartedAt), nullTime(env.LastActive))
	if err != nil {
		return fmt.Errorf("create environment %s: %w", env.ID, err)
	}
	return nil
}

func (s *Store) UpdateEnvironment(ctx context.Context, env *environment.Environment) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE environments SET project_id = $2, owner_id = $3, handle = $4, state = $5, reason = $6, started_at = $7, last_active = $8
		 WHERE id = $1`,
		env.ID, nullIfEmpty(env.ProjectID), nullIfEmpty(env.OwnerID), nullIfEmpty(env.Handle),
		string(env.State), nullIfEmpty(env.Reason), nullTime(env.StartedAt), nullTime(env.LastActive))
	return execExpectOne(tag, err, "update environment %s", env.ID)
}

// TouchEnvironment bumps last_active for a running environment. A row that is
// no longer running is left untouched so a late touch cannot resurrect it.
func (s *Store) TouchEnvironment(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE environments SET last_active = $2 WHERE id = $1 AND state = 'running'`, id, at)
	return execExpectOne(tag, err, "touch environment %s", id)
}

func (s *Store) DeleteEnvironment(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete environment %s", id)
}

// --- Sessions ---

// sessionColumns is the SELECT column list for sessions queries.
const sessionColumns = `id, project_id, environment_id, COALESCE(created_by, ''), config, COALESCE(join_code_hash, ''), participants, created_at, empty_since`

func scanSession(row scannable) (session.Session, error) {
	var sess session.Session
	var configJSON, participantsJSON []byte
	var emptySince *time.Time
	err := row.Scan(
		&sess.ID, &sess.ProjectID, &sess.EnvironmentID, &sess.CreatedBy, &configJSON,
		&sess.JoinCodeHash, &participantsJSON, &sess.CreatedAt, &emptySince,
	)
	if err != nil {
		return session.Session{}, err
	}
	if err := json.Unmarshal(configJSON, &sess.Config); err != nil {
		return session.Session{}, fmt.Errorf("unmarshal session config: %w", err)
	}
	if err := json.Unmarshal(participantsJSON, &sess.Participants); err != nil {
		return session.Session{}, fmt.Errorf("unmarshal participants: %w", err)
	}
	sess.EmptySince = timeOrZero(emptySince)
	return sess, nil
}

// ListSessions returns sessions for one project, or every session when
// projectID is empty (used by the cleanup sweep).
func (s *Store) ListSessions(ctx context.Context, projectID string) ([]session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`
	args := []any{}
	if projectID != "" {
		query = `SELECT ` + sessionColumns + ` FROM sessions WHERE project_id = $1 ORDER BY created_at DESC`
		args = append(args, projectID)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)

	sess, err := scanSession(row)
	if err != nil {
		return nil, notFoundWrap(err, "get session %s", id)
	}
	return &sess, nil
}

// SaveSession upserts the full session snapshot. The collaboration service
// persists after every membership change, so writes must be idempotent.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	participantsJSON, err := json.Marshal(orEmpty(sess.Participants))
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, project_id, environment_id, created_by, config, join_code_hash, participants, created_at, empty_since)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			environment_id = EXCLUDED.environment_id,
			config = EXCLUDED.config,
			join_code_hash = EXCLUDED.join_code_hash,
			participants = EXCLUDED.participants,
			empty_since = EXCLUDED.empty_since`,
		sess.ID, sess.ProjectID, sess.EnvironmentID, nullIfEmpty(sess.CreatedBy), configJSON,
		nullIfEmpty(sess.JoinCodeHash), participantsJSON, sess.CreatedAt, nullTime(sess.EmptySince))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete session %s", id)
}

// --- Audit trail ---

// AppendAudit inserts an audit trail entry. The entry ID is assigned by the
// database (append-only log, monotonically increasing).
func (s *Store) AppendAudit(ctx context.Context, entry audit.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (project_id, environment_id, session_id, user_id, action, details, request_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8::timestamptz, now()))`,
		nullIfEmpty(entry.ProjectID), nullIfEmpty(entry.EnvironmentID), nullIfEmpty(entry.SessionID),
		nullIfEmpty(entry.UserID), entry.Action, nullIfEmpty(entry.Details), nullIfEmpty(entry.RequestID),
		nullTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns a cursor-paginated page of audit entries, newest first.
// The cursor is the smallest entry ID of the previous page.
func (s *Store) ListAudit(ctx context.Context, filter audit.Filter, cursor string, limit int) (*audit.Page, error) {
	if limit <= 0 {
		limit = 50
	}

	// Build dynamic WHERE clause.
	var args []any
	var conditions []string
	argIdx := 1

	if filter.ProjectID != "" {
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", argIdx))
		args = append(args, filter.ProjectID)
		argIdx++
	}
	if filter.EnvironmentID != "" {
		conditions = append(conditions, fmt.Sprintf("environment_id = $%d", argIdx))
		args = append(args, filter.EnvironmentID)
		argIdx++
	}
	if filter.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", argIdx))
		args = append(args, filter.SessionID)
		argIdx++
	}
	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argIdx))
		args = append(args, filter.Action)
		argIdx++
	}
	if filter.After != nil {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argIdx))
		args = append(args, *filter.After)
		argIdx++
	}
	if filter.Before != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *filter.Before)
		argIdx++
	}
	if cursor != "" {
		cursorID, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad audit cursor %q", domain.ErrValidation, cursor)
		}
		conditions = append(conditions, fmt.Sprintf("id < $%d", argIdx))
		args = append(args, cursorID)
		argIdx++
	}

	whereSQL := ""
	if len(conditions) > 0 {
		whereSQL = " WHERE " + strings.Join(conditions, " AND ")
	}

	// Count total matching entries.
	var total int
	countSQL := `SELECT COUNT(*) FROM audit_log` + whereSQL
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}

	// Fetch limit+1 to detect hasMore.
	fetchSQL := fmt.Sprintf(
		`SELECT id::text, COALESCE(project_id, ''), COALESCE(environment_id::text, ''), COALESCE(session_id::text, ''), COALESCE(user_id, ''), action, COALESCE(details, ''), COALESCE(request_id, ''), created_at
		 FROM audit_log%s ORDER BY id DESC LIMIT $%d`, whereSQL, argIdx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, fetchSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EnvironmentID, &e.SessionID, &e.UserID, &e.Action, &e.Details, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	var nextCursor string
	if hasMore && len(entries) > 0 {
		nextCursor = entries[len(entries)-1].ID
	}

	return &audit.Page{
		Entries: entries,
		Cursor:  nextCursor,
		HasMore: hasMore,
		Total:   total,
	}, nil
}
