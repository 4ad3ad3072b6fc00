package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"

	cbotel "github.com/youlyank/corebase/internal/adapter/otel"
	"github.com/youlyank/corebase/internal/config"
	"github.com/youlyank/corebase/internal/domain"
	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/domain/session"
	"github.com/youlyank/corebase/internal/logger"
	"github.com/youlyank/corebase/internal/port/database"
	"github.com/youlyank/corebase/internal/port/messagequeue"
)

// joinCodeAlphabet avoids ambiguous characters (0/O, 1/I/L).
const joinCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// CollabService manages collaboration sessions: membership, join codes,
// presence fan-out, and the per-session exec gate.
type CollabService struct {
	store   database.Store
	queue   messagequeue.Queue
	cfg     *config.Collab
	metrics *cbotel.Metrics

	registry sync.Map // map[sessionID]*sessionState
}

// sessionState is the in-memory view of one session. All reads and writes of
// sess go through mu; the store row is a persisted copy of it.
type sessionState struct {
	mu    sync.Mutex
	sess  *session.Session
	execs *semaphore.Weighted // nil = unlimited
}

func newSessionState(sess *session.Session) *sessionState {
	st := &sessionState{sess: sess}
	if n := sess.Config.MaxConcurrentExecs; n > 0 {
		st.execs = semaphore.NewWeighted(int64(n))
	}
	return st
}

// NewCollabService creates a CollabService.
func NewCollabService(store database.Store, queue messagequeue.Queue, collabCfg *config.Collab) *CollabService {
	return &CollabService{
		store: store,
		queue: queue,
		cfg:   collabCfg,
	}
}

// SetMetrics sets the metric instruments recorded on session activity.
func (s *CollabService) SetMetrics(m *cbotel.Metrics) {
	s.metrics = m
}

// CreateSession creates a session on a running environment with the creator
// as its owner.
func (s *CollabService) CreateSession(ctx context.Context, userID string, req *session.CreateRequest) (*session.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	if req.Config.MaxUsers == 0 {
		req.Config.MaxUsers = s.cfg.DefaultMaxUsers
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	env, err := s.store.GetEnvironment(ctx, req.EnvironmentID)
	if err != nil {
		return nil, fmt.Errorf("get environment: %w", err)
	}
	if env.ProjectID != req.ProjectID {
		return nil, fmt.Errorf("%w: environment %s does not belong to project %s", domain.ErrValidation, req.EnvironmentID, req.ProjectID)
	}
	if env.State != environment.StateRunning {
		return nil, fmt.Errorf("%w: environment %s is %s", domain.ErrNotRunning, env.ID, env.State)
	}

	now := time.Now().UTC()
	sess := &session.Session{
		ID:            uuid.NewString(),
		ProjectID:     req.ProjectID,
		EnvironmentID: req.EnvironmentID,
		CreatedBy:     userID,
		Config:        req.Config,
		Participants: []session.Participant{{
			UserID:     userID,
			Role:       session.RoleOwner,
			JoinedAt:   now,
			LastActive: now,
		}},
		CreatedAt: now,
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.registry.Store(sess.ID, newSessionState(sess))

	s.publishPresence(ctx, sess, userID, "joined", string(session.RoleOwner), nil)
	if s.metrics != nil {
		s.metrics.SessionsJoined.Add(ctx, 1)
	}
	slog.Info("session created", "session_id", sess.ID, "project_id", sess.ProjectID, "user_id", userID)
	return snapshotSession(sess), nil
}

// Join adds userID to the session. A participant rejoining after a dropped
// connection keeps their original role; the requested role and capacity limit
// apply to first joins only. The creator always gets back in as owner, even
// when the session is full.
func (s *CollabService) Join(ctx context.Context, sessionID, userID, code string, role session.Role) (*session.Session, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrValidation)
	}
	st, err := s.stateFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.sess

	if sess.JoinCodeHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(sess.JoinCodeHash), []byte(code)); err != nil {
			return nil, fmt.Errorf("%w: invalid join code", domain.ErrPermissionDenied)
		}
	}

	now := time.Now().UTC()
	if p := sess.Participant(userID); p != nil {
		prevActive, prevEmpty := p.LastActive, sess.EmptySince
		p.LastActive = now
		sess.EmptySince = time.Time{}
		if err := s.store.SaveSession(ctx, sess); err != nil {
			p.LastActive, sess.EmptySince = prevActive, prevEmpty
			return nil, fmt.Errorf("save session: %w", err)
		}
		s.publishPresence(ctx, sess, userID, "joined", string(p.Role), nil)
		return snapshotSession(sess), nil
	}

	// The creator reenters as owner and is never turned away by the
	// capacity limit.
	if len(sess.Participants) >= sess.Config.MaxUsers && userID != sess.CreatedBy {
		return nil, fmt.Errorf("%w: session %s is at its limit of %d users", domain.ErrSessionFull, sessionID, sess.Config.MaxUsers)
	}

	switch {
	case userID == sess.CreatedBy:
		role = session.RoleOwner
	case role == "":
		role = session.RoleEditor
	case !role.Valid():
		return nil, fmt.Errorf("%w: unknown role %q", domain.ErrValidation, role)
	case role == session.RoleOwner:
		return nil, fmt.Errorf("%w: only the session creator joins as owner", domain.ErrValidation)
	}

	prev, prevEmpty := sess.Participants, sess.EmptySince
	sess.Participants = append(sess.Participants, session.Participant{
		UserID:     userID,
		Role:       role,
		JoinedAt:   now,
		LastActive: now,
	})
	sess.EmptySince = time.Time{}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		sess.Participants, sess.EmptySince = prev, prevEmpty
		return nil, fmt.Errorf("save session: %w", err)
	}

	s.publishPresence(ctx, sess, userID, "joined", string(role), nil)
	if s.metrics != nil {
		s.metrics.SessionsJoined.Add(ctx, 1)
	}
	slog.Info("participant joined", "session_id", sessionID, "user_id", userID, "role", role)
	return snapshotSession(sess), nil
}

// Leave removes userID from the session. Leaving a session the user is not in
// is a no-op, so a flaky client can retry freely.
func (s *CollabService) Leave(ctx context.Context, sessionID, userID string) error {
	st, err := s.stateFor(ctx, sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.sess

	p := sess.Participant(userID)
	if p == nil {
		return nil
	}
	left := *p

	prev, prevEmpty := sess.Participants, sess.EmptySince
	remaining := make([]session.Participant, 0, len(prev)-1)
	for _, q := range prev {
		if q.UserID != userID {
			remaining = append(remaining, q)
		}
	}
	sess.Participants = remaining
	if len(remaining) == 0 {
		sess.EmptySince = time.Now().UTC()
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		sess.Participants, sess.EmptySince = prev, prevEmpty
		return fmt.Errorf("save session: %w", err)
	}

	s.publishPresence(ctx, sess, userID, "left", string(left.Role), nil)
	slog.Info("participant left", "session_id", sessionID, "user_id", userID)
	return nil
}

// UpdateCursor records the participant's editing position and fans it out as
// presence. Cursor moves are ephemeral and never persisted.
func (s *CollabService) UpdateCursor(ctx context.Context, sessionID, userID string, cur session.Cursor) error {
	st, err := s.stateFor(ctx, sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	p := st.sess.Participant(userID)
	if p == nil {
		return fmt.Errorf("%w: user %s is not in session %s", domain.ErrPermissionDenied, userID, sessionID)
	}
	p.Cursor = &cur
	p.LastActive = time.Now().UTC()

	s.publishPresence(ctx, st.sess, userID, "cursor", "", &cur)
	return nil
}

// Share generates a join code for the session, stores its hash, and returns
// the code. Only the hash survives; a lost code means generating a new one.
func (s *CollabService) Share(ctx context.Context, sessionID, userID string) (string, error) {
	st, err := s.stateFor(ctx, sessionID)
	if err != nil {
		return "", err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	sess := st.sess

	p := sess.Participant(userID)
	if p == nil || !sess.EffectivePolicy().Allows(p.Role, session.ActionShare) {
		return "", fmt.Errorf("%w: user %s may not share session %s", domain.ErrPermissionDenied, userID, sessionID)
	}

	code, err := randomJoinCode(8)
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.JoinCodeCost)
	if err != nil {
		return "", fmt.Errorf("hash join code: %w", err)
	}

	prev := sess.JoinCodeHash
	sess.JoinCodeHash = string(hash)
	if err := s.store.SaveSession(ctx, sess); err != nil {
		sess.JoinCodeHash = prev
		return "", fmt.Errorf("save session: %w", err)
	}

	// Never log the code.
	slog.Info("session join code rotated", "session_id", sessionID, "user_id", userID)
	return code, nil
}

// GetSession returns a copy of the session.
func (s *CollabService) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	st, err := s.stateFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshotSession(st.sess), nil
}

// ListProjectSessions returns copies of the project's sessions.
func (s *CollabService) ListProjectSessions(ctx context.Context, projectID string) ([]session.Session, error) {
	sessions, err := s.store.ListSessions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]session.Session, 0, len(sessions))
	for i := range sessions {
		st, err := s.stateFor(ctx, sessions[i].ID)
		if err != nil {
			continue
		}
		st.mu.Lock()
		out = append(out, *snapshotSession(st.sess))
		st.mu.Unlock()
	}
	return out, nil
}

// HasPermission reports whether userID holds action inside the session.
func (s *CollabService) HasPermission(ctx context.Context, sessionID, userID string, action session.Action) (bool, error) {
	st, err := s.stateFor(ctx, sessionID)
	if err != nil {
		return false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	p := st.sess.Participant(userID)
	if p == nil {
		return false, nil
	}
	return st.sess.EffectivePolicy().Allows(p.Role, action), nil
}

// HasProjectPermission reports whether any of the project's sessions grants
// userID the action.
func (s *CollabService) HasProjectPermission(ctx context.Context, projectID, userID string, action session.Action) bool {
	sessions, err := s.store.ListSessions(ctx, projectID)
	if err != nil {
		slog.Warn("list project sessions", "project_id", projectID, "error", err)
		return false
	}
	for i := range sessions {
		st, err := s.stateFor(ctx, sessions[i].ID)
		if err != nil {
			continue
		}
		st.mu.Lock()
		p := st.sess.Participant(userID)
		allowed := p != nil && st.sess.EffectivePolicy().Allows(p.Role, action)
		st.mu.Unlock()
		if allowed {
			return true
		}
	}
	return false
}

// AcquireExec takes an exec slot in the user's session and returns its
// release. Users outside any capped session pass through unguarded.
func (s *CollabService) AcquireExec(ctx context.Context, projectID, userID string) (func(), error) {
	noop := func() {}
	sessions, err := s.store.ListSessions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project sessions: %w", err)
	}
	for i := range sessions {
		st, err := s.stateFor(ctx, sessions[i].ID)
		if err != nil {
			continue
		}
		st.mu.Lock()
		member := st.sess.Participant(userID) != nil
		sem := st.execs
		st.mu.Unlock()
		if !member {
			continue
		}
		if sem == nil {
			return noop, nil
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire exec slot: %w", err)
		}
		return func() { sem.Release(1) }, nil
	}
	return noop, nil
}

// CleanupSessions evicts participants idle past the participant window and
// deletes sessions that stayed empty through the reconnection grace. Returns
// how many sessions were deleted.
func (s *CollabService) CleanupSessions(ctx context.Context) int {
	sessions, err := s.store.ListSessions(ctx, "")
	if err != nil {
		slog.Warn("cleanup list sessions", "error", err)
		return 0
	}

	now := time.Now().UTC()
	var idleCutoff time.Time
	if s.cfg.ParticipantIdle > 0 {
		idleCutoff = now.Add(-s.cfg.ParticipantIdle)
	}
	emptyCutoff := now.Add(-s.cfg.EmptyGrace)

	deleted := 0
	for i := range sessions {
		st, err := s.stateFor(ctx, sessions[i].ID)
		if err != nil {
			continue
		}
		st.mu.Lock()
		sess := st.sess

		if !idleCutoff.IsZero() {
			s.evictIdleLocked(ctx, sess, idleCutoff)
		}
		if len(sess.Participants) == 0 && !sess.EmptySince.IsZero() && sess.EmptySince.Before(emptyCutoff) {
			if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
				slog.Warn("delete empty session", "session_id", sess.ID, "error", err)
			} else {
				s.registry.Delete(sess.ID)
				deleted++
				slog.Info("empty session removed", "session_id", sess.ID, "project_id", sess.ProjectID)
			}
		}
		st.mu.Unlock()
	}
	return deleted
}

// StartCleanupLoop runs CleanupSessions on the configured interval until ctx
// is cancelled.
func (s *CollabService) StartCleanupLoop(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CleanupSessions(ctx)
			}
		}
	}()
}

// evictIdleLocked drops participants whose last activity predates cutoff. The
// caller holds the session's lock.
func (s *CollabService) evictIdleLocked(ctx context.Context, sess *session.Session, cutoff time.Time) {
	var evicted []session.Participant
	remaining := make([]session.Participant, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		if p.LastActive.Before(cutoff) {
			evicted = append(evicted, p)
			continue
		}
		remaining = append(remaining, p)
	}
	if len(evicted) == 0 {
		return
	}

	prev, prevEmpty := sess.Participants, sess.EmptySince
	sess.Participants = remaining
	if len(remaining) == 0 && sess.EmptySince.IsZero() {
		sess.EmptySince = time.Now().UTC()
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		sess.Participants, sess.EmptySince = prev, prevEmpty
		slog.Warn("persist idle eviction", "session_id", sess.ID, "error", err)
		return
	}
	for _, p := range evicted {
		s.publishPresence(ctx, sess, p.UserID, "left", string(p.Role), nil)
		slog.Info("idle participant evicted", "session_id", sess.ID, "user_id", p.UserID)
	}
}

func (s *CollabService) stateFor(ctx context.Context, sessionID string) (*sessionState, error) {
	if v, ok := s.registry.Load(sessionID); ok {
		return v.(*sessionState), nil
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %s", domain.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	v, _ := s.registry.LoadOrStore(sessionID, newSessionState(sess))
	return v.(*sessionState), nil
}

func (s *CollabService) publishPresence(ctx context.Context, sess *session.Session, userID, event, role string, cur *session.Cursor) {
	payload := messagequeue.SessionPresencePayload{
		SessionID: sess.ID,
		ProjectID: sess.ProjectID,
		UserID:    userID,
		Event:     event,
		Role:      role,
		RequestID: logger.RequestID(ctx),
		At:        time.Now().UTC(),
	}
	if cur != nil {
		payload.Path = cur.Path
		payload.Line = cur.Line
		payload.Column = cur.Column
	}
	if err := s.publishJSON(ctx, messagequeue.SubjectSessionPresence, payload); err != nil {
		slog.Warn("publish session presence", "session_id", sess.ID, "event", event, "error", err)
	}
}

func (s *CollabService) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.queue.Publish(ctx, subject, data)
}

// snapshotSession deep-copies a session so callers cannot mutate shared state.
func snapshotSession(sess *session.Session) *session.Session {
	cp := *sess
	cp.Participants = make([]session.Participant, len(sess.Participants))
	copy(cp.Participants, sess.Participants)
	for i := range cp.Participants {
		if c := cp.Participants[i].Cursor; c != nil {
			cc := *c
			cp.Participants[i].Cursor = &cc
		}
	}
	return &cp
}

func randomJoinCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}
