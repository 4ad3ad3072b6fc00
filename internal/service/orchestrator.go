package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cbotel "github.com/youlyank/corebase/internal/adapter/otel"
	"github.com/youlyank/corebase/internal/config"
	"github.com/youlyank/corebase/internal/domain"
	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/domain/session"
	"github.com/youlyank/corebase/internal/logger"
	"github.com/youlyank/corebase/internal/port/database"
	"github.com/youlyank/corebase/internal/port/messagequeue"
	"github.com/youlyank/corebase/internal/port/runtimedriver"
)

// errStillActive signals that an idle reclaim raced with fresh activity.
var errStillActive = errors.New("environment still active")

// OrchestratorService drives the per-project runtime lifecycle: starting and
// stopping environments, command execution, and the background sweeps that
// reclaim idle runtimes and repair interrupted transitions.
type OrchestratorService struct {
	store   database.Store
	driver  runtimedriver.Driver
	pool    *PoolService
	queue   messagequeue.Queue
	authz   *Authorizer
	collab  *CollabService
	monitor *MonitorService
	metrics *cbotel.Metrics
	cfg     *config.Runtime

	projects sync.Map // map[projectID]*projectRuntime
}

// projectRuntime serializes lifecycle transitions of one project. A
// transition claims the runtime for its whole duration; the mutex guards only
// the busy flag, so it is never held across driver or store calls and a slow
// provision cannot wedge the project's other operations.
type projectRuntime struct {
	mu   sync.Mutex
	busy bool
}

// claim marks a transition in flight. Returns false when another one is.
func (rt *projectRuntime) claim() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.busy {
		return false
	}
	rt.busy = true
	return true
}

func (rt *projectRuntime) unclaim() {
	rt.mu.Lock()
	rt.busy = false
	rt.mu.Unlock()
}

// NewOrchestratorService creates an OrchestratorService.
func NewOrchestratorService(
	store database.Store,
	driver runtimedriver.Driver,
	pool *PoolService,
	queue messagequeue.Queue,
	authz *Authorizer,
	runtimeCfg *config.Runtime,
) *OrchestratorService {
	return &OrchestratorService{
		store:  store,
		driver: driver,
		pool:   pool,
		queue:  queue,
		authz:  authz,
		cfg:    runtimeCfg,
	}
}

// SetCollab sets the collaboration service used for the per-session exec gate.
func (s *OrchestratorService) SetCollab(c *CollabService) {
	s.collab = c
}

// SetMonitor sets the monitor service backing GetMetrics.
func (s *OrchestratorService) SetMonitor(m *MonitorService) {
	s.monitor = m
}

// SetMetrics sets the metric instruments recorded on lifecycle operations.
func (s *OrchestratorService) SetMetrics(m *cbotel.Metrics) {
	s.metrics = m
}

// StartProject acquires an environment for the project and transitions it to
// running. The caller becomes the runtime owner. A project holds at most one
// live environment; starting an already-started project fails.
func (s *OrchestratorService) StartProject(ctx context.Context, projectID, userID, template string) (*environment.Environment, error) {
	if projectID == "" {
		return nil, fmt.Errorf("%w: project id is required", domain.ErrValidation)
	}
	if template == "" {
		return nil, fmt.Errorf("%w: template is required", domain.ErrValidation)
	}

	ctx, span := cbotel.StartLifecycleSpan(ctx, "start", projectID)
	defer span.End()

	rt := s.runtimeFor(projectID)
	if !rt.claim() {
		return nil, fmt.Errorf("%w: project %s has a transition in flight", domain.ErrAlreadyRunning, projectID)
	}
	defer rt.unclaim()

	if existing, err := s.store.GetEnvironmentByProject(ctx, projectID); err == nil {
		return nil, fmt.Errorf("%w: environment %s is %s", domain.ErrAlreadyRunning, existing.ID, existing.State)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check project runtime: %w", err)
	}

	env, err := s.pool.Acquire(ctx, template)
	if err != nil {
		if s.metrics != nil {
			s.metrics.EnvironmentsFailed.Add(ctx, 1)
		}
		s.publishEnvEvent(ctx, messagequeue.SubjectEnvFailed, &environment.Environment{
			ProjectID: projectID,
			Template:  template,
			State:     environment.StateError,
		}, err.Error())
		return nil, err
	}

	now := time.Now().UTC()
	env.ProjectID = projectID
	env.OwnerID = userID
	env.State = environment.StateRunning
	env.Reason = ""
	env.StartedAt = now
	env.LastActive = now
	if err := s.store.UpdateEnvironment(ctx, env); err != nil {
		if rerr := s.pool.Release(ctx, env); rerr != nil {
			slog.Warn("release after failed assignment", "environment_id", env.ID, "error", rerr)
		}
		return nil, fmt.Errorf("assign environment %s: %w", env.ID, err)
	}

	if s.metrics != nil {
		s.metrics.EnvironmentsStarted.Add(ctx, 1)
	}
	s.publishEnvEvent(ctx, messagequeue.SubjectEnvStarted, env, "")
	slog.Info("project runtime started", "project_id", projectID, "environment_id", env.ID, "template", template, "user_id", userID)
	return env, nil
}

// StopProject stops the project's runtime and returns its environment to the
// pool. Requires the admin action within the project. Stopping a project that
// has no live environment is a no-op.
func (s *OrchestratorService) StopProject(ctx context.Context, projectID, userID string) error {
	rt := s.runtimeFor(projectID)
	if !rt.claim() {
		return fmt.Errorf("%w: project %s has a transition in flight", domain.ErrNotRunning, projectID)
	}
	defer rt.unclaim()

	// Stopping an already-stopped project is a no-op. Existence is checked
	// before authorization so a mid-transition environment reports
	// ErrNotRunning for everyone, not a permission error.
	env, err := s.store.GetEnvironmentByProject(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get project environment: %w", err)
	}
	if env.State != environment.StateRunning {
		return fmt.Errorf("%w: environment %s is %s", domain.ErrNotRunning, env.ID, env.State)
	}
	if err := s.authz.Authorize(ctx, projectID, userID, session.ActionAdmin); err != nil {
		return err
	}

	ctx, span := cbotel.StartLifecycleSpan(ctx, "stop", projectID)
	defer span.End()
	return s.stopClaimed(ctx, projectID, "", messagequeue.SubjectEnvStopped, time.Time{})
}

// RestartProject stops the project's runtime and starts a fresh one from the
// same template. Runtime state accumulated in the old environment is
// discarded; ownership is preserved.
func (s *OrchestratorService) RestartProject(ctx context.Context, projectID, userID string) (*environment.Environment, error) {
	env, err := s.store.GetEnvironmentByProject(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: project %s has no environment", domain.ErrNotRunning, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("get project environment: %w", err)
	}
	template, owner := env.Template, env.OwnerID

	if err := s.StopProject(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.StartProject(ctx, projectID, owner, template)
}

// ExecCommand runs one command in the project's running environment and waits
// for its outcome. The timeout bounds the wait for an exec slot plus the
// command itself: when it fires the in-flight command is abandoned and the
// environment stays up.
func (s *OrchestratorService) ExecCommand(ctx context.Context, projectID, userID string, req *environment.ExecRequest) (*environment.ExecResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	env, err := s.runningEnvironment(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, projectID, userID, session.ActionTerminal); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.cfg.DefaultExecTimeout
	}

	ctx, span := cbotel.StartExecSpan(ctx, env.ID, req.Argv[0])
	defer span.End()

	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.collab != nil {
		release, err := s.collab.AcquireExec(ectx, projectID, userID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if s.metrics != nil {
					s.metrics.ExecTimeouts.Add(ctx, 1)
				}
				return nil, fmt.Errorf("%w: no exec slot freed within %s", domain.ErrExecTimeout, timeout)
			}
			return nil, err
		}
		defer release()
	}

	// Command activity keeps the runtime out of the idle sweep.
	if err := s.store.TouchEnvironment(ctx, env.ID, time.Now().UTC()); err != nil {
		slog.Warn("touch last_active", "environment_id", env.ID, "error", err)
	}

	start := time.Now()
	res, err := s.driver.Exec(ectx, env.Handle, *req)
	elapsed := time.Since(start)

	if s.metrics != nil {
		s.metrics.Execs.Add(ctx, 1)
		s.metrics.ExecDuration.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if s.metrics != nil {
				s.metrics.ExecTimeouts.Add(ctx, 1)
			}
			return nil, fmt.Errorf("%w: %s after %s", domain.ErrExecTimeout, req.Argv[0], timeout)
		}
		return nil, fmt.Errorf("%w: exec in environment %s: %w", domain.ErrDriver, env.ID, err)
	}

	slog.Info("command executed", "project_id", projectID, "environment_id", env.ID, "argv0", req.Argv[0], "exit_code", res.ExitCode, "duration_ms", elapsed.Milliseconds())
	return res, nil
}

// GetLogs streams up to tail recent log lines from the project's environment.
// Any live environment with a runtime handle qualifies, not just a running
// one. The returned channel is closed by the driver and cannot be rewound.
func (s *OrchestratorService) GetLogs(ctx context.Context, projectID, userID string, tail int) (<-chan string, error) {
	env, err := s.store.GetEnvironmentByProject(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: project %s has no environment", domain.ErrNotRunning, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("get project environment: %w", err)
	}
	if env.Handle == "" {
		return nil, fmt.Errorf("%w: environment %s has no runtime yet", domain.ErrNotRunning, env.ID)
	}
	if err := s.authz.Authorize(ctx, projectID, userID, session.ActionRead); err != nil {
		return nil, err
	}

	if tail <= 0 || tail > s.cfg.LogTail {
		tail = s.cfg.LogTail
	}
	lines, err := s.driver.Logs(ctx, env.Handle, tail)
	if err != nil {
		return nil, fmt.Errorf("%w: logs for environment %s: %w", domain.ErrDriver, env.ID, err)
	}
	return lines, nil
}

// GetMetrics returns the latest resource snapshot for the project's running
// environment. Before the first successful sample the snapshot carries only
// the Unavailable flag; numbers are never fabricated.
func (s *OrchestratorService) GetMetrics(ctx context.Context, projectID, userID string) (*environment.ResourceSnapshot, error) {
	env, err := s.runningEnvironment(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, projectID, userID, session.ActionRead); err != nil {
		return nil, err
	}

	if s.monitor == nil {
		return &environment.ResourceSnapshot{EnvironmentID: env.ID, Unavailable: true}, nil
	}
	snap, err := s.monitor.Latest(ctx, env.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return &environment.ResourceSnapshot{EnvironmentID: env.ID, Unavailable: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Status returns the project's current environment, or ErrNotFound when the
// project has no live environment.
func (s *OrchestratorService) Status(ctx context.Context, projectID string) (*environment.Environment, error) {
	return s.store.GetEnvironmentByProject(ctx, projectID)
}

// ReclaimIdle stops runtimes whose last activity is older than the idle
// timeout and returns their environments to the pool. Returns how many
// runtimes were reclaimed.
func (s *OrchestratorService) ReclaimIdle(ctx context.Context) int {
	envs, err := s.store.ListEnvironments(ctx)
	if err != nil {
		slog.Warn("idle sweep list", "error", err)
		return 0
	}
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)

	reclaimed := 0
	for i := range envs {
		env := &envs[i]
		if env.State != environment.StateRunning || env.ProjectID == "" {
			continue
		}
		if env.LastActive.After(cutoff) {
			continue
		}

		rt := s.runtimeFor(env.ProjectID)
		if !rt.claim() {
			continue // a lifecycle op is in flight; the runtime is not idle
		}
		err := s.stopClaimed(ctx, env.ProjectID, domain.ErrIdleTimeout.Error(), messagequeue.SubjectEnvReclaimed, cutoff)
		rt.unclaim()

		switch {
		case err == nil:
			if s.metrics != nil {
				s.metrics.EnvironmentsReclaimed.Add(ctx, 1)
			}
			reclaimed++
		case errors.Is(err, errStillActive), errors.Is(err, domain.ErrNotRunning):
			// Raced with fresh activity or a concurrent stop.
		default:
			slog.Warn("idle reclaim", "project_id", env.ProjectID, "error", err)
		}
	}
	return reclaimed
}

// RecoverState reconciles persisted environments with reality after a
// restart: interrupted transitions become terminal, orphaned pool entries are
// destroyed, and running assignments are re-adopted as-is.
func (s *OrchestratorService) RecoverState(ctx context.Context) error {
	envs, err := s.store.ListEnvironments(ctx)
	if err != nil {
		return fmt.Errorf("list environments: %w", err)
	}

	adopted, recovered := 0, 0
	for i := range envs {
		env := &envs[i]
		switch env.State {
		case environment.StateRunning:
			if env.ProjectID != "" {
				adopted++
				continue
			}
			s.forceTerminal(ctx, env, environment.StateStopped, "orphaned by restart")
			recovered++
		case environment.StateProvisioning:
			s.forceTerminal(ctx, env, environment.StateError, "provisioning interrupted by restart")
			recovered++
		case environment.StateStopping:
			s.forceTerminal(ctx, env, environment.StateStopped, "stop completed by recovery")
			recovered++
		case environment.StatePaused:
			// The warm pool is rebuilt from scratch on boot; stale entries
			// would leak their backing containers.
			s.forceTerminal(ctx, env, environment.StateStopped, "orphaned by restart")
			recovered++
		}
	}

	slog.Info("runtime state recovered", "adopted", adopted, "recovered", recovered)
	return nil
}

// StartSweeps runs the idle reclaim and stale transition sweeps on the
// configured interval until ctx is cancelled.
func (s *OrchestratorService) StartSweeps(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReclaimIdle(ctx)
				s.sweepStale(ctx)
			}
		}
	}()
}

// stopClaimed performs the stop transition. The caller holds the project's
// runtime claim. A non-zero idleCutoff turns the call into a reclaim: fresh
// activity observed under the claim aborts with errStillActive.
func (s *OrchestratorService) stopClaimed(ctx context.Context, projectID, reason, subject string, idleCutoff time.Time) error {
	env, err := s.runningEnvironment(ctx, projectID)
	if err != nil {
		return err
	}
	if !idleCutoff.IsZero() && env.LastActive.After(idleCutoff) {
		return errStillActive
	}

	env.State = environment.StateStopping
	if err := s.store.UpdateEnvironment(ctx, env); err != nil {
		slog.Warn("persist stopping state", "environment_id", env.ID, "error", err)
	}

	stopped := *env // keep the assignment for the event; Release clears it
	if err := s.pool.Release(ctx, env); err != nil {
		return fmt.Errorf("release environment: %w", err)
	}

	if s.metrics != nil {
		s.metrics.EnvironmentsStopped.Add(ctx, 1)
	}
	stopped.State = environment.StateStopped
	s.publishEnvEvent(ctx, subject, &stopped, reason)
	slog.Info("project runtime stopped", "project_id", projectID, "environment_id", stopped.ID, "reason", reason)
	return nil
}

// sweepStale forces environments stuck mid-transition into a terminal state.
// These are crash leftovers and persistence failures: live transitions either
// finish or time out well inside the thresholds.
func (s *OrchestratorService) sweepStale(ctx context.Context) {
	envs, err := s.store.ListEnvironments(ctx)
	if err != nil {
		slog.Warn("stale sweep list", "error", err)
		return
	}
	provisionCutoff := time.Now().Add(-2 * s.pool.cfg.ProvisionTimeout)

	for i := range envs {
		env := &envs[i]
		switch env.State {
		case environment.StateProvisioning:
			if env.CreatedAt.After(provisionCutoff) {
				continue
			}
			if s.metrics != nil {
				s.metrics.EnvironmentsFailed.Add(ctx, 1)
			}
			s.forceTerminal(ctx, env, environment.StateError, "provisioning stalled")
		case environment.StateStopping:
			if env.ProjectID == "" {
				s.forceTerminal(ctx, env, environment.StateStopped, "stop stalled")
				continue
			}
			rt := s.runtimeFor(env.ProjectID)
			if !rt.claim() {
				continue // stop still in flight
			}
			fresh, err := s.store.GetEnvironment(ctx, env.ID)
			if err == nil && fresh.State == environment.StateStopping {
				s.forceTerminal(ctx, fresh, environment.StateStopped, "stop stalled")
			}
			rt.unclaim()
		}
	}
}

// forceTerminal destroys the backing resource (best-effort) and persists the
// terminal state.
func (s *OrchestratorService) forceTerminal(ctx context.Context, env *environment.Environment, state environment.State, reason string) {
	if env.Handle != "" {
		if err := s.driver.Destroy(ctx, env.Handle); err != nil {
			slog.Warn("destroy environment", "environment_id", env.ID, "error", err)
		}
	}
	env.State = state
	env.Reason = reason
	if err := s.store.UpdateEnvironment(ctx, env); err != nil {
		slog.Warn("persist recovered state", "environment_id", env.ID, "error", err)
		return
	}

	subject := messagequeue.SubjectEnvStopped
	if state == environment.StateError {
		subject = messagequeue.SubjectEnvFailed
	}
	s.publishEnvEvent(ctx, subject, env, reason)
	slog.Info("environment state forced", "environment_id", env.ID, "state", state, "reason", reason)
}

func (s *OrchestratorService) runningEnvironment(ctx context.Context, projectID string) (*environment.Environment, error) {
	env, err := s.store.GetEnvironmentByProject(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: project %s has no environment", domain.ErrNotRunning, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("get project environment: %w", err)
	}
	if env.State != environment.StateRunning {
		return nil, fmt.Errorf("%w: environment %s is %s", domain.ErrNotRunning, env.ID, env.State)
	}
	return env, nil
}

func (s *OrchestratorService) runtimeFor(projectID string) *projectRuntime {
	v, _ := s.projects.LoadOrStore(projectID, &projectRuntime{})
	return v.(*projectRuntime)
}

func (s *OrchestratorService) publishEnvEvent(ctx context.Context, subject string, env *environment.Environment, reason string) {
	payload := messagequeue.EnvironmentEventPayload{
		EnvironmentID: env.ID,
		ProjectID:     env.ProjectID,
		Template:      env.Template,
		State:         string(env.State),
		Reason:        reason,
		RequestID:     logger.RequestID(ctx),
		At:            time.Now().UTC(),
	}
	if err := s.publishJSON(ctx, subject, payload); err != nil {
		slog.Warn("publish environment event", "subject", subject, "error", err)
	}
}

func (s *OrchestratorService) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.queue.Publish(ctx, subject, data)
}
