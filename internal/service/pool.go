package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	cbotel "github.com/youlyank/corebase/internal/adapter/otel"
	"github.com/youlyank/corebase/internal/config"
	"github.com/youlyank/corebase/internal/domain"
	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/port/database"
	"github.com/youlyank/corebase/internal/port/runtimedriver"
	"github.com/youlyank/corebase/internal/provision"
	"github.com/youlyank/corebase/internal/resilience"
)

// PoolService keeps a warm pool of provisioned environments per template so
// project starts are served without waiting for a cold provision.
type PoolService struct {
	store   database.Store
	driver  runtimedriver.Driver
	breaker *resilience.Breaker
	limiter *provision.Limiter
	metrics *cbotel.Metrics
	cfg     *config.Pool

	templates map[string]environment.Template

	mu   sync.Mutex
	idle map[string][]string // template -> ready environment IDs

	refilling atomic.Bool
}

// PoolStatus describes the warm pool of one template.
type PoolStatus struct {
	Idle    int `json:"idle"`
	Prewarm int `json:"prewarm"`
	PoolMax int `json:"pool_max"`
}

// NewPoolService creates a PoolService managing warm environments for the
// given templates.
func NewPoolService(
	store database.Store,
	driver runtimedriver.Driver,
	breaker *resilience.Breaker,
	limiter *provision.Limiter,
	poolCfg *config.Pool,
	templates []config.Template,
) *PoolService {
	tpls := make(map[string]environment.Template, len(templates))
	for _, t := range templates {
		tpls[t.Name] = environment.Template{
			Name:        t.Name,
			Image:       t.Image,
			MemoryMB:    t.MemoryMB,
			CPUQuota:    t.CPUQuota,
			PidsLimit:   t.PidsLimit,
			NetworkMode: t.NetworkMode,
			PoolMax:     t.PoolMax,
			Prewarm:     t.Prewarm,
		}
	}
	return &PoolService{
		store:     store,
		driver:    driver,
		breaker:   breaker,
		limiter:   limiter,
		cfg:       poolCfg,
		templates: tpls,
		idle:      make(map[string][]string),
	}
}

// SetMetrics sets the metric instruments recorded on pool operations.
func (s *PoolService) SetMetrics(m *cbotel.Metrics) {
	s.metrics = m
}

// Acquire hands out a ready environment for the template, preferring the warm
// pool and falling back to a cold provision. The caller owns the returned
// environment and must either assign it to a project or Release it.
func (s *PoolService) Acquire(ctx context.Context, template string) (*environment.Environment, error) {
	tpl, ok := s.templates[template]
	if !ok {
		return nil, fmt.Errorf("%w: unknown template %q", domain.ErrValidation, template)
	}

	for {
		id := s.takeIdle(template)
		if id == "" {
			break
		}
		env, err := s.store.GetEnvironment(ctx, id)
		if err != nil {
			slog.Warn("pooled environment has no row, dropping", "environment_id", id, "error", err)
			continue
		}
		if s.metrics != nil {
			s.metrics.PoolHits.Add(ctx, 1)
		}
		slog.Info("environment acquired from pool", "environment_id", env.ID, "template", template)
		return env, nil
	}

	if s.metrics != nil {
		s.metrics.PoolMisses.Add(ctx, 1)
	}
	return s.provisionCold(ctx, tpl)
}

// Release returns an environment to the pool. The runtime state is reset to
// the image baseline first; if the reset fails or the pool is already at
// PoolMax, the environment is destroyed instead.
func (s *PoolService) Release(ctx context.Context, env *environment.Environment) error {
	// Clear the assignment before the row can reenter the pool.
	env.ProjectID = ""
	env.OwnerID = ""
	env.Reason = ""
	env.StartedAt = time.Time{}
	env.LastActive = time.Time{}

	tpl, ok := s.templates[env.Template]
	if !ok || s.idleLen(env.Template) >= tpl.PoolMax {
		return s.retire(ctx, env, "pool full")
	}

	if err := s.breaker.Execute(func() error { return s.driver.Restart(ctx, env.Handle) }); err != nil {
		slog.Warn("baseline reset failed, destroying environment", "environment_id", env.ID, "error", err)
		return s.retire(ctx, env, "baseline reset failed")
	}

	env.State = environment.StatePaused
	if err := s.store.UpdateEnvironment(ctx, env); err != nil {
		return fmt.Errorf("repool environment %s: %w", env.ID, err)
	}
	if !s.putIdle(env.Template, env.ID, tpl.PoolMax) {
		// Lost the headroom race while the reset was in flight.
		return s.retire(ctx, env, "pool full")
	}

	slog.Info("environment repooled", "environment_id", env.ID, "template", env.Template)
	return nil
}

// Refill tops every template up to its prewarm target. At most one refill
// scan runs at a time; overlapping calls return immediately.
func (s *PoolService) Refill(ctx context.Context) {
	if !s.refilling.CompareAndSwap(false, true) {
		return
	}
	defer s.refilling.Store(false)

	for name, tpl := range s.templates {
		for s.idleLen(name) < tpl.Prewarm {
			if ctx.Err() != nil {
				return
			}
			env, err := s.provisionCold(ctx, tpl)
			if err != nil {
				slog.Warn("pool refill failed", "template", name, "error", err)
				break
			}
			if !s.putIdle(name, env.ID, tpl.PoolMax) {
				_ = s.retire(ctx, env, "pool full")
				break
			}
		}
	}
}

// StartRefillLoop fills the pools immediately and then keeps them topped up
// on the configured interval until ctx is cancelled. Refill failures are
// logged, never propagated.
func (s *PoolService) StartRefillLoop(ctx context.Context) {
	go func() {
		s.Refill(ctx)

		ticker := time.NewTicker(s.cfg.RefillInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Refill(ctx)
			}
		}
	}()
}

// Status reports the warm pool state per template.
func (s *PoolService) Status() map[string]PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]PoolStatus, len(s.templates))
	for name, tpl := range s.templates {
		out[name] = PoolStatus{Idle: len(s.idle[name]), Prewarm: tpl.Prewarm, PoolMax: tpl.PoolMax}
	}
	return out
}

// BreakerState reports the driver circuit breaker state.
func (s *PoolService) BreakerState() string {
	return s.breaker.State()
}

// provisionCold creates and persists a fresh environment. The row is written
// before the driver call so an interrupted provision leaves something the
// recovery sweep can find.
func (s *PoolService) provisionCold(ctx context.Context, tpl environment.Template) (*environment.Environment, error) {
	env := &environment.Environment{
		ID:        uuid.NewString(),
		Template:  tpl.Name,
		State:     environment.StateProvisioning,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateEnvironment(ctx, env); err != nil {
		return nil, fmt.Errorf("create environment: %w", err)
	}

	ctx, span := cbotel.StartProvisionSpan(ctx, tpl.Name)
	defer span.End()

	start := time.Now()
	var handle string
	err := func() error {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
		defer cancel()
		return s.limiter.Run(tctx, func() error {
			return s.breaker.Execute(func() error {
				var perr error
				handle, perr = s.driver.Provision(tctx, runtimedriver.ProvisionSpec{
					EnvironmentID: env.ID,
					Image:         tpl.Image,
					MemoryMB:      tpl.MemoryMB,
					CPUQuota:      tpl.CPUQuota,
					PidsLimit:     tpl.PidsLimit,
					NetworkMode:   tpl.NetworkMode,
					Labels: map[string]string{
						"corebase.environment": env.ID,
						"corebase.template":    tpl.Name,
					},
				})
				return perr
			})
		})
	}()
	if err != nil {
		env.State = environment.StateError
		env.Reason = err.Error()
		if uerr := s.store.UpdateEnvironment(ctx, env); uerr != nil {
			slog.Warn("record failed provision", "environment_id", env.ID, "error", uerr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: template %s after %s", domain.ErrProvisionTimeout, tpl.Name, s.cfg.ProvisionTimeout)
		}
		return nil, fmt.Errorf("%w: provision template %s: %w", domain.ErrDriver, tpl.Name, err)
	}

	env.Handle = handle
	env.State = environment.StatePaused
	if err := s.store.UpdateEnvironment(ctx, env); err != nil {
		if derr := s.driver.Destroy(ctx, handle); derr != nil {
			slog.Warn("destroy unpersisted environment", "environment_id", env.ID, "error", derr)
		}
		return nil, fmt.Errorf("persist environment %s: %w", env.ID, err)
	}

	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ProvisionDuration.Record(ctx, elapsed.Seconds())
	}
	slog.Info("environment provisioned", "environment_id", env.ID, "template", tpl.Name, "duration_ms", elapsed.Milliseconds())
	return env, nil
}

// retire destroys the backing resource and marks the row stopped.
func (s *PoolService) retire(ctx context.Context, env *environment.Environment, reason string) error {
	if env.Handle != "" {
		if err := s.breaker.Execute(func() error { return s.driver.Destroy(ctx, env.Handle) }); err != nil {
			slog.Warn("destroy environment", "environment_id", env.ID, "error", err)
		}
	}
	env.State = environment.StateStopped
	env.Reason = reason
	if err := s.store.UpdateEnvironment(ctx, env); err != nil {
		return fmt.Errorf("retire environment %s: %w", env.ID, err)
	}
	slog.Info("environment retired", "environment_id", env.ID, "template", env.Template, "reason", reason)
	return nil
}

func (s *PoolService) takeIdle(template string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.idle[template]
	if len(ids) == 0 {
		return ""
	}
	id := ids[len(ids)-1]
	s.idle[template] = ids[:len(ids)-1]
	return id
}

func (s *PoolService) putIdle(template, id string, max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.idle[template]) >= max {
		return false
	}
	s.idle[template] = append(s.idle[template], id)
	return true
}

func (s *PoolService) idleLen(template string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idle[template])
}
