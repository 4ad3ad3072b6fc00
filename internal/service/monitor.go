package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/youlyank/corebase/internal/config"
	"github.com/youlyank/corebase/internal/domain"
	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/port/cache"
	"github.com/youlyank/corebase/internal/port/database"
	"github.com/youlyank/corebase/internal/port/messagequeue"
	"github.com/youlyank/corebase/internal/port/runtimedriver"
)

// MonitorService samples resource usage of running environments on a fixed
// interval, caches the latest snapshot per environment, and publishes each
// sample for live dashboards.
type MonitorService struct {
	store  database.Store
	driver runtimedriver.Driver
	cache  cache.Cache
	queue  messagequeue.Queue
	cfg    *config.Monitor
	ttl    time.Duration
}

// NewMonitorService creates a MonitorService. Snapshots live in the cache for
// ttl; after that Latest reports no data rather than serving ancient numbers.
func NewMonitorService(store database.Store, driver runtimedriver.Driver, c cache.Cache, queue messagequeue.Queue, monitorCfg *config.Monitor, ttl time.Duration) *MonitorService {
	return &MonitorService{
		store:  store,
		driver: driver,
		cache:  c,
		queue:  queue,
		cfg:    monitorCfg,
		ttl:    ttl,
	}
}

// Start runs the sampling loop until ctx is cancelled. The first tick fires
// immediately so dashboards have data right after boot.
func (s *MonitorService) Start(ctx context.Context) {
	go func() {
		s.Tick(ctx)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Tick samples every running environment once. Environments are sampled
// concurrently; one slow container cannot starve the rest of the fleet.
func (s *MonitorService) Tick(ctx context.Context) {
	envs, err := s.store.ListEnvironments(ctx)
	if err != nil {
		slog.Warn("monitor list environments", "error", err)
		return
	}

	var wg sync.WaitGroup
	for i := range envs {
		env := envs[i]
		if env.State != environment.StateRunning {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sample(ctx, &env)
		}()
	}
	wg.Wait()
}

// Latest returns the most recent snapshot for the environment, or ErrNotFound
// when nothing has been sampled within the cache window.
func (s *MonitorService) Latest(ctx context.Context, environmentID string) (*environment.ResourceSnapshot, error) {
	data, ok, err := s.cache.Get(ctx, snapshotKey(environmentID))
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: no snapshot for environment %s", domain.ErrNotFound, environmentID)
	}
	var snap environment.ResourceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// sample takes one reading. A failed read keeps the previous numbers and
// flags them unavailable instead of zeroing usage graphs. Drivers report an
// unobservable environment as a snapshot with Unavailable set and no error;
// that counts as a failed read too.
func (s *MonitorService) sample(ctx context.Context, env *environment.Environment) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SampleTimeout)
	snap, err := s.driver.Stats(sctx, env.Handle)
	cancel()

	if err != nil || snap == nil || snap.Unavailable {
		if err != nil {
			slog.Warn("sample environment", "environment_id", env.ID, "error", err)
		}
		snap = s.lastGood(ctx, env.ID)
		snap.Unavailable = true
	} else {
		snap.EnvironmentID = env.ID
		snap.SampledAt = time.Now().UTC()
		snap.Unavailable = false
	}

	data, err := json.Marshal(snap)
	if err != nil {
		slog.Warn("encode snapshot", "environment_id", env.ID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, snapshotKey(env.ID), data, s.ttl); err != nil {
		slog.Warn("cache snapshot", "environment_id", env.ID, "error", err)
	}

	payload := messagequeue.MetricsSamplePayload{
		EnvironmentID:    snap.EnvironmentID,
		ProjectID:        env.ProjectID,
		MemoryUsedBytes:  snap.MemoryUsedBytes,
		MemoryLimitBytes: snap.MemoryLimitBytes,
		CPUPercent:       snap.CPUPercent,
		NetRxBytes:       snap.NetRxBytes,
		NetTxBytes:       snap.NetTxBytes,
		SampledAt:        snap.SampledAt,
		Unavailable:      snap.Unavailable,
	}
	if err := s.publishJSON(ctx, messagequeue.SubjectMetricsSample, payload); err != nil {
		slog.Warn("publish metrics sample", "environment_id", env.ID, "error", err)
	}
}

// lastGood returns the cached snapshot for the environment, or an empty one
// carrying just the id. Stale numbers keep their original SampledAt so
// readers can see how old they are.
func (s *MonitorService) lastGood(ctx context.Context, environmentID string) *environment.ResourceSnapshot {
	snap := &environment.ResourceSnapshot{EnvironmentID: environmentID}
	data, ok, err := s.cache.Get(ctx, snapshotKey(environmentID))
	if err != nil || !ok {
		return snap
	}
	if err := json.Unmarshal(data, snap); err != nil {
		return &environment.ResourceSnapshot{EnvironmentID: environmentID}
	}
	return snap
}

func (s *MonitorService) publishJSON(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return s.queue.Publish(ctx, subject, data)
}

func snapshotKey(environmentID string) string {
	return "snapshot:" + environmentID
}
