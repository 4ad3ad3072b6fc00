// Package provision provides shared utilities for environment provisioning.
package provision

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter caps concurrent cold provisions using a weighted semaphore.
// All driver Provision calls that miss the warm pool should go through a
// shared Limiter to keep a burst of projects from saturating the host.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter creates a Limiter that allows at most limit concurrent provisions.
func NewLimiter(limit int) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the limiter is nil, fn is executed directly without concurrency control.
func (l *Limiter) Run(ctx context.Context, fn func() error) error {
	if l == nil || l.sem == nil {
		return fn()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn()
}
