// Package runtimedriver defines the runtime driver port (interface) for
// provisioning and operating isolated execution environments.
package runtimedriver

import (
	"context"

	"github.com/youlyank/corebase/internal/domain/environment"
)

// ProvisionSpec describes the environment a driver should create.
type ProvisionSpec struct {
	// EnvironmentID names the environment; drivers use it to label the
	// backing resource so orphans can be found after a crash.
	EnvironmentID string

	Image       string
	MemoryMB    int
	CPUQuota    int
	PidsLimit   int
	NetworkMode string
	Labels      map[string]string
}

// Driver is the port interface for a concrete runtime backend. All calls are
// potentially slow remote operations; callers must not hold locks across them.
type Driver interface {
	// Name returns the unique identifier for this driver (e.g. "docker", "firecracker").
	Name() string

	// Provision creates a new environment and returns its opaque handle.
	// The handle is meaningful only to this driver.
	Provision(ctx context.Context, spec ProvisionSpec) (handle string, err error)

	// Destroy tears down the environment. Destroying an already-gone handle
	// is not an error.
	Destroy(ctx context.Context, handle string) error

	// Restart resets the environment to its image baseline, discarding all
	// runtime state. Used when a pooled environment is recycled.
	Restart(ctx context.Context, handle string) error

	// Exec runs a command inside the environment and waits for it to finish.
	// The request's timeout bounds the whole execution.
	Exec(ctx context.Context, handle string, req environment.ExecRequest) (*environment.ExecResult, error)

	// Logs returns a channel of log lines from the environment, starting at
	// most tail lines back. The channel is closed when the log stream ends or
	// ctx is cancelled; a consumed stream cannot be rewound.
	Logs(ctx context.Context, handle string, tail int) (<-chan string, error)

	// Stats samples current resource usage. A driver that cannot observe the
	// environment returns a snapshot with Unavailable set rather than an error.
	Stats(ctx context.Context, handle string) (*environment.ResourceSnapshot, error)
}
