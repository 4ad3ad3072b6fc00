// Package environment defines the Environment domain entity: one isolated
// execution sandbox backing a project's runtime.
package environment

import (
	"fmt"
	"time"

	"github.com/youlyank/corebase/internal/domain"
)

// State represents the lifecycle state of an environment.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StatePaused       State = "paused" // warm, pooled, unassigned
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Terminal reports whether the state is terminal. A project/template pair may
// hold at most one non-terminal environment outside the warm pool.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError
}

// Environment is an isolated, reusable execution sandbox. The Handle is the
// driver-issued reference (container id, VM name) and is opaque to the core.
type Environment struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id,omitempty"` // empty while pooled
	OwnerID    string    `json:"owner_id,omitempty"`
	Template   string    `json:"template"`
	Handle     string    `json:"handle"`
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"` // cause for error/stopped states
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at"`
	LastActive time.Time `json:"last_active"`
}

// ResourceSnapshot is the latest sampled resource usage of an environment.
// Snapshots are refreshed with overwrite semantics, never persisted per tick.
type ResourceSnapshot struct {
	EnvironmentID    string    `json:"environment_id"`
	MemoryUsedBytes  int64     `json:"memory_used_bytes"`
	MemoryLimitBytes int64     `json:"memory_limit_bytes"`
	CPUPercent       float64   `json:"cpu_percent"`
	NetRxBytes       int64     `json:"net_rx_bytes"`
	NetTxBytes       int64     `json:"net_tx_bytes"`
	SampledAt        time.Time `json:"sampled_at"`

	// Unavailable marks a stale snapshot kept after a failed sample. It is
	// cleared by the next successful sample.
	Unavailable bool `json:"unavailable,omitempty"`
}

// Template is a named configuration from which environments are provisioned.
type Template struct {
	Name        string `yaml:"name" json:"name"`
	Image       string `yaml:"image" json:"image"`
	MemoryMB    int    `yaml:"memory_mb" json:"memory_mb"`
	CPUQuota    int    `yaml:"cpu_quota" json:"cpu_quota"` // millicores, 1000 = one core
	PidsLimit   int    `yaml:"pids_limit" json:"pids_limit"`
	NetworkMode string `yaml:"network_mode" json:"network_mode"`
	PoolMax     int    `yaml:"pool_max" json:"pool_max"` // warm slots ceiling
	Prewarm     int    `yaml:"prewarm" json:"prewarm"`   // warm slots target
}

// Validate checks template fields that would otherwise fail deep inside the
// driver.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("%w: template name is required", domain.ErrValidation)
	}
	if t.Image == "" {
		return fmt.Errorf("%w: template %s: template image is required", domain.ErrValidation, t.Name)
	}
	if t.MemoryMB <= 0 {
		return fmt.Errorf("%w: template %s: memory_mb must be > 0", domain.ErrValidation, t.Name)
	}
	if t.CPUQuota <= 0 {
		return fmt.Errorf("%w: template %s: cpu_quota must be > 0", domain.ErrValidation, t.Name)
	}
	if t.PoolMax < 1 {
		return fmt.Errorf("%w: template %s: pool_max must be >= 1", domain.ErrValidation, t.Name)
	}
	if t.Prewarm < 0 {
		return fmt.Errorf("%w: template %s: prewarm must be >= 0", domain.ErrValidation, t.Name)
	}
	if t.Prewarm > t.PoolMax {
		return fmt.Errorf("%w: template %s: prewarm must be <= pool_max", domain.ErrValidation, t.Name)
	}
	return nil
}

// ExecRequest describes one command invocation inside an environment.
type ExecRequest struct {
	Argv       []string          `json:"argv"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Timeout    time.Duration     `json:"-"` // 0 = orchestrator default; transports carry milliseconds
}

// Validate rejects malformed exec requests before any driver call.
func (r *ExecRequest) Validate() error {
	if len(r.Argv) == 0 || r.Argv[0] == "" {
		return fmt.Errorf("%w: argv must not be empty", domain.ErrValidation)
	}
	if r.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", domain.ErrValidation)
	}
	return nil
}

// ExecResult is the single terminal outcome of an exec invocation. A timed-out
// or failed invocation produces an error instead, never both.
type ExecResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}
