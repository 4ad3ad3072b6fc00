// Package dockercli implements the runtime driver port by shelling out to the
// docker CLI. Containers run read-only with tmpfs mounts for /tmp and
// /workspace, so a restart returns them to the image baseline.
package dockercli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/youlyank/corebase/internal/domain"
	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/port/runtimedriver"
)

const (
	labelManaged     = "corebase.managed"
	labelEnvironment = "corebase.environment"
)

// Driver runs environments as Docker containers via the docker CLI.
// It keeps no state of its own; the container ID is the handle.
type Driver struct {
	bin string
}

// New creates a Driver using the given docker binary.
func New(bin string) *Driver {
	if bin == "" {
		bin = "docker"
	}
	return &Driver{bin: bin}
}

// Name returns the driver identifier.
func (d *Driver) Name() string { return "docker" }

// Provision creates and starts a container for the spec and returns its ID.
func (d *Driver) Provision(ctx context.Context, spec runtimedriver.ProvisionSpec) (string, error) {
	args := []string{
		"run", "-d",
		"--name", fmt.Sprintf("corebase-%s", shortID(spec.EnvironmentID)),
		"--label", labelManaged + "=true",
		"--label", labelEnvironment + "=" + spec.EnvironmentID,
		fmt.Sprintf("--memory=%dm", spec.MemoryMB),
		fmt.Sprintf("--cpus=%.2f", float64(spec.CPUQuota)/1000),
		fmt.Sprintf("--pids-limit=%d", spec.PidsLimit),
	}

	if spec.NetworkMode != "" {
		args = append(args, fmt.Sprintf("--network=%s", spec.NetworkMode))
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", k+"="+v)
	}

	args = append(args,
		"--read-only",
		"--tmpfs", "/tmp",
		"--tmpfs", "/workspace",
		"--security-opt=no-new-privileges",
		"--cap-drop=ALL",
		spec.Image,
		"sleep", "infinity", // keep the container alive for docker exec
	)

	output, err := d.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("%w: provision: %v", domain.ErrDriver, err)
	}
	return strings.TrimSpace(output), nil
}

// Destroy force-removes the container. A handle that no longer exists is not
// an error.
func (d *Driver) Destroy(ctx context.Context, handle string) error {
	if _, err := d.run(ctx, "rm", "-f", handle); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("%w: destroy: %v", domain.ErrDriver, err)
	}
	return nil
}

// Restart restarts the container. The root filesystem is read-only and all
// writable paths are tmpfs, so this resets the environment to its baseline.
func (d *Driver) Restart(ctx context.Context, handle string) error {
	if _, err := d.run(ctx, "restart", "-t", "5", handle); err != nil {
		return fmt.Errorf("%w: restart: %v", domain.ErrDriver, err)
	}
	return nil
}

// Exec runs a command inside the container and waits for completion.
func (d *Driver) Exec(ctx context.Context, handle string, req environment.ExecRequest) (*environment.ExecResult, error) {
	args := []string{"exec"}
	if req.WorkingDir != "" {
		args = append(args, "-w", req.WorkingDir)
	}
	for k, v := range req.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, handle)
	args = append(args, req.Argv...)

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, d.bin, args...) //nolint:gosec // G204: docker args are constructed internally, not from user input
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := &environment.ExecResult{
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Duration: elapsed,
	}

	if err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: after %v", domain.ErrExecTimeout, req.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("%w: exec: %v", domain.ErrDriver, err)
	}
	return result, nil
}

// Logs streams container log lines, starting at most tail lines back.
// The channel closes when the stream ends or ctx is cancelled.
func (d *Driver) Logs(ctx context.Context, handle string, tail int) (<-chan string, error) {
	args := []string{"logs"}
	if tail > 0 {
		args = append(args, "--tail", fmt.Sprintf("%d", tail))
	}
	args = append(args, handle)

	cmd := exec.CommandContext(ctx, d.bin, args...) //nolint:gosec // G204: docker args are constructed internally, not from user input

	// docker logs splits the container's stdout and stderr; interleave them
	// on a single pipe in arrival order.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: logs: %v", domain.ErrDriver, err)
	}

	go func() {
		_ = cmd.Wait()
		_ = pw.Close()
	}()

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				_ = pr.CloseWithError(ctx.Err())
				return
			}
		}
	}()

	return lines, nil
}

// Stats samples container resource usage via docker stats.
func (d *Driver) Stats(ctx context.Context, handle string) (*environment.ResourceSnapshot, error) {
	output, err := d.run(ctx,
		"stats", "--no-stream",
		"--format", "{{.CPUPerc}}|{{.MemUsage}}|{{.NetIO}}",
		handle,
	)
	if err != nil {
		// A stopped or vanished container is an expected condition for the
		// monitor loop, not a failure.
		return &environment.ResourceSnapshot{SampledAt: time.Now(), Unavailable: true}, nil
	}

	snap, err := parseStats(strings.TrimSpace(output))
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %v", domain.ErrDriver, err)
	}
	snap.SampledAt = time.Now()
	return snap, nil
}

// run executes a docker command and returns stdout.
func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin, args...) //nolint:gosec // G204: docker args are constructed internally, not from user input

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// shortID returns the first 12 characters of an ID (or the full string if shorter).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func isNoSuchContainer(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container")
}
