// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates a request failed validation before any side effect.
var ErrValidation = errors.New("validation failed")

// ErrAlreadyRunning is returned when starting a project whose runtime is
// already running or provisioning.
var ErrAlreadyRunning = errors.New("project runtime already running")

// ErrNotRunning is returned when an operation requires a running environment.
var ErrNotRunning = errors.New("project runtime not running")

// ErrProvisionTimeout indicates provisioning did not complete within the
// configured deadline.
var ErrProvisionTimeout = errors.New("environment provisioning timed out")

// ErrExecTimeout indicates a command exceeded its timeout. The in-flight
// command is abandoned; the environment stays up.
var ErrExecTimeout = errors.New("command execution timed out")

// ErrDriver wraps a failure reported by the runtime driver. Non-retryable
// unless the caller knows better.
var ErrDriver = errors.New("runtime driver error")

// ErrSessionFull is returned when a join would exceed the session's max users.
var ErrSessionFull = errors.New("session is full")

// ErrSessionNotFound indicates the session does not exist (or was cleaned up).
var ErrSessionNotFound = errors.New("session not found")

// ErrPermissionDenied indicates the caller lacks the permission for an action.
var ErrPermissionDenied = errors.New("permission denied")

// ErrIdleTimeout records that a runtime was reclaimed by the idle sweep.
// Informational: it appears as a stop reason, not as a user-facing failure.
var ErrIdleTimeout = errors.New("idle timeout")
