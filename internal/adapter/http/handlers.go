package http

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/middleware"
	"github.com/youlyank/corebase/internal/service"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connected reports whether a message transport is connected.
type Connected interface {
	IsConnected() bool
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Orchestrator *service.OrchestratorService
	Pool         *service.PoolService
	Collab       *service.CollabService
	Audit        *service.AuditService

	// Readiness checks. Either may be nil in tests.
	DB    Pinger
	Queue Connected
}

// --- Health ---

// Health handles GET /health (liveness).
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready (readiness: postgres reachable, NATS connected).
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	type readiness struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
	}
	out := readiness{Status: "ready", Postgres: "ok", NATS: "ok"}
	status := http.StatusOK

	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			out.Status = "degraded"
			out.Postgres = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if h.Queue != nil && !h.Queue.IsConnected() {
		out.Status = "degraded"
		out.NATS = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

// --- Project runtimes ---

type startRuntimeRequest struct {
	Template string `json:"template"`
}

// StartRuntime handles POST /api/v1/projects/{id}/runtime/start
func (h *Handlers) StartRuntime(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "id")
	req, ok := readJSON[startRuntimeRequest](w, r)
	if !ok {
		return
	}

	env, err := h.Orchestrator.StartProject(r.Context(), projectID, middleware.UserID(r.Context()), req.Template)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

// StopRuntime handles POST /api/v1/projects/{id}/runtime/stop
func (h *Handlers) StopRuntime(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "id")
	if err := h.Orchestrator.StopProject(r.Context(), projectID, middleware.UserID(r.Context())); err != nil {
		writeDomainError(w, err, "project runtime not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// RestartRuntime handles POST /api/v1/projects/{id}/runtime/restart
func (h *Handlers) RestartRuntime(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "id")
	env, err := h.Orchestrator.RestartProject(r.Context(), projectID, middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "project runtime not found")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// RuntimeStatus handles GET /api/v1/projects/{id}/runtime
func (h *Handlers) RuntimeStatus(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "id")
	env, err := h.Orchestrator.Status(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err, "project runtime not found")
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// execCommandRequest is the wire form of an exec call. The timeout crosses the
// wire as integer milliseconds.
type execCommandRequest struct {
	Argv       []string          `json:"argv"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	TimeoutMs  int64             `json:"timeout_ms,omitempty"` // 0 = orchestrator default
}

// ExecCommand handles POST /api/v1/projects/{id}/exec
func (h *Handlers) ExecCommand(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "id")
	req, ok := readJSON[execCommandRequest](w, r)
	if !ok {
		return
	}

	result, err := h.Orchestrator.ExecCommand(r.Context(), projectID, middleware.UserID(r.Context()), &environment.ExecRequest{
		Argv:       req.Argv,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeDomainError(w, err, "project runtime not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// StreamLogs handles GET /api/v1/projects/{id}/logs
// Lines are streamed as plain text until the log stream ends or the client
// disconnects. ?tail=N bounds how far back the stream starts.
func (h *Handlers) StreamLogs(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "id")
	tail := queryInt(r, "tail", 0)

	lines, err := h.Orchestrator.GetLogs(r.Context(), projectID, middleware.UserID(r.Context()), tail)
	if err != nil {
		writeDomainError(w, err, "project runtime not found")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// RuntimeMetrics handles GET /api/v1/projects/{id}/metrics
func (h *Handlers) RuntimeMetrics(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "id")
	snap, err := h.Orchestrator.GetMetrics(r.Context(), projectID, middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "project runtime not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// --- Pools (dev only) ---

// PoolStatus handles GET /api/v1/debug/pools
func (h *Handlers) PoolStatus(w http.ResponseWriter, _ *http.Request) {
	type poolDebug struct {
		Templates map[string]service.PoolStatus `json:"templates"`
		Breaker   string                        `json:"breaker"`
	}
	writeJSON(w, http.StatusOK, poolDebug{
		Templates: h.Pool.Status(),
		Breaker:   h.Pool.BreakerState(),
	})
}
