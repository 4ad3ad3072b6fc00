package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	cbhttp "github.com/youlyank/corebase/internal/adapter/http"
	"github.com/youlyank/corebase/internal/config"
	"github.com/youlyank/corebase/internal/domain"
	"github.com/youlyank/corebase/internal/domain/audit"
	"github.com/youlyank/corebase/internal/domain/environment"
	"github.com/youlyank/corebase/internal/domain/session"
	"github.com/youlyank/corebase/internal/middleware"
	"github.com/youlyank/corebase/internal/port/messagequeue"
	"github.com/youlyank/corebase/internal/port/runtimedriver"
	"github.com/youlyank/corebase/internal/provision"
	"github.com/youlyank/corebase/internal/resilience"
	"github.com/youlyank/corebase/internal/service"
)

var errMockNotFound = fmt.Errorf("mock: %w", domain.ErrNotFound)

// mockStore implements database.Store for testing.
type mockStore struct {
	mu       sync.Mutex
	envs     []environment.Environment
	sessions []session.Session
	entries  []audit.Entry
}

func (m *mockStore) ListEnvironments(_ context.Context) ([]environment.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]environment.Environment, len(m.envs))
	copy(out, m.envs)
	return out, nil
}

func (m *mockStore) GetEnvironment(_ context.Context, id string) (*environment.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.envs {
		if m.envs[i].ID == id {
			env := m.envs[i]
			return &env, nil
		}
	}
	return nil, errMockNotFound
}

func (m *mockStore) GetEnvironmentByProject(_ context.Context, projectID string) (*environment.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if projectID == "" {
		return nil, errMockNotFound
	}
	for i := range m.envs {
		if m.envs[i].ProjectID == projectID && !m.envs[i].State.Terminal() {
			env := m.envs[i]
			return &env, nil
		}
	}
	return nil, errMockNotFound
}

func (m *mockStore) CreateEnvironment(_ context.Context, env *environment.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, *env)
	return nil
}

func (m *mockStore) UpdateEnvironment(_ context.Context, env *environment.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.envs {
		if m.envs[i].ID == env.ID {
			m.envs[i] = *env
			return nil
		}
	}
	return errMockNotFound
}

func (m *mockStore) TouchEnvironment(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.envs {
		if m.envs[i].ID == id && m.envs[i].State == environment.StateRunning {
			m.envs[i].LastActive = at
		}
	}
	return nil
}

func (m *mockStore) DeleteEnvironment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.envs {
		if m.envs[i].ID == id {
			m.envs = append(m.envs[:i], m.envs[i+1:]...)
			return nil
		}
	}
	return errMockNotFound
}

func (m *mockStore) ListSessions(_ context.Context, projectID string) ([]session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.Session
	for i := range m.sessions {
		if projectID == "" || m.sessions[i].ProjectID == projectID {
			out = append(out, m.sessions[i])
		}
	}
	return out, nil
}

func (m *mockStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			sess := m.sessions[i]
			return &sess, nil
		}
	}
	return nil, errMockNotFound
}

func (m *mockStore) SaveSession(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == s.ID {
			m.sessions[i] = *s
			return nil
		}
	}
	m.sessions = append(m.sessions, *s)
	return nil
}

func (m *mockStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].ID == id {
			m.sessions = append(m.sessions[:i], m.sessions[i+1:]...)
			return nil
		}
	}
	return errMockNotFound
}

func (m *mockStore) AppendAudit(_ context.Context, entry audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockStore) ListAudit(_ context.Context, _ audit.Filter, _ string, _ int) (*audit.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := &audit.Page{Entries: make([]audit.Entry, len(m.entries)), Total: len(m.entries)}
	copy(page.Entries, m.entries)
	return page, nil
}

// mockDriver implements runtimedriver.Driver for testing.
type mockDriver struct {
	mu         sync.Mutex
	provisions int
	lastExec   environment.ExecRequest
}

func (d *mockDriver) Name() string { return "mock" }

func (d *mockDriver) Provision(_ context.Context, _ runtimedriver.ProvisionSpec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.provisions++
	return fmt.Sprintf("handle-%d", d.provisions), nil
}

func (d *mockDriver) Destroy(_ context.Context, _ string) error { return nil }

func (d *mockDriver) Restart(_ context.Context, _ string) error { return nil }

func (d *mockDriver) Exec(_ context.Context, _ string, req environment.ExecRequest) (*environment.ExecResult, error) {
	d.mu.Lock()
	d.lastExec = req
	d.mu.Unlock()
	return &environment.ExecResult{ExitCode: 0, Stdout: "ran " + strings.Join(req.Argv, " ")}, nil
}

func (d *mockDriver) Logs(_ context.Context, _ string, _ int) (<-chan string, error) {
	ch := make(chan string, 2)
	ch <- "line one"
	ch <- "line two"
	close(ch)
	return ch, nil
}

func (d *mockDriver) Stats(_ context.Context, _ string) (*environment.ResourceSnapshot, error) {
	return &environment.ResourceSnapshot{MemoryUsedBytes: 1 << 20}, nil
}

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	mu        sync.Mutex
	published []string
}

func (q *mockQueue) Publish(_ context.Context, subject string, _ []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, subject)
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func newTestRouter() chi.Router {
	r, _ := newTestRouterDriver()
	return r
}

func newTestRouterDriver() (chi.Router, *mockDriver) {
	store := &mockStore{}
	driver := &mockDriver{}
	queue := &mockQueue{}

	templates := []config.Template{{
		Name:     "go-1.24",
		Image:    "corebase/go:1.24",
		MemoryMB: 1024,
		CPUQuota: 100,
		PoolMax:  2,
	}}
	pool := service.NewPoolService(store, driver,
		resilience.NewBreaker(5, time.Second),
		provision.NewLimiter(2),
		&config.Pool{ProvisionTimeout: 5 * time.Second, MaxColdProvisions: 2, RefillInterval: time.Minute},
		templates,
	)
	authz := service.NewAuthorizer(store)
	orch := service.NewOrchestratorService(store, driver, pool, queue, authz, &config.Runtime{
		IdleTimeout:        time.Hour,
		DefaultExecTimeout: 2 * time.Second,
		LogTail:            200,
		SweepInterval:      time.Minute,
	})
	collab := service.NewCollabService(store, queue, &config.Collab{
		DefaultMaxUsers: 8,
		EmptyGrace:      time.Minute,
		CleanupInterval: time.Minute,
		JoinCodeCost:    bcrypt.MinCost,
	})
	authz.SetCollab(collab)
	orch.SetCollab(collab)

	handlers := &cbhttp.Handlers{
		Orchestrator: orch,
		Pool:         pool,
		Collab:       collab,
		Audit:        service.NewAuditService(store, queue),
		Queue:        queue,
	}

	r := chi.NewRouter()
	r.Use(middleware.Identity(false))
	cbhttp.MountRoutes(r, handlers)
	return r, driver
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func startTestRuntime(t *testing.T, r chi.Router) environment.Environment {
	t.Helper()
	w := doJSON(t, r, "POST", "/api/v1/projects/proj-1/runtime/start", map[string]string{"template": "go-1.24"}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var env environment.Environment
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	return env
}

// --- Health / version ---

func TestHealthEndpoints(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest("GET", "/health", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/health/ready", http.NoBody)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestVersionEndpoint(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest("GET", "/api/v1/", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result["version"] != "0.1.0" {
		t.Fatalf("expected version 0.1.0, got %q", result["version"])
	}
}

// --- Project runtimes ---

func TestStartAndStopRuntime(t *testing.T) {
	r := newTestRouter()

	env := startTestRuntime(t, r)
	if env.State != environment.StateRunning {
		t.Fatalf("state = %q, want running", env.State)
	}
	if env.OwnerID != "local-dev" {
		t.Fatalf("owner = %q, want the caller identity", env.OwnerID)
	}

	w := doJSON(t, r, "GET", "/api/v1/projects/proj-1/runtime", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, r, "POST", "/api/v1/projects/proj-1/runtime/stop", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The environment returned to the pool; the project has no runtime now.
	w = doJSON(t, r, "GET", "/api/v1/projects/proj-1/runtime", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after stop, got %d", w.Code)
	}
}

func TestStartRuntimeUnknownTemplate(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "POST", "/api/v1/projects/proj-1/runtime/start", map[string]string{"template": "cobol-74"}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStartRuntimeTwice(t *testing.T) {
	r := newTestRouter()
	startTestRuntime(t, r)

	w := doJSON(t, r, "POST", "/api/v1/projects/proj-1/runtime/start", map[string]string{"template": "go-1.24"}, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStopRuntimeIdempotent(t *testing.T) {
	r := newTestRouter()

	// Stopping a project with no runtime is a silent no-op.
	w := doJSON(t, r, "POST", "/api/v1/projects/proj-1/runtime/stop", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestStopRuntimePermission(t *testing.T) {
	r := newTestRouter()
	startTestRuntime(t, r)

	w := doJSON(t, r, "POST", "/api/v1/projects/proj-1/runtime/stop", nil, "intruder")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRestartRuntime(t *testing.T) {
	r := newTestRouter()
	startTestRuntime(t, r)

	w := doJSON(t, r, "POST", "/api/v1/projects/proj-1/runtime/restart", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var env environment.Environment
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.State != environment.StateRunning {
		t.Fatalf("state = %q, want running", env.State)
	}
}

func TestExecEndpoint(t *testing.T) {
	r, driver := newTestRouterDriver()
	startTestRuntime(t, r)

	w := doJSON(t, r, "POST", "/api/v1/projects/proj-1/exec", map[string]any{
		"argv":       []string{"echo", "hi"},
		"timeout_ms": 1500,
	}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var result environment.ExecResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 0 || result.Stdout != "ran echo hi" {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The wire timeout is integer milliseconds, not a duration.
	driver.mu.Lock()
	got := driver.lastExec.Timeout
	driver.mu.Unlock()
	if got != 1500*time.Millisecond {
		t.Fatalf("driver timeout = %v, want 1.5s", got)
	}
}

func TestExecEndpointValidation(t *testing.T) {
	r := newTestRouter()
	startTestRuntime(t, r)

	w := doJSON(t, r, "POST", "/api/v1/projects/proj-1/exec", map[string]any{}, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLogsEndpoint(t *testing.T) {
	r := newTestRouter()
	startTestRuntime(t, r)

	w := doJSON(t, r, "GET", "/api/v1/projects/proj-1/logs?tail=10", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !strings.Contains(body, "line one") || !strings.Contains(body, "line two") {
		t.Fatalf("unexpected log body: %q", body)
	}
}

func TestMetricsEndpointNoSamples(t *testing.T) {
	r := newTestRouter()
	startTestRuntime(t, r)

	w := doJSON(t, r, "GET", "/api/v1/projects/proj-1/metrics", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap environment.ResourceSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Unavailable {
		t.Fatal("expected an unavailable placeholder before any sampling")
	}
}

// --- Collaboration sessions ---

func TestSessionLifecycle(t *testing.T) {
	r := newTestRouter()
	env := startTestRuntime(t, r)

	w := doJSON(t, r, "POST", "/api/v1/sessions", session.CreateRequest{
		ProjectID:     "proj-1",
		EnvironmentID: env.ID,
	}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var sess session.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}
	if len(sess.Participants) != 1 || sess.Participants[0].Role != session.RoleOwner {
		t.Fatalf("unexpected participants: %+v", sess.Participants)
	}

	// Another user joins as editor by default.
	w = doJSON(t, r, "POST", "/api/v1/sessions/"+sess.ID+"/join", map[string]string{}, "user-2")
	if w.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "POST", "/api/v1/sessions/"+sess.ID+"/cursor", session.Cursor{Path: "main.go", Line: 3}, "user-2")
	if w.Code != http.StatusNoContent {
		t.Fatalf("cursor: expected 204, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, "GET", "/api/v1/projects/proj-1/sessions", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var sessions []session.Session
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || len(sessions[0].Participants) != 2 {
		t.Fatalf("unexpected session list: %+v", sessions)
	}

	w = doJSON(t, r, "POST", "/api/v1/sessions/"+sess.ID+"/leave", nil, "user-2")
	if w.Code != http.StatusOK {
		t.Fatalf("leave: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSessionShareAndJoinWithCode(t *testing.T) {
	r := newTestRouter()
	env := startTestRuntime(t, r)

	w := doJSON(t, r, "POST", "/api/v1/sessions", session.CreateRequest{
		ProjectID:     "proj-1",
		EnvironmentID: env.ID,
	}, "")
	var sess session.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, r, "POST", "/api/v1/sessions/"+sess.ID+"/share", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("share: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var shared map[string]string
	if err := json.NewDecoder(w.Body).Decode(&shared); err != nil {
		t.Fatal(err)
	}
	code := shared["join_code"]
	if code == "" {
		t.Fatal("empty join code")
	}

	w = doJSON(t, r, "POST", "/api/v1/sessions/"+sess.ID+"/join", map[string]string{"code": "WRONG"}, "user-2")
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong code: expected 403, got %d", w.Code)
	}
	w = doJSON(t, r, "POST", "/api/v1/sessions/"+sess.ID+"/join", map[string]string{"code": code}, "user-2")
	if w.Code != http.StatusOK {
		t.Fatalf("valid code: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSessionNotFound(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/sessions/nonexistent", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Audit ---

func TestAuditEndpoint(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/audit?limit=10", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page audit.Page
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}

	w = doJSON(t, r, "GET", "/api/v1/audit?after=not-a-time", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad timestamp, got %d", w.Code)
	}
}

// --- Dev tools ---

func TestDebugPoolsGated(t *testing.T) {
	r := newTestRouter()

	w := doJSON(t, r, "GET", "/api/v1/debug/pools", nil, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 outside development, got %d", w.Code)
	}

	t.Setenv("APP_ENV", "development")
	w = doJSON(t, r, "GET", "/api/v1/debug/pools", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 in development, got %d", w.Code)
	}
	var status struct {
		Templates map[string]service.PoolStatus `json:"templates"`
		Breaker   string                        `json:"breaker"`
	}
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if _, ok := status.Templates["go-1.24"]; !ok {
		t.Fatalf("missing template in pool status: %v", status.Templates)
	}
	if status.Breaker != "closed" {
		t.Fatalf("expected closed breaker, got %q", status.Breaker)
	}
}
