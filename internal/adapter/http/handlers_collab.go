package http

import (
	"net/http"
	"time"

	"github.com/youlyank/corebase/internal/domain/audit"
	"github.com/youlyank/corebase/internal/domain/session"
	"github.com/youlyank/corebase/internal/middleware"
)

// --- Collaboration sessions ---

// CreateSession handles POST /api/v1/sessions
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[session.CreateRequest](w, r)
	if !ok {
		return
	}

	sess, err := h.Collab.CreateSession(r.Context(), middleware.UserID(r.Context()), &req)
	if err != nil {
		writeDomainError(w, err, "environment not found")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	sess, err := h.Collab.GetSession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ListProjectSessions handles GET /api/v1/projects/{id}/sessions
func (h *Handlers) ListProjectSessions(w http.ResponseWriter, r *http.Request) {
	projectID := urlParam(r, "id")
	sessions, err := h.Collab.ListProjectSessions(r.Context(), projectID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type joinSessionRequest struct {
	Code string       `json:"code,omitempty"`
	Role session.Role `json:"role,omitempty"`
}

// JoinSession handles POST /api/v1/sessions/{id}/join
func (h *Handlers) JoinSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	req, ok := readJSON[joinSessionRequest](w, r)
	if !ok {
		return
	}

	sess, err := h.Collab.Join(r.Context(), id, middleware.UserID(r.Context()), req.Code, req.Role)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// LeaveSession handles POST /api/v1/sessions/{id}/leave
func (h *Handlers) LeaveSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Collab.Leave(r.Context(), id, middleware.UserID(r.Context())); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

// UpdateCursor handles POST /api/v1/sessions/{id}/cursor
// Cursor updates fire on every movement, so the response body stays empty.
func (h *Handlers) UpdateCursor(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	cur, ok := readJSON[session.Cursor](w, r)
	if !ok {
		return
	}

	if err := h.Collab.UpdateCursor(r.Context(), id, middleware.UserID(r.Context()), cur); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ShareSession handles POST /api/v1/sessions/{id}/share
// The join code is returned exactly once; only its hash is stored.
func (h *Handlers) ShareSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	code, err := h.Collab.Share(r.Context(), id, middleware.UserID(r.Context()))
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"join_code": code})
}

// --- Audit log ---

// AuditLog handles GET /api/v1/audit
func (h *Handlers) AuditLog(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilterFromQuery(w, r)
	if !ok {
		return
	}

	page, err := h.Audit.Query(r.Context(), filter, r.URL.Query().Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// ProjectAuditLog handles GET /api/v1/projects/{id}/audit
func (h *Handlers) ProjectAuditLog(w http.ResponseWriter, r *http.Request) {
	filter, ok := auditFilterFromQuery(w, r)
	if !ok {
		return
	}
	filter.ProjectID = urlParam(r, "id")

	page, err := h.Audit.Query(r.Context(), filter, r.URL.Query().Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func auditFilterFromQuery(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	q := r.URL.Query()
	filter := audit.Filter{
		ProjectID:     q.Get("project"),
		EnvironmentID: q.Get("environment"),
		SessionID:     q.Get("session"),
		Action:        q.Get("action"),
	}
	if v := q.Get("after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after timestamp; use RFC 3339")
			return filter, false
		}
		filter.After = &ts
	}
	if v := q.Get("before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid before timestamp; use RFC 3339")
			return filter, false
		}
		filter.Before = &ts
	}
	return filter, true
}
