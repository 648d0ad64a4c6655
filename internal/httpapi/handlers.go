package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/nexus-agentcore/internal/agent"
	"github.com/haasonsaas/nexus-agentcore/internal/permission"
	"github.com/haasonsaas/nexus-agentcore/internal/tasks"
	"github.com/haasonsaas/nexus-agentcore/pkg/models"
)

// DecisionRequest is the body of POST /v1/approvals/{id}.
type DecisionRequest struct {
	// Decision is allow_once, allow_always, or deny.
	Decision string `json:"decision"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// SessionStatusResponse is returned by GET /v1/sessions/{id}.
type SessionStatusResponse struct {
	SessionID string               `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	Pending   int                  `json:"pending"`
}

// TasksResponse is returned by GET /v1/sessions/{id}/tasks.
type TasksResponse struct {
	SessionID  string       `json:"session_id"`
	Items      []tasks.Item `json:"items"`
	Incomplete int          `json:"incomplete"`
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Approvals.ListPending()
	if session := r.URL.Query().Get("session_id"); session != "" {
		filtered := pending[:0]
		for _, p := range pending {
			if p.SessionID == session {
				filtered = append(filtered, p)
			}
		}
		pending = filtered
	}
	if pending == nil {
		pending = []permission.PendingApproval{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := s.deps.Approvals.Get(urlParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "approval request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	body, ok := readJSON[DecisionRequest](w, r, s.cfg.BodyLimit)
	if !ok {
		return
	}

	var err error
	switch strings.ReplaceAll(strings.ToLower(body.Decision), "-", "_") {
	case "allow_once", "allow", "approve":
		err = s.deps.Approvals.Approve(id, body.Actor, false)
	case "allow_always", "always":
		err = s.deps.Approvals.Approve(id, body.Actor, true)
	case "deny", "reject":
		err = s.deps.Approvals.Deny(id, body.Actor, body.Reason)
	default:
		writeError(w, http.StatusBadRequest, "decision must be allow_once, allow_always, or deny")
		return
	}
	if err != nil {
		s.writeApprovalError(w, r, err)
		return
	}

	s.logger.Info(r.Context(), "approval decided", "approval_id", id, "decision", body.Decision, "actor", body.Actor)
	req, _ := s.deps.Approvals.Get(id)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, permission.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, "approval request not found")
	case errors.Is(err, permission.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(r.Context(), "approval decision failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	writeJSON(w, http.StatusOK, SessionStatusResponse{
		SessionID: id,
		Status:    s.deps.Lanes.Status(id),
		Pending:   s.deps.Lanes.Pending(id),
	})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if !s.deps.Lanes.Cancel(id) {
		writeError(w, http.StatusConflict, "session has no running turn")
		return
	}
	s.logger.Info(r.Context(), "turn cancelled over http", "session_id", id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	input, ok := readJSON[agent.Input](w, r, s.cfg.BodyLimit)
	if !ok {
		return
	}
	if strings.TrimSpace(input.Text) == "" && len(input.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "text or attachments are required")
		return
	}

	state := s.deps.Sessions.Session(id)
	done := s.deps.Lanes.Submit(s.baseCtx, state, input)
	go func() {
		res := <-done
		if res.Err != nil {
			s.logger.Warn(s.baseCtx, "submitted turn failed", "session_id", id, "error", res.Err)
			return
		}
		s.logger.Info(s.baseCtx, "submitted turn finished", "session_id", id, "finish", res.Result.Finish, "steps", res.Result.Steps)
	}()

	writeJSON(w, http.StatusAccepted, SessionStatusResponse{
		SessionID: id,
		Status:    s.deps.Lanes.Status(id),
		Pending:   s.deps.Lanes.Pending(id),
	})
}

func (s *Server) sessionTasks(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	items, err := s.deps.Tasks.Read(r.Context(), id)
	if err != nil {
		s.logger.Error(r.Context(), "task read failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if items == nil {
		items = []tasks.Item{}
	}
	writeJSON(w, http.StatusOK, TasksResponse{
		SessionID:  id,
		Items:      items,
		Incomplete: len(tasks.Incomplete(items)),
	})
}

func (s *Server) sessionSubagents(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Subagents.List(urlParam(r, "id"))
	if list == nil {
		list = []agent.SubagentInfo{}
	}
	writeJSON(w, http.StatusOK, list)
}
