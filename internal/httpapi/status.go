// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/flowbridge/bridge/internal/execregistry"
)

type statusUpdateRequest struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	ExecID    string `json:"execId"`
	SessionID string `json:"sessionId"`

	Status   *string `json:"status"`
	Result   any     `json:"result"`
	Error    any     `json:"error"`
	Ended    *bool   `json:"ended"`
	Updated  *string `json:"updated"`
	Workflow any     `json:"workflow"`
}

func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	var body statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}

	// statusUpdate presumes the exec is already registered; the HTTP
	// entry point creates the ExecReg on first report so latestStatuses
	// and tree have something to find.
	_ = s.Execs.RegisterExec(r.Context(), body.UserID, body.ProjectID, body.ExecID, body.SessionID)

	patch := execregistry.StatusPatch{
		Status:   body.Status,
		Result:   body.Result,
		Error:    body.Error,
		Ended:    body.Ended,
		Workflow: body.Workflow,
	}
	if body.Updated != nil {
		if t, err := time.Parse(time.RFC3339Nano, *body.Updated); err == nil {
			patch.Updated = &t
		}
	}

	if err := s.Execs.StatusUpdate(r.Context(), body.UserID, body.ProjectID, body.ExecID, patch); err != nil {
		writeError(w, s.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type statusLatestRequest struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleStatusLatest(w http.ResponseWriter, r *http.Request) {
	var body statusLatestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}
	s.writeLatestStatuses(w, r, body.UserID, body.ProjectID, body.SessionID, body.Limit)
}

// handleStatusLatestGet serves GET /status/latest, the same
// latestStatuses operation as handleStatusLatest with its arguments
// taken from the query string instead of a JSON body, completing the
// Exec Registry's read surface alongside /tree.
func (s *Server) handleStatusLatestGet(w http.ResponseWriter, r *http.Request) {
	userID := headerOrQuery(r, "X-User-Id", "userId")
	projectID := headerOrQuery(r, "X-Project-Id", "projectId")
	sessionID := headerOrQuery(r, "X-Session-Id", "sessionId")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	s.writeLatestStatuses(w, r, userID, projectID, sessionID, limit)
}

func (s *Server) writeLatestStatuses(w http.ResponseWriter, r *http.Request, userID, projectID, sessionID string, limit int) {
	entries, err := s.Execs.LatestStatuses(r.Context(), userID, projectID, sessionID, limit)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		row := map[string]any{
			"execId":    e.ExecReg.ExecID,
			"status":    e.ExecReg.Status,
			"ended":     e.ExecReg.Ended,
			"createdAt": e.ExecReg.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if e.Status != nil {
			row["latest"] = map[string]any{
				"status":    e.Status.Status,
				"result":    e.Status.Result,
				"error":     e.Status.Err,
				"ended":     e.Status.Ended,
				"updatedAt": e.Status.UpdatedAt.UTC().Format(time.RFC3339Nano),
				"workflow":  e.Status.Workflow,
			}
		}
		if e.Err != nil {
			row["error"] = e.Err.Error()
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": out})
}
