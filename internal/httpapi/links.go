// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flowbridge/bridge/internal/execregistry"
)

type linkRegisterRequest struct {
	UserID          string  `json:"userId"`
	ProjectID       string  `json:"projectId"`
	CallingExecID   string  `json:"callingExecId"`
	TriggeredExecID string  `json:"triggeredExecId"`
	SessionID       string  `json:"sessionId"`
	CreatedAt       *string `json:"createdAt"`
}

func (s *Server) handleLinksRegister(w http.ResponseWriter, r *http.Request) {
	var body linkRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}

	var createdAt *time.Time
	if body.CreatedAt != nil {
		if t, err := time.Parse(time.RFC3339Nano, *body.CreatedAt); err == nil {
			createdAt = &t
		}
	}

	// Ensure both ends of the link are registered, since linkRegister
	// presumes the executions it connects already exist.
	_ = s.Execs.RegisterExec(r.Context(), body.UserID, body.ProjectID, body.CallingExecID, body.SessionID)
	_ = s.Execs.RegisterExec(r.Context(), body.UserID, body.ProjectID, body.TriggeredExecID, body.SessionID)

	if err := s.Execs.LinkRegister(r.Context(), body.UserID, body.ProjectID, body.CallingExecID, body.TriggeredExecID, body.SessionID, createdAt); err != nil {
		writeError(w, s.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLinksByCalling(w http.ResponseWriter, r *http.Request) {
	userID := headerOrQuery(r, "X-User-Id", "userId")
	projectID := headerOrQuery(r, "X-Project-Id", "projectId")
	callingExecID := r.PathValue("id")

	links, err := s.Execs.LinksByCalling(r.Context(), userID, projectID, callingExecID)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": encodeLinks(links)})
}

func (s *Server) handleLinksByTriggered(w http.ResponseWriter, r *http.Request) {
	userID := headerOrQuery(r, "X-User-Id", "userId")
	projectID := headerOrQuery(r, "X-Project-Id", "projectId")
	triggeredExecID := r.PathValue("id")

	link, err := s.Execs.LinkByTriggered(r.Context(), userID, projectID, triggeredExecID)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}
	if link == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no link found for triggered exec"})
		return
	}
	writeJSON(w, http.StatusOK, encodeLink(*link))
}

func encodeLinks(links []execregistry.ExecLink) []map[string]any {
	out := make([]map[string]any, 0, len(links))
	for _, l := range links {
		out = append(out, encodeLink(l))
	}
	return out
}

func encodeLink(l execregistry.ExecLink) map[string]any {
	return map[string]any{
		"callingExecId":   l.CallingExecID,
		"triggeredExecId": l.TriggeredExecID,
		"sessionId":       l.SessionID,
		"createdAt":       l.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
