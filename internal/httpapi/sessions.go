// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/flowbridge/bridge/internal/dispatcher"
	"github.com/flowbridge/bridge/internal/eventstream"
)

// headerOrQuery returns the header value if set, else the query
// parameter of the same name.
func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

// handleSessionsConsume serves GET /sessions/consume: a pull+callback
// stream scoped to (userId, projectId), resuming from since_id or
// since_time. The connection drives a PullClient.Run loop bound to
// the request's own context — the caller disconnecting cancels the
// pull — and writes ndjson heartbeat lines as liveness; each event's
// actual result is delivered out-of-band via the event's callback_id,
// through the same CallbackClient the dispatcher already posts
// through, not through this response body.
func (s *Server) handleSessionsConsume(w http.ResponseWriter, r *http.Request) {
	userID := headerOrQuery(r, "X-User-Id", "userId")
	projectID := headerOrQuery(r, "X-Project-Id", "projectId")
	if userID == "" || projectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "userId and projectId are required"})
		return
	}
	if s.ConnectFactory == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "pull consume is not configured"})
		return
	}

	sinceID := headerOrQuery(r, "X-Since-Id", "since_id")
	sinceTime := headerOrQuery(r, "X-Since-Time", "since_time")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	pull := &eventstream.PullClient{
		Connect:    s.ConnectFactory(userID, projectID, sinceID, sinceTime),
		Dispatcher: s.Dispatcher,
		Scope: dispatcher.Scope{
			UserID:      userID,
			ProjectID:   projectID,
			WorkspaceID: headerOrQuery(r, "X-Workspace-Id", "workspaceId"),
			SessionID:   headerOrQuery(r, "X-Session-Id", "sessionId"),
		},
		Clock:               s.Clock,
		Logger:              s.logger(),
		ReconnectBackoff:    s.Config.ReconnectBackoff,
		ReconnectBackoffCap: s.Config.ReconnectBackoffCap,
		HeartbeatInterval:   s.Config.EventsHeartbeat,
		Heartbeat: func() {
			_, _ = w.Write(pingLine)
			flusher.Flush()
		},
	}

	if err := pull.Run(r.Context()); err != nil {
		s.logger().Warn("sessions/consume pull loop exited with error", "user_id", userID, "project_id", projectID, "error", err)
	}
}

var pingLine = []byte(`{"type":"ping"}` + "\n")
