// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/flowbridge/bridge/internal/execregistry"
)

type treeRequest struct {
	UserID     string `json:"userId"`
	ProjectID  string `json:"projectId"`
	SessionID  string `json:"sessionId"`
	LatestOnly bool   `json:"latestOnly"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	var body treeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}

	forest, err := s.Execs.Tree(r.Context(), body.UserID, body.ProjectID, body.SessionID, body.LatestOnly)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}

	out := make([]map[string]any, 0, len(forest))
	for _, node := range forest {
		out = append(out, encodeNode(node))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tree": out})
}

func encodeNode(n *execregistry.Node) map[string]any {
	children := make([]map[string]any, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, encodeNode(c))
	}
	return map[string]any{
		"execId":   n.ExecID,
		"status":   n.Status,
		"ended":    n.Ended,
		"children": children,
	}
}
