// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/flowbridge/bridge/internal/metadata"
)

// handleHealthz reports process liveness: if this handler runs at
// all, the process is up.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// healthzProbePath is a sentinel document read by /readyz to prove the
// metadata store round-trips a request; it is never written.
const healthzProbePath metadata.Path = "_health/ping"

// handleReadyz reports whether this instance is ready to accept new
// producer starts: Firestore and, when ObjectsBucket is configured,
// GCS reachability, plus the count of locally-managed producer
// processes so an operator can tell a loaded instance from an idle one
// before routing more work to it. Any reachability failure responds
// 503 with the failing dependency named.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"activeLocalProducers": s.Launcher.ActiveLocalProducers(),
	}

	if s.Metadata != nil {
		if _, _, err := s.Metadata.Get(r.Context(), healthzProbePath); err != nil {
			body["ok"] = false
			body["firestoreError"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}

	if s.Objects != nil && s.ObjectsBucket != "" {
		if _, err := s.Objects.List(r.Context(), s.ObjectsBucket, ""); err != nil {
			body["ok"] = false
			body["gcsError"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}

	body["ok"] = true
	writeJSON(w, http.StatusOK, body)
}
