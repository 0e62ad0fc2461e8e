// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flowbridge/bridge/internal/bridgeerr"
)

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError classifies err against the bridgeerr taxonomy and writes
// the matching status code and a {"error": "..."} body, per §7's
// propagation policy.
func writeError(w http.ResponseWriter, logger errLogger, err error) {
	status, body := classify(err)
	if status >= 500 {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, body)
}

// errLogger is the minimal slog-compatible surface writeError needs,
// kept narrow so callers can pass *slog.Logger directly.
type errLogger interface {
	Error(msg string, args ...any)
}

func classify(err error) (int, map[string]any) {
	var (
		cfgErr       *bridgeerr.Config
		authErr      *bridgeerr.Auth
		notFoundErr  *bridgeerr.NotFound
		conflictErr  *bridgeerr.Conflict
		transientErr *bridgeerr.Transient
		fatalErr     *bridgeerr.Fatal
		timeoutErr   *bridgeerr.Timeout
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest, map[string]any{"error": cfgErr.Error()}
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, map[string]any{"error": authErr.Error()}
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound, map[string]any{"error": notFoundErr.Error()}
	case errors.As(err, &conflictErr):
		return http.StatusConflict, map[string]any{"error": conflictErr.Error()}
	case errors.As(err, &transientErr):
		return http.StatusServiceUnavailable, map[string]any{"error": transientErr.Error()}
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, map[string]any{"error": timeoutErr.Error()}
	case errors.As(err, &fatalErr):
		return http.StatusInternalServerError, map[string]any{"error": fatalErr.Error()}
	default:
		return http.StatusInternalServerError, map[string]any{"error": err.Error()}
	}
}
