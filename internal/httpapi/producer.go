// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/flowbridge/bridge/internal/launcher"
)

// producerStartRequest is the wire body for POST /producer/start.
type producerStartRequest struct {
	UserID      string `json:"userId"`
	ProjectID   string `json:"projectId"`
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	SinceID     string `json:"since_id"`
	SinceTime   string `json:"since_time"`
	LeaseMs     int64  `json:"leaseMs"`
	Mode        string `json:"mode"`

	ConsumerImage   string            `json:"consumerImage"`
	ConsumerSidecar bool              `json:"consumerSidecar"`
	ProducerImage   string            `json:"producerImage"`
	ConsumerPort    int               `json:"consumerPort"`
	Env             map[string]string `json:"env"`
}

func (s *Server) handleProducerStart(w http.ResponseWriter, r *http.Request) {
	var body producerStartRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}

	req := launcher.StartRequest{
		UserID:          body.UserID,
		ProjectID:       body.ProjectID,
		SessionID:       body.SessionID,
		WorkspaceID:     body.WorkspaceID,
		SinceID:         body.SinceID,
		LeaseMs:         body.LeaseMs,
		Mode:            launcher.Mode(body.Mode),
		ConsumerImage:   body.ConsumerImage,
		ConsumerSidecar: body.ConsumerSidecar,
		ProducerImage:   body.ProducerImage,
		ConsumerPort:    body.ConsumerPort,
		Env:             body.Env,
	}
	if body.SinceTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, body.SinceTime); err == nil {
			req.SinceTime = t
		}
	}

	res, err := s.Launcher.Start(r.Context(), req)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}

	if !res.OK {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"message": "Lock held by another consumer",
			"details": map[string]any{
				"currentConsumerId": res.Conflict.CurrentConsumerID,
				"acquiredAt":        res.Conflict.AcquiredAt.UTC().Format(time.RFC3339Nano),
				"leaseMs":           res.Conflict.LeaseMs,
			},
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"mode":        body.Mode,
		"consumerId":  res.ConsumerID,
		"workspaceId": res.WorkspaceID,
		"lock": map[string]any{
			"consumerId": res.ConsumerID,
			"leaseMs":    body.LeaseMs,
		},
		"runtime": res.Runtime,
	})
}

// producerStopRequest is the wire body for POST /producer/stop.
type producerStopRequest struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
}

func (s *Server) handleProducerStop(w http.ResponseWriter, r *http.Request) {
	var body producerStopRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}

	res, err := s.Launcher.Stop(r.Context(), body.UserID, body.ProjectID)
	if err != nil {
		writeError(w, s.logger(), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       res.OK,
		"mode":     "stop",
		"results":  map[string]any{"message": res.Message},
		"released": res.OK,
	})
}
