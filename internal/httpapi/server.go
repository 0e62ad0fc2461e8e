// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi wires the bridge's HTTP surface: producer
// start/stop, the two event delivery modes, the exec registry, and
// health/readiness. Handlers translate between JSON request/response
// bodies and the narrow component APIs in internal/launcher,
// internal/execregistry, internal/dispatcher, and internal/eventstream.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/config"
	"github.com/flowbridge/bridge/internal/dispatcher"
	"github.com/flowbridge/bridge/internal/eventstream"
	"github.com/flowbridge/bridge/internal/execregistry"
	"github.com/flowbridge/bridge/internal/launcher"
	"github.com/flowbridge/bridge/internal/lock"
	"github.com/flowbridge/bridge/internal/metadata"
	"github.com/flowbridge/bridge/internal/objectstore"
)

// Server holds every component a handler needs and builds the routed
// http.Handler.
type Server struct {
	Config     config.Config
	Launcher   *launcher.Launcher
	Locks      *lock.Manager
	Execs      *execregistry.Registry
	Dispatcher *dispatcher.Dispatcher
	Push       *eventstream.PushHandler
	Clock      clock.Clock
	Logger     *slog.Logger

	// Metadata and Objects back the /readyz reachability probe; Objects
	// is only probed when ObjectsBucket is set, since the bucket used
	// by any given producer's Sync Engine is per-project rather than
	// global to the process.
	Metadata      metadata.Store
	Objects       objectstore.Store
	ObjectsBucket string

	// ConnectFactory builds the upstream pull Connector for one
	// GET /sessions/consume call, scoped to (userID, projectID) and
	// resuming from sinceID/sinceTime (either may be empty). Required
	// for that endpoint; the other endpoints do not use it.
	ConnectFactory func(userID, projectID, sinceID, sinceTime string) eventstream.Connector
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Handler builds the routed http.Handler for the full surface
// documented in the external interfaces section: producer lifecycle,
// event delivery, exec registry, and health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /producer/start", s.handleProducerStart)
	mux.HandleFunc("POST /producer/stop", s.handleProducerStop)

	mux.HandleFunc("GET /sessions/consume", s.handleSessionsConsume)
	mux.Handle("POST /sessions/stream", s.Push)

	mux.HandleFunc("POST /links/register", s.handleLinksRegister)
	mux.HandleFunc("GET /links/by-calling/{id}", s.handleLinksByCalling)
	mux.HandleFunc("GET /links/by-triggered/{id}", s.handleLinksByTriggered)
	mux.HandleFunc("POST /status/update", s.handleStatusUpdate)
	mux.HandleFunc("POST /status", s.handleStatusLatest)
	mux.HandleFunc("GET /status/latest", s.handleStatusLatestGet)
	mux.HandleFunc("POST /tree", s.handleTree)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	return mux
}
