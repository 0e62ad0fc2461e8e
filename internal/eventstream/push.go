// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package eventstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/dispatcher"
	"github.com/flowbridge/bridge/internal/syncengine"
)

// PushHandler serves the push-streaming mode: a trusted backend POSTs
// a request body of line-delimited JSON events, and the handler writes
// one line-delimited JSON result per event on the same response,
// interleaved with heartbeat control lines.
type PushHandler struct {
	Dispatcher        *dispatcher.Dispatcher
	Clock             clock.Clock
	Logger            *slog.Logger
	HeartbeatInterval time.Duration // default 15s

	// Sync, when non-nil, builds the Sync Engine for one stream's
	// scope. Its lifecycle is tied to the stream per §4.5: an initial
	// sync when SyncOnStart is set, a periodic sync every SyncInterval
	// while the stream is open, and a final sync once the request body
	// is drained. Each run's stats are reported as a "gcs_sync" line
	// on the response, distinct from result and heartbeat lines.
	Sync         func(scope dispatcher.Scope) (*syncengine.Engine, error)
	SyncOnStart  bool
	SyncInterval time.Duration // default 15s
}

// pingLine is the heartbeat control frame. It is never mistaken for a
// result record by a reader that checks for the "event_id" field.
var pingLine = []byte(`{"type":"ping"}` + "\n")

// ServeHTTP implements http.Handler. scopeFromRequest derives the
// Scope each event dispatches under from the request (headers or
// query parameters), since push-streaming requests arrive from a
// single trusted backend whose identity is already established at the
// transport layer.
func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if h.Clock == nil {
		h.Clock = clock.Real()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	scope := ScopeFromRequest(r)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	var mu sync.Mutex
	writeLocked := func(line []byte) {
		mu.Lock()
		defer mu.Unlock()
		if _, err := w.Write(line); err != nil {
			return
		}
		flusher.Flush()
	}

	done := make(chan struct{})
	defer close(done)
	go h.runHeartbeat(r.Context(), done, writeLocked)

	var engine *syncengine.Engine
	if h.Sync != nil {
		var err error
		engine, err = h.Sync(scope)
		if err != nil {
			logger.Warn("push-streaming: building sync engine failed", "error", err)
		} else {
			if h.SyncOnStart {
				h.runSync(r.Context(), engine, writeLocked, logger, "initial")
			}
			go h.runSyncLoop(r.Context(), done, engine, writeLocked, logger)
		}
	}

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev dispatcher.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn("push-streaming: malformed event line", "error", err)
			continue
		}

		res := h.Dispatcher.Dispatch(r.Context(), ev, scope)
		encoded, err := json.Marshal(res)
		if err != nil {
			logger.Warn("push-streaming: encoding result failed", "event_id", ev.ID, "error", err)
			continue
		}
		writeLocked(append(encoded, '\n'))
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("push-streaming: reading request body failed", "error", err)
	}

	if engine != nil {
		h.runSync(context.Background(), engine, writeLocked, logger, "final")
	}
}

// gcsSyncLine frames one Sync Engine run's stats as a distinct
// response line, never mistaken for a result record or a ping.
type gcsSyncLine struct {
	Type string `json:"type"`
	syncengine.Stats
}

func (h *PushHandler) runSync(ctx context.Context, engine *syncengine.Engine, write func([]byte), logger *slog.Logger, phase string) {
	stats, err := engine.Run(ctx)
	if err != nil {
		logger.Warn("push-streaming: gcs sync failed", "phase", phase, "error", err)
		return
	}
	encoded, err := json.Marshal(gcsSyncLine{Type: "gcs_sync", Stats: stats})
	if err != nil {
		logger.Warn("push-streaming: encoding gcs_sync line failed", "phase", phase, "error", err)
		return
	}
	write(append(encoded, '\n'))
}

func (h *PushHandler) runSyncLoop(ctx context.Context, done <-chan struct{}, engine *syncengine.Engine, write func([]byte), logger *slog.Logger) {
	interval := h.SyncInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := h.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.runSync(ctx, engine, write, logger, "periodic")
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

func (h *PushHandler) runHeartbeat(ctx context.Context, done <-chan struct{}, write func([]byte)) {
	interval := h.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := h.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			write(pingLine)
		case <-ctx.Done():
			return
		case <-done:
			return
		}
	}
}

// ScopeFromRequest derives dispatch scope from push-streaming request
// headers. Overridable in tests.
var ScopeFromRequest = func(r *http.Request) dispatcher.Scope {
	return dispatcher.Scope{
		UserID:      r.Header.Get("X-User-Id"),
		ProjectID:   r.Header.Get("X-Project-Id"),
		WorkspaceID: r.Header.Get("X-Workspace-Id"),
		SessionID:   r.Header.Get("X-Session-Id"),
	}
}
