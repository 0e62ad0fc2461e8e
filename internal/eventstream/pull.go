// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/dispatcher"
)

// Connector opens the upstream pull connection, resuming from
// lastEventID (empty for a fresh subscription). The returned
// ReadCloser's body is SSE-framed; Run closes it on every reconnect
// and on shutdown.
type Connector func(ctx context.Context, lastEventID string) (io.ReadCloser, error)

// PullClient maintains a durable pull-mode subscription and dispatches
// each delivered event, per §4.3: reconnect with exponential backoff
// reset on a successful event, forced reconnect past an idle ceiling,
// and duplicate tolerance across a reconnect boundary.
type PullClient struct {
	Connect    Connector
	Dispatcher *dispatcher.Dispatcher
	Scope      dispatcher.Scope
	Clock      clock.Clock
	Logger     *slog.Logger

	ReconnectBackoff    time.Duration // initial backoff, default 1s
	ReconnectBackoffCap time.Duration // cap, default 30s
	IdleWatchdog        time.Duration // force reconnect past this idle gap, default 60s

	// Heartbeat, if set, is invoked on a fixed interval while connected
	// — a liveness signal for callers (e.g. the health/reaper surface)
	// distinct from the upstream's own SSE framing.
	Heartbeat         func()
	HeartbeatInterval time.Duration
}

func (c *PullClient) backoffBounds() (time.Duration, time.Duration) {
	initial := c.ReconnectBackoff
	if initial <= 0 {
		initial = time.Second
	}
	backoffCap := c.ReconnectBackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}
	return initial, backoffCap
}

func (c *PullClient) idleWatchdog() time.Duration {
	if c.IdleWatchdog <= 0 {
		return 60 * time.Second
	}
	return c.IdleWatchdog
}

// Run blocks, maintaining the subscription until ctx is cancelled. It
// always returns nil on a clean, caller-requested shutdown.
func (c *PullClient) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initial, backoffCap := c.backoffBounds()
	backoff := initial

	var lastEventID string
	var stopHeartbeat func()

	for {
		if ctx.Err() != nil {
			return nil
		}

		body, err := c.Connect(ctx, lastEventID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("pull connect failed, retrying", "error", err, "backoff", backoff)
			if !c.sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, backoffCap)
			continue
		}

		if c.Heartbeat != nil {
			stopHeartbeat = c.startHeartbeat(ctx)
		}

		gotEvent, streamErr := c.drain(ctx, body, &lastEventID, logger)
		body.Close()
		if stopHeartbeat != nil {
			stopHeartbeat()
		}

		if ctx.Err() != nil {
			return nil
		}
		if gotEvent {
			backoff = initial
		}
		if streamErr != nil && !errors.Is(streamErr, io.EOF) {
			logger.Warn("pull stream error, reconnecting", "error", streamErr)
		}
		if !c.sleep(ctx, backoff) {
			return nil
		}
		if !gotEvent {
			backoff = nextBackoff(backoff, backoffCap)
		}
	}
}

func nextBackoff(current, cap time.Duration) time.Duration {
	next := current * 2
	if next > cap {
		next = cap
	}
	return next
}

func (c *PullClient) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.Clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *PullClient) startHeartbeat(ctx context.Context) func() {
	interval := c.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := c.Clock.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				c.Heartbeat()
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// drain reads frames from body until it errors, is closed by the idle
// watchdog, or ctx is cancelled. It reports whether at least one event
// was successfully dispatched, so the caller can reset backoff.
func (c *PullClient) drain(ctx context.Context, body io.ReadCloser, lastEventID *string, logger *slog.Logger) (bool, error) {
	type result struct {
		frame Frame
		err   error
	}
	frames := make(chan result)
	go func() {
		dec := newFrameDecoder(body)
		for {
			f, err := dec.Next()
			frames <- result{frame: f, err: err}
			if err != nil {
				return
			}
		}
	}()

	gotEvent := false
	idle := c.idleWatchdog()
	timer := c.Clock.After(idle)

	for {
		select {
		case <-ctx.Done():
			return gotEvent, nil
		case <-timer:
			logger.Warn("pull connection idle past watchdog, forcing reconnect", "idle", idle)
			return gotEvent, nil
		case r := <-frames:
			if r.err != nil {
				return gotEvent, r.err
			}
			timer = c.Clock.After(idle)
			if r.frame.ID != "" && r.frame.ID == *lastEventID {
				continue // duplicate delivered across the reconnect boundary
			}
			if !c.dispatchFrame(ctx, r.frame, logger) {
				continue
			}
			if r.frame.ID != "" {
				*lastEventID = r.frame.ID
			}
			gotEvent = true
		}
	}
}

func (c *PullClient) dispatchFrame(ctx context.Context, frame Frame, logger *slog.Logger) bool {
	if frame.Type != "" && frame.Type != "event" && frame.Type != "message" {
		return false // control frame (e.g. a bare comment/ping), not a dispatchable event
	}
	var ev dispatcher.Event
	if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
		logger.Warn("pull frame is not a valid event", "frame_id", frame.ID, "error", err)
		return false
	}
	if frame.ID != "" {
		ev.ID = frame.ID
	}
	c.Dispatcher.Dispatch(ctx, ev, c.Scope)
	return true
}
