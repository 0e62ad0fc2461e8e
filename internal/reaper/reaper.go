// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package reaper runs a periodic sweep over the producers this
// process's Launcher is tracking, force-releasing any whose consumer
// lock has expired while the producer's container or job is still
// recorded as running. This closes the gap between "lease expired"
// and someone calling /producer/stop for a producer that never
// signaled its own exit — a hung container, a zombie process, a
// remote job whose completion notification was lost.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/launcher"
	"github.com/flowbridge/bridge/internal/lock"
)

// Reaper periodically sweeps Launcher's tracked producers.
type Reaper struct {
	Launcher *launcher.Launcher
	Locks    *lock.Manager
	Clock    clock.Clock
	Interval time.Duration
	Logger   *slog.Logger
}

func (r *Reaper) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reaper) clock() clock.Clock {
	if r.Clock != nil {
		return r.Clock
	}
	return clock.Real()
}

// Run sweeps at Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := r.clock().NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep inspects every tracked producer once and force-releases any
// whose lease has expired. Best-effort: failures are logged, not
// returned, since the next tick retries.
func (r *Reaper) Sweep(ctx context.Context) {
	now := r.clock().Now()
	for _, t := range r.Launcher.Tracked() {
		lk, err := r.Locks.Get(ctx, t.UserID, t.ProjectID)
		if err != nil {
			r.logger().Warn("reaper: get lock failed", "user_id", t.UserID, "project_id", t.ProjectID, "error", err)
			continue
		}
		if lk == nil || lk.ConsumerID != t.ConsumerID {
			// Already released by someone else (monitorExit, an
			// explicit Stop, or a previous sweep iteration).
			continue
		}
		if !lk.Expired(now) {
			continue
		}

		logger := r.logger().With("user_id", t.UserID, "project_id", t.ProjectID, "consumer_id", t.ConsumerID)
		logger.Warn("reaping producer with expired lease")
		if _, err := r.Launcher.Stop(ctx, t.UserID, t.ProjectID); err != nil {
			logger.Error("reaper: stop failed", "error", err)
		}
	}
}
