// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/metadata"
)

func TestResolveOrCreateCreatesThenReusesLiveWorkspace(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(metadata.NewFakeStore(), clk)

	w1, err := m.ResolveOrCreate(ctx, "u1", "p1", "s1", 0)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}

	clk.Advance(10 * time.Second)

	w2, err := m.ResolveOrCreate(ctx, "u1", "p1", "s1", 0)
	if err != nil {
		t.Fatalf("ResolveOrCreate (reuse): %v", err)
	}
	if w2.ID != w1.ID {
		t.Fatalf("second resolve created a new workspace %q, want reuse of %q", w2.ID, w1.ID)
	}
}

func TestResolveOrCreateCreatesNewWorkspaceAfterTTLExpires(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(metadata.NewFakeStore(), clk)
	ttl := 5 * time.Minute

	w1, err := m.ResolveOrCreate(ctx, "u1", "p1", "s1", ttl)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}

	clk.Advance(ttl + time.Second)

	w2, err := m.ResolveOrCreate(ctx, "u1", "p1", "s1", ttl)
	if err != nil {
		t.Fatalf("ResolveOrCreate (expired): %v", err)
	}
	if w2.ID == w1.ID {
		t.Fatalf("expected a fresh workspace after TTL expiry, got the same id %q", w2.ID)
	}
}

func TestHeartbeatNeverDecreasesLiveAt(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(metadata.NewFakeStore(), clk)

	w, err := m.ResolveOrCreate(ctx, "u1", "p1", "s1", 0)
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}

	clk.Advance(time.Minute)
	if err := m.Heartbeat(ctx, "u1", "p1", w.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	afterFirst, err := m.Get(ctx, "u1", "p1", w.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// A second heartbeat racing with an earlier clock value must not
	// regress liveAt.
	stale := clock.Fake(afterFirst.LiveAt.Add(-30 * time.Second))
	staleManager := New(m.store, stale)
	if err := staleManager.Heartbeat(ctx, "u1", "p1", w.ID); err != nil {
		t.Fatalf("Heartbeat (stale): %v", err)
	}

	afterSecond, err := m.Get(ctx, "u1", "p1", w.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if afterSecond.LiveAt.Before(afterFirst.LiveAt) {
		t.Fatalf("liveAt regressed: %v -> %v", afterFirst.LiveAt, afterSecond.LiveAt)
	}
}

func TestHeartbeatOnUnknownWorkspaceIsNotFound(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(metadata.NewFakeStore(), clk)

	if err := m.Heartbeat(ctx, "u1", "p1", "missing"); err == nil {
		t.Fatalf("Heartbeat: expected error for unknown workspace")
	}
}
