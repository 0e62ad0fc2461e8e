// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace implements the Workspace entity: the per-session
// (or project-wide) scope a producer's work root is derived from.
package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowbridge/bridge/internal/bridgeerr"
	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/metadata"
)

// DefaultTTL is the liveness window applied when a caller does not
// specify one, per §4.2's "resolve or create a workspace ... with
// default TTL 5 min".
const DefaultTTL = 5 * time.Minute

// Workspace is the resolved scope a work root is derived from.
type Workspace struct {
	ID        string
	ProjectID string
	SessionID string // empty means project-wide
	CreatedAt time.Time
	LiveAt    time.Time
}

// Live reports whether the workspace is still within its TTL as of now.
func (w Workspace) Live(now time.Time, ttl time.Duration) bool {
	return now.Sub(w.LiveAt) <= ttl
}

// Manager is the Workspace entity store over a metadata.Store.
type Manager struct {
	store metadata.Store
	clock clock.Clock
}

// New constructs a Manager.
func New(store metadata.Store, clk clock.Clock) *Manager {
	return &Manager{store: store, clock: clk}
}

func collection(userID, projectID string) metadata.Collection {
	return metadata.Collection(fmt.Sprintf("users/%s/projects/%s/workspaces", userID, projectID))
}

// Get returns the workspace by id, or nil if none exists.
func (m *Manager) Get(ctx context.Context, userID, projectID, workspaceID string) (*Workspace, error) {
	data, found, err := m.store.Get(ctx, collection(userID, projectID).Doc(workspaceID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	w := decode(workspaceID, projectID, data)
	return &w, nil
}

// ResolveOrCreate finds a live workspace for (projectID, sessionID) or
// creates a new one. sessionID empty means project-wide scope. ttl of
// zero applies DefaultTTL.
func (m *Manager) ResolveOrCreate(ctx context.Context, userID, projectID, sessionID string, ttl time.Duration) (*Workspace, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.clock.Now()

	filters := []metadata.Filter{{Field: "sessionId", Op: metadata.OpEqual, Value: sessionID}}
	docs, err := m.store.Query(ctx, metadata.Query{
		Collection: collection(userID, projectID),
		Filters:    filters,
		OrderBy:    "liveAt",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) > 0 {
		w := decode(docs[0].ID, projectID, docs[0].Data)
		if w.Live(now, ttl) {
			return &w, nil
		}
	}

	w := Workspace{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		SessionID: sessionID,
		CreatedAt: now,
		LiveAt:    now,
	}
	created, err := m.store.CreateIfAbsent(ctx, collection(userID, projectID).Doc(w.ID), encode(w))
	if err != nil {
		return nil, err
	}
	if !created {
		// uuid collision is effectively impossible; treat as transient
		// and let the caller retry rather than silently returning a
		// workspace we did not actually write.
		return nil, &bridgeerr.Transient{Reason: "workspace id collision on create"}
	}
	return &w, nil
}

// Heartbeat advances liveAt to now, enforcing the invariant that
// liveAt never decreases — a heartbeat racing an earlier one is a
// no-op rather than regressing the timestamp.
func (m *Manager) Heartbeat(ctx context.Context, userID, projectID, workspaceID string) error {
	now := m.clock.Now()
	return m.store.RunTransaction(ctx, func(ctx context.Context, tx metadata.Transaction) error {
		path := collection(userID, projectID).Doc(workspaceID)
		data, found, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		if !found {
			return &bridgeerr.NotFound{Resource: "workspace", Key: workspaceID}
		}
		current := decode(workspaceID, projectID, data)
		if now.Before(current.LiveAt) {
			return nil
		}
		return tx.SetMerge(ctx, path, map[string]any{"liveAt": metadata.Now(now)})
	})
}

func encode(w Workspace) map[string]any {
	return map[string]any{
		"projectId": w.ProjectID,
		"sessionId": w.SessionID,
		"createdAt": metadata.Now(w.CreatedAt),
		"liveAt":    metadata.Now(w.LiveAt),
	}
}

func decode(id, projectID string, data map[string]any) Workspace {
	w := Workspace{ID: id, ProjectID: projectID}
	if v, ok := data["sessionId"].(string); ok {
		w.SessionID = v
	}
	if v, ok := data["createdAt"].(string); ok {
		w.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := data["liveAt"].(string); ok {
		w.LiveAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return w
}
