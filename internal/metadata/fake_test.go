// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"testing"
)

func TestCreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	created, err := s.CreateIfAbsent(ctx, "users/u1/projects/p1/locks/p1", map[string]any{"consumerId": "c1"})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	created, err = s.CreateIfAbsent(ctx, "users/u1/projects/p1/locks/p1", map[string]any{"consumerId": "c2"})
	if err != nil || created {
		t.Fatalf("second create: created=%v err=%v, want created=false", created, err)
	}

	data, found, err := s.Get(ctx, "users/u1/projects/p1/locks/p1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if data["consumerId"] != "c1" {
		t.Fatalf("consumerId = %v, want c1 (second create must not overwrite)", data["consumerId"])
	}
}

func TestSetMergePreservesUntouchedFields(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	if err := s.SetMerge(ctx, "users/u1/projects/p1/workspaces/w1", map[string]any{"createdAt": "t0", "liveAt": "t0"}); err != nil {
		t.Fatalf("SetMerge: %v", err)
	}
	if err := s.SetMerge(ctx, "users/u1/projects/p1/workspaces/w1", map[string]any{"liveAt": "t1"}); err != nil {
		t.Fatalf("SetMerge: %v", err)
	}

	data, found, err := s.Get(ctx, "users/u1/projects/p1/workspaces/w1")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if data["createdAt"] != "t0" {
		t.Fatalf("createdAt = %v, want t0 preserved", data["createdAt"])
	}
	if data["liveAt"] != "t1" {
		t.Fatalf("liveAt = %v, want t1", data["liveAt"])
	}
}

func TestRunTransactionDiscardsWritesOnError(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	err := s.RunTransaction(ctx, func(ctx context.Context, tx Transaction) error {
		if err := tx.Set(ctx, "users/u1/projects/p1/locks/p1", map[string]any{"consumerId": "c1"}); err != nil {
			return err
		}
		return errAbort
	})
	if err != errAbort {
		t.Fatalf("RunTransaction err = %v, want errAbort", err)
	}

	_, found, err := s.Get(ctx, "users/u1/projects/p1/locks/p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("document exists after aborted transaction, want no write committed")
	}
}

func TestQueryFiltersOrdersAndLimits(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStore()

	coll := Collection("users/u1/projects/p1/execs")
	seed := []struct {
		id        string
		sessionID string
		createdAt string
	}{
		{"e1", "s1", "2026-01-01T00:00:00Z"},
		{"e2", "s1", "2026-01-02T00:00:00Z"},
		{"e3", "s2", "2026-01-03T00:00:00Z"},
	}
	for _, e := range seed {
		if err := s.SetMerge(ctx, coll.Doc(e.id), map[string]any{"sessionId": e.sessionID, "createdAt": e.createdAt}); err != nil {
			t.Fatalf("seed SetMerge: %v", err)
		}
	}

	docs, err := s.Query(ctx, Query{
		Collection: coll,
		Filters:    []Filter{{Field: "sessionId", Op: OpEqual, Value: "s1"}},
		OrderBy:    "createdAt",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("len(docs) = %d, want 1", len(docs))
	}
	if docs[0].ID != "e2" {
		t.Fatalf("docs[0].ID = %q, want e2 (newest of session s1)", docs[0].ID)
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

var errAbort = sentinelErr("abort")
