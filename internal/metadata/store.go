// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package metadata defines the narrow document-store interface the
// bridge's entities (Consumer Lock, Workspace, ExecReg, ExecStatus,
// ExecLink) are built on, and two implementations: a Cloud Firestore
// client and an in-memory fake. Every document is addressed by a
// slash-separated Path rooted at "users/{userId}/projects/{projectId}"
// so storage-level scoping matches the (userId, projectId) invariant
// everywhere in the data model.
package metadata

import (
	"context"
	"strings"
	"time"
)

// Path identifies one document, e.g.
// "users/u1/projects/p1/locks/p1" or "users/u1/projects/p1/execs/e1".
type Path string

// Collection identifies a set of sibling documents, e.g.
// "users/u1/projects/p1/execs".
type Collection string

// Doc joins a collection and a document id into a Path.
func (c Collection) Doc(id string) Path {
	return Path(string(c) + "/" + id)
}

// Document is one record returned from a query: its id within its
// collection, plus its field values.
type Document struct {
	ID   string
	Data map[string]any
}

// Op is a comparison operator for Filter.
type Op string

const (
	OpEqual Op = "=="
)

// Filter restricts a Query to documents whose Field compares to Value
// under Op.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query describes an indexed lookup over one Collection.
type Query struct {
	Collection Collection
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// Store is the transactional document store the bridge's entities are
// built on: Cloud Firestore in production (internal/metadata's
// FirestoreStore), an in-memory map in tests (FakeStore).
type Store interface {
	// CreateIfAbsent writes data at path only if no document exists
	// there yet. Returns created=false without error if a document
	// already existed.
	CreateIfAbsent(ctx context.Context, path Path, data map[string]any) (created bool, err error)

	// Get reads the document at path. found=false, err=nil means no
	// such document.
	Get(ctx context.Context, path Path) (data map[string]any, found bool, err error)

	// SetMerge writes data at path, creating the document if absent
	// and merging fields (rather than replacing the document) if
	// present.
	SetMerge(ctx context.Context, path Path, data map[string]any) error

	// Delete removes the document at path. Deleting an absent
	// document is not an error.
	Delete(ctx context.Context, path Path) error

	// RunTransaction executes fn with a Transaction that reads and
	// writes are staged against; the store commits all staged writes
	// atomically if fn returns nil, or discards them if fn returns an
	// error. fn may be retried by the underlying implementation on
	// contention, so it must be side-effect free outside of tx.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

	// Query runs an indexed lookup over one collection.
	Query(ctx context.Context, q Query) ([]Document, error)
}

// Transaction is the read-modify-write surface available inside
// Store.RunTransaction.
type Transaction interface {
	Get(ctx context.Context, path Path) (data map[string]any, found bool, err error)
	Set(ctx context.Context, path Path, data map[string]any) error
	SetMerge(ctx context.Context, path Path, data map[string]any) error
	Delete(ctx context.Context, path Path)
}

// UserProjectRoot returns the collection root all of one project's
// documents are scoped under.
func UserProjectRoot(userID, projectID string) Collection {
	return Collection("users/" + userID + "/projects/" + projectID)
}

// SplitPath returns path's parent collection and the final document
// id, e.g. "a/b/c" -> ("a/b", "c").
func SplitPath(path Path) (Collection, string) {
	s := string(path)
	i := strings.LastIndex(s, "/")
	if i < 0 {
		return "", s
	}
	return Collection(s[:i]), s[i+1:]
}

// Now is the canonical timestamp format stored in documents: RFC3339
// with nanosecond precision, so lexical and chronological order agree.
func Now(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
