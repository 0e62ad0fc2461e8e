// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flowbridge/bridge/internal/bridgeerr"
)

// FirestoreStore implements Store over a Cloud Firestore database.
// Path and Collection values are Firestore-native paths (alternating
// collection/document segments), so they pass straight through to
// client.Doc / client.Collection with no translation layer.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore wraps an already-constructed Firestore client.
// The caller owns the client's lifetime and must Close it on shutdown.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

func (s *FirestoreStore) CreateIfAbsent(ctx context.Context, path Path, data map[string]any) (bool, error) {
	_, err := s.client.Doc(string(path)).Create(ctx, data)
	if err == nil {
		return true, nil
	}
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	return false, classify(err)
}

func (s *FirestoreStore) Get(ctx context.Context, path Path) (map[string]any, bool, error) {
	snap, err := s.client.Doc(string(path)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, classify(err)
	}
	return snap.Data(), true, nil
}

func (s *FirestoreStore) SetMerge(ctx context.Context, path Path, data map[string]any) error {
	_, err := s.client.Doc(string(path)).Set(ctx, data, firestore.MergeAll)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *FirestoreStore) Delete(ctx context.Context, path Path) error {
	_, err := s.client.Doc(string(path)).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return classify(err)
	}
	return nil
}

func (s *FirestoreStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error {
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{client: s.client, tx: tx})
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *FirestoreStore) Query(ctx context.Context, q Query) ([]Document, error) {
	query := s.client.Collection(string(q.Collection)).Query
	for _, f := range q.Filters {
		query = query.Where(f.Field, string(f.Op), f.Value)
	}
	if q.OrderBy != "" {
		dir := firestore.Asc
		if q.Descending {
			dir = firestore.Desc
		}
		query = query.OrderBy(q.OrderBy, dir)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document
	for {
		snap, err := iter.Next()
		if err != nil {
			if err == iterator.Done {
				break
			}
			return nil, classify(err)
		}
		docs = append(docs, Document{ID: snap.Ref.ID, Data: snap.Data()})
	}
	return docs, nil
}

type firestoreTx struct {
	client *firestore.Client
	tx     *firestore.Transaction
}

func (t *firestoreTx) Get(ctx context.Context, path Path) (map[string]any, bool, error) {
	snap, err := t.tx.Get(t.client.Doc(string(path)))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, classify(err)
	}
	return snap.Data(), true, nil
}

func (t *firestoreTx) Set(ctx context.Context, path Path, data map[string]any) error {
	if err := t.tx.Set(t.client.Doc(string(path)), data); err != nil {
		return classify(err)
	}
	return nil
}

func (t *firestoreTx) SetMerge(ctx context.Context, path Path, data map[string]any) error {
	if err := t.tx.Set(t.client.Doc(string(path)), data, firestore.MergeAll); err != nil {
		return classify(err)
	}
	return nil
}

func (t *firestoreTx) Delete(ctx context.Context, path Path) {
	// Transaction.Delete only fails if the ref is malformed, which
	// cannot happen given a well-formed Path; ignored per the
	// Transaction interface, matching Store.Delete's idempotent
	// contract.
	_ = t.tx.Delete(t.client.Doc(string(path)))
}

// classify maps a raw Firestore/gRPC error to the bridge's error
// taxonomy so callers above this package never match on gRPC codes
// directly.
func classify(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return &bridgeerr.Transient{Reason: "firestore", Err: err}
	case codes.Unauthenticated, codes.PermissionDenied:
		return &bridgeerr.Auth{Reason: err.Error()}
	default:
		return fmt.Errorf("firestore: %w", err)
	}
}
