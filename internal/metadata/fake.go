// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package metadata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeStore is an in-memory Store used by package tests so the Lock
// Manager, Workspace, and Exec Registry suites run without live
// Firestore credentials. It implements the same transactional
// semantics Store promises: RunTransaction stages writes and commits
// them only once fn returns nil.
type FakeStore struct {
	mu   sync.Mutex
	docs map[Path]map[string]any
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{docs: make(map[Path]map[string]any)}
}

func clone(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func (s *FakeStore) CreateIfAbsent(ctx context.Context, path Path, data map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[path]; exists {
		return false, nil
	}
	s.docs[path] = clone(data)
	return true, nil
}

func (s *FakeStore) Get(ctx context.Context, path Path) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[path]
	if !ok {
		return nil, false, nil
	}
	return clone(d), true, nil
}

func (s *FakeStore) SetMerge(ctx context.Context, path Path, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setMergeLocked(path, data)
	return nil
}

func (s *FakeStore) setMergeLocked(path Path, data map[string]any) {
	existing, ok := s.docs[path]
	if !ok {
		s.docs[path] = clone(data)
		return
	}
	for k, v := range data {
		existing[k] = v
	}
}

func (s *FakeStore) Delete(ctx context.Context, path Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, path)
	return nil
}

func (s *FakeStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &fakeTx{store: s, writes: make(map[Path]*fakeWrite)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for path, w := range tx.writes {
		if w.deleted {
			delete(s.docs, path)
			continue
		}
		if w.merge {
			s.setMergeLocked(path, w.data)
		} else {
			s.docs[path] = clone(w.data)
		}
	}
	return nil
}

func (s *FakeStore) Query(ctx context.Context, q Query) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := string(q.Collection) + "/"
	var docs []Document
	for path, data := range s.docs {
		sp := string(path)
		if !strings.HasPrefix(sp, prefix) {
			continue
		}
		if strings.Contains(strings.TrimPrefix(sp, prefix), "/") {
			continue // nested under a deeper collection, not a direct child
		}
		if !matchesFilters(data, q.Filters) {
			continue
		}
		_, id := SplitPath(path)
		docs = append(docs, Document{ID: id, Data: clone(data)})
	}

	if q.OrderBy != "" {
		sort.Slice(docs, func(i, j int) bool {
			less := fmt.Sprint(docs[i].Data[q.OrderBy]) < fmt.Sprint(docs[j].Data[q.OrderBy])
			if q.Descending {
				return !less
			}
			return less
		})
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func matchesFilters(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := data[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			if fmt.Sprint(v) != fmt.Sprint(f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

type fakeWrite struct {
	data    map[string]any
	merge   bool
	deleted bool
}

type fakeTx struct {
	store  *FakeStore
	writes map[Path]*fakeWrite
}

func (t *fakeTx) Get(ctx context.Context, path Path) (map[string]any, bool, error) {
	if w, staged := t.writes[path]; staged {
		if w.deleted {
			return nil, false, nil
		}
		return clone(w.data), true, nil
	}
	d, ok := t.store.docs[path]
	if !ok {
		return nil, false, nil
	}
	return clone(d), true, nil
}

func (t *fakeTx) Set(ctx context.Context, path Path, data map[string]any) error {
	t.writes[path] = &fakeWrite{data: clone(data)}
	return nil
}

func (t *fakeTx) SetMerge(ctx context.Context, path Path, data map[string]any) error {
	t.writes[path] = &fakeWrite{data: clone(data), merge: true}
	return nil
}

func (t *fakeTx) Delete(ctx context.Context, path Path) {
	t.writes[path] = &fakeWrite{deleted: true}
}
