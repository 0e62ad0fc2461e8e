// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package objectstore

import (
	"context"
	"strings"
	"sync"
)

// FakeStore is an in-memory Store used by the Sync Engine's tests so
// they run without live GCS credentials. Generations increment
// monotonically per object on every successful Upload, mirroring GCS's
// own generation semantics closely enough to exercise conflict
// detection.
type FakeStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]fakeObject
}

type fakeObject struct {
	data       []byte
	generation int64
}

// NewFakeStore returns an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{buckets: make(map[string]map[string]fakeObject)}
}

func (s *FakeStore) bucket(name string) map[string]fakeObject {
	b, ok := s.buckets[name]
	if !ok {
		b = make(map[string]fakeObject)
		s.buckets[name] = b
	}
	return b
}

func (s *FakeStore) List(ctx context.Context, bucket, prefix string) ([]Attrs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Attrs
	for name, obj := range s.bucket(bucket) {
		if strings.HasPrefix(name, prefix) {
			out = append(out, Attrs{Name: name, Generation: obj.generation, Size: int64(len(obj.data))})
		}
	}
	return out, nil
}

func (s *FakeStore) Download(ctx context.Context, bucket, name string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.bucket(bucket)[name]
	if !ok {
		return nil, 0, ErrNotExist
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, obj.generation, nil
}

func (s *FakeStore) Upload(ctx context.Context, bucket, name string, data []byte, ifGenerationMatch int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(bucket)
	current, exists := b[name]

	if ifGenerationMatch == 0 {
		if exists {
			return 0, ErrGenerationMismatch
		}
	} else if !exists || current.generation != ifGenerationMatch {
		return 0, ErrGenerationMismatch
	}

	next := current.generation + 1
	stored := make([]byte, len(data))
	copy(stored, data)
	b[name] = fakeObject{data: stored, generation: next}
	return next, nil
}

// Seed directly installs an object at a given generation, bypassing
// the Upload precondition check, for setting up test fixtures.
func (s *FakeStore) Seed(bucket, name string, data []byte, generation int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.bucket(bucket)[name] = fakeObject{data: stored, generation: generation}
}
