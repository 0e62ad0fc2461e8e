// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package objectstore defines the narrow object-store interface the
// Sync Engine mirrors the sandbox filesystem against: list-with-prefix,
// versioned get/put keyed by generation. GCSStore implements it over
// Google Cloud Storage; FakeStore is an in-memory double for tests.
package objectstore

import "context"

// Attrs describes one remote object as returned by List.
type Attrs struct {
	Name       string
	Generation int64
	Size       int64
}

// Store is the object store the Sync Engine reads and writes through.
type Store interface {
	// List returns every object under bucket whose name has prefix,
	// across all pages.
	List(ctx context.Context, bucket, prefix string) ([]Attrs, error)

	// Download fetches an object's full contents and current
	// generation. Returns ErrNotExist if the object does not exist.
	Download(ctx context.Context, bucket, name string) (data []byte, generation int64, err error)

	// Upload writes data to bucket/name, conditioned on the object's
	// current generation matching ifGenerationMatch (0 means "object
	// must not exist yet", matching GCS's own convention). Returns
	// ErrGenerationMismatch if the condition fails, and the new
	// generation on success.
	Upload(ctx context.Context, bucket, name string, data []byte, ifGenerationMatch int64) (generation int64, err error)
}

// ErrNotExist is returned by Download when the named object is absent.
var ErrNotExist = objectError("object does not exist")

// ErrGenerationMismatch is returned by Upload when ifGenerationMatch
// does not match the object's current state.
var ErrGenerationMismatch = objectError("generation mismatch")

type objectError string

func (e objectError) Error() string { return string(e) }
