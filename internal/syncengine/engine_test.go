// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowbridge/bridge/internal/objectstore"
)

func newEngine(t *testing.T, store *objectstore.FakeStore) *Engine {
	t.Helper()
	return &Engine{
		Store:               store,
		Bucket:              "bucket",
		Prefix:              "proj1/",
		WorkRoot:            t.TempDir(),
		DownloadConcurrency: 2,
		UploadConcurrency:   2,
		EnableUpload:        true,
	}
}

func TestRunDownloadsNewRemoteObjects(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewFakeStore()
	store.Seed("bucket", "proj1/foo.txt", []byte("remote content"), 1)

	e := newEngine(t, store)
	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Downloaded != 1 || stats.Uploaded != 0 || stats.Conflicts != 0 {
		t.Fatalf("stats = %+v, want downloaded=1", stats)
	}

	data, err := os.ReadFile(filepath.Join(e.WorkRoot, "foo.txt"))
	if err != nil || string(data) != "remote content" {
		t.Fatalf("local content = %q err=%v, want remote content", data, err)
	}
}

func TestRunTwiceWithNoChangesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewFakeStore()
	store.Seed("bucket", "proj1/foo.txt", []byte("remote content"), 1)

	e := newEngine(t, store)
	if _, err := e.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if stats.Downloaded != 0 || stats.Uploaded != 0 || stats.Conflicts != 0 {
		t.Fatalf("second Run stats = %+v, want all zero", stats)
	}
}

func TestRunUploadsNewLocalFile(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewFakeStore()
	e := newEngine(t, store)

	if err := os.WriteFile(filepath.Join(e.WorkRoot, "new.txt"), []byte("local content"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Uploaded != 1 || stats.Conflicts != 0 {
		t.Fatalf("stats = %+v, want uploaded=1", stats)
	}

	data, _, err := store.Download(ctx, "bucket", "proj1/new.txt")
	if err != nil || string(data) != "local content" {
		t.Fatalf("remote content = %q err=%v, want local content", data, err)
	}
}

func TestRunDetectsConflictAndPrefersRemote(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewFakeStore()
	e := newEngine(t, store)

	store.Seed("bucket", "proj1/foo.txt", []byte("v1"), 10)
	if _, err := e.Run(ctx); err != nil {
		t.Fatalf("seeding Run: %v", err)
	}

	// Remote changes to generation 11...
	store.Seed("bucket", "proj1/foo.txt", []byte("v2-remote"), 11)
	// ...while the local copy is independently modified.
	if err := os.WriteFile(filepath.Join(e.WorkRoot, "foo.txt"), []byte("v2-local"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	time.Sleep(2 * time.Millisecond) // ensure a distinct mtime from the seeded download

	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Downloaded != 1 || stats.Uploaded != 0 || stats.Conflicts != 1 {
		t.Fatalf("stats = %+v, want downloaded=1 uploaded=0 conflicts=1", stats)
	}

	data, err := os.ReadFile(filepath.Join(e.WorkRoot, "foo.txt"))
	if err != nil || string(data) != "v2-remote" {
		t.Fatalf("local content = %q err=%v, want remote content to win", data, err)
	}
}

func TestRunSkipsUploadWhenDisabled(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewFakeStore()
	e := newEngine(t, store)
	e.EnableUpload = false

	if err := os.WriteFile(filepath.Join(e.WorkRoot, "new.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Uploaded != 0 {
		t.Fatalf("Uploaded = %d, want 0 when uploads disabled", stats.Uploaded)
	}
}
