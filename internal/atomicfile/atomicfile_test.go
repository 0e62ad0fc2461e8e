// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package atomicfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteCreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")

	if err := Write(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("content = %q, want %q", got, "hello")
	}
}

func TestWriteReplacesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")

	if err := Write(path, []byte("old"), 0644); err != nil {
		t.Fatalf("Write (old): %v", err)
	}
	if err := Write(path, []byte("new content"), 0644); err != nil {
		t.Fatalf("Write (new): %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "new content" {
		t.Fatalf("content = %q, want %q", got, "new content")
	}

	// No leftover temp files.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want 1 (no leftover temp files): %v", len(entries), entries)
	}
}

func TestWriteFailsOnMissingParent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "data.txt")
	if err := Write(path, []byte("x"), 0644); err == nil {
		t.Fatalf("Write: expected error for missing parent directory")
	}
}
