// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncengine mirrors a sandbox work root against an object
// store prefix in both directions, tracking per-object generations in
// a local manifest so unchanged files are never re-transferred and
// conflicting concurrent edits are detected rather than silently
// overwritten.
package syncengine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/flowbridge/bridge/internal/atomicfile"
)

// ManifestName is the file persisted at the work root's top level.
const ManifestName = ".gcs-manifest.json"

// Entry is one object's last-known synchronization state.
type Entry struct {
	RemoteGen  int64 `json:"remoteGen"`
	LocalMtime int64 `json:"localMtime"` // unix milliseconds
	LocalSize  int64 `json:"localSize"`
}

// Manifest maps an object's relative name to its last-synced state.
type Manifest map[string]Entry

// Clone returns a deep copy so a Run can mutate its working manifest
// without affecting the caller's reference snapshot.
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// loadManifest reads the manifest at workRoot. A missing or malformed
// file is treated as an empty manifest, per §8 ("manifest corruption
// ... is treated as empty; next sync re-downloads differing remote
// objects") — there is no distinction between absent and corrupt here,
// both simply mean "start from nothing."
func loadManifest(workRoot string) Manifest {
	data, err := os.ReadFile(filepath.Join(workRoot, ManifestName))
	if err != nil {
		return Manifest{}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}
	}
	if m == nil {
		m = Manifest{}
	}
	return m
}

func saveManifest(workRoot string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(filepath.Join(workRoot, ManifestName), data, 0644)
}
