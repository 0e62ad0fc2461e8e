// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package tools implements the sandboxed tool handlers the Tool
// Dispatcher invokes: READ_FILE, UPDATE_FILE, RUN_COMMAND. Every
// handler resolves its filepath argument strictly within a work root;
// nothing in this package ever touches a path outside it.
package tools

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/flowbridge/bridge/internal/bridgeerr"
)

// resolveWithin joins root and relPath and verifies the result is a
// strict descendant of root after cleaning. Rejects absolute paths and
// any traversal (".." components, symlink tricks are out of scope —
// the mount is assumed to contain no untrusted symlinks) that would
// escape root.
func resolveWithin(root, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", &bridgeerr.PathEscape{Path: relPath}
	}

	cleanRoot := filepath.Clean(root)
	joined := filepath.Join(cleanRoot, relPath)

	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", &bridgeerr.PathEscape{Path: relPath}
	}
	if joined == cleanRoot {
		return "", &bridgeerr.PathEscape{Path: relPath}
	}
	return joined, nil
}

// pathToolError maps a resolveWithin error to the Tool error a handler
// returns. A PathEscape always surfaces as the literal token
// "path_escape" in the result frame, per the path-escape scenario's
// testable property; any other error (there are none today) falls
// back to its own message.
func pathToolError(err error) error {
	var escape *bridgeerr.PathEscape
	if errors.As(err, &escape) {
		return &bridgeerr.Tool{Message: "path_escape"}
	}
	return &bridgeerr.Tool{Message: err.Error()}
}
