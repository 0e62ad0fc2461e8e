// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/flowbridge/bridge/internal/atomicfile"
	"github.com/flowbridge/bridge/internal/bridgeerr"
)

// UpdateFileResult is UPDATE_FILE's protocol-success payload.
type UpdateFileResult struct {
	OK       bool   `json:"ok"`
	Filepath string `json:"filepath"`
	Bytes    int    `json:"bytes"`
	MtimeMs  int64  `json:"mtimeMs"`
	Blake3   string `json:"blake3"`
}

// UpdateFile implements the UPDATE_FILE tool: ensures parent
// directories exist, then atomically replaces the file's content.
func (t *Toolset) UpdateFile(ctx context.Context, workRoot string, args map[string]any) (any, error) {
	relPath, _ := args["filepath"].(string)
	if relPath == "" {
		return nil, &bridgeerr.Tool{Message: "bad_arguments: filepath is required"}
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, &bridgeerr.Tool{Message: "bad_arguments: content is required"}
	}

	abs, err := resolveWithin(workRoot, relPath)
	if err != nil {
		return nil, pathToolError(err)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, &bridgeerr.Tool{Message: fmt.Sprintf("creating parent directories: %v", err)}
	}
	if err := atomicfile.Write(abs, []byte(content), 0644); err != nil {
		return nil, &bridgeerr.Tool{Message: fmt.Sprintf("write failed: %v", err)}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, &bridgeerr.Tool{Message: fmt.Sprintf("stat after write failed: %v", err)}
	}

	// Read back through the rename rather than hashing the in-memory
	// content, so the checksum actually proves the rename landed the
	// intended bytes rather than just restating what was asked for.
	written, err := os.ReadFile(abs)
	if err != nil {
		return nil, &bridgeerr.Tool{Message: fmt.Sprintf("read back after write failed: %v", err)}
	}
	sum, err := checksum(written)
	if err != nil {
		return nil, &bridgeerr.Tool{Message: fmt.Sprintf("checksum failed: %v", err)}
	}

	return UpdateFileResult{
		OK:       true,
		Filepath: relPath,
		Bytes:    len(content),
		MtimeMs:  info.ModTime().UnixMilli(),
		Blake3:   sum,
	}, nil
}

// checksum returns the hex-encoded blake3 digest of data.
func checksum(data []byte) (string, error) {
	h := blake3.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
