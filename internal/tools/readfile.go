// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/flowbridge/bridge/internal/bridgeerr"
)

// ReadFileResult is READ_FILE's protocol-success payload.
type ReadFileResult struct {
	OK        bool   `json:"ok"`
	Filepath  string `json:"filepath"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// ReadFile implements the READ_FILE tool. A missing file is reported
// as a ToolError ("not_found"), not a transport failure.
func (t *Toolset) ReadFile(ctx context.Context, workRoot string, args map[string]any) (any, error) {
	relPath, _ := args["filepath"].(string)
	if relPath == "" {
		return nil, &bridgeerr.Tool{Message: "bad_arguments: filepath is required"}
	}

	abs, err := resolveWithin(workRoot, relPath)
	if err != nil {
		return nil, pathToolError(err)
	}

	f, err := os.Open(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &bridgeerr.Tool{Message: "not_found"}
		}
		return nil, &bridgeerr.Tool{Message: fmt.Sprintf("read failed: %v", err)}
	}
	defer f.Close()

	maxBytes := t.ReadFileMaxBytes
	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, &bridgeerr.Tool{Message: fmt.Sprintf("read failed: %v", err)}
	}

	truncated := int64(len(data)) > maxBytes
	if truncated {
		data = data[:maxBytes]
	}

	return ReadFileResult{
		OK:        true,
		Filepath:  relPath,
		Content:   string(data),
		Truncated: truncated,
	}, nil
}
