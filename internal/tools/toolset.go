// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"time"
)

// Handler is the signature every tool implements: given the parsed
// call arguments and the caller's work root, produce a result value
// or a *bridgeerr.Tool/.PathEscape/.Timeout error. A returned error
// here is never a transport failure — the Tool Dispatcher frames it as
// {error:{message}} and still advances the event cursor.
type Handler func(ctx context.Context, workRoot string, args map[string]any) (any, error)

// Toolset holds the configured limits the READ_FILE, UPDATE_FILE, and
// RUN_COMMAND handlers enforce, and dispatches by tool name.
type Toolset struct {
	ReadFileMaxBytes  int64
	OutputMaxBytes    int64
	RunCommandTimeout time.Duration
}

// Lookup returns the handler for name, or ok=false for an
// unrecognized tool ("unknown_tool" per §4.4).
func (t *Toolset) Lookup(name string) (Handler, bool) {
	switch name {
	case "READ_FILE":
		return t.ReadFile, true
	case "UPDATE_FILE":
		return t.UpdateFile, true
	case "RUN_COMMAND":
		return t.RunCommand, true
	default:
		return nil, false
	}
}
