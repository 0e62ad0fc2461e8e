// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/flowbridge/bridge/internal/bridgeerr"
	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/tools"
)

// Scope identifies the request context a work root is derived from.
type Scope struct {
	UserID      string
	ProjectID   string
	WorkspaceID string
	SessionID   string
}

// Dispatcher routes events to tool handlers inside a per-scope work
// root, and posts pull-mode callbacks for the results.
type Dispatcher struct {
	Toolset        *tools.Toolset
	WorkRoot       string
	PrefixTemplate string
	Clock          clock.Clock
	Logger         *slog.Logger
	Callbacks      *CallbackClient
}

// New constructs a Dispatcher. logger defaults to slog.Default() if nil.
func New(toolset *tools.Toolset, workRoot, prefixTemplate string, clk clock.Clock, callbacks *CallbackClient, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Toolset:        toolset,
		WorkRoot:       workRoot,
		PrefixTemplate: prefixTemplate,
		Clock:          clk,
		Logger:         logger,
		Callbacks:      callbacks,
	}
}

// renderWorkPrefix substitutes {userId},{projectId},{workspaceId},
// {sessionId} tokens in template; unrecognized tokens render empty.
func renderWorkPrefix(template string, scope Scope) string {
	replacer := strings.NewReplacer(
		"{userId}", scope.UserID,
		"{projectId}", scope.ProjectID,
		"{workspaceId}", scope.WorkspaceID,
		"{sessionId}", scope.SessionID,
	)
	return replacer.Replace(template)
}

// DeriveWorkRoot computes and ensures the per-request work root.
func (d *Dispatcher) DeriveWorkRoot(scope Scope) (string, error) {
	prefix := renderWorkPrefix(d.PrefixTemplate, scope)
	root := d.WorkRoot
	if prefix != "" {
		root = root + string(os.PathSeparator) + prefix
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", &bridgeerr.Tool{Message: fmt.Sprintf("workroot_unavailable: %v", err)}
	}
	return root, nil
}

// RenderPrefix renders PrefixTemplate for scope, the same substitution
// DeriveWorkRoot applies to build the sandbox path. The Sync Engine
// uses it unchanged as the object-store prefix, so a producer's GCS
// mirror lives at the same logical location as its sandbox directory.
func (d *Dispatcher) RenderPrefix(scope Scope) string {
	return renderWorkPrefix(d.PrefixTemplate, scope)
}

// Dispatch parses ev, resolves the named tool, invokes it inside
// scope's work root, and returns the framed Result. It never returns
// a non-nil error for a handler failure — that is carried in the
// Result's Error field, per §4.4's "both outcomes are protocol
// successes". Dispatch only returns an error when the event itself
// cannot be processed at all (unused currently; reserved for callers
// that want to distinguish never-attempted events).
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event, scope Scope) Result {
	now := d.Clock.Now()
	res := Result{
		EventID:    ev.ID,
		CreateTime: ev.CreateTime,
		Tool:       ToolRef{Name: ev.ToolCall.Function.Name},
		Timestamp:  now.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}

	args, ok := parseArguments(ev.ToolCall.Function.Arguments)
	if !ok {
		res.Error = &ErrorMsg{Message: "bad_arguments"}
		d.postCallback(ctx, ev, res)
		return res
	}
	res.Args = args

	handler, found := d.Toolset.Lookup(ev.ToolCall.Function.Name)
	if !found {
		res.Error = &ErrorMsg{Message: "unknown_tool"}
		d.postCallback(ctx, ev, res)
		return res
	}

	workRoot, err := d.DeriveWorkRoot(scope)
	if err != nil {
		res.Error = &ErrorMsg{Message: err.Error()}
		d.postCallback(ctx, ev, res)
		return res
	}

	value, err := handler(ctx, workRoot, args)
	if err != nil {
		res.Error = &ErrorMsg{Message: err.Error()}
	} else {
		res.Result = value
	}

	d.postCallback(ctx, ev, res)
	return res
}

func (d *Dispatcher) postCallback(ctx context.Context, ev Event, res Result) {
	if ev.CallbackID == "" || d.Callbacks == nil {
		return
	}
	if err := d.Callbacks.Post(ctx, ev.CallbackID, res); err != nil {
		d.Logger.Warn("callback delivery failed",
			"event_id", ev.ID, "callback_id", ev.CallbackID, "error", err)
	}
}
