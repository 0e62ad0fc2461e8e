// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/tools"
)

func newTestDispatcher(t *testing.T, callbacks *CallbackClient) (*Dispatcher, string) {
	t.Helper()
	root := t.TempDir()
	toolset := &tools.Toolset{ReadFileMaxBytes: 200_000, OutputMaxBytes: 50_000, RunCommandTimeout: 5 * time.Second}
	d := New(toolset, root, "{projectId}/{workspaceId}", clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), callbacks, nil)
	return d, root
}

func TestDispatchUpdateThenReadRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	scope := Scope{UserID: "u1", ProjectID: "p1", WorkspaceID: "w1"}

	writeArgs, _ := json.Marshal(map[string]any{"filepath": "notes/a.txt", "content": "Hello"})
	res := d.Dispatch(context.Background(), Event{
		ID:       "1",
		ToolCall: ToolCallPayload{Function: FunctionCall{Name: "UPDATE_FILE", Arguments: writeArgs}},
	}, scope)
	if res.Error != nil {
		t.Fatalf("UPDATE_FILE error = %+v", res.Error)
	}

	readArgs, _ := json.Marshal(map[string]any{"filepath": "notes/a.txt"})
	res = d.Dispatch(context.Background(), Event{
		ID:       "2",
		ToolCall: ToolCallPayload{Function: FunctionCall{Name: "READ_FILE", Arguments: readArgs}},
	}, scope)
	if res.Error != nil {
		t.Fatalf("READ_FILE error = %+v", res.Error)
	}
	content := res.Result.(tools.ReadFileResult)
	if content.Content != "Hello" {
		t.Fatalf("content = %q, want Hello", content.Content)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	res := d.Dispatch(context.Background(), Event{
		ID:       "1",
		ToolCall: ToolCallPayload{Function: FunctionCall{Name: "DELETE_EVERYTHING", Arguments: json.RawMessage(`{}`)}},
	}, Scope{ProjectID: "p1", WorkspaceID: "w1"})
	if res.Error == nil || res.Error.Message != "unknown_tool" {
		t.Fatalf("res.Error = %+v, want unknown_tool", res.Error)
	}
}

func TestDispatchBadArguments(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	res := d.Dispatch(context.Background(), Event{
		ID:       "1",
		ToolCall: ToolCallPayload{Function: FunctionCall{Name: "READ_FILE", Arguments: json.RawMessage(`"not-json{{"`)}},
	}, Scope{ProjectID: "p1", WorkspaceID: "w1"})
	if res.Error == nil || res.Error.Message != "bad_arguments" {
		t.Fatalf("res.Error = %+v, want bad_arguments", res.Error)
	}
}

func TestDispatchPathEscapeIsProtocolSuccess(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	args, _ := json.Marshal(map[string]any{"filepath": "../etc/passwd"})
	res := d.Dispatch(context.Background(), Event{
		ID:       "1",
		ToolCall: ToolCallPayload{Function: FunctionCall{Name: "READ_FILE", Arguments: args}},
	}, Scope{ProjectID: "p1", WorkspaceID: "w1"})
	if res.Error == nil || res.Error.Message != "path_escape" {
		t.Fatalf("res.Error = %+v, want path_escape", res.Error)
	}
	if res.EventID != "1" {
		t.Fatalf("EventID = %q, want the dispatched event's id to still be present", res.EventID)
	}
}

func TestDispatchPostsCallbackWhenCallbackIDPresent(t *testing.T) {
	var received Result
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, _ := newTestDispatcher(t, NewCallbackClient(srv.URL, ""))
	args, _ := json.Marshal(map[string]any{"filepath": "a.txt", "content": "x"})
	d.Dispatch(context.Background(), Event{
		ID:         "1",
		CallbackID: "cb-1",
		ToolCall:   ToolCallPayload{Function: FunctionCall{Name: "UPDATE_FILE", Arguments: args}},
	}, Scope{ProjectID: "p1", WorkspaceID: "w1"})

	if received.EventID != "1" {
		t.Fatalf("callback body EventID = %q, want 1 (callback should have been posted)", received.EventID)
	}
}

func TestCallbackPostTerminalOn404(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewCallbackClient(srv.URL, "")
	err := c.Post(context.Background(), "expired", Result{EventID: "1"})
	if err == nil {
		t.Fatalf("Post: expected error for 404")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (404 is terminal, no retry)", attempts)
	}
}

func TestCallbackPostRetriesOnceOn400ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if attempts == 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, wrapped := body["result"]; !wrapped {
			t.Errorf("second attempt body = %v, want wrapped under \"result\"", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCallbackClient(srv.URL, "")
	if err := c.Post(context.Background(), "cb-1", Result{EventID: "1"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}
