// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package eventstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/dispatcher"
	"github.com/flowbridge/bridge/internal/objectstore"
	"github.com/flowbridge/bridge/internal/syncengine"
	"github.com/flowbridge/bridge/internal/tools"
)

// flushRecorder augments httptest.ResponseRecorder with a no-op Flush
// so PushHandler's http.Flusher assertion succeeds, and guards Write
// with a mutex so a test goroutine can safely poll Snapshot() while
// the handler's heartbeat goroutine writes concurrently.
type flushRecorder struct {
	mu  sync.Mutex
	rec *httptest.ResponseRecorder
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{rec: httptest.NewRecorder()}
}

func (f *flushRecorder) Header() http.Header { return f.rec.Header() }

func (f *flushRecorder) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec.Write(p)
}

func (f *flushRecorder) WriteHeader(status int) { f.rec.WriteHeader(status) }

func (f *flushRecorder) Flush() {}

func (f *flushRecorder) Snapshot() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.rec.Body.Bytes()...)
}

func newTestPushHandler(t *testing.T) (*PushHandler, string) {
	t.Helper()
	root := t.TempDir()
	toolset := &tools.Toolset{ReadFileMaxBytes: 100_000, OutputMaxBytes: 10_000, RunCommandTimeout: time.Second}
	d := dispatcher.New(toolset, root, "", clock.Real(), nil, nil)
	return &PushHandler{Dispatcher: d, Clock: clock.Real()}, root
}

func TestPushHandlerWritesOneResultPerEventLine(t *testing.T) {
	h, _ := newTestPushHandler(t)

	args, _ := json.Marshal(map[string]any{"filepath": "a.txt", "content": "x"})
	ev1 := dispatcher.Event{ID: "e1", ToolCall: dispatcher.ToolCallPayload{Function: dispatcher.FunctionCall{Name: "UPDATE_FILE", Arguments: args}}}
	ev2 := dispatcher.Event{ID: "e2", ToolCall: dispatcher.ToolCallPayload{Function: dispatcher.FunctionCall{Name: "UNKNOWN_TOOL", Arguments: json.RawMessage(`{}`)}}}
	b1, _ := json.Marshal(ev1)
	b2, _ := json.Marshal(ev2)
	body := strings.Join([]string{string(b1), string(b2)}, "\n") + "\n"

	req := httptest.NewRequest(http.MethodPost, "/sessions/stream", strings.NewReader(body))
	rec := newFlushRecorder()

	h.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("Content-Type = %q, want application/x-ndjson", ct)
	}

	scanner := bufio.NewScanner(bytes.NewReader(rec.Snapshot()))
	var results []dispatcher.Result
	for scanner.Scan() {
		var res dispatcher.Result
		if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
			t.Fatalf("unmarshal result line %q: %v", scanner.Text(), err)
		}
		results = append(results, res)
	}
	if len(results) != 2 {
		t.Fatalf("got %d result lines, want 2: %v", len(results), results)
	}
	if results[0].EventID != "e1" || results[0].Error != nil {
		t.Fatalf("result[0] = %+v, want e1 with no error", results[0])
	}
	if results[1].EventID != "e2" || results[1].Error == nil || results[1].Error.Message != "unknown_tool" {
		t.Fatalf("result[1] = %+v, want e2 with unknown_tool error", results[1])
	}
}

func TestPushHandlerEmitsHeartbeatOnInterval(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	root := t.TempDir()
	toolset := &tools.Toolset{ReadFileMaxBytes: 100_000, OutputMaxBytes: 10_000, RunCommandTimeout: time.Second}
	d := dispatcher.New(toolset, root, "", fakeClock, nil, nil)
	h := &PushHandler{Dispatcher: d, Clock: fakeClock, HeartbeatInterval: 15 * time.Second}

	pr, pw := io.Pipe()
	req := httptest.NewRequest(http.MethodPost, "/sessions/stream", pr)
	req = req.WithContext(context.Background())
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(15 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for !bytes.Contains(rec.Snapshot(), pingLine) {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat line did not appear within the deadline; body = %q", rec.Snapshot())
		}
		time.Sleep(time.Millisecond)
	}

	pw.Close()
	<-done
}

func TestPushHandlerRunsInitialAndFinalSyncAndEmitsGCSSyncLines(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	root := t.TempDir()
	toolset := &tools.Toolset{ReadFileMaxBytes: 100_000, OutputMaxBytes: 10_000, RunCommandTimeout: time.Second}
	d := dispatcher.New(toolset, root, "", fakeClock, nil, nil)

	store := objectstore.NewFakeStore()
	store.Seed("bridge-bucket", "remote.txt", []byte("from gcs"), 1)

	var built int
	h := &PushHandler{
		Dispatcher:  d,
		Clock:       fakeClock,
		SyncOnStart: true,
		Sync: func(scope dispatcher.Scope) (*syncengine.Engine, error) {
			built++
			return &syncengine.Engine{Store: store, Bucket: "bridge-bucket", WorkRoot: root}, nil
		},
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions/stream", strings.NewReader(""))
	rec := newFlushRecorder()

	h.ServeHTTP(rec, req)

	if built != 1 {
		t.Fatalf("Sync factory called %d times, want 1", built)
	}

	var syncLines []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(rec.Snapshot()))
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("unmarshal line %q: %v", scanner.Text(), err)
		}
		if line["type"] == "gcs_sync" {
			syncLines = append(syncLines, line)
		}
	}
	// Initial sync (SyncOnStart) plus final sync once the body drains.
	if len(syncLines) != 2 {
		t.Fatalf("got %d gcs_sync lines, want 2: %v", len(syncLines), syncLines)
	}
	if syncLines[0]["downloaded"].(float64) != 1 {
		t.Fatalf("first gcs_sync = %v, want downloaded=1", syncLines[0])
	}
	if _, err := readFileFromRoot(root, "remote.txt"); err != nil {
		t.Fatalf("sync did not download remote.txt into the work root: %v", err)
	}
}

func TestPushHandlerRunsPeriodicSyncOnInterval(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	root := t.TempDir()
	toolset := &tools.Toolset{ReadFileMaxBytes: 100_000, OutputMaxBytes: 10_000, RunCommandTimeout: time.Second}
	d := dispatcher.New(toolset, root, "", fakeClock, nil, nil)
	store := objectstore.NewFakeStore()

	h := &PushHandler{
		Dispatcher:   d,
		Clock:        fakeClock,
		SyncInterval: 15 * time.Second,
		Sync: func(scope dispatcher.Scope) (*syncengine.Engine, error) {
			return &syncengine.Engine{Store: store, Bucket: "bridge-bucket", WorkRoot: root}, nil
		},
	}

	pr, pw := io.Pipe()
	req := httptest.NewRequest(http.MethodPost, "/sessions/stream", pr)
	req = req.WithContext(context.Background())
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	fakeClock.WaitForTimers(2) // heartbeat ticker and sync ticker
	fakeClock.Advance(15 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for !bytes.Contains(rec.Snapshot(), []byte(`"gcs_sync"`)) {
		if time.Now().After(deadline) {
			t.Fatalf("periodic gcs_sync line did not appear within the deadline; body = %q", rec.Snapshot())
		}
		time.Sleep(time.Millisecond)
	}

	pw.Close()
	<-done
}

func readFileFromRoot(root, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(root, name))
}
