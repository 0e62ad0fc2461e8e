// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/config"
	"github.com/flowbridge/bridge/internal/dispatcher"
	"github.com/flowbridge/bridge/internal/eventstream"
	"github.com/flowbridge/bridge/internal/execregistry"
	"github.com/flowbridge/bridge/internal/launcher"
	"github.com/flowbridge/bridge/internal/lock"
	"github.com/flowbridge/bridge/internal/metadata"
	"github.com/flowbridge/bridge/internal/objectstore"
	"github.com/flowbridge/bridge/internal/tools"
	"github.com/flowbridge/bridge/internal/workspace"
)

type fakeContainers struct {
	mu      sync.Mutex
	running map[string]launcher.ContainerSpec
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{running: map[string]launcher.ContainerSpec{}}
}

func (f *fakeContainers) Start(ctx context.Context, spec launcher.ContainerSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[spec.Name] = spec
	return nil
}

func (f *fakeContainers) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeContainers) Wait(ctx context.Context, name string) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func newTestServer(t *testing.T) (*Server, *clock.FakeClock) {
	t.Helper()
	store := metadata.NewFakeStore()
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	l := &launcher.Launcher{
		Locks:      lock.New(store, fakeClock),
		Workspaces: workspace.New(store, fakeClock),
		Containers: newFakeContainers(),
		Clock:      fakeClock,
		Config:     launcher.Config{UpstreamBaseURL: "https://upstream.example"},
	}

	root := t.TempDir()
	toolset := &tools.Toolset{ReadFileMaxBytes: 100_000, OutputMaxBytes: 10_000, RunCommandTimeout: time.Second}
	d := dispatcher.New(toolset, root, "", fakeClock, nil, nil)

	s := &Server{
		Config:     config.Default(),
		Launcher:   l,
		Locks:      l.Locks,
		Execs:      execregistry.New(store, fakeClock),
		Dispatcher: d,
		Push:       &eventstream.PushHandler{Dispatcher: d, Clock: fakeClock},
		Metadata:   store,
		Clock:      fakeClock,
	}
	return s, fakeClock
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestProducerStartThenConflictThenStop(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/producer/start", producerStartRequest{
		UserID: "u1", ProjectID: "p1", LeaseMs: 60_000,
		Mode: "local-sandbox", ProducerImage: "producer:latest",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var started map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	if started["consumerId"] == "" || started["consumerId"] == nil {
		t.Fatalf("start response missing consumerId: %v", started)
	}

	rec = doJSON(t, h, http.MethodPost, "/producer/start", producerStartRequest{
		UserID: "u1", ProjectID: "p1", LeaseMs: 60_000,
		Mode: "local-sandbox", ProducerImage: "producer:latest",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("conflict status = %d, want 202", rec.Code)
	}
	var conflict map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &conflict); err != nil {
		t.Fatalf("decode conflict response: %v", err)
	}
	if conflict["message"] != "Lock held by another consumer" {
		t.Fatalf("conflict response = %v, want lock-held message", conflict)
	}

	rec = doJSON(t, h, http.MethodPost, "/producer/stop", producerStopRequest{UserID: "u1", ProjectID: "p1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var stopped map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stopped); err != nil {
		t.Fatalf("decode stop response: %v", err)
	}
	if stopped["ok"] != true {
		t.Fatalf("stop response = %v, want ok=true", stopped)
	}
}

func TestProducerStopWithNoActiveLock(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/producer/stop", producerStopRequest{UserID: "u1", ProjectID: "p1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != false {
		t.Fatalf("body = %v, want ok=false", body)
	}
}

func TestLinkRegisterAndLookup(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/links/register", linkRegisterRequest{
		UserID: "u1", ProjectID: "p1", CallingExecID: "exec-a", TriggeredExecID: "exec-b", SessionID: "s1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/links/by-calling/exec-a?userId=u1&projectId=p1", nil)
	recGet := httptest.NewRecorder()
	h.ServeHTTP(recGet, req)
	if recGet.Code != http.StatusOK {
		t.Fatalf("by-calling status = %d, body = %s", recGet.Code, recGet.Body.String())
	}
	var byCalling map[string]any
	if err := json.Unmarshal(recGet.Body.Bytes(), &byCalling); err != nil {
		t.Fatalf("decode by-calling: %v", err)
	}
	links, _ := byCalling["links"].([]any)
	if len(links) != 1 {
		t.Fatalf("links = %v, want 1 entry", byCalling)
	}

	req = httptest.NewRequest(http.MethodGet, "/links/by-triggered/exec-b?userId=u1&projectId=p1", nil)
	recGet = httptest.NewRecorder()
	h.ServeHTTP(recGet, req)
	if recGet.Code != http.StatusOK {
		t.Fatalf("by-triggered status = %d, body = %s", recGet.Code, recGet.Body.String())
	}
}

func TestStatusUpdateThenLatestAndTree(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	status := "RUNNING"
	rec := doJSON(t, h, http.MethodPost, "/status/update", statusUpdateRequest{
		UserID: "u1", ProjectID: "p1", ExecID: "exec-a", SessionID: "s1", Status: &status,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status/update status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/status", statusLatestRequest{UserID: "u1", ProjectID: "p1", SessionID: "s1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var latest map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &latest); err != nil {
		t.Fatalf("decode latest: %v", err)
	}
	rows, _ := latest["statuses"].([]any)
	if len(rows) != 1 {
		t.Fatalf("statuses = %v, want 1 row", latest)
	}

	rec = doJSON(t, h, http.MethodGet, "/status/latest?userId=u1&projectId=p1&sessionId=s1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status/latest status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var latestGet map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &latestGet); err != nil {
		t.Fatalf("decode status/latest: %v", err)
	}
	if rows, _ := latestGet["statuses"].([]any); len(rows) != 1 {
		t.Fatalf("status/latest = %v, want 1 row", latestGet)
	}

	rec = doJSON(t, h, http.MethodPost, "/tree", treeRequest{UserID: "u1", ProjectID: "p1", SessionID: "s1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("tree status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var tree map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &tree); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	forest, _ := tree["tree"].([]any)
	if len(forest) != 1 {
		t.Fatalf("tree = %v, want one root", tree)
	}
}

func TestHealthzAndReadyz(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if body["activeLocalProducers"].(float64) != 0 {
		t.Fatalf("readyz = %v, want activeLocalProducers=0", body)
	}
}

func TestReadyzReportsObjectStoreUnreachable(t *testing.T) {
	s, _ := newTestServer(t)
	s.Objects = failingObjectStore{}
	s.ObjectsBucket = "bridge-bucket"
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if body["gcsError"] == nil {
		t.Fatalf("readyz = %v, want gcsError set", body)
	}
}

type failingObjectStore struct{}

func (failingObjectStore) List(ctx context.Context, bucket, prefix string) ([]objectstore.Attrs, error) {
	return nil, errors.New("bucket unreachable")
}

func (failingObjectStore) Download(ctx context.Context, bucket, name string) ([]byte, int64, error) {
	return nil, 0, errors.New("bucket unreachable")
}

func (failingObjectStore) Upload(ctx context.Context, bucket, name string, data []byte, ifGenerationMatch int64) (int64, error) {
	return 0, errors.New("bucket unreachable")
}

// flushRecorder augments httptest.ResponseRecorder with a no-op Flush
// so handleSessionsConsume's http.Flusher assertion succeeds, and
// guards Write with a mutex so a test goroutine can safely poll
// Snapshot() while the handler writes heartbeat lines concurrently.
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

func TestSessionsConsumeStreamsHeartbeatsUntilCancelled(t *testing.T) {
	s, fakeClock := newTestServer(t)
	s.Config.EventsHeartbeat = 15 * time.Second
	s.Config.ReconnectBackoff = time.Second

	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })
	s.ConnectFactory = func(userID, projectID, sinceID, sinceTime string) eventstream.Connector {
		return func(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
			return pr, nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/sessions/consume?userId=u1&projectId=p1", nil)
	req = req.WithContext(ctx)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(rec, req)
		close(done)
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(15 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for !bytes.Contains(rec.Snapshot(), []byte(`{"type":"ping"}`)) {
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat line did not appear within the deadline; body = %q", rec.Snapshot())
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after request context cancellation")
	}
}

func TestSessionsConsumeRequiresUserAndProjectID(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sessions/consume", nil)
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
