// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package launcher implements the Runner Launcher: it brings up a
// producer (event-consuming driver) and, optionally, a co-located
// consumer sidecar, persists runtime info on the project's lock, and
// ensures cleanup on exit.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowbridge/bridge/internal/bridgeerr"
	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/credential"
	"github.com/flowbridge/bridge/internal/lock"
	"github.com/flowbridge/bridge/internal/workspace"
)

// Mode selects where the producer (and its optional sidecar) runs.
type Mode string

const (
	ModeLocalSandbox Mode = "local-sandbox"
	ModeRemoteJob    Mode = "remote-job"
)

// ContainerSpec describes a single local container to start.
type ContainerSpec struct {
	Name  string
	Image string
	Env   map[string]string
}

// ContainerRunner starts and stops local containers (docker/podman). It
// is the narrow interface the launcher needs; production wiring shells
// out to the container engine CLI, exactly like the teacher shells out
// to bwrap, tmux, and systemd-run rather than linking an SDK.
type ContainerRunner interface {
	Start(ctx context.Context, spec ContainerSpec) error
	Stop(ctx context.Context, name string) error
	// Wait blocks until the named container exits and returns its exit
	// code. It returns immediately if the container is already gone.
	Wait(ctx context.Context, name string) (int, error)
}

// JobSpec describes a single Cloud Run Jobs execution to start.
type JobSpec struct {
	JobName string
	Env     map[string]string
}

// RemoteJobRunner starts and cancels Cloud Run Jobs executions for
// remote-job mode.
type RemoteJobRunner interface {
	// Start returns the execution's operation name.
	Start(ctx context.Context, spec JobSpec) (operationName string, err error)
	Stop(ctx context.Context, operationName string) error
}

// StartRequest is the Start contract's input, per the launcher's
// algorithm: validate identity, resolve a workspace, acquire the
// project lock, then bring up the producer (and optional sidecar).
type StartRequest struct {
	UserID      string
	ProjectID   string
	SessionID   string
	WorkspaceID string
	SinceID     string
	SinceTime   time.Time
	LeaseMs     int64
	Mode        Mode

	ConsumerImage   string // required when ConsumerSidecar is true
	ConsumerSidecar bool
	ProducerImage   string
	ConsumerPort    int // sidecar listen port, default 8080

	// SidecarCredential, if set, is a prefix-scoped object store
	// credential for the consumer sidecar. It is sealed under the
	// launcher's master key before it is written into the lock's
	// runtime descriptor, so no plaintext token sits in a Metadata
	// Store field (per the "credentials narrowing" invariant).
	SidecarCredential []byte

	Env map[string]string // overrides merged last, over the composed base
}

const maxLeaseMs = 10 * 60 * 1000 // 10min, per the Start contract's leaseMs<=10min bound

// StartResult is the Start contract's output. When OK is false and
// Conflict is set, nothing was started.
type StartResult struct {
	OK          bool
	Conflict    *lock.Conflict
	ConsumerID  string
	WorkspaceID string
	Runtime     map[string]any
}

// StopResult is the Stop contract's output.
type StopResult struct {
	OK      bool
	Message string // set when OK is false, e.g. "no active lock"
}

// Config is the launcher's fixed, process-wide configuration: how to
// reach the upstream event channel and authenticate to it.
type Config struct {
	UpstreamBaseURL  string
	Audience         string
	AuthToken        string // static bearer token; a future token source can replace this
	ConsumerBasePort int    // default port sidecars listen on, default 8080

	// MasterKey seals SidecarCredential values into the runtime
	// descriptor. Required when any Start call sets SidecarCredential.
	MasterKey credential.MasterKey
}

// Launcher implements the Runner Launcher component.
type Launcher struct {
	Locks      *lock.Manager
	Workspaces *workspace.Manager
	Containers ContainerRunner
	RemoteJobs RemoteJobRunner
	Clock      clock.Clock
	Logger     *slog.Logger
	Config     Config

	// activeLocal counts producers currently running in local-sandbox
	// mode on this host, for the /readyz surface.
	activeLocal int64

	trackedMu sync.Mutex
	tracked   map[string]TrackedProducer
}

// TrackedProducer is one producer this Launcher instance started and
// has not yet observed exit, for internal/reaper's sweep.
type TrackedProducer struct {
	UserID     string
	ProjectID  string
	ConsumerID string
}

// ActiveLocalProducers reports how many producers this process is
// currently supervising in local-sandbox mode.
func (l *Launcher) ActiveLocalProducers() int64 {
	return atomic.LoadInt64(&l.activeLocal)
}

// Tracked returns a snapshot of producers this Launcher started that
// have not yet been observed to exit (via monitorExit or Stop).
// internal/reaper polls this to find lease-expired producers whose
// container or job outlived their lock.
func (l *Launcher) Tracked() []TrackedProducer {
	l.trackedMu.Lock()
	defer l.trackedMu.Unlock()
	out := make([]TrackedProducer, 0, len(l.tracked))
	for _, t := range l.tracked {
		out = append(out, t)
	}
	return out
}

func (l *Launcher) track(userID, projectID, consumerID string) {
	l.trackedMu.Lock()
	defer l.trackedMu.Unlock()
	if l.tracked == nil {
		l.tracked = map[string]TrackedProducer{}
	}
	l.tracked[consumerID] = TrackedProducer{UserID: userID, ProjectID: projectID, ConsumerID: consumerID}
}

func (l *Launcher) untrack(consumerID string) {
	l.trackedMu.Lock()
	defer l.trackedMu.Unlock()
	delete(l.tracked, consumerID)
}

func (l *Launcher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *Launcher) clock() clock.Clock {
	if l.Clock != nil {
		return l.Clock
	}
	return clock.Real()
}

// Start implements the Runner Launcher's Start contract (spec §4.2).
func (l *Launcher) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if req.UserID == "" || req.ProjectID == "" {
		return nil, &bridgeerr.Config{Reason: "userId and projectId are required"}
	}
	if req.LeaseMs <= 0 || req.LeaseMs > maxLeaseMs {
		return nil, &bridgeerr.Config{Reason: fmt.Sprintf("leaseMs must be in (0, %d]", maxLeaseMs)}
	}
	if req.Mode != ModeLocalSandbox && req.Mode != ModeRemoteJob {
		return nil, &bridgeerr.Config{Reason: fmt.Sprintf("unknown mode %q", req.Mode)}
	}

	logger := l.logger().With("user_id", req.UserID, "project_id", req.ProjectID)

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		ws, err := l.Workspaces.ResolveOrCreate(ctx, req.UserID, req.ProjectID, req.SessionID, workspace.DefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("resolve workspace: %w", err)
		}
		workspaceID = ws.ID
	}

	consumerID := "producer-" + uuid.NewString()
	logger = logger.With("consumer_id", consumerID)

	consumerType := lock.Local
	if req.Mode == ModeRemoteJob {
		consumerType = lock.Cloud
	}
	ok, _, conflict, err := l.Locks.Acquire(ctx, req.UserID, req.ProjectID, consumerID, req.LeaseMs, consumerType)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		logger.Info("lock held, not starting", "current_consumer_id", conflict.CurrentConsumerID)
		return &StartResult{OK: false, Conflict: conflict}, nil
	}

	runtime, err := l.bringUp(ctx, logger, req, consumerID, workspaceID)
	if err != nil {
		logger.Warn("bring-up failed, releasing lock", "error", err)
		if relErr := l.Locks.Release(ctx, req.UserID, req.ProjectID, consumerID, true); relErr != nil {
			logger.Error("failed to release lock after failed start", "error", relErr)
		}
		return nil, err
	}

	if err := l.Locks.SetRuntime(ctx, req.UserID, req.ProjectID, consumerID, runtime); err != nil {
		logger.Warn("setRuntime failed, tearing down and releasing", "error", err)
		l.teardown(ctx, logger, req.Mode, runtime)
		if relErr := l.Locks.Release(ctx, req.UserID, req.ProjectID, consumerID, true); relErr != nil {
			logger.Error("failed to release lock after failed setRuntime", "error", relErr)
		}
		return nil, fmt.Errorf("set runtime: %w", err)
	}

	l.track(req.UserID, req.ProjectID, consumerID)
	go l.monitorExit(req.UserID, req.ProjectID, consumerID, req.Mode, runtime)

	return &StartResult{OK: true, ConsumerID: consumerID, WorkspaceID: workspaceID, Runtime: runtime}, nil
}

// bringUp starts the optional sidecar and the producer, returning the
// runtime descriptor to persist. On any error it best-effort tears
// down whatever it already started before returning.
func (l *Launcher) bringUp(ctx context.Context, logger *slog.Logger, req StartRequest, consumerID, workspaceID string) (map[string]any, error) {
	runtime := map[string]any{
		"mode":          string(req.Mode),
		"stopRequested": false,
	}

	consumerBaseURL := ""
	sidecarName := ""
	port := req.ConsumerPort
	if port <= 0 {
		port = l.Config.ConsumerBasePort
	}
	if port <= 0 {
		port = 8080
	}

	if req.ConsumerSidecar {
		sidecarName = containerName("sse-consumer", consumerID)
		consumerEnv := l.composeConsumerEnv(req, consumerID, workspaceID)
		if req.Mode == ModeLocalSandbox {
			if err := l.Containers.Start(ctx, ContainerSpec{Name: sidecarName, Image: req.ConsumerImage, Env: consumerEnv}); err != nil {
				return nil, fmt.Errorf("start consumer sidecar: %w", err)
			}
			consumerBaseURL = fmt.Sprintf("http://%s:%d", sidecarName, port)
		} else {
			// Remote job + sidecar: the sidecar is co-located in the
			// same execution, reachable on localhost.
			consumerBaseURL = fmt.Sprintf("http://localhost:%d", port)
		}
		sidecarInfo := map[string]any{"containerName": sidecarName, "image": req.ConsumerImage}
		if len(req.SidecarCredential) > 0 {
			sealed, err := credential.Seal(l.Config.MasterKey, workspaceID, req.SidecarCredential)
			if err != nil {
				if req.Mode == ModeLocalSandbox {
					l.stopSidecarBestEffort(ctx, logger, req.Mode, sidecarName)
				}
				return nil, fmt.Errorf("seal sidecar credential: %w", err)
			}
			sidecarInfo["credential"] = sealed
		}
		runtime["sidecar"] = sidecarInfo
	}

	producerEnv := l.composeProducerEnv(req, consumerID, workspaceID, consumerBaseURL)

	switch req.Mode {
	case ModeLocalSandbox:
		producerName := containerName("producer", consumerID)
		if err := l.Containers.Start(ctx, ContainerSpec{Name: producerName, Image: req.ProducerImage, Env: producerEnv}); err != nil {
			if sidecarName != "" {
				l.stopSidecarBestEffort(ctx, logger, req.Mode, sidecarName)
			}
			return nil, fmt.Errorf("start producer container: %w", err)
		}
		runtime["producerContainer"] = producerName
		atomic.AddInt64(&l.activeLocal, 1)
	case ModeRemoteJob:
		operationName, err := l.RemoteJobs.Start(ctx, JobSpec{JobName: producerName(consumerID), Env: producerEnv})
		if err != nil {
			if sidecarName != "" {
				l.stopSidecarBestEffort(ctx, logger, req.Mode, sidecarName)
			}
			return nil, fmt.Errorf("start producer job: %w", err)
		}
		runtime["remoteOperationName"] = operationName
	}

	return runtime, nil
}

func (l *Launcher) composeProducerEnv(req StartRequest, consumerID, workspaceID, consumerBaseURL string) map[string]string {
	env := map[string]string{
		"UPSTREAM_BASE_URL": l.Config.UpstreamBaseURL,
		"AUDIENCE":          l.Config.Audience,
		"AUTH_TOKEN":        l.Config.AuthToken,
		"CONSUMER_ID":       consumerID,
		"LEASE_MS":          fmt.Sprintf("%d", req.LeaseMs),
		"WORKSPACE_ID":      workspaceID,
	}
	if req.SessionID != "" {
		env["SESSION_ID"] = req.SessionID
	}
	if req.SinceID != "" {
		env["SINCE_ID"] = req.SinceID
	}
	if !req.SinceTime.IsZero() {
		env["SINCE_TIME"] = req.SinceTime.UTC().Format(time.RFC3339Nano)
	}
	if consumerBaseURL != "" {
		env["CONSUMER_BASE_URL"] = consumerBaseURL
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

func (l *Launcher) composeConsumerEnv(req StartRequest, consumerID, workspaceID string) map[string]string {
	env := map[string]string{
		"CONSUMER_ID":  consumerID,
		"WORKSPACE_ID": workspaceID,
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

// monitorExit waits for the producer to terminate, then best-effort
// stops the sidecar and releases the lock, per the Start contract's
// exit-monitor step.
func (l *Launcher) monitorExit(userID, projectID, consumerID string, mode Mode, runtime map[string]any) {
	ctx := context.Background()
	logger := l.logger().With("user_id", userID, "project_id", projectID, "consumer_id", consumerID)
	defer l.untrack(consumerID)

	switch mode {
	case ModeLocalSandbox:
		if name, ok := runtime["producerContainer"].(string); ok {
			if _, err := l.Containers.Wait(ctx, name); err != nil {
				logger.Warn("wait for producer container failed", "error", err)
			}
		}
	case ModeRemoteJob:
		// Remote job completion is observed externally (Cloud Run Jobs
		// execution status, or an explicit Stop); there is nothing to
		// block on here without a polling client.
		return
	}

	logger.Info("producer exited, tearing down")
	l.teardown(ctx, logger, mode, runtime)
	if err := l.Locks.Release(ctx, userID, projectID, consumerID, false); err != nil {
		logger.Error("failed to release lock on producer exit", "error", err)
	}
}

func (l *Launcher) teardown(ctx context.Context, logger *slog.Logger, mode Mode, runtime map[string]any) {
	if sidecar, ok := runtime["sidecar"].(map[string]any); ok {
		if name, ok := sidecar["containerName"].(string); ok && name != "" {
			l.stopSidecarBestEffort(ctx, logger, mode, name)
		}
	}
	if mode == ModeLocalSandbox {
		if name, ok := runtime["producerContainer"].(string); ok && name != "" {
			if err := l.Containers.Stop(ctx, name); err != nil {
				logger.Warn("failed to stop producer container during teardown", "error", err, "container", name)
			}
			atomic.AddInt64(&l.activeLocal, -1)
		}
	}
}

func (l *Launcher) stopSidecarBestEffort(ctx context.Context, logger *slog.Logger, mode Mode, name string) {
	if mode != ModeLocalSandbox {
		return
	}
	if err := l.Containers.Stop(ctx, name); err != nil {
		logger.Warn("failed to stop sidecar", "error", err, "container", name)
	}
}

// Stop implements the Runner Launcher's Stop contract (spec §4.2): it
// is idempotent and owner-agnostic, since it is invoked by an
// administrative endpoint scoped only by (userId, projectId).
func (l *Launcher) Stop(ctx context.Context, userID, projectID string) (*StopResult, error) {
	lk, err := l.Locks.Get(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("get lock: %w", err)
	}
	if lk == nil {
		return &StopResult{OK: false, Message: "no active lock"}, nil
	}

	logger := l.logger().With("user_id", userID, "project_id", projectID, "consumer_id", lk.ConsumerID)
	mode := Mode(fmt.Sprint(lk.Runtime["mode"]))

	switch mode {
	case ModeLocalSandbox:
		l.teardown(ctx, logger, mode, lk.Runtime)
	case ModeRemoteJob:
		if opName, ok := lk.Runtime["remoteOperationName"].(string); ok && opName != "" && l.RemoteJobs != nil {
			if err := l.RemoteJobs.Stop(ctx, opName); err != nil {
				logger.Warn("failed to cancel remote job execution", "error", err)
			}
		}
		if err := l.Locks.SetRuntime(ctx, userID, projectID, lk.ConsumerID, mergeRuntime(lk.Runtime, map[string]any{
			"stopRequested": true,
			"stopAt":        l.clock().Now().UTC().Format(time.RFC3339Nano),
		})); err != nil {
			logger.Warn("failed to mark stopRequested on runtime", "error", err)
		}
	}

	if err := l.Locks.Release(ctx, userID, projectID, lk.ConsumerID, true); err != nil {
		return nil, fmt.Errorf("release lock: %w", err)
	}
	l.untrack(lk.ConsumerID)
	return &StopResult{OK: true}, nil
}

func mergeRuntime(base map[string]any, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func containerName(prefix, consumerID string) string {
	name := prefix + "-" + consumerID
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func producerName(consumerID string) string {
	return containerName("producer", consumerID)
}
