// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Command flowbridge-server runs the distributed workflow execution
// bridge: it accepts tool-call events from an upstream workflows
// service, dispatches them to per-project sandboxed executors it
// launches, mirrors the sandbox against an object store, and tracks
// execution lineage and status. See internal/httpapi for the served
// surface.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	run "google.golang.org/api/run/v1"

	"github.com/flowbridge/bridge/internal/bridgeerr"
	"github.com/flowbridge/bridge/internal/clock"
	"github.com/flowbridge/bridge/internal/config"
	"github.com/flowbridge/bridge/internal/credential"
	"github.com/flowbridge/bridge/internal/dispatcher"
	"github.com/flowbridge/bridge/internal/eventstream"
	"github.com/flowbridge/bridge/internal/execregistry"
	"github.com/flowbridge/bridge/internal/httpapi"
	"github.com/flowbridge/bridge/internal/httpserver"
	"github.com/flowbridge/bridge/internal/launcher"
	"github.com/flowbridge/bridge/internal/lock"
	"github.com/flowbridge/bridge/internal/metadata"
	"github.com/flowbridge/bridge/internal/objectstore"
	"github.com/flowbridge/bridge/internal/reaper"
	"github.com/flowbridge/bridge/internal/syncengine"
	"github.com/flowbridge/bridge/internal/tools"
	"github.com/flowbridge/bridge/internal/workspace"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run_(logger); err != nil {
		logger.Error("flowbridge-server exited with error", "error", err)
		os.Exit(1)
	}
}

func run_(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := validateWorkRoot(cfg.WorkRoot); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	firestoreClient, err := firestore.NewClient(ctx, cfg.GCPProject)
	if err != nil {
		return fmt.Errorf("constructing firestore client: %w", err)
	}
	defer firestoreClient.Close()
	metadataStore := metadata.NewFirestoreStore(firestoreClient)

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("constructing storage client: %w", err)
	}
	defer storageClient.Close()
	objectStore := objectstore.NewGCSStore(storageClient)

	masterKey, err := loadMasterKey()
	if err != nil {
		return fmt.Errorf("loading credential master key: %w", err)
	}
	defer masterKey.Zero()

	clk := clock.Real()
	locks := lock.New(metadataStore, clk)
	workspaces := workspace.New(metadataStore, clk)
	execs := execregistry.New(metadataStore, clk)

	containerRunner, err := newContainerRunner()
	if err != nil {
		logger.Warn("local container runtime unavailable, local-sandbox mode will fail", "error", err)
	}
	remoteJobs, err := newRemoteJobRunner(ctx, cfg)
	if err != nil {
		logger.Warn("cloud run jobs unavailable, remote-job mode will fail", "error", err)
	}

	launch := &launcher.Launcher{
		Locks:      locks,
		Workspaces: workspaces,
		Containers: containerRunner,
		RemoteJobs: remoteJobs,
		Clock:      clk,
		Logger:     logger,
		Config: launcher.Config{
			UpstreamBaseURL:  cfg.UpstreamBaseURL,
			Audience:         cfg.Audience,
			AuthToken:        os.Getenv("UPSTREAM_AUTH_TOKEN"),
			ConsumerBasePort: 8080,
			MasterKey:        masterKey,
		},
	}

	toolset := &tools.Toolset{
		ReadFileMaxBytes:  cfg.ReadFileMaxBytes,
		OutputMaxBytes:    cfg.OutputMaxBytes,
		RunCommandTimeout: cfg.RunCommandTimeout,
	}
	callbacks := dispatcher.NewCallbackClient(cfg.UpstreamBaseURL, os.Getenv("UPSTREAM_AUTH_TOKEN"))
	disp := dispatcher.New(toolset, cfg.WorkRoot, cfg.WorkPrefixTemplate, clk, callbacks, logger)

	push := &eventstream.PushHandler{
		Dispatcher:        disp,
		Clock:             clk,
		Logger:            logger,
		HeartbeatInterval: cfg.EventsHeartbeat,
		SyncOnStart:       cfg.SyncOnStart,
		SyncInterval:      cfg.SyncInterval,
		Sync:              syncEngineFactory(disp, objectStore, cfg, logger),
	}

	server := &httpapi.Server{
		Config:         cfg,
		Launcher:       launch,
		Locks:          locks,
		Execs:          execs,
		Dispatcher:     disp,
		Push:           push,
		Metadata:       metadataStore,
		Objects:        objectStore,
		ObjectsBucket:  cfg.GCSBucket,
		Clock:          clk,
		Logger:         logger,
		ConnectFactory: pullConnectFactory(cfg, http.DefaultClient),
	}

	httpSrv := httpserver.New(httpserver.Config{
		Address:         cfg.ListenAddr,
		Handler:         server.Handler(),
		ShutdownTimeout: cfg.ShutdownTimeout / 2,
		Logger:          logger,
	})

	reap := &reaper.Reaper{Launcher: launch, Locks: locks, Clock: clk, Interval: cfg.ReaperInterval, Logger: logger}
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go reap.Run(reaperCtx)

	logger.Info("flowbridge-server starting", "listen_addr", cfg.ListenAddr, "gcs_bucket", cfg.GCSBucket)
	return httpSrv.Serve(ctx)
}

// validateWorkRoot refuses to start unless WORK_ROOT is absolute and
// writable, per the startup-validation supplemented feature.
func validateWorkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(root, 0o755); mkErr != nil {
				return &bridgeerr.Config{Reason: fmt.Sprintf("WORK_ROOT %s does not exist and could not be created: %v", root, mkErr)}
			}
			return nil
		}
		return &bridgeerr.Config{Reason: fmt.Sprintf("stat WORK_ROOT %s: %v", root, err)}
	}
	if !info.IsDir() {
		return &bridgeerr.Config{Reason: fmt.Sprintf("WORK_ROOT %s is not a directory", root)}
	}
	probe := root + "/.flowbridge-write-probe"
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return &bridgeerr.Config{Reason: fmt.Sprintf("WORK_ROOT %s is not writable: %v", root, err)}
	}
	os.Remove(probe)
	return nil
}

// loadMasterKey reads the base64-encoded deployment credential master
// key from CREDENTIAL_MASTER_KEY. A missing or malformed key is a
// startup-fatal configuration error, not a lazily-discovered one.
func loadMasterKey() (credential.MasterKey, error) {
	encoded := os.Getenv("CREDENTIAL_MASTER_KEY")
	if encoded == "" {
		return credential.MasterKey{}, &bridgeerr.Config{Reason: "CREDENTIAL_MASTER_KEY must be set"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return credential.MasterKey{}, &bridgeerr.Config{Reason: fmt.Sprintf("CREDENTIAL_MASTER_KEY is not valid base64: %v", err)}
	}
	key, err := credential.NewMasterKey(raw)
	if err != nil {
		return credential.MasterKey{}, &bridgeerr.Config{Reason: err.Error()}
	}
	return key, nil
}

func newContainerRunner() (launcher.ContainerRunner, error) {
	binary, err := launcher.DetectBinary()
	if err != nil {
		return nil, err
	}
	return &launcher.DockerRunner{Binary: binary}, nil
}

func newRemoteJobRunner(ctx context.Context, cfg config.Config) (launcher.RemoteJobRunner, error) {
	if cfg.GCPProject == "" || cfg.GCPRegion == "" {
		return nil, fmt.Errorf("GCP_PROJECT and GCP_REGION are required for remote-job mode")
	}
	service, err := run.NewService(ctx)
	if err != nil {
		return nil, err
	}
	return &launcher.CloudRunJobRunner{Service: service, Project: cfg.GCPProject, Region: cfg.GCPRegion}, nil
}

// syncEngineFactory builds the eventstream.PushHandler.Sync callback:
// one Sync Engine per stream, mirroring the same work root the
// stream's tool calls read and write against the same GCS prefix, so
// a producer's sandbox and its object-store mirror always agree on
// where "this producer's files" live.
func syncEngineFactory(disp *dispatcher.Dispatcher, objects objectstore.Store, cfg config.Config, logger *slog.Logger) func(scope dispatcher.Scope) (*syncengine.Engine, error) {
	return func(scope dispatcher.Scope) (*syncengine.Engine, error) {
		workRoot, err := disp.DeriveWorkRoot(scope)
		if err != nil {
			return nil, fmt.Errorf("deriving work root for sync: %w", err)
		}
		return &syncengine.Engine{
			Store:               objects,
			Bucket:              cfg.GCSBucket,
			Prefix:              disp.RenderPrefix(scope),
			WorkRoot:            workRoot,
			DownloadConcurrency: cfg.GCSDownloadConc,
			UploadConcurrency:   cfg.GCSUploadConc,
			EnableUpload:        cfg.GCSEnableUpload,
			Logger:              logger,
		}, nil
	}
}

// pullConnectFactory builds the httpapi.Server.ConnectFactory: an
// eventstream.Connector that opens the upstream's own pull endpoint,
// scoped to one consumer's (userId, projectId) and resuming from
// sinceID or sinceTime.
func pullConnectFactory(cfg config.Config, httpClient *http.Client) func(userID, projectID, sinceID, sinceTime string) eventstream.Connector {
	authToken := os.Getenv("UPSTREAM_AUTH_TOKEN")
	return func(userID, projectID, sinceID, sinceTime string) eventstream.Connector {
		return func(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
			url := fmt.Sprintf("%s/events?userId=%s&projectId=%s", cfg.UpstreamBaseURL, userID, projectID)
			if lastEventID != "" {
				url += "&since_id=" + lastEventID
			} else if sinceID != "" {
				url += "&since_id=" + sinceID
			} else if sinceTime != "" {
				url += "&since_time=" + sinceTime
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			if authToken != "" {
				req.Header.Set("Authorization", "Bearer "+authToken)
			}

			resp, err := httpClient.Do(req)
			if err != nil {
				return nil, &bridgeerr.Transient{Reason: "connecting to upstream event stream", Err: err}
			}
			if resp.StatusCode != http.StatusOK {
				resp.Body.Close()
				return nil, &bridgeerr.Transient{Reason: fmt.Sprintf("upstream event stream returned %d", resp.StatusCode)}
			}
			return resp.Body, nil
		}
	}
}
