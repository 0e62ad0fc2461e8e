// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads FlowBridge's runtime configuration. Values
// come from the environment variables named in the system's external
// interface, with an optional YAML file (located by FLOWBRIDGE_CONFIG)
// supplying defaults that environment variables always override. There
// is no further discovery or fallback chain — deterministic,
// auditable configuration, same as the corpus's single-file config
// loaders.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowbridge/bridge/internal/bridgeerr"
)

// Config is the fully resolved runtime configuration for a FlowBridge
// process. Every field corresponds to one of the recognized
// environment variables.
type Config struct {
	WorkRoot            string        `yaml:"work_root"`
	WorkPrefixTemplate  string        `yaml:"work_prefix_template"`
	EventsHeartbeat     time.Duration `yaml:"events_heartbeat"`
	ReconnectBackoff    time.Duration `yaml:"reconnect_backoff"`
	ReconnectBackoffCap time.Duration `yaml:"reconnect_backoff_cap"`
	RunCommandTimeout   time.Duration `yaml:"run_command_timeout"`
	ReadFileMaxBytes    int64         `yaml:"read_file_max_bytes"`
	OutputMaxBytes      int64         `yaml:"output_max_bytes"`
	SyncOnStart         bool          `yaml:"sync_on_start"`
	SyncInterval        time.Duration `yaml:"sync_interval"`
	GCSEnableUpload     bool          `yaml:"gcs_enable_upload"`
	GCSDownloadConc     int           `yaml:"gcs_download_concurrency"`
	GCSUploadConc       int           `yaml:"gcs_upload_concurrency"`
	GCSBucket           string        `yaml:"gcs_bucket"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	ReaperInterval      time.Duration `yaml:"reaper_interval"`

	ListenAddr      string `yaml:"listen_addr"`
	UpstreamBaseURL string `yaml:"upstream_base_url"`
	Audience        string `yaml:"audience"`
	GCPProject      string `yaml:"gcp_project"`
	GCPRegion       string `yaml:"gcp_region"`
}

// Default returns the configuration with every field set to the
// documented default, before environment or file overrides are
// applied.
func Default() Config {
	return Config{
		WorkRoot:            "/mnt/work",
		WorkPrefixTemplate:  "{projectId}/{workspaceId}",
		EventsHeartbeat:     15 * time.Second,
		ReconnectBackoff:    1 * time.Second,
		ReconnectBackoffCap: 30 * time.Second,
		RunCommandTimeout:   120 * time.Second,
		ReadFileMaxBytes:    200_000,
		OutputMaxBytes:      50_000,
		SyncOnStart:         true,
		SyncInterval:        15 * time.Second,
		GCSEnableUpload:     true,
		GCSDownloadConc:     4,
		GCSUploadConc:       4,
		ShutdownTimeout:     10 * time.Second,
		ReaperInterval:      30 * time.Second,
		ListenAddr:          ":8080",
	}
}

// Load resolves configuration: defaults, then the YAML file named by
// FLOWBRIDGE_CONFIG (if set), then environment variable overrides.
// Returns a *bridgeerr.Config on any malformed value so startup fails
// fast with a precise reason.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("FLOWBRIDGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &bridgeerr.Config{Reason: fmt.Sprintf("reading config file %s: %v", path, err)}
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, &bridgeerr.Config{Reason: fmt.Sprintf("parsing config file %s: %v", path, err)}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv("WORK_ROOT"); ok {
		cfg.WorkRoot = v
	}
	if v, ok := os.LookupEnv("WORK_PREFIX_TEMPLATE"); ok {
		cfg.WorkPrefixTemplate = v
	}
	if err := overrideMillis("EVENTS_HEARTBEAT_MS", &cfg.EventsHeartbeat); err != nil {
		return err
	}
	if err := overrideMillis("RECONNECT_BACKOFF_MS", &cfg.ReconnectBackoff); err != nil {
		return err
	}
	if err := overrideSeconds("RUN_COMMAND_TIMEOUT_SECONDS", &cfg.RunCommandTimeout); err != nil {
		return err
	}
	if err := overrideInt64("READ_FILE_MAX_BYTES", &cfg.ReadFileMaxBytes); err != nil {
		return err
	}
	if err := overrideInt64("OUTPUT_MAX_BYTES", &cfg.OutputMaxBytes); err != nil {
		return err
	}
	if err := overrideBool("SYNC_ON_START", &cfg.SyncOnStart); err != nil {
		return err
	}
	if err := overrideMillis("SYNC_INTERVAL_MS", &cfg.SyncInterval); err != nil {
		return err
	}
	if err := overrideBool("GCS_ENABLE_UPLOAD", &cfg.GCSEnableUpload); err != nil {
		return err
	}
	if err := overrideInt("GCS_DOWNLOAD_CONCURRENCY", &cfg.GCSDownloadConc); err != nil {
		return err
	}
	if err := overrideInt("GCS_UPLOAD_CONCURRENCY", &cfg.GCSUploadConc); err != nil {
		return err
	}
	if err := overrideMillis("SHUTDOWN_TIMEOUT_MS", &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := overrideMillis("REAPER_INTERVAL_MS", &cfg.ReaperInterval); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("UPSTREAM_BASE_URL"); ok {
		cfg.UpstreamBaseURL = v
	}
	if v, ok := os.LookupEnv("AUDIENCE"); ok {
		cfg.Audience = v
	}
	if v, ok := os.LookupEnv("GCS_BUCKET"); ok {
		cfg.GCSBucket = v
	}
	if v, ok := os.LookupEnv("GCP_PROJECT"); ok {
		cfg.GCPProject = v
	}
	if v, ok := os.LookupEnv("GCP_REGION"); ok {
		cfg.GCPRegion = v
	}
	return nil
}

func (cfg Config) validate() error {
	if cfg.WorkRoot == "" {
		return &bridgeerr.Config{Reason: "WORK_ROOT must not be empty"}
	}
	if !isAbs(cfg.WorkRoot) {
		return &bridgeerr.Config{Reason: fmt.Sprintf("WORK_ROOT must be an absolute path, got %q", cfg.WorkRoot)}
	}
	if cfg.ReadFileMaxBytes <= 0 {
		return &bridgeerr.Config{Reason: "READ_FILE_MAX_BYTES must be positive"}
	}
	if cfg.OutputMaxBytes <= 0 {
		return &bridgeerr.Config{Reason: "OUTPUT_MAX_BYTES must be positive"}
	}
	if cfg.GCSDownloadConc <= 0 || cfg.GCSUploadConc <= 0 {
		return &bridgeerr.Config{Reason: "GCS concurrency settings must be positive"}
	}
	if cfg.GCSBucket == "" {
		return &bridgeerr.Config{Reason: "GCS_BUCKET must not be empty"}
	}
	return nil
}

func isAbs(p string) bool { return len(p) > 0 && p[0] == '/' }

func overrideMillis(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return &bridgeerr.Config{Reason: fmt.Sprintf("%s must be an integer number of milliseconds, got %q", name, v)}
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

func overrideSeconds(name string, dst *time.Duration) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	s, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return &bridgeerr.Config{Reason: fmt.Sprintf("%s must be an integer number of seconds, got %q", name, v)}
	}
	*dst = time.Duration(s) * time.Second
	return nil
}

func overrideInt64(name string, dst *int64) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return &bridgeerr.Config{Reason: fmt.Sprintf("%s must be an integer, got %q", name, v)}
	}
	*dst = n
	return nil
}

func overrideInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &bridgeerr.Config{Reason: fmt.Sprintf("%s must be an integer, got %q", name, v)}
	}
	*dst = n
	return nil
}

func overrideBool(name string, dst *bool) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return &bridgeerr.Config{Reason: fmt.Sprintf("%s must be a boolean, got %q", name, v)}
	}
	*dst = b
	return nil
}
