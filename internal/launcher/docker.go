// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// DockerRunner implements ContainerRunner by shelling out to the
// already-installed container engine CLI, the same
// shell-out-to-an-external-binary idiom the teacher uses for bwrap,
// tmux, and systemd-run rather than linking a container engine SDK.
type DockerRunner struct {
	// Binary is "docker" or "podman". Detect resolves it if empty.
	Binary string
	// Network, if set, is attached with --network so sidecars are
	// reachable from the producer container by name.
	Network string
}

// DetectBinary returns the first of "docker"/"podman" found on PATH,
// or an error if neither is installed.
func DetectBinary() (string, error) {
	for _, candidate := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("neither docker nor podman found on PATH")
}

func (r *DockerRunner) binary() (string, error) {
	if r.Binary != "" {
		return r.Binary, nil
	}
	bin, err := DetectBinary()
	if err != nil {
		return "", err
	}
	r.Binary = bin
	return bin, nil
}

// Start runs the container detached, named for later Stop/Wait calls.
// An existing container with the same name is removed first, so a
// crashed-and-retried start does not collide with a dead one.
func (r *DockerRunner) Start(ctx context.Context, spec ContainerSpec) error {
	bin, err := r.binary()
	if err != nil {
		return err
	}

	rm := exec.CommandContext(ctx, bin, "rm", "-f", spec.Name)
	_ = rm.Run() // best-effort; no prior container is the common case

	args := []string{"run", "-d", "--name", spec.Name}
	if r.Network != "" {
		args = append(args, "--network", r.Network)
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	args = append(args, spec.Image)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s run %s: %w: %s", bin, spec.Name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Stop stops and removes the named container. It is not an error for
// the container to already be gone.
func (r *DockerRunner) Stop(ctx context.Context, name string) error {
	bin, err := r.binary()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "rm", "-f", name)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s rm -f %s: %w: %s", bin, name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Wait blocks until the named container exits, returning its exit
// code. It returns immediately with a non-nil error if the container
// does not exist, since that means it already exited and was removed.
func (r *DockerRunner) Wait(ctx context.Context, name string) (int, error) {
	bin, err := r.binary()
	if err != nil {
		return 0, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, "wait", name)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("%s wait %s: %w: %s", bin, name, err, strings.TrimSpace(stderr.String()))
	}
	var code int
	if _, err := fmt.Sscanf(strings.TrimSpace(stdout.String()), "%d", &code); err != nil {
		return 0, fmt.Errorf("parse exit code from %q: %w", stdout.String(), err)
	}
	return code, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
