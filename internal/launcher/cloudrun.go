// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"fmt"
	"sort"

	run "google.golang.org/api/run/v1"
)

// CloudRunJobRunner implements RemoteJobRunner over Cloud Run Jobs:
// starting a job execution with an environment override, and
// cancelling a running execution on Stop.
type CloudRunJobRunner struct {
	Service *run.APIService
	Project string
	Region  string
}

// jobName returns the fully-qualified resource name for spec.JobName.
func (r *CloudRunJobRunner) jobName(job string) string {
	return fmt.Sprintf("namespaces/%s/jobs/%s", r.Project, job)
}

// Start triggers a new execution of the named job, overriding its
// container environment with spec.Env, and returns the execution's
// operation name.
func (r *CloudRunJobRunner) Start(ctx context.Context, spec JobSpec) (string, error) {
	overrides := &run.RunJobRequest{
		Overrides: &run.Overrides{
			ContainerOverrides: []*run.ContainerOverride{
				{Env: envVars(spec.Env)},
			},
		},
	}

	call := r.Service.Namespaces.Jobs.Run(r.jobName(spec.JobName), overrides)
	execution, err := call.Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("run job %s: %w", spec.JobName, err)
	}
	if execution.Metadata == nil || execution.Metadata.Name == "" {
		return "", fmt.Errorf("run job %s: execution response carried no name", spec.JobName)
	}
	return execution.Metadata.Name, nil
}

// Stop deletes the running execution, which cancels it.
func (r *CloudRunJobRunner) Stop(ctx context.Context, operationName string) error {
	if _, err := r.Service.Namespaces.Executions.Delete(operationName).Context(ctx).Do(); err != nil {
		return fmt.Errorf("cancel execution %s: %w", operationName, err)
	}
	return nil
}

func envVars(env map[string]string) []*run.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vars := make([]*run.EnvVar, 0, len(keys))
	for _, k := range keys {
		vars = append(vars, &run.EnvVar{Name: k, Value: env[k]})
	}
	return vars
}
