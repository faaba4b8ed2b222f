// Package containerrt wraps whatever container CLI binary is
// installed on the host (docker, podman, or a compatible shim). The
// core never links against a container runtime library: it shells
// out, exactly as SPEC_FULL.md §6 contracts it ("the core invokes an
// external binary with arguments shaped like run --detach
// --publish-all --privileged=true ... <image> <exe> <args...>").
package containerrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/jc-gonzalez/euc-qla-sqpf/internal/model"
)

// Mount is one host path exposed inside the container at a fixed
// destination, e.g. the task folder at /qpf/run/<task_id>.
type Mount struct {
	Host      string
	Container string
}

// Spec describes one container launch.
type Spec struct {
	Image      string
	Exe        string
	Args       []string
	Env        map[string]string
	Mounts     []Mount
	Privileged bool
}

// inspectFormat asks the CLI to render State.Status and State.ExitCode
// as a small JSON object; the quitting-dependent branch of the status
// table (§4.4) cannot be expressed inside the container CLI's own
// template language since it depends on agent-local state, so it is
// applied afterwards by Normalize.
const inspectFormat = `{"status":"{{.State.Status}}","exitCode":{{.State.ExitCode}}}`

// Result is the parsed output of an Inspect call.
type Result struct {
	Status   string
	ExitCode int
	Raw      string
}

// Runtime shells out to a container CLI binary.
type Runtime struct {
	binary string
}

// New returns a Runtime that invokes the named binary (e.g. "docker").
func New(binary string) *Runtime {
	if binary == "" {
		binary = "docker"
	}
	return &Runtime{binary: binary}
}

// Create launches spec detached and returns the new container id.
func (r *Runtime) Create(ctx context.Context, spec Spec) (string, error) {
	args := []string{"run", "--detach", "--publish-all"}
	if spec.Privileged {
		args = append(args, "--privileged=true")
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for _, m := range spec.Mounts {
		args = append(args, "-v", fmt.Sprintf("%s:%s", m.Host, m.Container))
	}
	args = append(args, spec.Image, spec.Exe)
	args = append(args, spec.Args...)

	out, err := r.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("create container: empty id returned")
	}
	return id, nil
}

// Inspect returns the container's raw status and exit code.
func (r *Runtime) Inspect(ctx context.Context, containerID string) (Result, error) {
	out, err := r.run(ctx, "inspect", "--format", inspectFormat, containerID)
	if err != nil {
		return Result{}, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	var parsed struct {
		Status   string `json:"status"`
		ExitCode int    `json:"exitCode"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &parsed); err != nil {
		return Result{}, fmt.Errorf("parse inspect output for %s: %w", containerID, err)
	}
	return Result{Status: parsed.Status, ExitCode: parsed.ExitCode, Raw: out}, nil
}

// Kill sends a termination signal to the container.
func (r *Runtime) Kill(ctx context.Context, containerID string) error {
	_, err := r.run(ctx, "kill", containerID)
	return err
}

// Remove deletes a stopped container.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	_, err := r.run(ctx, "rm", "-f", containerID)
	return err
}

func (r *Runtime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Normalize maps a runtime Result onto the task status enum, per the
// table in §4.4. quitting reflects whether the owning agent is
// shutting down, which disambiguates the 128-160 exit code band.
func Normalize(res Result, quitting bool) model.TaskStatus {
	switch res.Status {
	case "running":
		return model.TaskRunning
	case "paused":
		return model.TaskPaused
	case "created":
		return model.TaskAborted
	case "dead":
		return model.TaskStopped
	case "exited":
		switch {
		case res.ExitCode == 0:
			return model.TaskFinished
		case res.ExitCode > 128 && res.ExitCode < 160:
			if quitting {
				return model.TaskRunning
			}
			return model.TaskStopped
		default:
			return model.TaskFailed
		}
	default:
		return model.TaskUnknown
	}
}
