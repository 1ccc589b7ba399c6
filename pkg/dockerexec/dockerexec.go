// Package dockerexec runs one task body as a Docker container,
// generalizing worker/internal/executor/executor.go's TaskExecutor (pull
// image, create a resource-constrained container, start it, wait for
// exit, collect logs, clean up) from that teacher's fixed
// cpu/memory/gpu-per-task contract onto this cluster's opaque
// mbrace.TaskPayload bodies: a task opts into Docker execution by
// carrying a Spec instead of (or alongside) the default in-process
// echo/fail/sleep body.
package dockerexec

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	units "github.com/docker/go-units"
)

// Spec describes one Docker-backed task invocation.
type Spec struct {
	Image      string   `json:"image"`
	Command    []string `json:"command,omitempty"`
	CPUCores   float64  `json:"cpu_cores,omitempty"`
	MemoryGiB  float64  `json:"memory_gib,omitempty"`
}

// Result is what Run reports back to the caller.
type Result struct {
	ExitCode int64
	Logs     string
}

// Executor wraps a Docker client, lazily dialed on first use so a
// cluster with no Docker-backed tasks never touches /var/run/docker.sock.
type Executor struct {
	cli *client.Client
}

// New connects to the local Docker daemon the same way
// executor.go's NewTaskExecutor does: FromEnv plus API version
// negotiation, so DOCKER_HOST/DOCKER_TLS_VERIFY are honored.
func New() (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("dockerexec: failed to create docker client: %w", err)
	}
	return &Executor{cli: cli}, nil
}

// Run pulls spec.Image, runs it to completion under the given resource
// limits, and returns its exit code and combined stdout/stderr logs. The
// container is always removed before Run returns, successful or not.
func (e *Executor) Run(ctx context.Context, taskId string, spec Spec) (Result, error) {
	if err := e.pullImage(ctx, spec.Image); err != nil {
		return Result{}, fmt.Errorf("dockerexec: pull %s: %w", spec.Image, err)
	}

	containerId, err := e.createContainer(ctx, taskId, spec)
	if err != nil {
		return Result{}, fmt.Errorf("dockerexec: create container: %w", err)
	}
	defer e.cli.ContainerRemove(context.Background(), containerId, container.RemoveOptions{Force: true})

	if err := e.cli.ContainerStart(ctx, containerId, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("dockerexec: start container: %w", err)
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, containerId, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("dockerexec: wait container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	logs, err := e.collectLogs(ctx, containerId)
	if err != nil {
		logs = fmt.Sprintf("(failed to collect logs: %v)", err)
	}

	return Result{ExitCode: exitCode, Logs: logs}, nil
}

func (e *Executor) pullImage(ctx context.Context, ref string) error {
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *Executor) createContainer(ctx context.Context, taskId string, spec Spec) (string, error) {
	hostConfig := &container.HostConfig{}
	if spec.CPUCores > 0 {
		hostConfig.Resources.NanoCPUs = int64(spec.CPUCores * 1e9)
	}
	if spec.MemoryGiB > 0 {
		hostConfig.Resources.Memory = int64(spec.MemoryGiB * units.GiB)
	}

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
	}, hostConfig, nil, nil, "mbrace-"+taskId)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// collectLogs strips Docker's 8-byte multiplexed stream header off each
// line the same way executor.go's collectLogs does, rather than pulling
// in the stdcopy demuxer for a single-line-at-a-time read.
func (e *Executor) collectLogs(ctx context.Context, containerId string) (string, error) {
	out, err := e.cli.ContainerLogs(ctx, containerId, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", err
	}
	defer out.Close()

	var buf bytes.Buffer
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 8 {
			line = line[8:]
		}
		buf.WriteString(line + "\n")
	}
	return buf.String(), scanner.Err()
}
