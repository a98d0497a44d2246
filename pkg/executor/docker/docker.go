// Package docker runs workloads as local Docker containers.
package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"clawbernetes/internal/model"
	"clawbernetes/pkg/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	namePrefix    = "claw-"
	labelWorkload = "clawbernetes.workload"

	logFlushInterval = 500 * time.Millisecond
	logBatchLines    = 128
)

// Options executor configuration
type Options struct {
	APIVersion string // empty negotiates with the daemon
	PullImages bool
}

// Executor drives the Docker daemon.
type Executor struct {
	cli  *client.Client
	pull bool
}

// New connects to the daemon configured by the DOCKER_* environment.
func New(opts Options) (*Executor, error) {
	clientOpts := []client.Opt{client.FromEnv}
	if opts.APIVersion != "" {
		clientOpts = append(clientOpts, client.WithVersion(opts.APIVersion))
	} else {
		clientOpts = append(clientOpts, client.WithAPIVersionNegotiation())
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Executor{cli: cli, pull: opts.PullImages}, nil
}

// Ping checks the daemon is reachable.
func (e *Executor) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	return err
}

// Close releases the client.
func (e *Executor) Close() error { return e.cli.Close() }

// Run creates, starts and waits for the workload's container, streaming its
// output to logs. The container is removed afterwards.
func (e *Executor) Run(ctx context.Context, id model.WorkloadID, spec model.WorkloadSpec, logs func([]string)) (int, error) {
	if e.pull {
		if err := e.pullImage(ctx, spec.Image); err != nil {
			return -1, err
		}
	}

	name := containerName(id)
	resp, err := e.cli.ContainerCreate(ctx, containerConfig(id, spec), hostConfig(spec), nil, nil, name)
	if err != nil {
		return -1, fmt.Errorf("failed to create container: %w", err)
	}
	defer e.remove(resp.ID)
	logger.InfoCtx(ctx, "container %s created for workload %s", shortID(resp.ID), id)

	if err := e.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return -1, fmt.Errorf("failed to start container: %w", err)
	}

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := e.streamLogs(ctx, resp.ID, logs); err != nil && ctx.Err() == nil {
			logger.WarnCtx(ctx, "log stream for %s ended: %v", id, err)
		}
	}()

	statusCh, errCh := e.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	exit := -1
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("failed waiting for container: %w", err)
		}
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return -1, fmt.Errorf("container wait: %s", st.Error.Message)
		}
		exit = int(st.StatusCode)
	}
	<-logsDone
	return exit, nil
}

// Stop asks the container to exit, killing it after grace.
func (e *Executor) Stop(ctx context.Context, id model.WorkloadID, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := e.cli.ContainerStop(ctx, containerName(id), container.StopOptions{Timeout: &secs}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (e *Executor) pullImage(ctx context.Context, image string) error {
	rc, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", image, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (e *Executor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		logger.WarnCtx(ctx, "failed to remove container %s: %v", shortID(containerID), err)
	}
}

func (e *Executor) streamLogs(ctx context.Context, containerID string, logs func([]string)) error {
	rc, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return err
	}
	defer rc.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return batchLines(pr, logs, logFlushInterval)
}

// batchLines forwards lines from r in batches, flushing at most every
// interval or when a batch fills.
func batchLines(r io.Reader, emit func([]string), interval time.Duration) error {
	lines := make(chan string, logBatchLines)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var batch []string
	flush := func() {
		if len(batch) > 0 {
			emit(batch)
			batch = nil
		}
	}
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				flush()
				return <-scanErr
			}
			batch = append(batch, line)
			if len(batch) >= logBatchLines {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func containerName(id model.WorkloadID) string { return namePrefix + id.String() }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func containerConfig(id model.WorkloadID, spec model.WorkloadSpec) *container.Config {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    env,
		Tty:    false,
		Labels: map[string]string{labelWorkload: id.String()},
	}
}

func hostConfig(spec model.WorkloadSpec) *container.HostConfig {
	res := container.Resources{
		NanoCPUs: spec.Resources.CPUMillicores * 1_000_000,
		Memory:   int64(spec.Resources.MemoryBytes),
	}
	if n := spec.Resources.GPUCount; n > 0 {
		switch spec.Resources.GPUVendor {
		case "amd":
			res.Devices = []container.DeviceMapping{
				{PathOnHost: "/dev/kfd", PathInContainer: "/dev/kfd", CgroupPermissions: "rwm"},
				{PathOnHost: "/dev/dri", PathInContainer: "/dev/dri", CgroupPermissions: "rwm"},
			}
		default:
			res.DeviceRequests = []container.DeviceRequest{{
				Driver:       "nvidia",
				Count:        n,
				Capabilities: [][]string{{"gpu"}},
			}}
		}
	}
	return &container.HostConfig{Resources: res}
}
