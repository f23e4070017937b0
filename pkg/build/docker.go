package build

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// DockerClient wraps the Docker API client for the build and reproduction
// substrate: runner lifecycle, exec-based replays and load sampling.
type DockerClient struct {
	cli  *client.Client
	host string
}

// NewDockerClient connects to a daemon. An empty host uses the local
// environment; otherwise host is a docker-over-tcp endpoint from the
// dind:hosts pool.
func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = []client.Opt{client.WithHost(host), client.WithAPIVersionNegotiation()}
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerClient{cli: cli, host: host}, nil
}

// Host returns the daemon endpoint, empty for the local daemon.
func (c *DockerClient) Host() string {
	return c.host
}

// Close closes the Docker client connection
func (c *DockerClient) Close() error {
	if c.cli != nil {
		return c.cli.Close()
	}
	return nil
}

// ContainerExists reports whether a container with the exact name is
// present (running or not).
func (c *DockerClient) ContainerExists(ctx context.Context, name string) (bool, error) {
	containers, err := c.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, ctr := range containers {
		for _, ctrName := range ctr.Names {
			// Docker adds '/' prefix to container names
			if ctrName == "/"+name || ctrName == name {
				return true, nil
			}
		}
	}
	return false, nil
}

// RunDetached creates and starts a long-lived container. binds use the
// docker -v syntax (host:container[:ro]).
func (c *DockerClient) RunDetached(ctx context.Context, name, image string, env, binds, cmd []string) error {
	cfg := &container.Config{
		Image: image,
		Env:   env,
		Tty:   true,
	}
	if len(cmd) > 0 {
		cfg.Cmd = cmd
	}
	hostCfg := &container.HostConfig{
		Binds:      binds,
		Privileged: true,
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if err := c.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// Exec runs a command inside a container and returns its combined output
// and exit code. Unlike the scoring paths, a nonzero exit code is not an
// error here: replay callers interpret it.
func (c *DockerClient) Exec(ctx context.Context, name string, env, cmd []string) (string, int, error) {
	execID, err := c.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return "", 0, fmt.Errorf("failed to attach to exec: %w", err)
	}
	defer resp.Close()

	output, err := io.ReadAll(resp.Reader)
	if err != nil {
		return string(output), 0, fmt.Errorf("failed to read output: %w", err)
	}

	inspectResp, err := c.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return string(output), 0, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return string(output), inspectResp.ExitCode, nil
}

// StopAndRemove stops a container by name and removes it. Missing
// containers are not an error; cancellation sweeps call this for every
// host in the pool.
func (c *DockerClient) StopAndRemove(ctx context.Context, name string) error {
	timeout := 10
	err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	err = c.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// ContainersMatching lists container names containing the substring.
func (c *DockerClient) ContainersMatching(ctx context.Context, substr string) ([]string, error) {
	containers, err := c.cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	var names []string
	for _, ctr := range containers {
		for _, name := range ctr.Names {
			trimmed := strings.TrimPrefix(name, "/")
			if strings.Contains(trimmed, substr) {
				names = append(names, trimmed)
				break
			}
		}
	}
	return names, nil
}

// TotalCPUPercent sums the CPU utilization of all running containers on
// the daemon from a one-shot stats sample. The fleet scheduler sends
// builds to the least loaded host.
func (c *DockerClient) TotalCPUPercent(ctx context.Context) (float64, error) {
	containers, err := c.cli.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	var total float64
	for _, ctr := range containers {
		stats, err := c.cli.ContainerStatsOneShot(ctx, ctr.ID)
		if err != nil {
			continue
		}
		var v types.StatsJSON
		decodeErr := json.NewDecoder(stats.Body).Decode(&v)
		stats.Body.Close()
		if decodeErr != nil {
			continue
		}
		total += cpuPercent(&v)
	}
	return total, nil
}

// cpuPercent computes the docker-stats style CPU percentage from the
// deltas between the sample and its precpu snapshot.
func cpuPercent(v *types.StatsJSON) float64 {
	cpuDelta := float64(v.CPUStats.CPUUsage.TotalUsage) - float64(v.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(v.CPUStats.SystemUsage) - float64(v.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	online := float64(v.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(v.CPUStats.CPUUsage.PercpuUsage))
	}
	return cpuDelta / systemDelta * online * 100
}
