// Package dockerrt is the Runtime Adapter (spec §4.1): it abstracts the
// container runtime down to the five operations the scheduler needs, and
// buckets every failure into the error kinds defined in internal/broker.
//
// The adapter is grounded on the teacher's docker-sdk usage in
// pkg/build/docker.go (image builds via a tar context) and
// pkg/runner/local_docker.go (container lifecycle via the official SDK).
package dockerrt

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"

	"github.com/ractf/challenge-broker/internal/broker"
	"github.com/ractf/challenge-broker/internal/logging"
)

// challengeNofileUlimit caps the open-file-descriptor ulimit given to every
// challenge container, the same Ulimits-on-Resources mechanism the teacher
// uses to bound its sidecar container (pkg/runner/local_docker.go), applied
// here to a user-facing challenge process instead of infra tooling.
const challengeNofileUlimit = 1024

// PortMap maps a container's internal port to the host's external port.
type PortMap map[int]int

// Runtime is the interface the scheduler depends on. The SDK-backed
// implementation and the test Fake both satisfy it.
type Runtime interface {
	BuildImage(ctx context.Context, challengeName, contextPath string) error
	Run(ctx context.Context, image string, ports PortMap, memLimitBytes int64) (containerID string, err error)
	Stop(ctx context.Context, containerID string, graceSeconds int) error
	Stats(ctx context.Context, containerID string) ([]byte, error)
	Logs(ctx context.Context, containerID string) ([]byte, error)
}

// SDKClient implements Runtime against a Docker-compatible daemon using
// the official Docker Go SDK, configured from the standard DOCKER_HOST /
// DOCKER_TLS_VERIFY / DOCKER_CERT_PATH environment variables.
type SDKClient struct {
	cli *dockerclient.Client
}

var _ Runtime = (*SDKClient)(nil)

// New creates an SDKClient, negotiating the API version with the daemon
// the same way the teacher's builders and runners do.
func New() (*SDKClient, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrRuntimeUnavailable, err)
	}
	return &SDKClient{cli: cli}, nil
}

// BuildImage builds contextPath (expected to contain a Dockerfile) and
// tags the resulting image with challengeName, synchronously.
func (c *SDKClient) BuildImage(ctx context.Context, challengeName, contextPath string) error {
	buildCtx, err := archive.TarWithOptions(contextPath, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("%w: failed to tar build context for %s: %v", broker.ErrBuildFailed, challengeName, err)
	}
	defer buildCtx.Close()

	resp, err := c.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{challengeName},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", broker.ErrBuildFailed, challengeName, err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		logging.S().Debugw("build output", "challenge", challengeName, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %s: failed reading build output: %v", broker.ErrBuildFailed, challengeName, err)
	}
	return nil
}

// Run starts image detached, binding each internal port to its mapped
// external port, with RAM and swap both capped to memLimitBytes — the
// same "cap both" trick the Python source used to prevent swap escape.
func (c *SDKClient) Run(ctx context.Context, image string, ports PortMap, memLimitBytes int64) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for internalPort, externalPort := range ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", internalPort))
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", externalPort)}}
	}

	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			PortBindings: bindings,
			Resources: container.Resources{
				Memory:     memLimitBytes,
				MemorySwap: memLimitBytes,
				Ulimits: []*units.Ulimit{
					{Name: "nofile", Hard: challengeNofileUlimit, Soft: challengeNofileUlimit},
				},
			},
		},
		nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("%w: container create: %v", broker.ErrRuntimeUnavailable, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return "", fmt.Errorf("%w: container start: %v", broker.ErrRuntimeUnavailable, err)
	}

	return resp.ID, nil
}

// Stop is idempotent: a missing container is not an error, mirroring the
// Python source calling container.stop() without first checking for
// existence.
func (c *SDKClient) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	timeout := graceSeconds
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: stop %s: %v", broker.ErrRuntimeUnavailable, containerID, err)
	}
	if err := c.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("%w: remove %s: %v", broker.ErrRuntimeUnavailable, containerID, err)
	}
	return nil
}

// Stats returns the raw JSON stats document the daemon reports for
// containerID (one-shot, not streaming).
func (c *SDKClient) Stats(ctx context.Context, containerID string) ([]byte, error) {
	resp, err := c.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", broker.ErrNotFound, containerID)
		}
		return nil, fmt.Errorf("%w: stats %s: %v", broker.ErrRuntimeUnavailable, containerID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read stats %s: %v", broker.ErrRuntimeUnavailable, containerID, err)
	}
	return raw, nil
}

// Logs returns the combined stdout+stderr log bytes for containerID,
// demultiplexing the Docker log stream format with stdcopy.
func (c *SDKClient) Logs(ctx context.Context, containerID string) ([]byte, error) {
	rc, err := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", broker.ErrNotFound, containerID)
		}
		return nil, fmt.Errorf("%w: logs %s: %v", broker.ErrRuntimeUnavailable, containerID, err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return nil, fmt.Errorf("%w: demux logs %s: %v", broker.ErrRuntimeUnavailable, containerID, err)
	}
	return append(stdout.Bytes(), stderr.Bytes()...), nil
}

// ContainerSummary is the minimal listing the `reset` CLI command needs
// to spare a named infrastructure container (spec §6 "CLI").
type ContainerSummary struct {
	ID   string
	Name string
}

// ListAll lists every container on the daemon, running or not. It is not
// part of the Runtime interface the scheduler uses — only the `reset`
// command's fleet-wide sweep needs it, mirroring the Python source's
// `docker.from_env().containers.list()` call in app.py's reset command.
func (c *SDKClient) ListAll(ctx context.Context) ([]ContainerSummary, error) {
	containers, err := c.cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %v", broker.ErrRuntimeUnavailable, err)
	}
	out := make([]ContainerSummary, 0, len(containers))
	for _, ctr := range containers {
		name := ctr.ID
		if len(ctr.Names) > 0 {
			// Docker prefixes names with "/"; strip it for a friendly compare.
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		out = append(out, ContainerSummary{ID: ctr.ID, Name: name})
	}
	return out, nil
}
