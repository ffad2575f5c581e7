package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"

	"github.com/melih/lighthouse-builder/internal/core/domain"
	"github.com/melih/lighthouse-builder/internal/logging"
)

// Adapter implements ports.ContainerService and ports.ImageService using Docker SDK
type Adapter struct {
	cli *client.Client
	// StopTimeout bounds StopContainer.
	StopTimeout time.Duration
}

// NewAdapter creates a new Docker adapter instance
func NewAdapter() (*Adapter, error) {
	cli, err := NewClient()
	if err != nil {
		return nil, err
	}
	return &Adapter{cli: cli, StopTimeout: 10 * time.Second}, nil
}

// Client returns the underlying engine client.
func (a *Adapter) Client() *client.Client {
	return a.cli
}

// NewClient connects to the engine configured by the DOCKER_* environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// ListContainers returns a list of running containers with details
func (a *Adapter) ListContainers(ctx context.Context) ([]domain.Container, error) {
	containers, err := a.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]domain.Container, 0, len(containers))
	for _, c := range containers {
		result = append(result, toContainer(c))
	}
	return result, nil
}

func toContainer(c types.Container) domain.Container {
	// Use the first name if available, remove slash
	name := ""
	if len(c.Names) > 0 {
		name = c.Names[0][1:]
	}
	id := c.ID
	if len(id) > 12 {
		id = id[:12] // Short ID
	}
	ip := ""
	if c.NetworkSettings != nil {
		for _, n := range c.NetworkSettings.Networks {
			if n != nil && n.IPAddress != "" {
				ip = n.IPAddress
				break
			}
		}
	}
	return domain.Container{
		ID:        id,
		Name:      name,
		Image:     c.Image,
		Status:    c.Status,
		State:     c.State,
		IPAddress: ip,
	}
}

// StartContainer creates and starts a container from a given image. The
// spec's port is published on an ephemeral loopback port.
func (a *Adapter) StartContainer(ctx context.Context, spec domain.RunSpec) (string, error) {
	if err := a.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}
	id, err := startContainer(ctx, a.cli, spec)
	if err != nil {
		return "", err
	}
	log.Debug().Str("container", id).Str("image", spec.Image).Msg("Container started")
	return id, nil
}

// launcher is the part of the engine client that creates and starts containers.
type launcher interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// startContainer creates and starts spec. A container that fails to start is
// inspected for the exit code the engine recorded and removed.
func startContainer(ctx context.Context, api launcher, spec domain.RunSpec) (string, error) {
	cfg, hostCfg := containerConfig(spec)
	resp, err := api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		startErr := &domain.StartError{ExitCode: -1, Err: err}
		// ctx may already be done; cleanup must still run.
		cleanupCtx := context.Background()
		if info, ierr := api.ContainerInspect(cleanupCtx, resp.ID); ierr == nil && info.ContainerJSONBase != nil && info.State != nil {
			startErr.ExitCode = info.State.ExitCode
		}
		if rerr := api.ContainerRemove(cleanupCtx, resp.ID, container.RemoveOptions{Force: true}); rerr != nil {
			log.Warn().Err(rerr).Str("container", resp.ID).Msg("Failed to remove container that did not start")
		}
		return "", startErr
	}
	return resp.ID, nil
}

// ensureImage pulls image unless it already exists locally.
func (a *Adapter) ensureImage(ctx context.Context, image string) error {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}
	reader, err := a.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	if _, err := io.Copy(logging.Writer("pull"), reader); err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	return nil
}

func containerConfig(spec domain.RunSpec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{Image: spec.Image}
	if len(spec.Cmd) > 0 {
		cfg.Cmd = spec.Cmd
	}
	for k, v := range spec.Env {
		cfg.Env = append(cfg.Env, k+"="+v)
	}
	hostCfg := &container.HostConfig{}
	if spec.Port > 0 {
		port := nat.Port(strconv.Itoa(spec.Port) + "/tcp")
		cfg.ExposedPorts = nat.PortSet{port: {}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		}
	}
	return cfg, hostCfg
}

// StopContainer stops a running container
func (a *Adapter) StopContainer(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, a.StopTimeout)
	defer cancel()
	return a.cli.ContainerStop(ctx, id, container.StopOptions{})
}

// RemoveContainer force-removes a container.
func (a *Adapter) RemoveContainer(ctx context.Context, id string) error {
	if err := a.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// GetContainerLogs returns a stream of container logs with stdout and stderr merged.
func (a *Adapter) GetContainerLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	options := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	}
	raw, err := a.cli.ContainerLogs(ctx, id, options)
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		defer raw.Close()
		_, err := stdcopy.StdCopy(pw, pw, raw)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// HostAddress returns host:port where the container's port is published.
func (a *Adapter) HostAddress(ctx context.Context, id string, port int) (string, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.NetworkSettings == nil {
		return "", fmt.Errorf("container %s has no network settings", id)
	}
	return hostAddress(info.NetworkSettings.Ports, port)
}

func hostAddress(ports nat.PortMap, port int) (string, error) {
	bindings := ports[nat.Port(strconv.Itoa(port)+"/tcp")]
	for _, b := range bindings {
		if b.HostPort == "" {
			continue
		}
		host := b.HostIP
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		if host == "::" {
			host = "::1"
		}
		return net.JoinHostPort(host, b.HostPort), nil
	}
	return "", fmt.Errorf("port %d/tcp is not published", port)
}

// ExitCode reports whether the container still runs and, if not, its exit code.
func (a *Adapter) ExitCode(ctx context.Context, id string) (int, bool, error) {
	info, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return 0, false, fmt.Errorf("container %s has no state", id)
	}
	return info.State.ExitCode, info.State.Running, nil
}

// Run starts spec, waits for it to exit and returns its output. The container is removed afterwards.
func (a *Adapter) Run(ctx context.Context, spec domain.RunSpec) (*domain.RunOutput, error) {
	spec.Port = 0
	id, err := a.StartContainer(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := a.RemoveContainer(context.Background(), id); err != nil {
			log.Warn().Err(err).Str("container", id).Msg("Failed to remove finished container")
		}
	}()

	waitCh, errCh := a.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case resp := <-waitCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("failed waiting for container: %s", resp.Error.Message)
		}
		exitCode = int(resp.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("failed waiting for container: %w", err)
	}

	raw, err := a.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer raw.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, raw); err != nil {
		return nil, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return &domain.RunOutput{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
