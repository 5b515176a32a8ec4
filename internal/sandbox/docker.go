package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
)

// DockerDriver implements Driver against the Docker Engine API.
type DockerDriver struct {
	client *client.Client
	cfg    config.DockerConfig
	log    *logger.Logger
}

// NewDockerDriver creates a driver and verifies the daemon is reachable.
func NewDockerDriver(ctx context.Context, cfg config.DockerConfig, log *logger.Logger) (*DockerDriver, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping docker daemon: %w", Classify(err))
	}

	return &DockerDriver{client: cli, cfg: cfg, log: log}, nil
}

// Create creates a container from spec. The container is not started.
func (d *DockerDriver) Create(ctx context.Context, spec Spec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	cmd := spec.Cmd
	if len(cmd) == 0 {
		// Keep the container alive; everything interesting runs via exec.
		cmd = []string{"sleep", "infinity"}
	}

	containerConfig := &containertypes.Config{
		Image:      spec.Image,
		Cmd:        cmd,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}

	hostConfig := &containertypes.HostConfig{
		Mounts: mounts,
		Resources: containertypes.Resources{
			Memory: spec.MemoryBytes,
		},
	}
	if spec.CPUCores > 0 {
		hostConfig.NanoCPUs = int64(spec.CPUCores * 1e9)
	}
	if spec.NetworkMode != "" {
		hostConfig.NetworkMode = containertypes.NetworkMode(spec.NetworkMode)
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", spec.Name, Classify(err))
	}

	d.log.Info("Created sandbox container",
		zap.String("container_id", resp.ID),
		zap.String("name", spec.Name),
		zap.String("image", spec.Image))
	return resp.ID, nil
}

func (d *DockerDriver) Start(ctx context.Context, id string) error {
	if err := d.client.ContainerStart(ctx, id, containertypes.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, Classify(err))
	}
	return nil
}

func (d *DockerDriver) Inspect(ctx context.Context, id string) (*Info, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", id, Classify(err))
	}

	out := &Info{
		ID:      info.ID,
		Name:    strings.TrimPrefix(info.Name, "/"),
		Image:   info.Config.Image,
		State:   info.State.Status,
		Running: info.State.Running,
	}
	if info.State.ExitCode != 0 {
		out.ExitCode = info.State.ExitCode
	}
	if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
		out.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
		out.FinishedAt = t
	}
	return out, nil
}

// Exec runs argv without a TTY and demultiplexes the output streams.
func (d *DockerDriver) Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error) {
	execConfig := containertypes.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != nil,
		Env:          opts.Env,
		WorkingDir:   opts.WorkDir,
	}

	execCreate, err := d.client.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create exec in %s: %w", id, Classify(err))
	}

	resp, err := d.client.ContainerExecAttach(ctx, execCreate.ID, containertypes.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec in %s: %w", id, Classify(err))
	}
	defer resp.Close()

	if opts.Stdin != nil {
		go func() {
			_, _ = io.Copy(resp.Conn, opts.Stdin)
			_ = resp.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("read exec output in %s: %w", id, Classify(err))
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execCreate.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec in %s: %w", id, Classify(err))
	}

	return &ExecResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// AttachPTY starts argv on an in-container TTY sized to cols x rows.
func (d *DockerDriver) AttachPTY(ctx context.Context, id string, argv []string, cols, rows uint16) (PTY, error) {
	execConfig := containertypes.ExecOptions{
		Cmd:          argv,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		Env:          []string{"TERM=xterm-256color"},
	}

	execCreate, err := d.client.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		return nil, fmt.Errorf("create pty exec in %s: %w", id, Classify(err))
	}

	resp, err := d.client.ContainerExecAttach(ctx, execCreate.ID, containertypes.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("attach pty exec in %s: %w", id, Classify(err))
	}

	if cols > 0 && rows > 0 {
		_ = d.client.ContainerExecResize(ctx, execCreate.ID, containertypes.ResizeOptions{
			Width:  uint(cols),
			Height: uint(rows),
		})
	}

	return &dockerPTY{client: d.client, execID: execCreate.ID, hijacked: resp}, nil
}

func (d *DockerDriver) Remove(ctx context.Context, id string, force bool) error {
	err := d.client.ContainerRemove(ctx, id, containertypes.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("remove container %s: %w", id, Classify(err))
	}
	return nil
}

func (d *DockerDriver) List(ctx context.Context, labels map[string]string) ([]Info, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := d.client.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", Classify(err))
	}

	out := make([]Info, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Info{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			State:   c.State,
			Running: c.State == "running",
		})
	}
	return out, nil
}

type dockerPTY struct {
	client    *client.Client
	execID    string
	hijacked  types.HijackedResponse
	closeOnce sync.Once
}

func (p *dockerPTY) Read(b []byte) (int, error)  { return p.hijacked.Reader.Read(b) }
func (p *dockerPTY) Write(b []byte) (int, error) { return p.hijacked.Conn.Write(b) }

func (p *dockerPTY) Resize(ctx context.Context, cols, rows uint16) error {
	err := p.client.ContainerExecResize(ctx, p.execID, containertypes.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
	if err != nil {
		return fmt.Errorf("resize exec %s: %w", p.execID, Classify(err))
	}
	return nil
}

func (p *dockerPTY) Close() error {
	p.closeOnce.Do(func() { p.hijacked.Close() })
	return nil
}
