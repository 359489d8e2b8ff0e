package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/breaker"
	"github.com/KostasNoreika/claude-studio/internal/config"
	"github.com/KostasNoreika/claude-studio/internal/errdefs"
	"github.com/KostasNoreika/claude-studio/internal/logutil"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
)

const labelManagedBy = "claude-studio"

// DockerGateway implements Gateway against a local or remote Docker daemon.
// All sessions share one gateway instance and therefore one breaker.
type DockerGateway struct {
	client      *dockerclient.Client
	breaker     *breaker.Breaker
	network     string
	callTimeout time.Duration
}

// NewDockerGateway builds an uninitialized gateway around the given breaker.
func NewDockerGateway(b *breaker.Breaker) *DockerGateway {
	return &DockerGateway{
		breaker:     b,
		network:     config.Cfg.SandboxNetwork,
		callTimeout: config.Cfg.RuntimeCallTimeout,
	}
}

func (d *DockerGateway) Initialize(ctx context.Context) error {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	if err := d.ensureNetwork(ctx); err != nil {
		return fmt.Errorf("docker network: %w", err)
	}

	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerGateway) ensureNetwork(ctx context.Context) error {
	_, err := d.client.NetworkInspect(ctx, d.network, network.InspectOptions{})
	if err == nil {
		return nil
	}
	_, err = d.client.NetworkCreate(ctx, d.network, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{"managed-by": labelManagedBy},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", d.network, err)
	}
	log.Printf("Created Docker network: %s", d.network)
	return nil
}

func (d *DockerGateway) BackendName() string { return "docker" }

// execute routes a runtime call through the shared breaker with the per-call
// timeout. A deadline expiry surfaces as a retryable daemon failure and is
// tallied as one breaker failure. The result is always a taxonomy error.
func (d *DockerGateway) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := d.breaker.Execute(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()

		err := fn(cctx)
		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return &errdefs.DaemonError{Err: fmt.Errorf("%s: %w", op, context.DeadlineExceeded)}
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, breaker.ErrOpen) {
		return &errdefs.DaemonError{Err: err}
	}
	classified := errdefs.Classify(err)
	errdefs.LogError("gateway."+op, classified)
	return classified
}

func (d *DockerGateway) Ping(ctx context.Context) error {
	return d.execute(ctx, "ping", func(ctx context.Context) error {
		_, err := d.client.Ping(ctx)
		return err
	})
}

func (d *DockerGateway) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", logutil.SanitizeForLog(img))
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		var n int64
		fmt.Sscanf(cpuStr[:len(cpuStr)-1], "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}

func (d *DockerGateway) CreateSandbox(ctx context.Context, params CreateParams) (string, error) {
	var containerID string
	err := d.execute(ctx, "create", func(ctx context.Context) error {
		if err := d.ensureImage(ctx, params.Image); err != nil {
			return err
		}

		env := []string{"TERM=xterm-256color"}
		for k, v := range params.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}

		exposed := nat.PortSet{}
		for _, p := range params.ExposedPorts {
			port, err := nat.NewPort("tcp", fmt.Sprintf("%d", p))
			if err != nil {
				return fmt.Errorf("expose port %d: %w", p, err)
			}
			exposed[port] = struct{}{}
		}

		var nanoCPUs, memLimit int64
		if params.CPULimit != "" {
			nanoCPUs = parseCPUToNanoCPUs(params.CPULimit)
		}
		if params.MemoryLimit != "" {
			memLimit, _ = units.RAMInBytes(params.MemoryLimit)
		}
		shmSize, _ := units.RAMInBytes("256m")

		containerCfg := &container.Config{
			Image:        params.Image,
			Cmd:          []string{"/bin/sh"},
			Env:          env,
			WorkingDir:   params.WorkspaceDir,
			Tty:          true,
			OpenStdin:    true,
			ExposedPorts: exposed,
			Labels: map[string]string{
				"managed-by": labelManagedBy,
				"session":    params.Name,
			},
		}

		hostCfg := &container.HostConfig{
			ShmSize: shmSize,
			Mounts: []mount.Mount{
				{Type: mount.TypeVolume, Source: "studio-" + params.Name + "-workspace", Target: params.WorkspaceDir},
			},
			Resources: container.Resources{
				NanoCPUs: nanoCPUs,
				Memory:   memLimit,
			},
			// Sandboxes are ephemeral; never restart them behind our back.
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
		}

		netCfg := &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				d.network: {},
			},
		}

		resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, params.Name)
		if err != nil {
			return err
		}
		containerID = resp.ID

		return d.client.ContainerStart(ctx, resp.ID, container.StartOptions{})
	})
	if err != nil {
		// Creation failures not already attributed get the creation taxonomy.
		var ce errdefs.ContainerError
		if errors.As(err, &ce) && ce.Code() == errdefs.CodeExecution {
			err = &errdefs.CreationError{Cause: errdefs.CauseOther, Err: err}
		}
		return "", err
	}
	return containerID, nil
}

func (d *DockerGateway) StartSandbox(ctx context.Context, containerID string) error {
	return d.execute(ctx, "start", func(ctx context.Context) error {
		return d.client.ContainerStart(ctx, containerID, container.StartOptions{})
	})
}

func (d *DockerGateway) StopSandbox(ctx context.Context, containerID string) error {
	return d.execute(ctx, "stop", func(ctx context.Context) error {
		timeout := 10
		return d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	})
}

func (d *DockerGateway) RemoveSandbox(ctx context.Context, containerID string) error {
	err := d.execute(ctx, "remove", func(ctx context.Context) error {
		err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && dockerclient.IsErrNotFound(err) {
			// Already gone counts as removed.
			return nil
		}
		return err
	})
	return err
}

func (d *DockerGateway) SandboxStatus(ctx context.Context, containerID string) (string, error) {
	var status string
	err := d.execute(ctx, "inspect", func(ctx context.Context) error {
		inspect, err := d.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return err
		}
		status = inspect.State.Status
		return nil
	})
	return status, err
}

// AttachShell creates a TTY exec inside the sandbox and attaches to it. The
// returned stream stays open past the call timeout; only the setup calls are
// bounded and breaker-guarded.
func (d *DockerGateway) AttachShell(ctx context.Context, containerID string) (*ShellStream, error) {
	var stream *ShellStream
	err := d.execute(ctx, "attach", func(setupCtx context.Context) error {
		execCfg := container.ExecOptions{
			Cmd:          []string{"/bin/sh"},
			AttachStdin:  true,
			AttachStdout: true,
			AttachStderr: true,
			Tty:          true,
			ConsoleSize:  &[2]uint{24, 80},
		}

		execID, err := d.client.ContainerExecCreate(setupCtx, containerID, execCfg)
		if err != nil {
			return err
		}

		// Attach with the caller's context: the stream must outlive setup.
		resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
		if err != nil {
			return &errdefs.StreamAttachmentError{Err: err}
		}

		stream = &ShellStream{
			Stdin:  resp.Conn,
			Stdout: resp.Conn,
			Resize: func(cols, rows uint16) error {
				return d.client.ContainerExecResize(ctx, execID.ID, container.ResizeOptions{
					Width:  uint(cols),
					Height: uint(rows),
				})
			},
			Close: func() error {
				resp.Close()
				return nil
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (d *DockerGateway) SandboxAddress(ctx context.Context, containerID string) (string, error) {
	var addr string
	err := d.execute(ctx, "address", func(ctx context.Context) error {
		inspect, err := d.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return err
		}
		if net, ok := inspect.NetworkSettings.Networks[d.network]; ok && net.IPAddress != "" {
			addr = net.IPAddress
			return nil
		}
		return fmt.Errorf("container %s has no address on network %s", containerID, d.network)
	})
	return addr, err
}

func (d *DockerGateway) BreakerMetrics() breaker.Metrics { return d.breaker.GetMetrics() }

func (d *DockerGateway) ResetBreaker() { d.breaker.ManualReset() }

var _ Gateway = (*DockerGateway)(nil)
