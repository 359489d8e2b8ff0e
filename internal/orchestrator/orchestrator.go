package orchestrator

import (
	"context"
	"io"

	"github.com/KostasNoreika/claude-studio/internal/breaker"
)

// Gateway is the narrow contract this service holds against the container
// runtime. Every implementation must route calls through a circuit breaker
// and bound each call with a timeout.
type Gateway interface {
	Initialize(ctx context.Context) error
	Ping(ctx context.Context) error
	BackendName() string

	// Lifecycle
	CreateSandbox(ctx context.Context, params CreateParams) (containerID string, err error)
	StartSandbox(ctx context.Context, containerID string) error
	StopSandbox(ctx context.Context, containerID string) error
	RemoveSandbox(ctx context.Context, containerID string) error
	SandboxStatus(ctx context.Context, containerID string) (string, error)

	// Duplex I/O into the sandbox shell.
	AttachShell(ctx context.Context, containerID string) (*ShellStream, error)

	// SandboxAddress resolves the container's address on the managed sandbox
	// network. This is the only legitimate preview target for the session.
	SandboxAddress(ctx context.Context, containerID string) (string, error)

	// BreakerMetrics exposes the shared circuit breaker state.
	BreakerMetrics() breaker.Metrics
	ResetBreaker()
}

// CreateParams describes a sandbox container to create.
type CreateParams struct {
	Name         string
	Image        string
	WorkspaceDir string
	CPULimit     string // e.g. "1500m" or "2"
	MemoryLimit  string // e.g. "2Gi"
	ExposedPorts []int  // ports the sandboxed service may serve previews on
	Env          map[string]string
}

// ShellStream is an attached interactive shell inside a sandbox.
type ShellStream struct {
	Stdin  io.Writer
	Stdout io.Reader
	Resize func(cols, rows uint16) error
	Close  func() error
}
