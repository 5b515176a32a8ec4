// Package sandbox abstracts the container runtime behind a small driver
// interface: create, start, inspect, exec, attach, remove.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Spec describes a sandbox to create.
type Spec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	NetworkMode string
	MemoryBytes int64
	CPUCores    float64
	Labels      map[string]string
}

// Mount is a bind mount into the sandbox.
type Mount struct {
	Source   string // host path
	Target   string // in-sandbox path
	ReadOnly bool
}

// Info holds runtime state for a sandbox. The driver never caches anything
// Inspect can return.
type Info struct {
	ID         string
	Name       string
	Image      string
	State      string
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ExecOptions configures a non-interactive exec.
type ExecOptions struct {
	Stdin   io.Reader
	Env     []string
	WorkDir string
}

// ExecResult holds the separated output streams and exit code of an exec.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// PTY is an interactive terminal attached to a process inside a sandbox.
// Close detaches without killing the in-sandbox process group leader's
// session (the multiplexer owns process lifetime).
type PTY interface {
	io.ReadWriteCloser
	Resize(ctx context.Context, cols, rows uint16) error
}

// Driver is the container runtime abstraction. All operations are idempotent
// against the handle and may suspend on runtime I/O.
type Driver interface {
	// Create creates a sandbox and returns its handle.
	Create(ctx context.Context, spec Spec) (string, error)

	// Start starts a created or stopped sandbox.
	Start(ctx context.Context, id string) error

	// Inspect returns the current runtime state.
	Inspect(ctx context.Context, id string) (*Info, error)

	// Exec runs argv inside the sandbox and waits for completion. Stdout and
	// stderr are returned separated; callers rely only on separation and the
	// exit code.
	Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error)

	// AttachPTY starts argv inside the sandbox on a TTY of the given size and
	// returns the attached terminal.
	AttachPTY(ctx context.Context, id string, argv []string, cols, rows uint16) (PTY, error)

	// Remove removes the sandbox.
	Remove(ctx context.Context, id string, force bool) error

	// List returns sandboxes matching the given labels.
	List(ctx context.Context, labels map[string]string) ([]Info, error)
}
