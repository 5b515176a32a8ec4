package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/logger"
)

// LocalDriver runs sandboxes as plain host processes rooted in per-sandbox
// directories. Mount targets are realized as symlinks under the sandbox root
// and in-sandbox absolute paths are translated onto it. Development mode only;
// there is no isolation.
type LocalDriver struct {
	stateDir string
	log      *logger.Logger

	mu        sync.Mutex
	sandboxes map[string]*localSandbox
}

type localSandbox struct {
	id        string
	name      string
	root      string
	labels    map[string]string
	createdAt time.Time
	removed   bool
}

// NewLocalDriver creates a local driver storing sandbox roots under stateDir.
func NewLocalDriver(stateDir string, log *logger.Logger) (*LocalDriver, error) {
	dir := filepath.Join(stateDir, "sandboxes")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox state dir: %w", err)
	}
	return &LocalDriver{
		stateDir:  dir,
		log:       log,
		sandboxes: make(map[string]*localSandbox),
	}, nil
}

func (d *LocalDriver) Create(_ context.Context, spec Spec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, sb := range d.sandboxes {
		if sb.name == spec.Name && !sb.removed {
			return "", fmt.Errorf("sandbox %q: %w", spec.Name, ErrConflict)
		}
	}

	id := uuid.NewString()
	root := filepath.Join(d.stateDir, id)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("create sandbox root: %w", err)
	}

	for _, m := range spec.Mounts {
		target := filepath.Join(root, m.Target)
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return "", fmt.Errorf("create mount parent: %w", err)
		}
		if err := os.Symlink(m.Source, target); err != nil && !os.IsExist(err) {
			return "", fmt.Errorf("link mount %s: %w", m.Target, err)
		}
	}

	d.sandboxes[id] = &localSandbox{
		id:        id,
		name:      spec.Name,
		root:      root,
		labels:    spec.Labels,
		createdAt: time.Now(),
	}
	d.log.Info("Created local sandbox",
		zap.String("sandbox_id", id), zap.String("name", spec.Name))
	return id, nil
}

func (d *LocalDriver) Start(_ context.Context, id string) error {
	_, err := d.get(id)
	return err
}

func (d *LocalDriver) Inspect(_ context.Context, id string) (*Info, error) {
	sb, err := d.get(id)
	if err != nil {
		return nil, err
	}
	return &Info{
		ID:        sb.id,
		Name:      sb.name,
		State:     "running",
		Running:   true,
		StartedAt: sb.createdAt,
	}, nil
}

func (d *LocalDriver) Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error) {
	sb, err := d.get(id)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], sb.translateArgv(argv[1:])...)
	cmd.Dir = sb.translatePath(opts.WorkDir)
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("exec %s: %w", argv[0], runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

func (d *LocalDriver) AttachPTY(ctx context.Context, id string, argv []string, cols, rows uint16) (PTY, error) {
	sb, err := d.get(id)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	cmd := exec.Command(argv[0], sb.translateArgv(argv[1:])...)
	cmd.Dir = sb.root
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty %s: %w", argv[0], err)
	}
	return &localPTY{file: f, cmd: cmd}, nil
}

func (d *LocalDriver) Remove(_ context.Context, id string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sb, ok := d.sandboxes[id]
	if !ok {
		return fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(sb.root); err != nil {
		return fmt.Errorf("remove sandbox root: %w", err)
	}
	delete(d.sandboxes, id)
	return nil
}

func (d *LocalDriver) List(_ context.Context, labels map[string]string) ([]Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Info
	for _, sb := range d.sandboxes {
		if !matchLabels(sb.labels, labels) {
			continue
		}
		out = append(out, Info{
			ID:        sb.id,
			Name:      sb.name,
			State:     "running",
			Running:   true,
			StartedAt: sb.createdAt,
		})
	}
	return out, nil
}

func (d *LocalDriver) get(id string) (*localSandbox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sb, ok := d.sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
	}
	return sb, nil
}

// translatePath maps an in-sandbox absolute path onto the sandbox root.
func (sb *localSandbox) translatePath(p string) string {
	if p == "" {
		return sb.root
	}
	if !filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(sb.root, p)
}

// translateArgv rewrites absolute path arguments so git and the multiplexer
// operate on the sandbox root instead of the real filesystem root.
func (sb *localSandbox) translateArgv(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "/") {
			out[i] = sb.translatePath(a)
		} else {
			out[i] = a
		}
	}
	return out
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

type localPTY struct {
	file      *os.File
	cmd       *exec.Cmd
	closeOnce sync.Once
}

func (p *localPTY) Read(b []byte) (int, error)  { return p.file.Read(b) }
func (p *localPTY) Write(b []byte) (int, error) { return p.file.Write(b) }

func (p *localPTY) Resize(_ context.Context, cols, rows uint16) error {
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *localPTY) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.file.Close()
		if p.cmd.Process != nil {
			go func() { _, _ = p.cmd.Process.Wait() }()
		}
	})
	return err
}
