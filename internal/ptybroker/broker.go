// Package ptybroker owns the in-sandbox terminal multiplexer sessions and
// bridges their PTYs to attachable byte streams.
package ptybroker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/config"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
)

// Broker manages multiplexer sessions and fans their PTYs out to attachers.
// One PTY is held per session regardless of attacher count; the multiplexer
// provides display sharing.
type Broker struct {
	driver     sandbox.Driver
	log        *logger.Logger
	debounce   time.Duration
	scrollback int

	mu    sync.Mutex
	muxes map[string]*mux // session ID -> active PTY fan-out
}

// New creates a broker.
func New(driver sandbox.Driver, cfg config.TerminalConfig, log *logger.Logger) *Broker {
	return &Broker{
		driver:     driver,
		log:        log,
		debounce:   cfg.ResizeDebounce(),
		scrollback: cfg.ScrollbackBytes,
		muxes:      make(map[string]*mux),
	}
}

// Open ensures the session's multiplexer session exists inside the sandbox
// and returns a new attachment to its PTY. The sandbox is started once if it
// is not running.
func (b *Broker) Open(ctx context.Context, env *store.Environment, session *store.Session, cols, rows uint16) (*Attachment, error) {
	if env.SandboxID == nil {
		return nil, apperrors.State("environment has no sandbox")
	}
	sandboxID := *env.SandboxID

	if err := b.ensureRunning(ctx, sandboxID); err != nil {
		return nil, err
	}
	if err := b.ensureMultiplexer(ctx, sandboxID, session); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	m := b.muxes[session.ID]
	if m == nil || m.isClosed() {
		pty, err := b.driver.AttachPTY(ctx, sandboxID,
			[]string{"tmux", "attach-session", "-t", session.MultiplexerName}, cols, rows)
		if err != nil {
			return nil, apperrors.Runtime("attaching to multiplexer", err)
		}
		m = newMux(b, session.ID, pty)
		b.muxes[session.ID] = m
		go m.pump()
	}

	return m.attach(), nil
}

// Inspect reports whether the session's multiplexer session exists.
func (b *Broker) Inspect(ctx context.Context, sandboxID string, session *store.Session) (bool, error) {
	res, err := b.driver.Exec(ctx, sandboxID,
		[]string{"tmux", "has-session", "-t", session.MultiplexerName}, sandbox.ExecOptions{})
	if err != nil {
		return false, apperrors.Runtime("inspecting multiplexer", err)
	}
	return res.ExitCode == 0, nil
}

// Kill terminates the multiplexer session. Only explicit session deletion
// calls this; detach never does.
func (b *Broker) Kill(ctx context.Context, sandboxID string, session *store.Session) error {
	b.mu.Lock()
	if m := b.muxes[session.ID]; m != nil {
		m.close()
		delete(b.muxes, session.ID)
	}
	b.mu.Unlock()

	res, err := b.driver.Exec(ctx, sandboxID,
		[]string{"tmux", "kill-session", "-t", session.MultiplexerName}, sandbox.ExecOptions{})
	if err != nil {
		return apperrors.Runtime("killing multiplexer session", err)
	}
	if res.ExitCode != 0 && !strings.Contains(string(res.Stderr), "can't find session") {
		return apperrors.Runtime("killing multiplexer session: "+strings.TrimSpace(string(res.Stderr)), nil)
	}
	return nil
}

// Detach releases the broker's PTY for a session without touching the
// multiplexer. Used by the reaper when a session row turns dead.
func (b *Broker) Detach(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m := b.muxes[sessionID]; m != nil {
		m.close()
		delete(b.muxes, sessionID)
	}
}

func (b *Broker) ensureRunning(ctx context.Context, sandboxID string) error {
	info, err := b.driver.Inspect(ctx, sandboxID)
	if err != nil {
		return apperrors.Runtime("inspecting sandbox", err)
	}
	if info.Running {
		return nil
	}

	// One start attempt, then give up.
	if err := b.driver.Start(ctx, sandboxID); err != nil {
		return apperrors.Runtime("sandbox unreachable: start failed", err)
	}
	info, err = b.driver.Inspect(ctx, sandboxID)
	if err != nil {
		return apperrors.Runtime("inspecting sandbox", err)
	}
	if !info.Running {
		return apperrors.Runtime(fmt.Sprintf("sandbox unreachable: state %s after start", info.State), nil)
	}
	return nil
}

func (b *Broker) ensureMultiplexer(ctx context.Context, sandboxID string, session *store.Session) error {
	exists, err := b.Inspect(ctx, sandboxID, session)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	workdir := session.WorkingDirectory
	if workdir == "" {
		workdir = "/workspace"
	}
	res, err := b.driver.Exec(ctx, sandboxID,
		[]string{"tmux", "new-session", "-d", "-s", session.MultiplexerName, "-c", workdir},
		sandbox.ExecOptions{})
	if err != nil {
		return apperrors.Runtime("spawning multiplexer session", err)
	}
	if res.ExitCode != 0 {
		return apperrors.Runtime("multiplexer spawn failed: "+strings.TrimSpace(string(res.Stderr)), nil)
	}

	exists, err = b.Inspect(ctx, sandboxID, session)
	if err != nil {
		return err
	}
	if !exists {
		return apperrors.Runtime("multiplexer session missing after spawn", nil)
	}

	b.log.WithSessionID(session.ID).Info("Spawned multiplexer session",
		zap.String("name", session.MultiplexerName),
		zap.String("workdir", workdir))
	return nil
}
