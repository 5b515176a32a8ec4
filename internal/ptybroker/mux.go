package ptybroker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/sandbox"
)

// outputBuffer is the per-attachment channel depth. A stalled attacher drops
// frames rather than blocking the pump.
const outputBuffer = 256

// mux fans one PTY out to any number of attachments. Inputs are merged
// byte-wise; the multiplexer itself serializes them.
type mux struct {
	broker *Broker
	key    string
	pty    sandbox.PTY

	mu        sync.Mutex
	attachers map[*Attachment]struct{}
	replay    []byte // most recent output, handed to new attachers
	closed    bool

	resizeMu    sync.Mutex
	resizeTimer *time.Timer
	pendingCols uint16
	pendingRows uint16
}

func newMux(b *Broker, key string, pty sandbox.PTY) *mux {
	return &mux{
		broker:    b,
		key:       key,
		pty:       pty,
		attachers: make(map[*Attachment]struct{}),
	}
}

// Attachment is one client's view of a session's PTY.
type Attachment struct {
	mux    *mux
	output chan []byte
	once   sync.Once
}

// Output returns the channel of PTY output frames. It is closed when the
// attachment or the underlying PTY closes.
func (a *Attachment) Output() <-chan []byte { return a.output }

// Write sends client input to the PTY.
func (a *Attachment) Write(p []byte) (int, error) { return a.mux.pty.Write(p) }

// Resize requests a PTY resize. Bursts are debounced before being forwarded.
func (a *Attachment) Resize(cols, rows uint16) { a.mux.requestResize(cols, rows) }

// Close detaches this client. The multiplexer session persists; the broker
// releases the PTY when the last attacher leaves.
func (a *Attachment) Close() {
	a.once.Do(func() { a.mux.detach(a) })
}

func (m *mux) attach() *Attachment {
	a := &Attachment{mux: m, output: make(chan []byte, outputBuffer)}

	m.mu.Lock()
	m.attachers[a] = struct{}{}
	replay := make([]byte, len(m.replay))
	copy(replay, m.replay)
	m.mu.Unlock()

	if len(replay) > 0 {
		a.output <- replay
	}
	return a
}

func (m *mux) detach(a *Attachment) {
	m.mu.Lock()
	if _, ok := m.attachers[a]; ok {
		delete(m.attachers, a)
		close(a.output)
	}
	last := len(m.attachers) == 0 && !m.closed
	m.mu.Unlock()

	if last {
		// Last attacher gone: release the PTY, keep the multiplexer session.
		m.broker.Detach(m.key)
	}
}

func (m *mux) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// close tears down the PTY and all attachments.
func (m *mux) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for a := range m.attachers {
		close(a.output)
	}
	m.attachers = make(map[*Attachment]struct{})
	m.mu.Unlock()

	m.resizeMu.Lock()
	if m.resizeTimer != nil {
		m.resizeTimer.Stop()
	}
	m.resizeMu.Unlock()

	_ = m.pty.Close()
}

// pump reads PTY output and broadcasts it until the PTY closes.
func (m *mux) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := m.pty.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			m.broadcast(frame)
		}
		if err != nil {
			m.broker.log.Debug("PTY pump ended",
				zap.String("session_id", m.key), zap.Error(err))
			m.broker.Detach(m.key)
			return
		}
	}
}

func (m *mux) broadcast(frame []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.replay = append(m.replay, frame...)
	if max := m.broker.scrollback; max > 0 && len(m.replay) > max {
		m.replay = m.replay[len(m.replay)-max:]
	}

	for a := range m.attachers {
		select {
		case a.output <- frame:
		default:
			// Slow attacher; drop the frame for it.
		}
	}
}

// requestResize coalesces resize bursts within the debounce window and
// forwards only the latest geometry.
func (m *mux) requestResize(cols, rows uint16) {
	m.resizeMu.Lock()
	defer m.resizeMu.Unlock()

	m.pendingCols, m.pendingRows = cols, rows
	if m.resizeTimer != nil {
		m.resizeTimer.Stop()
	}
	m.resizeTimer = time.AfterFunc(m.broker.debounce, func() {
		m.resizeMu.Lock()
		cols, rows := m.pendingCols, m.pendingRows
		m.resizeMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.pty.Resize(ctx, cols, rows); err != nil {
			m.broker.log.Warn("PTY resize failed",
				zap.String("session_id", m.key), zap.Error(err))
		}
	})
}
