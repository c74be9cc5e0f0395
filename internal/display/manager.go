// File: internal/display/manager.go
// Description: Manages virtual display surfaces (Xvfb) so a browser can run
// in a rendering mode without a physical screen. Slot reservation is atomic
// across concurrent runs, and an owned display process is always torn down
// exactly once, on every exit path.

package display

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
	"github.com/formrelay/formrelay-cli/internal/config"
)

// State is the lifecycle of one display session.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
)

// Proc is the started display process; satisfied by *exec.Cmd via cmdProc.
type Proc interface {
	Kill() error
	Wait() error
}

// Starter launches a virtual display bound to a slot. Injected in tests.
type Starter func(ctx context.Context, slot int, cfg config.DisplayConfig) (Proc, error)

// Manager hands out display sessions with atomic slot reservation.
type Manager struct {
	log *zap.Logger
	cfg config.DisplayConfig

	mu   sync.Mutex
	used map[int]bool

	start Starter
	// inUse reports whether something outside this process already holds
	// the slot (X lock file).
	inUse func(slot int) bool
	// inherited is the ambient DISPLAY, reused without ownership when set.
	inherited string
}

// NewManager creates a manager using the real Xvfb starter and the ambient
// DISPLAY environment.
func NewManager(logger *zap.Logger, cfg config.DisplayConfig) *Manager {
	return &Manager{
		log:       logger.Named("display"),
		cfg:       cfg,
		used:      make(map[int]bool),
		start:     startXvfb,
		inUse:     slotLocked,
		inherited: os.Getenv("DISPLAY"),
	}
}

// NewManagerWithStarter creates a manager with injected process control and
// no inherited display. For tests.
func NewManagerWithStarter(logger *zap.Logger, cfg config.DisplayConfig, start Starter, inUse func(int) bool) *Manager {
	m := NewManager(logger, cfg)
	m.start = start
	m.inUse = inUse
	m.inherited = ""
	return m
}

// Session wraps one display surface. Owned sessions hold the Xvfb process;
// inherited sessions own nothing and their release is a no-op.
type Session struct {
	display string
	slot    int
	owned   bool
	proc    Proc
	mgr     *Manager

	mu    sync.Mutex
	state State
}

// Display returns the X display string, e.g. ":104".
func (s *Session) Display() string { return s.display }

// Owned reports whether this session controls the display process.
func (s *Session) Owned() bool { return s.owned }

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Acquire returns a usable display session. An inherited DISPLAY is wrapped
// without ownership; otherwise a bounded range of slots is scanned for a
// free one and a virtual display process is started on it. When neither is
// possible, ErrDisplayUnavailable is returned and the caller degrades to
// headless mode.
func (m *Manager) Acquire(ctx context.Context) (*Session, error) {
	if m.inherited != "" {
		m.log.Debug("Reusing inherited display", zap.String("display", m.inherited))
		return &Session{display: m.inherited, owned: false, mgr: m, state: StateRunning}, nil
	}

	for slot := m.cfg.SlotMin; slot <= m.cfg.SlotMax; slot++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !m.reserve(slot) {
			continue
		}
		if m.inUse(slot) {
			m.free(slot)
			continue
		}

		sess := &Session{
			display: fmt.Sprintf(":%d", slot),
			slot:    slot,
			owned:   true,
			mgr:     m,
			state:   StateStarting,
		}
		proc, err := m.start(ctx, slot, m.cfg)
		if err != nil {
			m.free(slot)
			m.log.Debug("Display slot failed to start, trying next",
				zap.Int("slot", slot), zap.Error(err))
			continue
		}
		sess.proc = proc
		sess.mu.Lock()
		sess.state = StateRunning
		sess.mu.Unlock()

		m.log.Info("Virtual display started", zap.String("display", sess.display))
		return sess, nil
	}

	return nil, schemas.ErrDisplayUnavailable
}

// Release tears down an owned display process and waits for its exit. It is
// idempotent and must run on every exit path; callers defer it immediately
// after a successful Acquire.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.mu.Unlock()

	if !s.owned {
		return
	}
	if s.proc != nil {
		if err := s.proc.Kill(); err != nil {
			m.log.Warn("Failed to kill display process", zap.String("display", s.display), zap.Error(err))
		}
		// Wait regardless: the process may already be exiting and the pid
		// must be reaped before the slot is reused.
		_ = s.proc.Wait()
	}
	m.free(s.slot)
	m.log.Info("Virtual display stopped", zap.String("display", s.display))
}

// reserve atomically claims a slot within this process.
func (m *Manager) reserve(slot int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used[slot] {
		return false
	}
	m.used[slot] = true
	return true
}

func (m *Manager) free(slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used, slot)
}

// -- real process control --

type cmdProc struct{ cmd *exec.Cmd }

func (p cmdProc) Kill() error { return p.cmd.Process.Kill() }
func (p cmdProc) Wait() error { return p.cmd.Wait() }

// startXvfb launches Xvfb on the slot and waits briefly for its lock file,
// the signal that the server is accepting connections.
func startXvfb(ctx context.Context, slot int, cfg config.DisplayConfig) (Proc, error) {
	screen := fmt.Sprintf("%dx%dx%d", cfg.Width, cfg.Height, cfg.Depth)
	cmd := exec.CommandContext(ctx, "Xvfb",
		fmt.Sprintf(":%d", slot), "-screen", "0", screen, "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting Xvfb on :%d: %w", slot, err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if slotLocked(slot) {
			return cmdProc{cmd: cmd}, nil
		}
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	return nil, fmt.Errorf("Xvfb on :%d did not come up", slot)
}

// slotLocked checks the X server lock file for the slot.
func slotLocked(slot int) bool {
	_, err := os.Stat(fmt.Sprintf("/tmp/.X%d-lock", slot))
	return err == nil
}
