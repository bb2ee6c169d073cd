package terminal

import (
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/hivedev/hive/internal/logger"
)

// Flavor distinguishes the terminal registries. All flavors share one
// implementation; the flavor shows up in session keys and logs.
type Flavor string

const (
	FlavorShell   Flavor = "shell"
	FlavorChat    Flavor = "chat"
	FlavorSetup   Flavor = "setup"
	FlavorService Flavor = "service"
)

// LaunchSpec describes how to spawn (or match) a PTY session.
type LaunchSpec struct {
	// Key identifies the session within its registry: a cell id for shell,
	// chat, and setup terminals, a service id for service terminals.
	Key          string
	Cwd          string
	Argv         []string
	Env          []string
	StartingCols uint16
	StartingRows uint16
}

func (s LaunchSpec) matches(o LaunchSpec) bool {
	return s.Key == o.Key && s.Cwd == o.Cwd &&
		slices.Equal(s.Argv, o.Argv) && slices.Equal(s.Env, o.Env)
}

// SessionStatus reports whether the PTY child is still alive.
type SessionStatus string

const (
	StatusRunning SessionStatus = "running"
	StatusExited  SessionStatus = "exited"
)

// SessionInfo is the externally visible handle for a session.
type SessionInfo struct {
	SessionID string        `json:"sessionId"`
	PID       int           `json:"pid"`
	Cols      uint16        `json:"cols"`
	Rows      uint16        `json:"rows"`
	Status    SessionStatus `json:"status"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
}

// Event is one output or lifecycle notification fanned out to subscribers.
type Event struct {
	Type     string `json:"type"` // "data" or "exit"
	Chunk    []byte `json:"-"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// Handler receives session events. Invoked from the session's reader
// goroutine, in order.
type Handler func(Event)

type session struct {
	id        string
	spec      LaunchSpec
	ptmx      *os.File
	cmd       *exec.Cmd
	ring      *Ring
	startedAt time.Time

	mu          sync.RWMutex
	cols, rows  uint16
	status      SessionStatus
	exitCode    *int
	exitSignal  string
	subscribers map[string]Handler
}

func (s *session) info() *SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &SessionInfo{
		SessionID: s.id,
		PID:       s.cmd.Process.Pid,
		Cols:      s.cols,
		Rows:      s.rows,
		Status:    s.status,
		ExitCode:  s.exitCode,
		StartedAt: s.startedAt,
	}
}

// Registry owns the PTY sessions of one flavor, keyed by cell or service id.
type Registry struct {
	flavor   Flavor
	mu       sync.RWMutex
	sessions map[string]*session
}

// NewRegistry creates an empty registry for the given flavor.
func NewRegistry(flavor Flavor) *Registry {
	return &Registry{
		flavor:   flavor,
		sessions: make(map[string]*session),
	}
}

// EnsureSession returns a running session matching the spec, reusing an
// identical live session or replacing a stale one.
func (r *Registry) EnsureSession(spec LaunchSpec) (*SessionInfo, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty argv for %s session %s", r.flavor, spec.Key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[spec.Key]; ok {
		existing.mu.RLock()
		running := existing.status == StatusRunning
		same := existing.spec.matches(spec)
		existing.mu.RUnlock()
		if running && same {
			return existing.info(), nil
		}
		r.killLocked(existing)
		delete(r.sessions, spec.Key)
	}

	sess, err := r.spawn(spec)
	if err != nil {
		return nil, err
	}
	r.sessions[spec.Key] = sess
	logger.Debugf("Spawned %s terminal %s for key %s (pid %d)", r.flavor, sess.id, spec.Key, sess.cmd.Process.Pid)
	return sess.info(), nil
}

func (r *Registry) spawn(spec LaunchSpec) (*session, error) {
	cols, rows := spec.StartingCols, spec.StartingRows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color", "COLORTERM=truecolor")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s pty for %s: %w", r.flavor, spec.Key, err)
	}

	sess := &session{
		id:          uuid.New().String(),
		spec:        spec,
		ptmx:        ptmx,
		cmd:         cmd,
		ring:        NewRing(DefaultRingCapacity),
		startedAt:   time.Now(),
		cols:        cols,
		rows:        rows,
		status:      StatusRunning,
		subscribers: make(map[string]Handler),
	}

	go r.readLoop(sess)
	return sess, nil
}

func (r *Registry) readLoop(sess *session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			sess.ring.Append(chunk)
			sess.mu.RLock()
			handlers := make([]Handler, 0, len(sess.subscribers))
			for _, h := range sess.subscribers {
				handlers = append(handlers, h)
			}
			sess.mu.RUnlock()
			for _, h := range handlers {
				h(Event{Type: "data", Chunk: chunk})
			}
		}
		if err != nil {
			r.finish(sess)
			return
		}
	}
}

func (r *Registry) finish(sess *session) {
	err := sess.cmd.Wait()
	code := 0
	signal := ""
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		}
	} else if err != nil {
		code = -1
	}

	sess.mu.Lock()
	sess.status = StatusExited
	sess.exitCode = &code
	sess.exitSignal = signal
	handlers := make([]Handler, 0, len(sess.subscribers))
	for _, h := range sess.subscribers {
		handlers = append(handlers, h)
	}
	sess.mu.Unlock()

	_ = sess.ptmx.Close()
	logger.Debugf("%s terminal %s exited with code %d", r.flavor, sess.id, code)
	for _, h := range handlers {
		h(Event{Type: "exit", ExitCode: &code, Signal: signal})
	}
}

// Subscribe registers a handler for the session's events. The returned
// disposer removes it.
func (r *Registry) Subscribe(key string, handler Handler) (func(), error) {
	r.mu.RLock()
	sess, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no %s session for %s", r.flavor, key)
	}

	subID := uuid.New().String()
	sess.mu.Lock()
	sess.subscribers[subID] = handler
	sess.mu.Unlock()

	return func() {
		sess.mu.Lock()
		delete(sess.subscribers, subID)
		sess.mu.Unlock()
	}, nil
}

// Write forwards input bytes to the PTY. Fails when the session is not running.
func (r *Registry) Write(key string, data []byte) error {
	sess, err := r.running(key)
	if err != nil {
		return err
	}
	_, err = sess.ptmx.Write(data)
	return err
}

// Resize applies new dimensions to the PTY. Fails when the session is not
// running.
func (r *Registry) Resize(key string, cols, rows uint16) error {
	sess, err := r.running(key)
	if err != nil {
		return err
	}
	if err := pty.Setsize(sess.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize %s session %s: %w", r.flavor, key, err)
	}
	sess.mu.Lock()
	sess.cols, sess.rows = cols, rows
	sess.mu.Unlock()
	return nil
}

func (r *Registry) running(key string) (*session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no %s session for %s", r.flavor, key)
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	if sess.status != StatusRunning {
		return nil, fmt.Errorf("%s session %s is not running", r.flavor, key)
	}
	return sess, nil
}

// ReadOutput returns a snapshot of the session's ring buffer, used by SSE to
// backfill new subscribers.
func (r *Registry) ReadOutput(key string) ([]byte, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sess.ring.Snapshot(), true
}

// Get returns the current handle for a session.
func (r *Registry) Get(key string) (*SessionInfo, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return sess.info(), true
}

// CloseSession kills the session's PTY, ignoring "already exited".
func (r *Registry) CloseSession(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[key]; ok {
		r.killLocked(sess)
		delete(r.sessions, key)
	}
}

// StopAll closes every registered session.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, sess := range r.sessions {
		r.killLocked(sess)
		delete(r.sessions, key)
	}
}

func (r *Registry) killLocked(sess *session) {
	sess.mu.RLock()
	running := sess.status == StatusRunning
	sess.mu.RUnlock()
	if running && sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	_ = sess.ptmx.Close()
}
