// Package engine drives the cell lifecycle: the provisioning pipeline that
// takes a cell from spawning to ready, the deletion pipeline, and the boot
// resumer that picks up work interrupted by a restart.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivedev/hive/internal/agent"
	"github.com/hivedev/hive/internal/config"
	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/events"
	"github.com/hivedev/hive/internal/git"
	"github.com/hivedev/hive/internal/models"
	"github.com/hivedev/hive/internal/supervisor"
	"github.com/hivedev/hive/internal/templates"
	"github.com/hivedev/hive/internal/terminal"
)

// ErrProvisioningActive means a provisioning run already holds the cell.
var ErrProvisioningActive = errors.New("provisioning already in progress for this cell")

// ErrCellNotRetryable means retry was requested for a cell that is not in the
// error state.
var ErrCellNotRetryable = errors.New("cell is not in an error state")

// maxResumeAttempts caps how often the boot resumer re-runs an interrupted
// provisioning before giving up. Manual retries are not capped.
const maxResumeAttempts = 3

// Worktrees is the slice of git the engine needs. *git.WorktreeManager
// implements it; tests substitute fakes.
type Worktrees interface {
	CreateWorktree(opts git.CreateOptions) (*git.CreateResult, error)
	RemoveWorktree(workspaceRoot, path, branch string) error
}

// Services is the supervisor surface the engine drives.
type Services interface {
	EnsureCellServices(ctx context.Context, cell *models.Cell, tmpl *models.Template, onTiming supervisor.TimingFunc) error
	TeardownCell(cellID string, releasePorts bool) error
}

// Agent is the coding-agent surface the engine drives.
type Agent interface {
	BaseURL(ctx context.Context) (string, error)
	EnsureSession(ctx context.Context, cell *models.Cell, opts agent.SessionOptions) (string, bool, error)
	SendMessage(ctx context.Context, sessionID, text string, opts agent.SessionOptions) error
	CloseSession(ctx context.Context, sessionID string) error
}

// flight tracks one in-progress provisioning run so deletion can cancel it
// and wait for it to unwind.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns the lifecycle pipelines and the shell and chat terminal
// registries (setup and service terminals live in the supervisor).
type Engine struct {
	store     *db.Store
	cfg       *config.RuntimeConfig
	bus       *events.Bus
	registry  *templates.Registry
	worktrees Worktrees
	services  Services
	agent     Agent

	shells *terminal.Registry
	chats  *terminal.Registry

	mu      sync.Mutex
	flights map[string]*flight
	wg      sync.WaitGroup
}

// New assembles an engine.
func New(store *db.Store, cfg *config.RuntimeConfig, bus *events.Bus, registry *templates.Registry,
	worktrees Worktrees, services Services, agentAdapter Agent) *Engine {
	return &Engine{
		store:     store,
		cfg:       cfg,
		bus:       bus,
		registry:  registry,
		worktrees: worktrees,
		services:  services,
		agent:     agentAdapter,
		shells:    terminal.NewRegistry(terminal.FlavorShell),
		chats:     terminal.NewRegistry(terminal.FlavorChat),
		flights:   make(map[string]*flight),
	}
}

// ShellTerminals exposes the shell PTY registry for handlers.
func (e *Engine) ShellTerminals() *terminal.Registry { return e.shells }

// ChatTerminals exposes the chat PTY registry for handlers.
func (e *Engine) ChatTerminals() *terminal.Registry { return e.chats }

// AgentBaseURL resolves the opencode server URL for chat terminal attaches.
func (e *Engine) AgentBaseURL(ctx context.Context) (string, error) {
	return e.agent.BaseURL(ctx)
}

// acquire claims the cell for a provisioning run. Second callers get nil.
func (e *Engine) acquire(cellID string) *flight {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.flights[cellID]; exists {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &flight{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	e.flights[cellID] = f
	return f
}

func (e *Engine) release(cellID string, f *flight) {
	e.mu.Lock()
	delete(e.flights, cellID)
	e.mu.Unlock()
	close(f.done)
}

// cancelFlight stops any in-progress provisioning run for the cell and waits
// for it to unwind so deletion never races the pipeline.
func (e *Engine) cancelFlight(cellID string) {
	e.mu.Lock()
	f := e.flights[cellID]
	e.mu.Unlock()
	if f == nil {
		return
	}
	f.cancel()
	<-f.done
}

// ProvisioningActive reports whether the cell currently has a run in flight.
func (e *Engine) ProvisioningActive(cellID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.flights[cellID]
	return ok
}

// Shutdown cancels in-flight runs, waits for them, and tears down terminals.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, f := range e.flights {
		f.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.chats.StopAll()
	e.shells.StopAll()
}

// recordTiming persists one timing row and publishes it on the cell's timing
// topic.
func (e *Engine) recordTiming(cellID, runID string, workflow models.Workflow, step string,
	status models.TimingStatus, durationMs int64, attempt *int, metadata map[string]interface{}) {
	ev := &models.TimingEvent{
		ID:         uuid.New().String(),
		CellID:     cellID,
		RunID:      runID,
		Workflow:   workflow,
		Step:       step,
		Status:     status,
		DurationMs: durationMs,
		Attempt:    attempt,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	_ = e.store.InsertTimingEvent(ev)
	e.bus.Publish(events.CellTimingTopic(cellID), "timing", ev)
}

// publishCellStatus pushes the cell's current shape to its workspace stream.
func (e *Engine) publishCellStatus(cell *models.Cell, eventType string) {
	e.bus.Publish(events.CellStatusTopic(cell.WorkspaceID), eventType, cell)
}
