// Package supervisor owns cell services: materializing template declarations
// into rows, running template setup in a PTY, starting and stopping the
// processes, and reconciling persisted status against process liveness.
package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/hivedev/hive/internal/config"
	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/errdefs"
	"github.com/hivedev/hive/internal/events"
	"github.com/hivedev/hive/internal/logger"
	"github.com/hivedev/hive/internal/models"
	"github.com/hivedev/hive/internal/terminal"
)

const exitedUnexpectedly = "Process exited unexpectedly"

// TimingFunc reports the duration of one supervisor step.
type TimingFunc func(step string, durationMs int64, metadata map[string]interface{})

// Supervisor manages the long-running services of all cells.
type Supervisor struct {
	store    *db.Store
	cfg      *config.RuntimeConfig
	bus      *events.Bus
	setup    *terminal.Registry
	services *terminal.Registry
}

// New creates a supervisor with fresh setup and service terminal registries.
func New(store *db.Store, cfg *config.RuntimeConfig, bus *events.Bus) *Supervisor {
	return &Supervisor{
		store:    store,
		cfg:      cfg,
		bus:      bus,
		setup:    terminal.NewRegistry(terminal.FlavorSetup),
		services: terminal.NewRegistry(terminal.FlavorService),
	}
}

// SetupTerminals exposes the setup PTY registry for streaming handlers.
func (s *Supervisor) SetupTerminals() *terminal.Registry { return s.setup }

// ServiceTerminals exposes the service PTY registry for streaming handlers.
func (s *Supervisor) ServiceTerminals() *terminal.Registry { return s.services }

// EnsureCellServices brings a cell's services into existence: rows are
// materialized from the template, the setup recipe runs in a setup PTY, and
// every declared service is started. Safe to re-run; duplicate rows and
// already-running services are no-ops.
func (s *Supervisor) EnsureCellServices(ctx context.Context, cell *models.Cell, tmpl *models.Template, onTiming TimingFunc) error {
	timed := func(step string, metadata map[string]interface{}, fn func() error) error {
		start := time.Now()
		err := fn()
		if onTiming != nil {
			onTiming(step, time.Since(start).Milliseconds(), metadata)
		}
		return err
	}

	if err := timed("materialize", map[string]interface{}{"count": len(tmpl.Services)}, func() error {
		return s.materialize(cell, tmpl)
	}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if len(tmpl.Setup) > 0 {
		if err := timed("setup", map[string]interface{}{"commands": len(tmpl.Setup)}, func() error {
			return s.runSetup(ctx, cell, tmpl)
		}); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	rows, err := s.store.ListServices(cell.ID)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, svc := range rows {
		g.Go(func() error {
			return timed("start:"+svc.Name, map[string]interface{}{"serviceId": svc.ID}, func() error {
				_, err := s.StartService(svc.ID)
				return err
			})
		})
	}
	return g.Wait()
}

// materialize inserts one row per declared template service. Template-level
// env merges under service env; the conflict insert keeps retries idempotent.
func (s *Supervisor) materialize(cell *models.Cell, tmpl *models.Template) error {
	for _, decl := range tmpl.Services {
		svcType := decl.Type
		if svcType == "" {
			svcType = models.ServiceTypeProcess
		}
		env := make(map[string]string, len(tmpl.Env)+len(decl.Env))
		for k, v := range tmpl.Env {
			env[k] = v
		}
		for k, v := range decl.Env {
			env[k] = v
		}
		row := &models.CellService{
			ID:        uuid.New().String(),
			CellID:    cell.ID,
			Name:      decl.Name,
			Type:      svcType,
			Command:   decl.Command,
			Cwd:       decl.Cwd,
			Env:       env,
			Port:      decl.Port,
			Status:    models.ServiceStatusPending,
			UpdatedAt: time.Now().UTC(),
		}
		if err := s.store.InsertService(row); err != nil {
			return err
		}
	}
	return nil
}

// runSetup executes the template's setup commands as one bash pipeline in a
// setup PTY so output lands in the cell's setup log. A non-zero exit comes
// back as a TemplateSetupError, which callers treat as preserve-worktree.
func (s *Supervisor) runSetup(ctx context.Context, cell *models.Cell, tmpl *models.Template) error {
	script := ""
	for i, cmd := range tmpl.Setup {
		if i > 0 {
			script += " && "
		}
		script += cmd
	}

	spec := terminal.LaunchSpec{
		Key:  cell.ID,
		Cwd:  cell.WorkspacePath,
		Argv: []string{"/bin/bash", "-lc", script},
		Env:  envSlice(tmpl.Env),
	}
	if _, err := s.setup.EnsureSession(spec); err != nil {
		return &errdefs.TemplateSetupError{
			TemplateID:    tmpl.ID,
			WorkspacePath: cell.WorkspacePath,
			Command:       script,
			Cause:         err,
		}
	}

	exited := make(chan int, 1)
	dispose, err := s.setup.Subscribe(cell.ID, func(ev terminal.Event) {
		if ev.Type == "exit" {
			code := 0
			if ev.ExitCode != nil {
				code = *ev.ExitCode
			}
			select {
			case exited <- code:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer dispose()

	// The session may have finished before the subscription landed.
	if info, ok := s.setup.Get(cell.ID); ok && info.Status == terminal.StatusExited && info.ExitCode != nil {
		select {
		case exited <- *info.ExitCode:
		default:
		}
	}

	var code int
	select {
	case code = <-exited:
	case <-ctx.Done():
		s.setup.CloseSession(cell.ID)
		return ctx.Err()
	}

	if code != 0 {
		return &errdefs.TemplateSetupError{
			TemplateID:    tmpl.ID,
			WorkspacePath: cell.WorkspacePath,
			Command:       script,
			ExitCode:      &code,
			Cause:         &errdefs.CommandExecutionError{Command: script, Cwd: cell.WorkspacePath, ExitCode: &code},
		}
	}
	return nil
}

// StartService launches one service's process in a service PTY and records
// the transition. An already-running service is returned as-is.
func (s *Supervisor) StartService(serviceID string) (*models.CellService, error) {
	svc, err := s.store.GetService(serviceID)
	if err != nil {
		return nil, err
	}
	if svc.Status == models.ServiceStatusRunning && svc.PID != nil && processAlive(*svc.PID) {
		return s.decorate(svc), nil
	}

	cell, err := s.store.GetCell(svc.CellID)
	if err != nil {
		return nil, err
	}

	if svc.Port != nil && PortReachable(*svc.Port) {
		msg := fmt.Sprintf("port %d already in use", *svc.Port)
		_ = s.store.UpdateServiceState(svc.ID, models.ServiceStatusError, nil, &msg)
		s.publish(svc.CellID, svc.ID)
		return nil, fmt.Errorf("start service %s: %s", svc.Name, msg)
	}

	if err := s.store.UpdateServiceState(svc.ID, models.ServiceStatusStarting, nil, nil); err != nil {
		return nil, err
	}
	s.publish(svc.CellID, svc.ID)

	cwd := cell.WorkspacePath
	if svc.Cwd != "" {
		cwd = filepath.Join(cell.WorkspacePath, svc.Cwd)
	}
	env := envSlice(svc.Env)
	if svc.Port != nil {
		env = append(env, "PORT="+strconv.Itoa(*svc.Port))
	}

	info, err := s.services.EnsureSession(terminal.LaunchSpec{
		Key:  svc.ID,
		Cwd:  cwd,
		Argv: []string{"/bin/bash", "-lc", svc.Command},
		Env:  env,
	})
	if err != nil {
		msg := err.Error()
		_ = s.store.UpdateServiceState(svc.ID, models.ServiceStatusError, nil, &msg)
		s.publish(svc.CellID, svc.ID)
		return nil, fmt.Errorf("start service %s: %w", svc.Name, err)
	}

	s.watchExit(svc.CellID, svc.ID)

	pid := info.PID
	if err := s.store.UpdateServiceState(svc.ID, models.ServiceStatusRunning, &pid, nil); err != nil {
		return nil, err
	}
	s.publish(svc.CellID, svc.ID)
	logger.Infof("Started service %s (%s) for cell %s (pid %d)", svc.Name, svc.ID, svc.CellID, pid)

	started, err := s.store.GetService(svc.ID)
	if err != nil {
		return nil, err
	}
	return s.decorate(started), nil
}

// watchExit flips a service to error when its process dies without a stop
// having been requested.
func (s *Supervisor) watchExit(cellID, serviceID string) {
	dispose, err := s.services.Subscribe(serviceID, func(ev terminal.Event) {
		if ev.Type != "exit" {
			return
		}
		go func() {
			svc, err := s.store.GetService(serviceID)
			if err != nil {
				return
			}
			if svc.Status == models.ServiceStatusRunning || svc.Status == models.ServiceStatusStarting {
				msg := exitedUnexpectedly
				_ = s.store.UpdateServiceState(serviceID, models.ServiceStatusError, svc.PID, &msg)
				s.publish(cellID, serviceID)
			}
		}()
	})
	if err != nil {
		logger.Warnf("Could not watch service %s for exit: %v", serviceID, err)
		return
	}
	_ = dispose // lives until the session is replaced or closed
}

// StopService kills a service's process and optionally reclaims its declared
// port. Stopping an already-stopped service is a no-op.
func (s *Supervisor) StopService(serviceID string, releaseDeclaredPort bool) (*models.CellService, error) {
	svc, err := s.store.GetService(serviceID)
	if err != nil {
		return nil, err
	}
	if svc.Status == models.ServiceStatusStopped || svc.Status == models.ServiceStatusPending {
		return s.decorate(svc), nil
	}

	if err := s.store.UpdateServiceState(svc.ID, models.ServiceStatusStopping, svc.PID, nil); err != nil {
		return nil, err
	}
	s.publish(svc.CellID, svc.ID)

	s.services.CloseSession(svc.ID)

	if releaseDeclaredPort && svc.Port != nil {
		owned := s.ownershipCheck(svc.CellID)
		releasePort(*svc.Port, owned)
	}

	if err := s.store.UpdateServiceState(svc.ID, models.ServiceStatusStopped, nil, nil); err != nil {
		return nil, err
	}
	s.publish(svc.CellID, svc.ID)
	logger.Infof("Stopped service %s for cell %s", svc.Name, svc.CellID)

	stopped, err := s.store.GetService(svc.ID)
	if err != nil {
		return nil, err
	}
	return s.decorate(stopped), nil
}

// ownershipCheck builds a predicate that recognizes PIDs launched for the
// cell's services, including children via their process group. Ports held by
// anything else are never reclaimed.
func (s *Supervisor) ownershipCheck(cellID string) func(pid int) bool {
	known := make(map[int]bool)
	if rows, err := s.store.ListServices(cellID); err == nil {
		for _, pid := range lo.FilterMap(rows, func(row *models.CellService, _ int) (int, bool) {
			if row.PID == nil {
				return 0, false
			}
			return *row.PID, true
		}) {
			known[pid] = true
		}
	}
	return func(pid int) bool {
		if known[pid] {
			return true
		}
		if pgid, err := syscall.Getpgid(pid); err == nil && known[pgid] {
			return true
		}
		return false
	}
}

// StartCellServices starts every service of the cell concurrently.
func (s *Supervisor) StartCellServices(cellID string) error {
	rows, err := s.store.ListServices(cellID)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, svc := range rows {
		g.Go(func() error {
			_, err := s.StartService(svc.ID)
			return err
		})
	}
	return g.Wait()
}

// StopCellServices stops every service of the cell concurrently.
func (s *Supervisor) StopCellServices(cellID string, releasePorts bool) error {
	rows, err := s.store.ListServices(cellID)
	if err != nil {
		return err
	}
	var g errgroup.Group
	for _, svc := range rows {
		g.Go(func() error {
			_, err := s.StopService(svc.ID, releasePorts)
			return err
		})
	}
	return g.Wait()
}

// Reconcile resolves a row's persisted status against process liveness:
// a running row whose process died becomes error, an errored row whose
// process is back becomes running. Changes are persisted.
func (s *Supervisor) Reconcile(svc *models.CellService) *models.CellService {
	alive := svc.PID != nil && processAlive(*svc.PID)
	switch {
	case svc.Status == models.ServiceStatusRunning && !alive:
		msg := exitedUnexpectedly
		_ = s.store.UpdateServiceState(svc.ID, models.ServiceStatusError, svc.PID, &msg)
		svc.Status = models.ServiceStatusError
		svc.LastKnownError = &msg
	case svc.Status == models.ServiceStatusError && alive:
		_ = s.store.UpdateServiceState(svc.ID, models.ServiceStatusRunning, svc.PID, nil)
		svc.Status = models.ServiceStatusRunning
		svc.LastKnownError = nil
	}
	return s.decorate(svc)
}

// GetCellService returns one reconciled service.
func (s *Supervisor) GetCellService(serviceID string) (*models.CellService, error) {
	svc, err := s.store.GetService(serviceID)
	if err != nil {
		return nil, err
	}
	return s.Reconcile(svc), nil
}

// ListCellServices returns the cell's services, reconciled, ordered by name.
func (s *Supervisor) ListCellServices(cellID string) ([]*models.CellService, error) {
	rows, err := s.store.ListServices(cellID)
	if err != nil {
		return nil, err
	}
	for i, svc := range rows {
		rows[i] = s.Reconcile(svc)
	}
	return rows, nil
}

// TeardownCell stops every service PTY and the setup PTY for a deleted cell.
func (s *Supervisor) TeardownCell(cellID string, releasePorts bool) error {
	err := s.StopCellServices(cellID, releasePorts)
	s.setup.CloseSession(cellID)
	return err
}

// Shutdown kills every managed PTY.
func (s *Supervisor) Shutdown() {
	s.services.StopAll()
	s.setup.StopAll()
}

func (s *Supervisor) publish(cellID, serviceID string) {
	svc, err := s.store.GetService(serviceID)
	if err != nil {
		return
	}
	s.bus.Publish(events.ServiceTopic(cellID), "service", s.decorate(svc))
}

// decorate fills the derived, never-persisted fields: port reachability and
// the externally visible URL.
func (s *Supervisor) decorate(svc *models.CellService) *models.CellService {
	if svc.Port != nil {
		reachable := PortReachable(*svc.Port)
		svc.PortReachable = &reachable
		url := fmt.Sprintf("%s://%s:%d", s.cfg.ServiceProtocol, s.cfg.ServiceHost, *svc.Port)
		svc.URL = &url
	}
	return svc
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
