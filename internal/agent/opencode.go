// Package agent adapts the opencode server: it owns (or attaches to) one
// `opencode serve` process and drives per-cell sessions through the SDK.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"github.com/hivedev/hive/internal/config"
	"github.com/hivedev/hive/internal/logger"
	"github.com/hivedev/hive/internal/models"
)

// SessionOptions selects the coordinates of a cell's agent session.
type SessionOptions struct {
	Title      string
	ModelID    string
	ProviderID string
	StartMode  models.StartMode
}

// Adapter talks to one opencode server. When no explicit server URL is
// configured it lazily spawns `opencode serve` on a free port and owns that
// process for the lifetime of the hive server.
type Adapter struct {
	cfg *config.RuntimeConfig

	mu      sync.Mutex
	baseURL string
	client  *opencode.Client
	cmd     *exec.Cmd
}

// New creates an adapter. No server is started until first use.
func New(cfg *config.RuntimeConfig) *Adapter {
	return &Adapter{cfg: cfg}
}

// BaseURL returns the server URL, starting the server if needed. Chat
// terminals export this as OPENCODE_SERVER_URL so the TUI attaches to the
// same server that owns the sessions.
func (a *Adapter) BaseURL(ctx context.Context) (string, error) {
	if _, err := a.ensureClient(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.baseURL, nil
}

func (a *Adapter) ensureClient(ctx context.Context) (*opencode.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		// A spawned server that died gets restarted on the next call.
		if a.cmd == nil || (a.cmd.Process != nil && processAlive(a.cmd.Process.Pid)) {
			return a.client, nil
		}
		logger.Warnf("opencode server (pid %d) is gone, restarting", a.cmd.Process.Pid)
		a.client = nil
		a.cmd = nil
	}

	if a.cfg.OpencodeServerURL != "" {
		a.baseURL = a.cfg.OpencodeServerURL
	} else {
		if err := a.spawnLocked(ctx); err != nil {
			return nil, err
		}
	}

	a.client = opencode.NewClient(option.WithBaseURL(a.baseURL))
	return a.client, nil
}

// spawnLocked starts `opencode serve` on a free port and waits for its health
// endpoint, bounded by the configured start timeout.
func (a *Adapter) spawnLocked(ctx context.Context) error {
	port, err := freePort()
	if err != nil {
		return fmt.Errorf("pick opencode port: %w", err)
	}

	cmd := exec.Command(a.cfg.OpencodeBin, "serve",
		"--port", strconv.Itoa(port),
		"--hostname", "localhost")
	// Own process group so shutdown can take the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s serve: %w", a.cfg.OpencodeBin, err)
	}

	baseURL := fmt.Sprintf("http://localhost:%d", port)
	healthCtx, cancel := context.WithTimeout(ctx, a.cfg.OpencodeStartTimeout)
	defer cancel()

	httpClient := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-healthCtx.Done():
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			return fmt.Errorf("opencode server on port %d not ready within %s", port, a.cfg.OpencodeStartTimeout)
		case <-ticker.C:
			resp, err := httpClient.Get(baseURL + "/health")
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				logger.Infof("Started opencode server on %s (pid %d)", baseURL, cmd.Process.Pid)
				a.baseURL = baseURL
				a.cmd = cmd
				return nil
			}
		}
	}
}

// EnsureSession returns the cell's agent session id, creating a session when
// none exists or the recorded one is gone server-side. The second return
// reports whether a new session was created.
func (a *Adapter) EnsureSession(ctx context.Context, cell *models.Cell, opts SessionOptions) (string, bool, error) {
	client, err := a.ensureClient(ctx)
	if err != nil {
		return "", false, err
	}

	if cell.OpencodeSessionID != nil && *cell.OpencodeSessionID != "" {
		id := *cell.OpencodeSessionID
		_, err := client.Session.Get(ctx, id, opencode.SessionGetParams{})
		if err == nil {
			return id, false, nil
		}
		logger.Warnf("Recorded agent session %s for cell %s not found, creating a new one: %v", id, cell.ID, err)
	}

	title := opts.Title
	if title == "" {
		title = cell.Name
	}

	var sessionID string
	err = retry.Do(func() error {
		session, err := client.Session.New(ctx, opencode.SessionNewParams{
			Title: opencode.F(title),
		})
		if err != nil {
			return err
		}
		sessionID = session.ID
		return nil
	}, retry.Attempts(3), retry.Delay(500*time.Millisecond), retry.LastErrorOnly(true))
	if err != nil {
		return "", false, fmt.Errorf("create agent session for cell %s: %w", cell.ID, err)
	}
	return sessionID, true, nil
}

// SendMessage prompts the session with a text part. The start mode selects
// the opencode agent (plan or build); model and provider overrides ride along
// when set.
func (a *Adapter) SendMessage(ctx context.Context, sessionID, text string, opts SessionOptions) error {
	client, err := a.ensureClient(ctx)
	if err != nil {
		return err
	}

	params := opencode.SessionPromptParams{
		Parts: opencode.F([]opencode.SessionPromptParamsPartUnion{
			opencode.TextPartInputParam{
				Type: opencode.F(opencode.TextPartInputTypeText),
				Text: opencode.F(text),
			},
		}),
	}
	if opts.ModelID != "" {
		model := opencode.SessionPromptParamsModel{
			ModelID: opencode.F(opts.ModelID),
		}
		if opts.ProviderID != "" {
			model.ProviderID = opencode.F(opts.ProviderID)
		}
		params.Model = opencode.F(model)
	}
	if opts.StartMode != "" {
		params.Agent = opencode.F(string(opts.StartMode))
	}

	err = retry.Do(func() error {
		_, err := client.Session.Prompt(ctx, sessionID, params)
		return err
	}, retry.Attempts(3), retry.Delay(500*time.Millisecond), retry.LastErrorOnly(true))
	if err != nil {
		return fmt.Errorf("prompt agent session %s: %w", sessionID, err)
	}
	return nil
}

// CloseSession deletes the session server-side. A session that is already
// gone is not an error.
func (a *Adapter) CloseSession(ctx context.Context, sessionID string) error {
	client, err := a.ensureClient(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Session.Delete(ctx, sessionID, opencode.SessionDeleteParams{}); err != nil {
		var apiErr *opencode.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete agent session %s: %w", sessionID, err)
	}
	return nil
}

// Shutdown kills the spawned server process group, if any.
func (a *Adapter) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cmd != nil && a.cmd.Process != nil {
		pid := a.cmd.Process.Pid
		logger.Debugf("Stopping opencode server (pid %d)", pid)
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			_ = a.cmd.Process.Kill()
		}
		go func(cmd *exec.Cmd) {
			done := make(chan struct{})
			go func() { _ = cmd.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
		}(a.cmd)
		a.cmd = nil
		a.client = nil
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
