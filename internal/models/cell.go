package models

import "time"

// CellStatus is the lifecycle state of a cell.
type CellStatus string

const (
	CellStatusSpawning CellStatus = "spawning"
	CellStatusReady    CellStatus = "ready"
	CellStatusError    CellStatus = "error"
	CellStatusDeleting CellStatus = "deleting"
)

// Cell is an isolated dev environment: a git worktree plus its services,
// agent session, and terminals.
type Cell struct {
	ID                string     `json:"id"`
	WorkspaceID       string     `json:"workspaceId"`
	WorkspaceRootPath string     `json:"workspaceRootPath"`
	WorkspacePath     string     `json:"workspacePath"`
	BranchName        string     `json:"branchName"`
	BaseCommit        string     `json:"baseCommit,omitempty"`
	TemplateID        string     `json:"templateId"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Status            CellStatus `json:"status"`
	OpencodeSessionID *string    `json:"opencodeSessionId,omitempty"`
	LastSetupError    *string    `json:"lastSetupError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// StartMode selects how the agent session begins working.
type StartMode string

const (
	StartModePlan  StartMode = "plan"
	StartModeBuild StartMode = "build"
)

// ProvisioningState carries per-cell retry metadata and the agent session
// overrides used when (re)starting provisioning. 1:1 with Cell.
type ProvisioningState struct {
	CellID             string     `json:"cellId"`
	ModelIDOverride    *string    `json:"modelIdOverride,omitempty"`
	ProviderIDOverride *string    `json:"providerIdOverride,omitempty"`
	StartMode          StartMode  `json:"startMode"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	FinishedAt         *time.Time `json:"finishedAt,omitempty"`
	AttemptCount       int        `json:"attemptCount"`
}

// ServiceStatus is the lifecycle state of a single cell service.
type ServiceStatus string

const (
	ServiceStatusPending     ServiceStatus = "pending"
	ServiceStatusStarting    ServiceStatus = "starting"
	ServiceStatusRunning     ServiceStatus = "running"
	ServiceStatusStopping    ServiceStatus = "stopping"
	ServiceStatusStopped     ServiceStatus = "stopped"
	ServiceStatusError       ServiceStatus = "error"
	ServiceStatusNeedsResume ServiceStatus = "needs_resume"
)

// ServiceType distinguishes plain processes from docker-run services.
type ServiceType string

const (
	ServiceTypeProcess ServiceType = "process"
	ServiceTypeDocker  ServiceType = "docker"
)

// CellService is one long-lived process declared by the cell's template.
type CellService struct {
	ID             string            `json:"id"`
	CellID         string            `json:"cellId"`
	Name           string            `json:"name"`
	Type           ServiceType       `json:"type"`
	Command        string            `json:"command"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Port           *int              `json:"port,omitempty"`
	PID            *int              `json:"pid,omitempty"`
	Status         ServiceStatus     `json:"status"`
	LastKnownError *string           `json:"lastKnownError,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`

	// PortReachable is derived at read time and never persisted.
	PortReachable *bool `json:"portReachable,omitempty"`
	// URL is derived from SERVICE_PROTOCOL/SERVICE_HOST and the port.
	URL *string `json:"url,omitempty"`
}

// TimingStatus marks a timing event as a success or failure.
type TimingStatus string

const (
	TimingOK    TimingStatus = "ok"
	TimingError TimingStatus = "error"
)

// Workflow identifies which pipeline produced a timing event.
type Workflow string

const (
	WorkflowCreate Workflow = "create"
	WorkflowDelete Workflow = "delete"
)

// TimingEvent records the duration of one phase of a create or delete run.
// All events of a single run share a RunID.
type TimingEvent struct {
	ID         string                 `json:"id"`
	CellID     string                 `json:"cellId"`
	RunID      string                 `json:"runId"`
	Workflow   Workflow               `json:"workflow"`
	Step       string                 `json:"step"`
	Status     TimingStatus           `json:"status"`
	DurationMs int64                  `json:"durationMs"`
	Attempt    *int                   `json:"attempt,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

// ActivityEvent is one entry in the append-only audit trail of user-visible
// actions against a cell.
type ActivityEvent struct {
	ID          string                 `json:"id"`
	CellID      string                 `json:"cellId"`
	Kind        string                 `json:"kind"`
	Source      string                 `json:"source,omitempty"`
	Tool        string                 `json:"tool,omitempty"`
	AuditEvent  string                 `json:"auditEvent,omitempty"`
	ServiceName string                 `json:"serviceName,omitempty"`
	Detail      map[string]interface{} `json:"detail,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}
