package supervisor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivedev/hive/internal/config"
	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/events"
	"github.com/hivedev/hive/internal/models"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := &config.RuntimeConfig{ServiceHost: "localhost", ServiceProtocol: "http"}
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	sup := New(store, cfg, bus)
	t.Cleanup(sup.Shutdown)
	return sup, store
}

func insertCellWithService(t *testing.T, store *db.Store, status models.ServiceStatus, pid *int, port *int) (*models.Cell, *models.CellService) {
	t.Helper()
	cell := &models.Cell{
		ID:                uuid.New().String(),
		WorkspaceID:       "w1",
		WorkspaceRootPath: "/repos/app",
		WorkspacePath:     "/cells/app",
		BranchName:        "cell-x",
		TemplateID:        "default",
		Name:              "x",
		Status:            models.CellStatusReady,
		CreatedAt:         time.Now(),
	}
	require.NoError(t, store.CreateCell(cell))
	svc := &models.CellService{
		ID:        uuid.New().String(),
		CellID:    cell.ID,
		Name:      "web",
		Type:      models.ServiceTypeProcess,
		Command:   "sleep 1000",
		Port:      port,
		PID:       pid,
		Status:    status,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.InsertService(svc))
	require.NoError(t, store.UpdateServiceState(svc.ID, status, pid, nil))
	return cell, svc
}

func TestReconcileRunningDeadProcessBecomesError(t *testing.T) {
	sup, store := newTestSupervisor(t)

	// A pid that cannot exist keeps the test independent of process tables.
	deadPID := 1 << 30
	_, svc := insertCellWithService(t, store, models.ServiceStatusRunning, &deadPID, nil)

	row, err := store.GetService(svc.ID)
	require.NoError(t, err)
	out := sup.Reconcile(row)

	assert.Equal(t, models.ServiceStatusError, out.Status)
	require.NotNil(t, out.LastKnownError)
	assert.Equal(t, "Process exited unexpectedly", *out.LastKnownError)

	persisted, err := store.GetService(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceStatusError, persisted.Status)
}

func TestReconcileErroredAliveProcessBecomesRunning(t *testing.T) {
	sup, store := newTestSupervisor(t)

	// Our own pid is definitely alive.
	alivePID := os.Getpid()
	_, svc := insertCellWithService(t, store, models.ServiceStatusError, &alivePID, nil)

	row, err := store.GetService(svc.ID)
	require.NoError(t, err)
	out := sup.Reconcile(row)

	assert.Equal(t, models.ServiceStatusRunning, out.Status)
	assert.Nil(t, out.LastKnownError)

	persisted, err := store.GetService(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceStatusRunning, persisted.Status)
}

func TestReconcileStoppedIsUntouched(t *testing.T) {
	sup, store := newTestSupervisor(t)
	_, svc := insertCellWithService(t, store, models.ServiceStatusStopped, nil, nil)

	row, err := store.GetService(svc.ID)
	require.NoError(t, err)
	out := sup.Reconcile(row)

	assert.Equal(t, models.ServiceStatusStopped, out.Status)
}

func TestDecorateDerivesURLAndReachability(t *testing.T) {
	sup, store := newTestSupervisor(t)

	// An unbound high port: unreachable but still gets a URL.
	port := 59999
	_, svc := insertCellWithService(t, store, models.ServiceStatusStopped, nil, &port)

	row, err := store.GetService(svc.ID)
	require.NoError(t, err)
	out := sup.decorate(row)

	require.NotNil(t, out.URL)
	assert.Equal(t, "http://localhost:59999", *out.URL)
	require.NotNil(t, out.PortReachable)
	assert.False(t, *out.PortReachable)
}

func TestDecorateWithoutPortLeavesDerivedFieldsNil(t *testing.T) {
	sup, store := newTestSupervisor(t)
	_, svc := insertCellWithService(t, store, models.ServiceStatusStopped, nil, nil)

	row, err := store.GetService(svc.ID)
	require.NoError(t, err)
	out := sup.decorate(row)

	assert.Nil(t, out.URL)
	assert.Nil(t, out.PortReachable)
}

func TestStopServiceNoopWhenAlreadyStopped(t *testing.T) {
	sup, store := newTestSupervisor(t)
	_, svc := insertCellWithService(t, store, models.ServiceStatusStopped, nil, nil)

	out, err := sup.StopService(svc.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceStatusStopped, out.Status)
}

func TestOwnershipCheckMatchesKnownPIDs(t *testing.T) {
	sup, store := newTestSupervisor(t)

	pid := os.Getpid()
	_, _ = insertCellWithService(t, store, models.ServiceStatusRunning, &pid, nil)

	rows, err := store.ListServices(rowsCellID(t, store))
	require.NoError(t, err)
	require.NotEmpty(t, rows)

	owned := sup.ownershipCheck(rows[0].CellID)
	assert.True(t, owned(pid))
	assert.False(t, owned(1<<30))
}

// rowsCellID returns the cell id of the only cell in the store.
func rowsCellID(t *testing.T, store *db.Store) string {
	t.Helper()
	cells, err := store.ListCellsByWorkspace("w1")
	require.NoError(t, err)
	require.Len(t, cells, 1)
	return cells[0].ID
}

func TestEnvSliceIsSortedAndDeterministic(t *testing.T) {
	env := map[string]string{"ZED": "z", "ALPHA": "a", "MID": "m"}

	out := envSlice(env)
	assert.Equal(t, []string{"ALPHA=a", "MID=m", "ZED=z"}, out)
	assert.Equal(t, out, envSlice(env))

	assert.Nil(t, envSlice(nil))
	assert.Nil(t, envSlice(map[string]string{}))
}

func TestMaterializeMergesTemplateEnvUnderServiceEnv(t *testing.T) {
	sup, store := newTestSupervisor(t)

	cell := &models.Cell{
		ID: uuid.New().String(), WorkspaceID: "w1",
		WorkspaceRootPath: "/repos/app", WorkspacePath: "/cells/app",
		BranchName: "cell-x", TemplateID: "default", Name: "x",
		Status: models.CellStatusSpawning, CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateCell(cell))

	port := 3000
	tmpl := &models.Template{
		ID:  "default",
		Env: map[string]string{"NODE_ENV": "development", "SHARED": "template"},
		Services: []models.TemplateService{
			{Name: "web", Command: "npm run dev", Port: &port, Env: map[string]string{"SHARED": "service"}},
		},
	}
	require.NoError(t, sup.materialize(cell, tmpl))
	// Re-materializing is idempotent.
	require.NoError(t, sup.materialize(cell, tmpl))

	rows, err := store.ListServices(cell.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.ServiceTypeProcess, rows[0].Type)
	assert.Equal(t, models.ServiceStatusPending, rows[0].Status)
	assert.Equal(t, "development", rows[0].Env["NODE_ENV"])
	// Service env wins over template env.
	assert.Equal(t, "service", rows[0].Env["SHARED"])
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(1<<30))
}

func TestPortReachableOnClosedPort(t *testing.T) {
	assert.False(t, PortReachable(59998))
}
