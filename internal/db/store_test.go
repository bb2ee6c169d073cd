package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivedev/hive/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestCell(workspaceID string) *models.Cell {
	return &models.Cell{
		ID:                uuid.New().String(),
		WorkspaceID:       workspaceID,
		WorkspaceRootPath: "/repos/app",
		WorkspacePath:     "/cells/app-feature",
		BranchName:        "hive/feature",
		TemplateID:        "default",
		Name:              "feature",
		Status:            models.CellStatusSpawning,
		CreatedAt:         time.Now(),
	}
}

func TestCellCRUD(t *testing.T) {
	store := newTestStore(t)

	cell := newTestCell("w1")
	require.NoError(t, store.CreateCell(cell))

	loaded, err := store.GetCell(cell.ID)
	require.NoError(t, err)
	assert.Equal(t, cell.Name, loaded.Name)
	assert.Equal(t, models.CellStatusSpawning, loaded.Status)
	assert.Nil(t, loaded.OpencodeSessionID)

	require.NoError(t, store.SetCellWorktree(cell.ID, "/cells/other", "hive/other", "abc123"))
	require.NoError(t, store.SetCellOpencodeSession(cell.ID, "ses_1"))
	require.NoError(t, store.UpdateCellStatus(cell.ID, models.CellStatusReady, true))

	loaded, err = store.GetCell(cell.ID)
	require.NoError(t, err)
	assert.Equal(t, "/cells/other", loaded.WorkspacePath)
	assert.Equal(t, "abc123", loaded.BaseCommit)
	require.NotNil(t, loaded.OpencodeSessionID)
	assert.Equal(t, "ses_1", *loaded.OpencodeSessionID)
	assert.Equal(t, models.CellStatusReady, loaded.Status)

	require.NoError(t, store.DeleteCell(cell.ID))
	_, err = store.GetCell(cell.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteCell(cell.ID), ErrNotFound)
}

func TestMarkCellErrorAndClear(t *testing.T) {
	store := newTestStore(t)
	cell := newTestCell("w1")
	require.NoError(t, store.CreateCell(cell))

	require.NoError(t, store.MarkCellError(cell.ID, "setup command failed"))
	loaded, err := store.GetCell(cell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CellStatusError, loaded.Status)
	require.NotNil(t, loaded.LastSetupError)
	assert.Equal(t, "setup command failed", *loaded.LastSetupError)

	require.NoError(t, store.UpdateCellStatus(cell.ID, models.CellStatusReady, true))
	loaded, err = store.GetCell(cell.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.LastSetupError)
}

func TestListCellsByWorkspaceExcludesDeleting(t *testing.T) {
	store := newTestStore(t)

	a := newTestCell("w1")
	a.CreatedAt = time.Now().Add(-2 * time.Minute)
	b := newTestCell("w1")
	b.CreatedAt = time.Now().Add(-1 * time.Minute)
	other := newTestCell("w2")
	require.NoError(t, store.CreateCell(a))
	require.NoError(t, store.CreateCell(b))
	require.NoError(t, store.CreateCell(other))
	require.NoError(t, store.UpdateCellStatus(b.ID, models.CellStatusDeleting, false))

	cells, err := store.ListCellsByWorkspace("w1")
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, a.ID, cells[0].ID)

	deleting, err := store.ListCellsByStatus(models.CellStatusDeleting)
	require.NoError(t, err)
	require.Len(t, deleting, 1)
	assert.Equal(t, b.ID, deleting[0].ID)
}

func TestProvisioningAttempts(t *testing.T) {
	store := newTestStore(t)
	cell := newTestCell("w1")
	require.NoError(t, store.CreateCell(cell))

	model := "claude-sonnet-4"
	state := &models.ProvisioningState{
		CellID:          cell.ID,
		ModelIDOverride: &model,
		StartMode:       models.StartModeBuild,
	}
	require.NoError(t, store.UpsertProvisioningState(state))
	// Conflicting upsert keeps the original row.
	state2 := &models.ProvisioningState{CellID: cell.ID, StartMode: models.StartModePlan}
	require.NoError(t, store.UpsertProvisioningState(state2))

	loaded, err := store.GetProvisioningState(cell.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StartModeBuild, loaded.StartMode)
	require.NotNil(t, loaded.ModelIDOverride)
	assert.Equal(t, "claude-sonnet-4", *loaded.ModelIDOverride)
	assert.Equal(t, 0, loaded.AttemptCount)

	n, err := store.BeginAttempt(cell.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.BeginAttempt(cell.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, store.FinishAttempt(cell.ID, time.Now()))
	loaded, err = store.GetProvisioningState(cell.ID)
	require.NoError(t, err)
	assert.NotNil(t, loaded.StartedAt)
	assert.NotNil(t, loaded.FinishedAt)
}

func TestInsertServiceIdempotent(t *testing.T) {
	store := newTestStore(t)
	cell := newTestCell("w1")
	require.NoError(t, store.CreateCell(cell))

	port := 3000
	svc := &models.CellService{
		ID:        uuid.New().String(),
		CellID:    cell.ID,
		Name:      "web",
		Type:      models.ServiceTypeProcess,
		Command:   "npm run dev",
		Env:       map[string]string{"NODE_ENV": "development"},
		Port:      &port,
		Status:    models.ServiceStatusPending,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.InsertService(svc))

	// Same (cell, name) again with a new id: the first row wins.
	dup := *svc
	dup.ID = uuid.New().String()
	dup.Command = "different"
	require.NoError(t, store.InsertService(&dup))

	services, err := store.ListServices(cell.ID)
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, svc.ID, services[0].ID)
	assert.Equal(t, "npm run dev", services[0].Command)
	assert.Equal(t, "development", services[0].Env["NODE_ENV"])
	require.NotNil(t, services[0].Port)
	assert.Equal(t, 3000, *services[0].Port)
}

func TestUpdateServiceState(t *testing.T) {
	store := newTestStore(t)
	cell := newTestCell("w1")
	require.NoError(t, store.CreateCell(cell))

	svc := &models.CellService{
		ID:        uuid.New().String(),
		CellID:    cell.ID,
		Name:      "api",
		Type:      models.ServiceTypeProcess,
		Command:   "make serve",
		Status:    models.ServiceStatusPending,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.InsertService(svc))

	pid := 4242
	require.NoError(t, store.UpdateServiceState(svc.ID, models.ServiceStatusRunning, &pid, nil))
	loaded, err := store.GetService(svc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceStatusRunning, loaded.Status)
	require.NotNil(t, loaded.PID)
	assert.Equal(t, 4242, *loaded.PID)

	msg := "Process exited unexpectedly"
	require.NoError(t, store.UpdateServiceState(svc.ID, models.ServiceStatusError, nil, &msg))
	loaded, err = store.GetService(svc.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.PID)
	require.NotNil(t, loaded.LastKnownError)
	assert.Equal(t, msg, *loaded.LastKnownError)
}

func TestDeleteCellCascades(t *testing.T) {
	store := newTestStore(t)
	cell := newTestCell("w1")
	require.NoError(t, store.CreateCell(cell))
	require.NoError(t, store.UpsertProvisioningState(&models.ProvisioningState{CellID: cell.ID, StartMode: models.StartModePlan}))
	require.NoError(t, store.InsertService(&models.CellService{
		ID: uuid.New().String(), CellID: cell.ID, Name: "web",
		Type: models.ServiceTypeProcess, Command: "true",
		Status: models.ServiceStatusPending, UpdatedAt: time.Now(),
	}))
	require.NoError(t, store.InsertTimingEvent(&models.TimingEvent{
		CellID: cell.ID, RunID: "r1", Workflow: models.WorkflowCreate,
		Step: "create_worktree", Status: models.TimingOK, DurationMs: 12,
	}))
	require.NoError(t, store.InsertActivityEvent(&models.ActivityEvent{
		CellID: cell.ID, Kind: "cell_created",
	}))

	require.NoError(t, store.DeleteCell(cell.ID))

	services, err := store.ListServices(cell.ID)
	require.NoError(t, err)
	assert.Empty(t, services)
	_, err = store.GetProvisioningState(cell.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	timings, err := store.ListTimingEvents(cell.ID, "")
	require.NoError(t, err)
	assert.Empty(t, timings)
	activity, err := store.ListActivityEvents(cell.ID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, activity)
}

func TestTimingWorkflowFilter(t *testing.T) {
	store := newTestStore(t)
	cell := newTestCell("w1")
	require.NoError(t, store.CreateCell(cell))

	attempt := 1
	base := time.Now().Add(-time.Minute)
	for i, wf := range []models.Workflow{models.WorkflowCreate, models.WorkflowCreate, models.WorkflowDelete} {
		require.NoError(t, store.InsertTimingEvent(&models.TimingEvent{
			CellID: cell.ID, RunID: "r1", Workflow: wf, Step: "total",
			Status: models.TimingOK, DurationMs: int64(i), Attempt: &attempt,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	creates, err := store.ListTimingEvents(cell.ID, "create")
	require.NoError(t, err)
	assert.Len(t, creates, 2)

	all, err := store.ListTimingEvents(cell.ID, "all")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Ascending by creation time.
	assert.Equal(t, int64(0), all[0].DurationMs)
	require.NotNil(t, all[0].Attempt)
	assert.Equal(t, 1, *all[0].Attempt)

	global, err := store.ListGlobalTimingEvents(2)
	require.NoError(t, err)
	require.Len(t, global, 2)
	// Descending, newest first.
	assert.Equal(t, int64(2), global[0].DurationMs)
}

func TestActivityPagination(t *testing.T) {
	store := newTestStore(t)
	cell := newTestCell("w1")
	require.NoError(t, store.CreateCell(cell))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertActivityEvent(&models.ActivityEvent{
			CellID:    cell.ID,
			Kind:      "service_restarted",
			Source:    "vscode",
			Detail:    map[string]interface{}{"n": float64(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, err := store.ListActivityEvents(cell.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, float64(4), page1[0].Detail["n"])
	assert.Equal(t, float64(3), page1[1].Detail["n"])

	page2, err := store.ListActivityEvents(cell.ID, ActivityCursor(page1[1]), 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, float64(2), page2[0].Detail["n"])
	assert.Equal(t, float64(1), page2[1].Detail["n"])

	page3, err := store.ListActivityEvents(cell.ID, ActivityCursor(page2[1]), 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, float64(0), page3[0].Detail["n"])

	_, err = store.ListActivityEvents(cell.ID, "garbage-cursor", 2)
	assert.Error(t, err)
}
