package handlers

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/events"
	"github.com/hivedev/hive/internal/models"
)

func newStreamsFixture(t *testing.T) (*StreamsHandler, *db.Store) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "hive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return NewStreamsHandler(store, bus, nil), store
}

func insertStreamCell(t *testing.T, store *db.Store, id string, status models.CellStatus) *models.Cell {
	t.Helper()
	cell := &models.Cell{
		ID: id, WorkspaceID: "w1", WorkspaceRootPath: "/repos/app",
		WorkspacePath: "/cells/" + id, BranchName: "cell-" + id,
		TemplateID: "default", Name: id, Status: status,
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreateCell(cell))
	return cell
}

func TestCellStreamRefreshesRowPerEvent(t *testing.T) {
	h, store := newStreamsFixture(t)
	cell := insertStreamCell(t, store, "c1", models.CellStatusReady)

	// A stale payload published before the row settled goes out with the
	// current row, not the snapshot the publisher held.
	stale := *cell
	stale.Status = models.CellStatusSpawning
	event, payload := h.cellEventForClient(events.Message{Type: "cell", Payload: &stale})
	assert.Equal(t, "cell", event)
	fresh, ok := payload.(*models.Cell)
	require.True(t, ok)
	assert.Equal(t, models.CellStatusReady, fresh.Status)
}

func TestCellStreamHidesDeletingStatus(t *testing.T) {
	h, store := newStreamsFixture(t)
	cell := insertStreamCell(t, store, "c1", models.CellStatusReady)

	// A cell mid-teardown reaches the client as a removal, never as a row
	// carrying the deleting status.
	require.NoError(t, store.UpdateCellStatus(cell.ID, models.CellStatusDeleting, false))
	event, payload := h.cellEventForClient(events.Message{Type: "cell", Payload: cell})
	assert.Equal(t, "cell_removed", event)
	removed, ok := payload.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, cell.ID, removed["id"])
}

func TestCellStreamTurnsGoneRowIntoRemoval(t *testing.T) {
	h, store := newStreamsFixture(t)
	cell := insertStreamCell(t, store, "c1", models.CellStatusReady)
	require.NoError(t, store.DeleteCell(cell.ID))

	event, payload := h.cellEventForClient(events.Message{Type: "cell", Payload: cell})
	assert.Equal(t, "cell_removed", event)
	removed, ok := payload.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, cell.ID, removed["id"])
}

func TestCellStreamPassesRemovalsThrough(t *testing.T) {
	h, _ := newStreamsFixture(t)

	msg := events.Message{Type: "cell_removed", Payload: map[string]string{"id": "c1"}}
	event, payload := h.cellEventForClient(msg)
	assert.Equal(t, "cell_removed", event)
	assert.Equal(t, msg.Payload, payload)
}
