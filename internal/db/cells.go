package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hivedev/hive/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

const cellColumns = `id, workspace_id, workspace_root_path, workspace_path, branch_name,
	base_commit, template_id, name, description, status, opencode_session_id,
	last_setup_error, created_at`

func scanCell(row interface{ Scan(...interface{}) error }) (*models.Cell, error) {
	var c models.Cell
	var sessionID, setupErr sql.NullString
	var createdAt string
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.WorkspaceRootPath, &c.WorkspacePath,
		&c.BranchName, &c.BaseCommit, &c.TemplateID, &c.Name, &c.Description,
		&c.Status, &sessionID, &setupErr, &createdAt)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		c.OpencodeSessionID = &sessionID.String
	}
	if setupErr.Valid {
		c.LastSetupError = &setupErr.String
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// CreateCell inserts a new cell row.
func (s *Store) CreateCell(c *models.Cell) error {
	_, err := s.db.Exec(`INSERT INTO cells (`+cellColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.WorkspaceRootPath, c.WorkspacePath, c.BranchName,
		c.BaseCommit, c.TemplateID, c.Name, c.Description, c.Status,
		nullableString(c.OpencodeSessionID), nullableString(c.LastSetupError),
		formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert cell: %w", err)
	}
	return nil
}

// GetCell loads one cell by id.
func (s *Store) GetCell(id string) (*models.Cell, error) {
	row := s.db.QueryRow(`SELECT `+cellColumns+` FROM cells WHERE id = ?`, id)
	c, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cell: %w", err)
	}
	return c, nil
}

// ListCellsByWorkspace returns the workspace's cells ordered by creation time.
// Cells in the deleting state are excluded.
func (s *Store) ListCellsByWorkspace(workspaceID string) ([]*models.Cell, error) {
	rows, err := s.db.Query(`SELECT `+cellColumns+` FROM cells
		WHERE workspace_id = ? AND status != ? ORDER BY created_at ASC`,
		workspaceID, models.CellStatusDeleting)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()
	return collectCells(rows)
}

// ListCellsByStatus returns every cell currently in the given status. Used by
// the boot resumer to find interrupted provisioning and deletion attempts.
func (s *Store) ListCellsByStatus(status models.CellStatus) ([]*models.Cell, error) {
	rows, err := s.db.Query(`SELECT `+cellColumns+` FROM cells WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list cells by status: %w", err)
	}
	defer rows.Close()
	return collectCells(rows)
}

func collectCells(rows *sql.Rows) ([]*models.Cell, error) {
	var cells []*models.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// UpdateCellStatus flips the cell's status. When clearError is true the
// last_setup_error column is reset.
func (s *Store) UpdateCellStatus(id string, status models.CellStatus, clearError bool) error {
	var err error
	if clearError {
		_, err = s.db.Exec(`UPDATE cells SET status = ?, last_setup_error = NULL WHERE id = ?`, status, id)
	} else {
		_, err = s.db.Exec(`UPDATE cells SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update cell status: %w", err)
	}
	return nil
}

// MarkCellError sets status=error with a diagnostic.
func (s *Store) MarkCellError(id, details string) error {
	_, err := s.db.Exec(`UPDATE cells SET status = ?, last_setup_error = ? WHERE id = ?`,
		models.CellStatusError, details, id)
	if err != nil {
		return fmt.Errorf("mark cell error: %w", err)
	}
	return nil
}

// SetCellWorktree records the worktree coordinates after a successful create.
func (s *Store) SetCellWorktree(id, path, branch, baseCommit string) error {
	_, err := s.db.Exec(`UPDATE cells SET workspace_path = ?, branch_name = ?, base_commit = ? WHERE id = ?`,
		path, branch, baseCommit, id)
	if err != nil {
		return fmt.Errorf("set cell worktree: %w", err)
	}
	return nil
}

// SetCellOpencodeSession records the agent session id on the cell.
func (s *Store) SetCellOpencodeSession(id, sessionID string) error {
	_, err := s.db.Exec(`UPDATE cells SET opencode_session_id = ? WHERE id = ?`, sessionID, id)
	if err != nil {
		return fmt.Errorf("set cell session: %w", err)
	}
	return nil
}

// DeleteCell removes the cell row; service, provisioning, activity, and
// timing rows cascade.
func (s *Store) DeleteCell(id string) error {
	res, err := s.db.Exec(`DELETE FROM cells WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cell: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProvisioningState inserts the 1:1 provisioning row, keeping any
// existing row untouched (no-op on conflict so retries are idempotent).
func (s *Store) UpsertProvisioningState(p *models.ProvisioningState) error {
	_, err := s.db.Exec(`INSERT INTO cell_provisioning_states
		(cell_id, model_id_override, provider_id_override, start_mode, started_at, finished_at, attempt_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cell_id) DO NOTHING`,
		p.CellID, nullableString(p.ModelIDOverride), nullableString(p.ProviderIDOverride),
		p.StartMode, nullableTime(p.StartedAt), nullableTime(p.FinishedAt), p.AttemptCount)
	if err != nil {
		return fmt.Errorf("upsert provisioning state: %w", err)
	}
	return nil
}

// GetProvisioningState loads the 1:1 provisioning row for a cell.
func (s *Store) GetProvisioningState(cellID string) (*models.ProvisioningState, error) {
	row := s.db.QueryRow(`SELECT cell_id, model_id_override, provider_id_override,
		start_mode, started_at, finished_at, attempt_count
		FROM cell_provisioning_states WHERE cell_id = ?`, cellID)

	var p models.ProvisioningState
	var modelID, providerID, startedAt, finishedAt sql.NullString
	err := row.Scan(&p.CellID, &modelID, &providerID, &p.StartMode, &startedAt, &finishedAt, &p.AttemptCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get provisioning state: %w", err)
	}
	if modelID.Valid {
		p.ModelIDOverride = &modelID.String
	}
	if providerID.Valid {
		p.ProviderIDOverride = &providerID.String
	}
	if startedAt.Valid {
		t := parseTime(startedAt.String)
		p.StartedAt = &t
	}
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		p.FinishedAt = &t
	}
	return &p, nil
}

// BeginAttempt increments attempt_count, stamps started_at, and clears
// finished_at. Returns the new attempt number.
func (s *Store) BeginAttempt(cellID string, now time.Time) (int, error) {
	_, err := s.db.Exec(`UPDATE cell_provisioning_states
		SET attempt_count = attempt_count + 1, started_at = ?, finished_at = NULL
		WHERE cell_id = ?`, formatTime(now), cellID)
	if err != nil {
		return 0, fmt.Errorf("begin attempt: %w", err)
	}
	var attempt int
	if err := s.db.QueryRow(`SELECT attempt_count FROM cell_provisioning_states WHERE cell_id = ?`, cellID).Scan(&attempt); err != nil {
		return 0, fmt.Errorf("read attempt count: %w", err)
	}
	return attempt, nil
}

// FinishAttempt stamps finished_at on the provisioning row.
func (s *Store) FinishAttempt(cellID string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE cell_provisioning_states SET finished_at = ? WHERE cell_id = ?`,
		formatTime(now), cellID)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	return nil
}
