package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hivedev/hive/internal/models"
)

const serviceColumns = `id, cell_id, name, type, command, cwd, env, port, pid,
	status, last_known_error, updated_at`

func scanService(row interface{ Scan(...interface{}) error }) (*models.CellService, error) {
	var svc models.CellService
	var env, updatedAt string
	var port, pid sql.NullInt64
	var lastErr sql.NullString
	err := row.Scan(&svc.ID, &svc.CellID, &svc.Name, &svc.Type, &svc.Command,
		&svc.Cwd, &env, &port, &pid, &svc.Status, &lastErr, &updatedAt)
	if err != nil {
		return nil, err
	}
	if env != "" {
		_ = json.Unmarshal([]byte(env), &svc.Env)
	}
	if port.Valid {
		p := int(port.Int64)
		svc.Port = &p
	}
	if pid.Valid {
		p := int(pid.Int64)
		svc.PID = &p
	}
	if lastErr.Valid {
		svc.LastKnownError = &lastErr.String
	}
	svc.UpdatedAt = parseTime(updatedAt)
	return &svc, nil
}

// InsertService adds one service row; a duplicate (cell_id, name) pair is a
// no-op so ensureCellServices stays idempotent.
func (s *Store) InsertService(svc *models.CellService) error {
	env, err := json.Marshal(svc.Env)
	if err != nil {
		return fmt.Errorf("marshal service env: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO cell_services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cell_id, name) DO NOTHING`,
		svc.ID, svc.CellID, svc.Name, svc.Type, svc.Command, svc.Cwd, string(env),
		nullableInt(svc.Port), nullableInt(svc.PID), svc.Status,
		nullableString(svc.LastKnownError), formatTime(svc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert service: %w", err)
	}
	return nil
}

// GetService loads one service row by id.
func (s *Store) GetService(id string) (*models.CellService, error) {
	row := s.db.QueryRow(`SELECT `+serviceColumns+` FROM cell_services WHERE id = ?`, id)
	svc, err := scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

// ListServices returns the cell's services ordered by name.
func (s *Store) ListServices(cellID string) ([]*models.CellService, error) {
	rows, err := s.db.Query(`SELECT `+serviceColumns+` FROM cell_services
		WHERE cell_id = ? ORDER BY name ASC`, cellID)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var services []*models.CellService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

// UpdateServiceState persists a service's status, pid, and error fields.
func (s *Store) UpdateServiceState(id string, status models.ServiceStatus, pid *int, lastKnownError *string) error {
	_, err := s.db.Exec(`UPDATE cell_services
		SET status = ?, pid = ?, last_known_error = ?, updated_at = ?
		WHERE id = ?`,
		status, nullableInt(pid), nullableString(lastKnownError), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update service state: %w", err)
	}
	return nil
}
