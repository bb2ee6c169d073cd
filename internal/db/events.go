package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hivedev/hive/internal/models"
)

// InsertTimingEvent appends one timing row.
func (s *Store) InsertTimingEvent(ev *models.TimingEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal timing metadata: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO cell_timing_events
		(id, cell_id, run_id, workflow, step, status, duration_ms, attempt, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CellID, ev.RunID, ev.Workflow, ev.Step, ev.Status,
		ev.DurationMs, nullableInt(ev.Attempt), string(metadata), formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert timing event: %w", err)
	}
	return nil
}

// ListTimingEvents returns timing rows for a cell ordered by creation time.
// workflow filters to create or delete runs; empty or "all" returns both.
func (s *Store) ListTimingEvents(cellID string, workflow string) ([]*models.TimingEvent, error) {
	query := `SELECT id, cell_id, run_id, workflow, step, status, duration_ms, attempt, metadata, created_at
		FROM cell_timing_events WHERE cell_id = ?`
	args := []interface{}{cellID}
	if workflow != "" && workflow != "all" {
		query += ` AND workflow = ?`
		args = append(args, workflow)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timing events: %w", err)
	}
	defer rows.Close()

	var events []*models.TimingEvent
	for rows.Next() {
		var ev models.TimingEvent
		var attempt *int
		var metadata, createdAt string
		if err := rows.Scan(&ev.ID, &ev.CellID, &ev.RunID, &ev.Workflow, &ev.Step,
			&ev.Status, &ev.DurationMs, &attempt, &metadata, &createdAt); err != nil {
			return nil, err
		}
		ev.Attempt = attempt
		_ = json.Unmarshal([]byte(metadata), &ev.Metadata)
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// ListGlobalTimingEvents returns the most recent timing rows across all cells.
func (s *Store) ListGlobalTimingEvents(limit int) ([]*models.TimingEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT id, cell_id, run_id, workflow, step, status, duration_ms, attempt, metadata, created_at
		FROM cell_timing_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list global timing events: %w", err)
	}
	defer rows.Close()

	var events []*models.TimingEvent
	for rows.Next() {
		var ev models.TimingEvent
		var attempt *int
		var metadata, createdAt string
		if err := rows.Scan(&ev.ID, &ev.CellID, &ev.RunID, &ev.Workflow, &ev.Step,
			&ev.Status, &ev.DurationMs, &attempt, &metadata, &createdAt); err != nil {
			return nil, err
		}
		ev.Attempt = attempt
		_ = json.Unmarshal([]byte(metadata), &ev.Metadata)
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// InsertActivityEvent appends one audit row.
func (s *Store) InsertActivityEvent(ev *models.ActivityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return fmt.Errorf("marshal activity detail: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO cell_activity_events
		(id, cell_id, kind, source, tool, audit_event, service_name, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CellID, ev.Kind, ev.Source, ev.Tool, ev.AuditEvent,
		ev.ServiceName, string(detail), formatTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	return nil
}

// ActivityCursor is an opaque pagination cursor of the form "<createdAt>|<id>".
func ActivityCursor(ev *models.ActivityEvent) string {
	return formatTime(ev.CreatedAt) + "|" + ev.ID
}

// ListActivityEvents returns up to limit audit rows for a cell, newest first,
// starting strictly after the given cursor.
func (s *Store) ListActivityEvents(cellID, cursor string, limit int) ([]*models.ActivityEvent, error) {
	query := `SELECT id, cell_id, kind, source, tool, audit_event, service_name, detail, created_at
		FROM cell_activity_events WHERE cell_id = ?`
	args := []interface{}{cellID}
	if cursor != "" {
		parts := strings.SplitN(cursor, "|", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed cursor %q", cursor)
		}
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, parts[0], parts[0], parts[1])
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activity events: %w", err)
	}
	defer rows.Close()

	var events []*models.ActivityEvent
	for rows.Next() {
		var ev models.ActivityEvent
		var detail, createdAt string
		if err := rows.Scan(&ev.ID, &ev.CellID, &ev.Kind, &ev.Source, &ev.Tool,
			&ev.AuditEvent, &ev.ServiceName, &detail, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(detail), &ev.Detail)
		ev.CreatedAt = parseTime(createdAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
