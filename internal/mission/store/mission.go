package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clawdeck/clawdeck/internal/common/ids"
	"github.com/clawdeck/clawdeck/internal/common/tracing"
	"github.com/clawdeck/clawdeck/internal/db/dialect"
	"github.com/clawdeck/clawdeck/internal/mission/models"
)

// CreateMission inserts a new mission. An empty ID is assigned, empty status,
// priority, and source fall back to their defaults.
func (r *Repository) CreateMission(ctx context.Context, m *models.Mission) error {
	if m.ID == "" {
		m.ID = ids.New()
	}
	if m.Status == "" {
		m.Status = models.MissionStatusQueue
	}
	if m.Priority == "" {
		m.Priority = models.PriorityGeneral
	}
	if m.Source == "" {
		m.Source = models.SourceManual
	}
	if !m.Status.Valid() {
		return &models.InvariantViolationError{
			Entity: "mission " + m.ID,
			Reason: fmt.Sprintf("unknown status %q", m.Status),
		}
	}
	m.CreatedAt = time.Now().UTC()

	filesScope, err := json.Marshal(m.FilesScope)
	if err != nil {
		filesScope = []byte("[]")
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO missions (id, title, description, status, priority, parent_id, agent_id, files_scope, branch, plan_json, source, source_message_id, review_status, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.Title, m.Description, m.Status, m.Priority, m.ParentID, m.AgentID, string(filesScope), m.Branch, m.PlanJSON, m.Source, m.SourceMessageID, m.ReviewStatus, m.CreatedAt, m.StartedAt, m.CompletedAt)
	return err
}

// GetMission retrieves a mission by ID.
func (r *Repository) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, title, description, status, priority, parent_id, agent_id, files_scope, branch, plan_json, source, source_message_id, review_status, created_at, started_at, completed_at
		FROM missions WHERE id = ?
	`), id)

	m, err := scanMission(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mission %s: %w", id, models.ErrNotFound)
	}
	return m, err
}

// UpdateMission updates the mutable fields of a mission. Terminal missions
// are immutable; status changes go through UpdateMissionStatus.
func (r *Repository) UpdateMission(ctx context.Context, m *models.Mission) error {
	current, err := r.getMissionStatus(ctx, m.ID)
	if err != nil {
		return err
	}
	if current.Terminal() {
		return &models.InvariantViolationError{
			Entity: "mission " + m.ID,
			Reason: fmt.Sprintf("mission is %s and immutable", current),
		}
	}

	filesScope, err := json.Marshal(m.FilesScope)
	if err != nil {
		filesScope = []byte("[]")
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE missions SET title = ?, description = ?, priority = ?, parent_id = ?, agent_id = ?, files_scope = ?, branch = ?, plan_json = ?, source_message_id = ?
		WHERE id = ?
	`), m.Title, m.Description, m.Priority, m.ParentID, m.AgentID, string(filesScope), m.Branch, m.PlanJSON, m.SourceMessageID, m.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("mission %s: %w", m.ID, models.ErrNotFound)
	}
	return nil
}

// UpdateMissionStatus advances a mission along queue -> active -> terminal,
// rejecting any other transition. Moving to active stamps started_at; moving
// to a terminal status stamps completed_at.
func (r *Repository) UpdateMissionStatus(ctx context.Context, id string, next models.MissionStatus) error {
	if !next.Valid() {
		return &models.InvariantViolationError{
			Entity: "mission " + id,
			Reason: fmt.Sprintf("unknown status %q", next),
		}
	}

	current, err := r.getMissionStatus(ctx, id)
	if err != nil {
		return err
	}
	if !current.CanTransitionTo(next) {
		return &models.InvariantViolationError{
			Entity: "mission " + id,
			From:   string(current),
			To:     string(next),
		}
	}

	now := time.Now().UTC()
	switch {
	case next == models.MissionStatusActive:
		_, err = r.db.ExecContext(ctx, r.db.Rebind(`UPDATE missions SET status = ?, started_at = ? WHERE id = ?`), next, now, id)
	case next.Terminal():
		_, err = r.db.ExecContext(ctx, r.db.Rebind(`UPDATE missions SET status = ?, completed_at = ? WHERE id = ?`), next, now, id)
	default:
		_, err = r.db.ExecContext(ctx, r.db.Rebind(`UPDATE missions SET status = ? WHERE id = ?`), next, id)
	}
	return err
}

// UpdateMissionReview records the automated review verdict on a sub-mission.
// Only missions with a parent can carry a review status.
func (r *Repository) UpdateMissionReview(ctx context.Context, id string, review models.ReviewStatus) error {
	var parentID string
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT parent_id FROM missions WHERE id = ?`), id).Scan(&parentID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("mission %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if parentID == "" {
		return &models.InvariantViolationError{
			Entity: "mission " + id,
			Reason: "review status is only set on sub-missions",
		}
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`UPDATE missions SET review_status = ? WHERE id = ?`), review, id)
	return err
}

// DeleteMission removes a mission together with its chat stream and
// dependency edges. Children are detached, not deleted.
func (r *Repository) DeleteMission(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	rollback := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback mission delete: %w", rollbackErr)
		}
		return cause
	}

	result, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM missions WHERE id = ?`), id)
	if err != nil {
		return rollback(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return rollback(fmt.Errorf("mission %s: %w", id, models.ErrNotFound))
	}

	if _, err := tx.ExecContext(ctx, r.db.Rebind(`UPDATE missions SET parent_id = '' WHERE parent_id = ?`), id); err != nil {
		return rollback(err)
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM chat_messages WHERE mission_id = ?`), id); err != nil {
		return rollback(err)
	}
	if _, err := tx.ExecContext(ctx, r.db.Rebind(`DELETE FROM mission_dependencies WHERE mission_id = ? OR depends_on_id = ?`), id, id); err != nil {
		return rollback(err)
	}

	return tx.Commit()
}

// ListMissions returns all missions, newest first.
func (r *Repository) ListMissions(ctx context.Context) ([]*models.Mission, error) {
	ctx, span := tracing.Tracer("clawdeck-db").Start(ctx, "db.ListMissions")
	defer span.End()

	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, title, description, status, priority, parent_id, agent_id, files_scope, branch, plan_json, source, source_message_id, review_status, created_at, started_at, completed_at
		FROM missions ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMissions(rows)
}

// ListMissionsByStatus returns all missions in the given status, newest first.
func (r *Repository) ListMissionsByStatus(ctx context.Context, status models.MissionStatus) ([]*models.Mission, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, title, description, status, priority, parent_id, agent_id, files_scope, branch, plan_json, source, source_message_id, review_status, created_at, started_at, completed_at
		FROM missions WHERE status = ? ORDER BY created_at DESC
	`), status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMissions(rows)
}

// ListMissionChildren returns the sub-missions of a parent, oldest first
// (plan order).
func (r *Repository) ListMissionChildren(ctx context.Context, parentID string) ([]*models.Mission, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, title, description, status, priority, parent_id, agent_id, files_scope, branch, plan_json, source, source_message_id, review_status, created_at, started_at, completed_at
		FROM missions WHERE parent_id = ? ORDER BY created_at ASC
	`), parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMissions(rows)
}

// SearchMissions returns missions whose title or description matches the
// query, newest first.
func (r *Repository) SearchMissions(ctx context.Context, query string, limit int) ([]*models.Mission, error) {
	ctx, span := tracing.Tracer("clawdeck-db").Start(ctx, "db.SearchMissions")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"
	like := dialect.Like(r.ro.DriverName())

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(fmt.Sprintf(`
		SELECT id, title, description, status, priority, parent_id, agent_id, files_scope, branch, plan_json, source, source_message_id, review_status, created_at, started_at, completed_at
		FROM missions
		WHERE title %s ? OR description %s ?
		ORDER BY created_at DESC
		LIMIT ?
	`, like, like)), pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMissions(rows)
}

// GetMissionStats aggregates per-status counts and the average wall-clock
// duration of completed missions.
func (r *Repository) GetMissionStats(ctx context.Context) (*models.MissionStats, error) {
	drv := r.ro.DriverName()
	stats := &models.MissionStats{}

	err := r.ro.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN status = 'queue' THEN 1 END),
			COUNT(CASE WHEN status = 'active' THEN 1 END),
			COUNT(CASE WHEN status = 'completed' THEN 1 END),
			COUNT(CASE WHEN status = 'failed' THEN 1 END)
		FROM missions
	`).Scan(&stats.Total, &stats.Queued, &stats.Active, &stats.Completed, &stats.Failed)
	if err != nil {
		return nil, err
	}

	// SQLite returns float from julianday math
	var avgDurationMs sql.NullFloat64
	query := fmt.Sprintf(`
		SELECT AVG(%s) FROM missions
		WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL
	`, dialect.DurationMs(drv, "completed_at", "started_at"))
	if err := r.ro.QueryRowContext(ctx, query).Scan(&avgDurationMs); err != nil {
		return nil, err
	}
	if avgDurationMs.Valid {
		stats.AvgDurationMs = int64(avgDurationMs.Float64)
	}

	return stats, nil
}

func (r *Repository) getMissionStatus(ctx context.Context, id string) (models.MissionStatus, error) {
	var status models.MissionStatus
	// Read through the writer so the check sees our own recent writes.
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT status FROM missions WHERE id = ?`), id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("mission %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMission(row rowScanner) (*models.Mission, error) {
	m := &models.Mission{}
	var filesScope string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&m.ID,
		&m.Title,
		&m.Description,
		&m.Status,
		&m.Priority,
		&m.ParentID,
		&m.AgentID,
		&filesScope,
		&m.Branch,
		&m.PlanJSON,
		&m.Source,
		&m.SourceMessageID,
		&m.ReviewStatus,
		&m.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		m.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.Time
	}
	_ = json.Unmarshal([]byte(filesScope), &m.FilesScope)
	return m, nil
}

func scanMissions(rows *sql.Rows) ([]*models.Mission, error) {
	var result []*models.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
