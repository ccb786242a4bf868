package store

import (
	"context"
	"fmt"
	"time"

	"github.com/clawdeck/clawdeck/internal/mission/models"
)

// AddMissionDependency records that missionID cannot start until dependsOnID
// has completed. Inserting the same edge twice is a no-op.
func (r *Repository) AddMissionDependency(ctx context.Context, missionID, dependsOnID string) error {
	if missionID == dependsOnID {
		return &models.InvariantViolationError{
			Entity: "mission " + missionID,
			Reason: "a mission cannot depend on itself",
		}
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO mission_dependencies (mission_id, depends_on_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(mission_id, depends_on_id) DO NOTHING
	`), missionID, dependsOnID, time.Now().UTC())
	return err
}

// ListMissionDependencies returns the IDs of the missions the given mission
// depends on.
func (r *Repository) ListMissionDependencies(ctx context.Context, missionID string) ([]string, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT depends_on_id FROM mission_dependencies WHERE mission_id = ? ORDER BY created_at ASC
	`), missionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// ListMissionDependents returns the IDs of the missions that depend on the
// given mission.
func (r *Repository) ListMissionDependents(ctx context.Context, missionID string) ([]string, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT mission_id FROM mission_dependencies WHERE depends_on_id = ? ORDER BY created_at ASC
	`), missionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

// RemoveMissionDependency deletes one dependency edge.
func (r *Repository) RemoveMissionDependency(ctx context.Context, missionID, dependsOnID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM mission_dependencies WHERE mission_id = ? AND depends_on_id = ?
	`), missionID, dependsOnID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("dependency %s -> %s: %w", missionID, dependsOnID, models.ErrNotFound)
	}
	return nil
}
