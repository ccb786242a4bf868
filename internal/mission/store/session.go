package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clawdeck/clawdeck/internal/common/ids"
	"github.com/clawdeck/clawdeck/internal/db/dialect"
	"github.com/clawdeck/clawdeck/internal/mission/models"
)

// UpsertChatSession inserts a session record, or refreshes the title and
// last-active time when one already exists for the deployment and key.
func (r *Repository) UpsertChatSession(ctx context.Context, s *models.ChatSession) error {
	if s.ID == "" {
		s.ID = ids.New()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastActiveAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO chat_sessions (id, deployment_id, session_key, title, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(deployment_id, session_key) DO UPDATE SET
			title = excluded.title,
			last_active_at = excluded.last_active_at
	`), s.ID, s.DeploymentID, s.SessionKey, s.Title, s.CreatedAt, s.LastActiveAt)
	return err
}

// TouchChatSession bumps the last-active time of a session using the
// database clock.
func (r *Repository) TouchChatSession(ctx context.Context, deploymentID, sessionKey string) error {
	query := fmt.Sprintf(`
		UPDATE chat_sessions SET last_active_at = %s WHERE deployment_id = ? AND session_key = ?
	`, dialect.Now(r.db.DriverName()))

	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), deploymentID, sessionKey)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("chat session %s/%s: %w", deploymentID, sessionKey, models.ErrNotFound)
	}
	return nil
}

// GetChatSessionByKey looks up a session by deployment and session key.
func (r *Repository) GetChatSessionByKey(ctx context.Context, deploymentID, sessionKey string) (*models.ChatSession, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, deployment_id, session_key, title, created_at, last_active_at
		FROM chat_sessions WHERE deployment_id = ? AND session_key = ?
	`), deploymentID, sessionKey)

	s, err := scanChatSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chat session %s/%s: %w", deploymentID, sessionKey, models.ErrNotFound)
	}
	return s, err
}

// ListChatSessions returns the sessions of a deployment, most recently
// active first. An empty deploymentID lists sessions across all deployments.
func (r *Repository) ListChatSessions(ctx context.Context, deploymentID string) ([]*models.ChatSession, error) {
	query := `
		SELECT id, deployment_id, session_key, title, created_at, last_active_at
		FROM chat_sessions
	`
	args := []interface{}{}
	if deploymentID != "" {
		query += ` WHERE deployment_id = ?`
		args = append(args, deploymentID)
	}
	query += ` ORDER BY last_active_at DESC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ChatSession
	for rows.Next() {
		s, err := scanChatSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// DeleteChatSession removes a session record.
func (r *Repository) DeleteChatSession(ctx context.Context, deploymentID, sessionKey string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM chat_sessions WHERE deployment_id = ? AND session_key = ?
	`), deploymentID, sessionKey)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("chat session %s/%s: %w", deploymentID, sessionKey, models.ErrNotFound)
	}
	return nil
}

func scanChatSession(row rowScanner) (*models.ChatSession, error) {
	s := &models.ChatSession{}
	err := row.Scan(
		&s.ID,
		&s.DeploymentID,
		&s.SessionKey,
		&s.Title,
		&s.CreatedAt,
		&s.LastActiveAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
