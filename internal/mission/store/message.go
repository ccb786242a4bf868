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

// CreateChatMessage appends a message to a mission's chat. The log is
// append-only; there is no update or delete. The returned message carries the
// database-assigned sequence number, which breaks ties between messages with
// equal timestamps.
func (r *Repository) CreateChatMessage(ctx context.Context, m *models.ChatMessage) error {
	if m.ID == "" {
		m.ID = ids.New()
	}
	if m.Role == "" {
		m.Role = models.ChatRoleUser
	}
	if !m.Role.Valid() {
		return &models.InvariantViolationError{
			Entity: "chat message " + m.ID,
			Reason: fmt.Sprintf("unknown role %q", m.Role),
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	seq, err := dialect.InsertReturningSeq(ctx, r.db, `
		INSERT INTO chat_messages (id, mission_id, role, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.MissionID, m.Role, m.Sender, m.Content, m.CreatedAt)
	if err != nil {
		return err
	}
	m.Seq = seq
	return nil
}

// GetChatMessage retrieves a single message by ID.
func (r *Repository) GetChatMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT seq, id, mission_id, role, sender, content, created_at
		FROM chat_messages WHERE id = ?
	`), id)

	m, err := scanChatMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chat message %s: %w", id, models.ErrNotFound)
	}
	return m, err
}

// ListChatMessages returns a mission's messages ordered by timestamp, with
// the insertion sequence breaking ties. A limit of 0 returns the full log.
func (r *Repository) ListChatMessages(ctx context.Context, missionID string, limit int) ([]*models.ChatMessage, error) {
	query := `
		SELECT seq, id, mission_id, role, sender, content, created_at
		FROM chat_messages WHERE mission_id = ? ORDER BY created_at ASC, seq ASC
	`
	args := []interface{}{missionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanChatMessages(rows)
}

// ListChatMessagesAfter returns the messages of a mission with a sequence
// number strictly greater than afterSeq, in log order. Pollers use this to
// pick up only what arrived since their last read.
func (r *Repository) ListChatMessagesAfter(ctx context.Context, missionID string, afterSeq int64) ([]*models.ChatMessage, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT seq, id, mission_id, role, sender, content, created_at
		FROM chat_messages WHERE mission_id = ? AND seq > ? ORDER BY created_at ASC, seq ASC
	`), missionID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanChatMessages(rows)
}

// CountChatMessages returns the number of messages in a mission's chat.
func (r *Repository) CountChatMessages(ctx context.Context, missionID string) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM chat_messages WHERE mission_id = ?
	`), missionID).Scan(&count)
	return count, err
}

func scanChatMessage(row rowScanner) (*models.ChatMessage, error) {
	m := &models.ChatMessage{}
	err := row.Scan(
		&m.Seq,
		&m.ID,
		&m.MissionID,
		&m.Role,
		&m.Sender,
		&m.Content,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanChatMessages(rows *sql.Rows) ([]*models.ChatMessage, error) {
	var result []*models.ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
