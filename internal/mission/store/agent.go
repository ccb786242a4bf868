package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/clawdeck/clawdeck/internal/common/ids"
	"github.com/clawdeck/clawdeck/internal/mission/models"
)

// CreateAgent inserts a new agent. At most one master agent may exist; a
// second master insert fails with an invariant violation.
func (r *Repository) CreateAgent(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.Type == "" {
		a.Type = models.AgentTypeSub
	}
	if a.Status == "" {
		a.Status = models.AgentStatusIdle
	}
	if !a.Status.Valid() {
		return &models.InvariantViolationError{
			Entity: "agent " + a.ID,
			Reason: fmt.Sprintf("unknown status %q", a.Status),
		}
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	rollback := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback agent insert: %w", rollbackErr)
		}
		return cause
	}

	if a.Type == models.AgentTypeMaster {
		var masters int
		if err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM agents WHERE type = ?`), models.AgentTypeMaster).Scan(&masters); err != nil {
			return rollback(err)
		}
		if masters > 0 {
			return rollback(&models.InvariantViolationError{
				Entity: "agent " + a.ID,
				Reason: "a master agent already exists",
			})
		}
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (id, name, type, status, parent_agent_id, model, system_prompt, worktree_path, git_branch, current_task, load, retry_count, deployment_id, agent_template, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.Name, a.Type, a.Status, a.ParentAgentID, a.Model, a.SystemPrompt, a.WorktreePath, a.GitBranch, a.CurrentTask, a.Load, a.RetryCount, a.DeploymentID, a.AgentTemplate, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return rollback(err)
	}

	return tx.Commit()
}

// GetAgent retrieves an agent by ID.
func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, type, status, parent_agent_id, model, system_prompt, worktree_path, git_branch, current_task, load, retry_count, deployment_id, agent_template, created_at, updated_at
		FROM agents WHERE id = ?
	`), id)

	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	return a, err
}

// GetMasterAgent returns the master agent, or ErrNotFound when none exists.
func (r *Repository) GetMasterAgent(ctx context.Context) (*models.Agent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, type, status, parent_agent_id, model, system_prompt, worktree_path, git_branch, current_task, load, retry_count, deployment_id, agent_template, created_at, updated_at
		FROM agents WHERE type = ? LIMIT 1
	`), models.AgentTypeMaster)

	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("master agent: %w", models.ErrNotFound)
	}
	return a, err
}

// UpdateAgent updates the mutable fields of an agent.
func (r *Repository) UpdateAgent(ctx context.Context, a *models.Agent) error {
	if !a.Status.Valid() {
		return &models.InvariantViolationError{
			Entity: "agent " + a.ID,
			Reason: fmt.Sprintf("unknown status %q", a.Status),
		}
	}
	a.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET name = ?, status = ?, parent_agent_id = ?, model = ?, system_prompt = ?, worktree_path = ?, git_branch = ?, current_task = ?, load = ?, retry_count = ?, deployment_id = ?, agent_template = ?, updated_at = ?
		WHERE id = ?
	`), a.Name, a.Status, a.ParentAgentID, a.Model, a.SystemPrompt, a.WorktreePath, a.GitBranch, a.CurrentTask, a.Load, a.RetryCount, a.DeploymentID, a.AgentTemplate, a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, models.ErrNotFound)
	}
	return nil
}

// UpdateAgentStatus sets the status of an agent, optionally with the task it
// is working on.
func (r *Repository) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, currentTask string) error {
	if !status.Valid() {
		return &models.InvariantViolationError{
			Entity: "agent " + id,
			Reason: fmt.Sprintf("unknown status %q", status),
		}
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents SET status = ?, current_task = ?, updated_at = ? WHERE id = ?
	`), status, currentTask, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// DeleteAgent removes an agent by ID.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// ListAgents returns all agents, oldest first.
func (r *Repository) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, name, type, status, parent_agent_id, model, system_prompt, worktree_path, git_branch, current_task, load, retry_count, deployment_id, agent_template, created_at, updated_at
		FROM agents ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAgents(rows)
}

// ListAgentsByStatus returns all agents in the given status, oldest first.
func (r *Repository) ListAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, name, type, status, parent_agent_id, model, system_prompt, worktree_path, git_branch, current_task, load, retry_count, deployment_id, agent_template, created_at, updated_at
		FROM agents WHERE status = ? ORDER BY created_at ASC
	`), status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAgents(rows)
}

// ListAgentChildren returns the sub-agents of a parent agent, oldest first.
func (r *Repository) ListAgentChildren(ctx context.Context, parentAgentID string) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, name, type, status, parent_agent_id, model, system_prompt, worktree_path, git_branch, current_task, load, retry_count, deployment_id, agent_template, created_at, updated_at
		FROM agents WHERE parent_agent_id = ? ORDER BY created_at ASC
	`), parentAgentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanAgents(rows)
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	a := &models.Agent{}
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Type,
		&a.Status,
		&a.ParentAgentID,
		&a.Model,
		&a.SystemPrompt,
		&a.WorktreePath,
		&a.GitBranch,
		&a.CurrentTask,
		&a.Load,
		&a.RetryCount,
		&a.DeploymentID,
		&a.AgentTemplate,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func scanAgents(rows *sql.Rows) ([]*models.Agent, error) {
	var result []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
