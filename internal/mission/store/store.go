// Package store provides the relational persistence layer for missions,
// agents, and team chat. It works against SQLite (default) and PostgreSQL
// through the shared db pool.
package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/clawdeck/clawdeck/internal/db/dialect"
)

// Repository provides mission, agent, and team chat storage operations.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewWithDB creates a repository on existing writer and reader connections
// (shared ownership; the caller closes them).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// DB returns the underlying writer for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

func (r *Repository) initSchema() error {
	// Auto-assigned insertion order for the append-only chat stream.
	seqColumn := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(r.db.DriverName()) {
		seqColumn = "seq BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS missions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT DEFAULT '',
			status TEXT NOT NULL DEFAULT 'queue',
			priority TEXT NOT NULL DEFAULT 'general',
			parent_id TEXT DEFAULT '',
			agent_id TEXT DEFAULT '',
			files_scope TEXT DEFAULT '[]',
			branch TEXT DEFAULT '',
			plan_json TEXT DEFAULT '',
			source TEXT NOT NULL DEFAULT 'manual',
			source_message_id TEXT DEFAULT '',
			review_status TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_missions_parent_id ON missions(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_missions_agent_id ON missions(agent_id)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'sub',
			status TEXT NOT NULL DEFAULT 'idle',
			parent_agent_id TEXT DEFAULT '',
			model TEXT DEFAULT '',
			system_prompt TEXT DEFAULT '',
			worktree_path TEXT DEFAULT '',
			git_branch TEXT DEFAULT '',
			current_task TEXT DEFAULT '',
			load INTEGER DEFAULT 0,
			retry_count INTEGER DEFAULT 0,
			deployment_id TEXT DEFAULT '',
			agent_template TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_type ON agents(type)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_parent ON agents(parent_agent_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chat_messages (
			%s,
			id TEXT NOT NULL UNIQUE,
			mission_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'system',
			sender TEXT DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, seqColumn),
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_mission ON chat_messages(mission_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			deployment_id TEXT NOT NULL,
			session_key TEXT NOT NULL,
			title TEXT DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_sessions_deploy_key ON chat_sessions(deployment_id, session_key)`,

		`CREATE TABLE IF NOT EXISTS mission_dependencies (
			mission_id TEXT NOT NULL,
			depends_on_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (mission_id, depends_on_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mission_deps_depends_on ON mission_dependencies(depends_on_id)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
