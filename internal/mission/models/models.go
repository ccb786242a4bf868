// Package models defines the mission, agent, and team chat entities tracked
// by the control plane.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a mission, agent, or message does not exist.
var ErrNotFound = errors.New("not found")

// InvariantViolationError reports an illegal state transition or a broken
// structural invariant (duplicate master, parent cycle). It indicates a bug
// in the caller, not a recoverable condition.
type InvariantViolationError struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invariant violation on %s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("invariant violation on %s: illegal transition %s -> %s", e.Entity, e.From, e.To)
}

// MissionStatus represents the Kanban column a mission sits in.
type MissionStatus string

const (
	MissionStatusQueue     MissionStatus = "queue"
	MissionStatusActive    MissionStatus = "active"
	MissionStatusCompleted MissionStatus = "completed"
	MissionStatusFailed    MissionStatus = "failed"
)

// Valid reports whether the status is one of the known values.
func (s MissionStatus) Valid() bool {
	switch s {
	case MissionStatusQueue, MissionStatusActive, MissionStatusCompleted, MissionStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status is final. Terminal missions are
// immutable except for administrative delete.
func (s MissionStatus) Terminal() bool {
	return s == MissionStatusCompleted || s == MissionStatusFailed
}

// CanTransitionTo reports whether the status may advance to next.
// The only legal sequence is queue -> active -> completed|failed.
func (s MissionStatus) CanTransitionTo(next MissionStatus) bool {
	switch s {
	case MissionStatusQueue:
		return next == MissionStatusActive
	case MissionStatusActive:
		return next == MissionStatusCompleted || next == MissionStatusFailed
	}
	return false
}

// MissionPriority is the urgency bucket shown on the board.
type MissionPriority string

const (
	PriorityGeneral MissionPriority = "general"
	PriorityUrgent  MissionPriority = "urgent"
)

// MissionSource records which entry point created the mission.
type MissionSource string

const (
	SourceManual      MissionSource = "manual"
	SourceTelegram    MissionSource = "telegram"
	SourceOrchestrate MissionSource = "orchestrate"
)

// ReviewStatus is set by the automated review of orchestrator sub-missions.
// Empty means not reviewed.
type ReviewStatus string

const (
	ReviewApproved         ReviewStatus = "approved"
	ReviewChangesRequested ReviewStatus = "changes_requested"
)

// Mission is a unit of work tracked on the board. Parent/child missions form
// a forest; sub-missions are spawned by orchestrator runs or remote agent
// spawns and link back via ParentID.
type Mission struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Status          MissionStatus   `json:"status"`
	Priority        MissionPriority `json:"priority"`
	ParentID        string          `json:"parent_id,omitempty"`
	AgentID         string          `json:"agent_id,omitempty"`
	FilesScope      []string        `json:"files_scope,omitempty"`
	Branch          string          `json:"branch,omitempty"`
	PlanJSON        string          `json:"plan_json,omitempty"`
	Source          MissionSource   `json:"source"`
	SourceMessageID string          `json:"source_message_id,omitempty"`
	ReviewStatus    ReviewStatus    `json:"review_status,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// AgentType distinguishes the single master from its sub-agents.
type AgentType string

const (
	AgentTypeMaster AgentType = "master"
	AgentTypeSub    AgentType = "sub"
)

// AgentStatus is the lifecycle state of an executor handle.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusActive    AgentStatus = "active"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusOffline   AgentStatus = "offline"
)

// Valid reports whether the status is one of the known values.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusActive, AgentStatusBusy,
		AgentStatusCompleted, AgentStatusFailed, AgentStatusOffline:
		return true
	}
	return false
}

// Agent is a handle to an executor: the master orchestrator, a locally
// modeled expert, or a mirror of a remote-spawned sub-session.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Type          AgentType   `json:"type"`
	Status        AgentStatus `json:"status"`
	ParentAgentID string      `json:"parent_agent_id,omitempty"`
	Model         string      `json:"model,omitempty"`
	SystemPrompt  string      `json:"system_prompt,omitempty"`
	WorktreePath  string      `json:"worktree_path,omitempty"`
	GitBranch     string      `json:"git_branch,omitempty"`
	CurrentTask   string      `json:"current_task,omitempty"`
	Load          int         `json:"load"`
	RetryCount    int         `json:"retry_count"`
	DeploymentID  string      `json:"deployment_id,omitempty"`
	AgentTemplate string      `json:"agent_template,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ChatRole identifies who authored a team chat message.
type ChatRole string

const (
	ChatRoleUser   ChatRole = "user"
	ChatRoleAgent  ChatRole = "agent"
	ChatRoleSystem ChatRole = "system"
)

// Valid reports whether the role is one of the known chat roles.
func (r ChatRole) Valid() bool {
	switch r {
	case ChatRoleUser, ChatRoleAgent, ChatRoleSystem:
		return true
	}
	return false
}

// ChatMessage is one entry in a mission's append-only team chat stream.
// Seq is assigned by the store on insert and fixes the ordering of messages
// that share a timestamp.
type ChatMessage struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq,omitempty"`
	MissionID string    `json:"mission_id"`
	Role      ChatRole  `json:"role"`
	Sender    string    `json:"sender,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSession maps a deployment to a remote gateway chat session key so the
// mention router and completion monitor can find their way back to a
// conversation after a restart.
type ChatSession struct {
	ID           string    `json:"id"`
	DeploymentID string    `json:"deployment_id"`
	SessionKey   string    `json:"session_key"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// MissionDependency records that a mission must wait for another to complete.
// The edges mirror the subtask DAG of the orchestrator plan that spawned the
// missions.
type MissionDependency struct {
	MissionID   string    `json:"mission_id"`
	DependsOnID string    `json:"depends_on_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// MissionStats aggregates board-level counters for the ops surface.
type MissionStats struct {
	Total         int   `json:"total"`
	Queued        int   `json:"queued"`
	Active        int   `json:"active"`
	Completed     int   `json:"completed"`
	Failed        int   `json:"failed"`
	AvgDurationMs int64 `json:"avg_duration_ms"`
}
