package service

import (
	"github.com/clawdeck/clawdeck/internal/mission/models"
)

// Request types

// CreateMissionRequest contains the data for creating a new mission.
type CreateMissionRequest struct {
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	Priority        models.MissionPriority `json:"priority,omitempty"`
	ParentID        string                 `json:"parent_id,omitempty"`
	AgentID         string                 `json:"agent_id,omitempty"`
	FilesScope      []string               `json:"files_scope,omitempty"`
	Branch          string                 `json:"branch,omitempty"`
	Source          models.MissionSource   `json:"source,omitempty"`
	SourceMessageID string                 `json:"source_message_id,omitempty"`
}

// UpdateMissionRequest contains the data for updating a mission. Nil fields
// are left unchanged.
type UpdateMissionRequest struct {
	Title           *string                 `json:"title,omitempty"`
	Description     *string                 `json:"description,omitempty"`
	Priority        *models.MissionPriority `json:"priority,omitempty"`
	ParentID        *string                 `json:"parent_id,omitempty"`
	AgentID         *string                 `json:"agent_id,omitempty"`
	FilesScope      []string                `json:"files_scope,omitempty"`
	Branch          *string                 `json:"branch,omitempty"`
	PlanJSON        *string                 `json:"plan_json,omitempty"`
	SourceMessageID *string                 `json:"source_message_id,omitempty"`
}

// CreateAgentRequest contains the data for registering an agent.
type CreateAgentRequest struct {
	Name          string             `json:"name"`
	Type          models.AgentType   `json:"type,omitempty"`
	ParentAgentID string             `json:"parent_agent_id,omitempty"`
	Model         string             `json:"model,omitempty"`
	SystemPrompt  string             `json:"system_prompt,omitempty"`
	WorktreePath  string             `json:"worktree_path,omitempty"`
	GitBranch     string             `json:"git_branch,omitempty"`
	DeploymentID  string             `json:"deployment_id,omitempty"`
	AgentTemplate string             `json:"agent_template,omitempty"`
	Status        models.AgentStatus `json:"status,omitempty"`
}

// UpdateAgentRequest contains the data for updating an agent. Nil fields are
// left unchanged.
type UpdateAgentRequest struct {
	Name          *string `json:"name,omitempty"`
	Model         *string `json:"model,omitempty"`
	SystemPrompt  *string `json:"system_prompt,omitempty"`
	WorktreePath  *string `json:"worktree_path,omitempty"`
	GitBranch     *string `json:"git_branch,omitempty"`
	CurrentTask   *string `json:"current_task,omitempty"`
	Load          *int    `json:"load,omitempty"`
	RetryCount    *int    `json:"retry_count,omitempty"`
	DeploymentID  *string `json:"deployment_id,omitempty"`
	AgentTemplate *string `json:"agent_template,omitempty"`
}

// AppendChatMessageRequest contains the data for appending a team chat
// message to a mission.
type AppendChatMessageRequest struct {
	MissionID string          `json:"mission_id"`
	Role      models.ChatRole `json:"role,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Content   string          `json:"content"`
}
