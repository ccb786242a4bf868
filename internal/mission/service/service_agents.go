package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/mission/models"
)

// Agent operations

// CreateAgent registers an agent and publishes an agent:created event.
// Sub-agents are attached to the master: an explicit parent must be the
// master agent, and when no parent is given the current master is used.
func (s *Service) CreateAgent(ctx context.Context, req *CreateAgentRequest) (*models.Agent, error) {
	agent := &models.Agent{
		Name:          req.Name,
		Type:          req.Type,
		Status:        req.Status,
		ParentAgentID: req.ParentAgentID,
		Model:         req.Model,
		SystemPrompt:  req.SystemPrompt,
		WorktreePath:  req.WorktreePath,
		GitBranch:     req.GitBranch,
		DeploymentID:  req.DeploymentID,
		AgentTemplate: req.AgentTemplate,
	}
	if agent.Type == "" {
		agent.Type = models.AgentTypeSub
	}

	if agent.Type == models.AgentTypeSub {
		if agent.ParentAgentID != "" {
			parent, err := s.repo.GetAgent(ctx, agent.ParentAgentID)
			if err != nil {
				return nil, err
			}
			if parent.Type != models.AgentTypeMaster {
				return nil, &models.InvariantViolationError{
					Entity: "agent " + agent.Name,
					Reason: "sub-agent parent must be the master agent",
				}
			}
		} else if master, err := s.repo.GetMasterAgent(ctx); err == nil {
			agent.ParentAgentID = master.ID
		} else if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}

	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		s.logger.Error("failed to create agent", zap.Error(err))
		return nil, err
	}

	s.publishAgentEvent(ctx, events.AgentCreated, agent)
	s.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("type", string(agent.Type)))

	return agent, nil
}

// GetAgent retrieves an agent by ID.
func (s *Service) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

// GetMasterAgent returns the master agent.
func (s *Service) GetMasterAgent(ctx context.Context) (*models.Agent, error) {
	return s.repo.GetMasterAgent(ctx)
}

// ListAgents returns all registered agents.
func (s *Service) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return s.repo.ListAgents(ctx)
}

// ListAgentsByStatus returns agents in the given status.
func (s *Service) ListAgentsByStatus(ctx context.Context, status models.AgentStatus) ([]*models.Agent, error) {
	return s.repo.ListAgentsByStatus(ctx, status)
}

// UpdateAgent applies the provided fields to an agent and publishes an
// agent:updated event.
func (s *Service) UpdateAgent(ctx context.Context, id string, req *UpdateAgentRequest) (*models.Agent, error) {
	agent, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Model != nil {
		agent.Model = *req.Model
	}
	if req.SystemPrompt != nil {
		agent.SystemPrompt = *req.SystemPrompt
	}
	if req.WorktreePath != nil {
		agent.WorktreePath = *req.WorktreePath
	}
	if req.GitBranch != nil {
		agent.GitBranch = *req.GitBranch
	}
	if req.CurrentTask != nil {
		agent.CurrentTask = *req.CurrentTask
	}
	if req.Load != nil {
		agent.Load = *req.Load
	}
	if req.RetryCount != nil {
		agent.RetryCount = *req.RetryCount
	}
	if req.DeploymentID != nil {
		agent.DeploymentID = *req.DeploymentID
	}
	if req.AgentTemplate != nil {
		agent.AgentTemplate = *req.AgentTemplate
	}

	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}

	s.publishAgentEvent(ctx, events.AgentUpdated, agent)
	return agent, nil
}

// UpdateAgentStatus sets the status of an agent and publishes an
// agent:updated event.
func (s *Service) UpdateAgentStatus(ctx context.Context, id string, status models.AgentStatus, currentTask string) (*models.Agent, error) {
	if err := s.repo.UpdateAgentStatus(ctx, id, status, currentTask); err != nil {
		return nil, err
	}
	agent, err := s.repo.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	s.publishAgentEvent(ctx, events.AgentUpdated, agent)
	return agent, nil
}

// DeleteAgent removes an agent and publishes an agent:deleted event.
func (s *Service) DeleteAgent(ctx context.Context, id string) error {
	if err := s.repo.DeleteAgent(ctx, id); err != nil {
		return err
	}

	s.publishAgentDeleted(ctx, id)
	s.logger.Info("agent deleted", zap.String("agent_id", id))
	return nil
}
