package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/events/bus"
	"github.com/clawdeck/clawdeck/internal/mission/models"
)

// publishMissionEvent publishes mission snapshots to the event bus.
func (s *Service) publishMissionEvent(ctx context.Context, eventType string, mission *models.Mission, oldStatus *models.MissionStatus) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"mission_id":  mission.ID,
		"title":       mission.Title,
		"description": mission.Description,
		"status":      string(mission.Status),
		"priority":    string(mission.Priority),
		"parent_id":   mission.ParentID,
		"agent_id":    mission.AgentID,
		"branch":      mission.Branch,
		"source":      string(mission.Source),
		"created_at":  mission.CreatedAt.Format(time.RFC3339),
	}
	if len(mission.FilesScope) > 0 {
		data["files_scope"] = mission.FilesScope
	}
	if mission.ReviewStatus != "" {
		data["review_status"] = string(mission.ReviewStatus)
	}
	if mission.StartedAt != nil {
		data["started_at"] = mission.StartedAt.Format(time.RFC3339)
	}
	if mission.CompletedAt != nil {
		data["completed_at"] = mission.CompletedAt.Format(time.RFC3339)
	}
	if oldStatus != nil {
		data["old_status"] = string(*oldStatus)
		data["new_status"] = string(mission.Status)
	}

	event := bus.NewEvent(eventType, "mission-service", data)

	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Error("failed to publish mission event",
			zap.String("event_type", eventType),
			zap.String("mission_id", mission.ID),
			zap.Error(err))
	}
}

// publishMissionDeleted publishes the tombstone for a removed mission.
func (s *Service) publishMissionDeleted(ctx context.Context, missionID string) {
	if s.eventBus == nil {
		return
	}

	event := bus.NewEvent(events.MissionUpdated, "mission-service", map[string]interface{}{
		"mission_id": missionID,
		"deleted":    true,
	})
	if err := s.eventBus.Publish(ctx, events.MissionUpdated, event); err != nil {
		s.logger.Error("failed to publish mission delete event",
			zap.String("mission_id", missionID),
			zap.Error(err))
	}
}

func (s *Service) publishAgentEvent(ctx context.Context, eventType string, agent *models.Agent) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"agent_id":   agent.ID,
		"name":       agent.Name,
		"type":       string(agent.Type),
		"status":     string(agent.Status),
		"model":      agent.Model,
		"load":       agent.Load,
		"created_at": agent.CreatedAt.Format(time.RFC3339),
		"updated_at": agent.UpdatedAt.Format(time.RFC3339),
	}
	if agent.ParentAgentID != "" {
		data["parent_agent_id"] = agent.ParentAgentID
	}
	if agent.CurrentTask != "" {
		data["current_task"] = agent.CurrentTask
	}
	if agent.DeploymentID != "" {
		data["deployment_id"] = agent.DeploymentID
	}

	event := bus.NewEvent(eventType, "mission-service", data)

	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Error("failed to publish agent event",
			zap.String("event_type", eventType),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
}

func (s *Service) publishAgentDeleted(ctx context.Context, agentID string) {
	if s.eventBus == nil {
		return
	}

	event := bus.NewEvent(events.AgentDeleted, "mission-service", map[string]interface{}{
		"agent_id": agentID,
	})
	if err := s.eventBus.Publish(ctx, events.AgentDeleted, event); err != nil {
		s.logger.Error("failed to publish agent delete event",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

func (s *Service) publishChatMessageEvent(ctx context.Context, eventType string, message *models.ChatMessage) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"message_id": message.ID,
		"seq":        message.Seq,
		"mission_id": message.MissionID,
		"role":       string(message.Role),
		"sender":     message.Sender,
		"content":    message.Content,
		"created_at": message.CreatedAt.Format(time.RFC3339),
	}

	event := bus.NewEvent(eventType, "mission-service", data)

	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Error("failed to publish chat message event",
			zap.String("event_type", eventType),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}
