package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/events"
	"github.com/clawdeck/clawdeck/internal/mission/models"
)

// Team chat operations

// AppendChatMessage appends a message to a mission's chat stream and
// publishes a chat:message event.
func (s *Service) AppendChatMessage(ctx context.Context, req *AppendChatMessageRequest) (*models.ChatMessage, error) {
	if _, err := s.repo.GetMission(ctx, req.MissionID); err != nil {
		return nil, err
	}

	message := &models.ChatMessage{
		MissionID: req.MissionID,
		Role:      req.Role,
		Sender:    req.Sender,
		Content:   req.Content,
	}
	if err := s.repo.CreateChatMessage(ctx, message); err != nil {
		s.logger.Error("failed to append chat message",
			zap.String("mission_id", req.MissionID),
			zap.Error(err))
		return nil, err
	}

	s.publishChatMessageEvent(ctx, events.ChatMessage, message)
	return message, nil
}

// ListChatMessages returns a mission's chat in log order.
func (s *Service) ListChatMessages(ctx context.Context, missionID string, limit int) ([]*models.ChatMessage, error) {
	return s.repo.ListChatMessages(ctx, missionID, limit)
}

// ListChatMessagesAfter returns the messages appended after the given
// sequence number.
func (s *Service) ListChatMessagesAfter(ctx context.Context, missionID string, afterSeq int64) ([]*models.ChatMessage, error) {
	return s.repo.ListChatMessagesAfter(ctx, missionID, afterSeq)
}

// CountChatMessages returns the length of a mission's chat stream.
func (s *Service) CountChatMessages(ctx context.Context, missionID string) (int, error) {
	return s.repo.CountChatMessages(ctx, missionID)
}
