// Package teamchat is the append-only per-mission conversation stream.
// Operators, agents and the control plane itself all write to the same log,
// distinguished by role; messages are never updated or deleted.
package teamchat

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/mission/models"
	"github.com/clawdeck/clawdeck/internal/mission/service"
)

// SystemSender names the control plane in messages it writes about its own
// progress (planning milestones, failures, monitor outcomes).
const SystemSender = "system"

// Backend is the slice of the mission service the chat needs.
type Backend interface {
	AppendChatMessage(ctx context.Context, req *service.AppendChatMessageRequest) (*models.ChatMessage, error)
	ListChatMessages(ctx context.Context, missionID string, limit int) ([]*models.ChatMessage, error)
	ListChatMessagesAfter(ctx context.Context, missionID string, afterSeq int64) ([]*models.ChatMessage, error)
	CountChatMessages(ctx context.Context, missionID string) (int, error)
}

// Chat appends to and reads a mission's team chat. Persistence and the
// chat:message event publication happen in the backend; this layer owns role
// validation and the sender conventions.
type Chat struct {
	backend Backend
	logger  *logger.Logger
}

func New(backend Backend, log *logger.Logger) *Chat {
	if log == nil {
		log = logger.Default()
	}
	return &Chat{
		backend: backend,
		logger:  log.WithFields(zap.String("component", "teamchat")),
	}
}

// Append writes one message to a mission's chat. An empty role defaults to
// user; unknown roles are rejected before anything is persisted.
func (c *Chat) Append(ctx context.Context, missionID string, role models.ChatRole, sender, content string) (*models.ChatMessage, error) {
	if role == "" {
		role = models.ChatRoleUser
	}
	if !role.Valid() {
		return nil, &models.InvariantViolationError{
			Entity: "chat message for mission " + missionID,
			Reason: fmt.Sprintf("unknown role %q", role),
		}
	}
	return c.backend.AppendChatMessage(ctx, &service.AppendChatMessageRequest{
		MissionID: missionID,
		Role:      role,
		Sender:    sender,
		Content:   content,
	})
}

// System records a control plane notice in the mission's chat. Failures are
// logged and swallowed: a chat hiccup must never fail the operation being
// narrated.
func (c *Chat) System(ctx context.Context, missionID, content string) {
	if _, err := c.Append(ctx, missionID, models.ChatRoleSystem, SystemSender, content); err != nil {
		c.logger.Warn("failed to append system chat message",
			zap.String("mission_id", missionID),
			zap.Error(err))
	}
}

// FromAgent records a message authored by a named agent.
func (c *Chat) FromAgent(ctx context.Context, missionID, agentName, content string) (*models.ChatMessage, error) {
	return c.Append(ctx, missionID, models.ChatRoleAgent, agentName, content)
}

// FromUser records a message authored by a human operator.
func (c *Chat) FromUser(ctx context.Context, missionID, sender, content string) (*models.ChatMessage, error) {
	return c.Append(ctx, missionID, models.ChatRoleUser, sender, content)
}

// List returns a mission's full chat log ordered by timestamp, insertion
// order breaking ties.
func (c *Chat) List(ctx context.Context, missionID string) ([]*models.ChatMessage, error) {
	return c.backend.ListChatMessages(ctx, missionID, 0)
}

// ListAfter returns the messages appended after the given sequence number.
func (c *Chat) ListAfter(ctx context.Context, missionID string, afterSeq int64) ([]*models.ChatMessage, error) {
	return c.backend.ListChatMessagesAfter(ctx, missionID, afterSeq)
}

// Len returns the number of messages in a mission's chat.
func (c *Chat) Len(ctx context.Context, missionID string) (int, error) {
	return c.backend.CountChatMessages(ctx, missionID)
}
