package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollBudget   = 180 * time.Second
	defaultQuietLimit   = 20
)

// ChatPollConfig tunes the response polling loop. Zero values use the
// defaults above.
type ChatPollConfig struct {
	// Interval between history polls.
	Interval time.Duration
	// Budget caps the total wait for a reply.
	Budget time.Duration
	// QuietLimit is the number of consecutive polls without new
	// history entries after which the loop gives up early.
	QuietLimit int
}

func (p ChatPollConfig) withDefaults() ChatPollConfig {
	if p.Interval <= 0 {
		p.Interval = defaultPollInterval
	}
	if p.Budget <= 0 {
		p.Budget = defaultPollBudget
	}
	if p.QuietLimit <= 0 {
		p.QuietLimit = defaultQuietLimit
	}
	return p
}

// SendAndWait submits a chat message and polls the session history
// until the model's reply appears, using the default polling budget.
func (c *Client) SendAndWait(ctx context.Context, sessionKey, content string) (string, error) {
	return c.SendAndWaitWith(ctx, sessionKey, content, ChatPollConfig{})
}

// SendAndWaitWith is SendAndWait with explicit polling parameters.
//
// A history entry counts as the reply only when the model field is set
// and the flattened text is non-empty; tool output and thinking-only
// entries are skipped. An assistant entry whose stop reason is "error"
// fails the wait immediately.
func (c *Client) SendAndWaitWith(ctx context.Context, sessionKey, content string, cfg ChatPollConfig) (string, error) {
	cfg = cfg.withDefaults()

	// Messages at or beyond this index are new. A history failure here
	// usually just means the session does not exist yet.
	baseline := 0
	if history, err := c.ChatHistory(ctx, sessionKey); err == nil {
		baseline = len(history)
	} else {
		c.logger.Debug("chat history baseline unavailable",
			zap.String("session_key", sessionKey),
			zap.Error(err))
	}

	ack, err := c.ChatSend(ctx, sessionKey, content, "")
	if err != nil {
		return "", err
	}
	c.logger.Debug("chat send accepted",
		zap.String("session_key", sessionKey),
		zap.String("run_id", ack.RunID),
		zap.String("status", ack.Status))

	deadline := time.Now().Add(cfg.Budget)
	lastCount := baseline
	quietPolls := 0

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(cfg.Interval):
		}

		history, err := c.ChatHistory(ctx, sessionKey)
		if err != nil {
			if errors.Is(err, ErrNotConnected) {
				return "", err
			}
			c.logger.Debug("chat history poll failed",
				zap.String("session_key", sessionKey),
				zap.Error(err))
			quietPolls++
			continue
		}

		if len(history) != lastCount {
			lastCount = len(history)
			quietPolls = 0
		} else {
			quietPolls++
		}

		reply, err := findReply(history, baseline)
		if err != nil {
			return "", err
		}
		if reply != "" {
			return reply, nil
		}

		if quietPolls >= cfg.QuietLimit {
			if text := latestAssistantText(history, baseline); text != "" {
				c.logger.Warn("chat went quiet, returning last assistant text",
					zap.String("session_key", sessionKey))
				return text, nil
			}
			return "", fmt.Errorf("chat reply in %s: quiet for %d polls: %w", sessionKey, quietPolls, ErrTimeout)
		}
	}

	return "", fmt.Errorf("chat reply in %s after %s: %w", sessionKey, cfg.Budget, ErrTimeout)
}

// findReply scans messages newer than baseline from newest to oldest
// for the model's reply. A run that stopped with an error surfaces as a
// RemoteError unless a newer real reply exists.
func findReply(history []ChatMessage, baseline int) (string, error) {
	for i := len(history) - 1; i >= baseline && i >= 0; i-- {
		msg := history[i]
		if msg.Role != "assistant" {
			continue
		}
		if msg.StopReason == "error" {
			message := msg.ErrorMessage
			if message == "" {
				message = "model run failed"
			}
			return "", &RemoteError{Code: "CHAT_RUN_FAILED", Message: message}
		}
		if msg.Model != "" {
			if text := strings.TrimSpace(msg.Text()); text != "" {
				return msg.Text(), nil
			}
		}
	}
	return "", nil
}

// latestAssistantText returns the newest non-empty assistant text at or
// beyond baseline, regardless of whether the model field was set.
func latestAssistantText(history []ChatMessage, baseline int) string {
	for i := len(history) - 1; i >= baseline && i >= 0; i-- {
		msg := history[i]
		if msg.Role != "assistant" {
			continue
		}
		if text := strings.TrimSpace(msg.Text()); text != "" {
			return msg.Text()
		}
	}
	return ""
}
