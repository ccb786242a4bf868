// Package notify delivers short out-of-band completion notices.
package notify

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"

	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/common/stringutil"
)

// telegramMessageLimit stays under Telegram's 4096-character cap.
const telegramMessageLimit = 4000

// Notifier sends a short notice to wherever the operator watches.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Disabled is the no-op Notifier used when no channel is configured.
type Disabled struct{}

func (Disabled) Notify(context.Context, string) error { return nil }

type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Telegram sends notices to a fixed chat via the Bot API.
type Telegram struct {
	bot    sender
	chatID int64
}

// NewTelegram builds the notifier for cfg. A missing token or chat id
// yields the disabled notifier rather than an error; only a rejected
// token fails.
func NewTelegram(cfg config.TelegramConfig, log *logger.Logger) (Notifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		log.Info("telegram notifier disabled")
		return Disabled{}, nil
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Info("telegram notifier enabled", zap.Int64("chat_id", cfg.ChatID))
	return &Telegram{bot: bot, chatID: cfg.ChatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	msg := tu.Message(tu.ID(t.chatID), stringutil.Ellipsize(text, telegramMessageLimit))
	if _, err := t.bot.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send telegram notice: %w", err)
	}
	return nil
}

// TaskNotice renders an orchestrated-task completion notice: a status
// line, then an excerpt of the result or error when there is one.
func TaskNotice(id string, failed bool, detail string) string {
	head := fmt.Sprintf("Task %s completed", id)
	if failed {
		head = fmt.Sprintf("Task %s failed", id)
	}
	if detail == "" {
		return head
	}
	return head + "\n\n" + stringutil.Ellipsize(detail, 500)
}
