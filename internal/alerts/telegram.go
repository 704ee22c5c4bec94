// Package alerts sends trade notifications via the Telegram Bot API. Alerts
// are best-effort: a delivery failure never touches the trading path.
package alerts

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"symmetry-trader/internal/logger"
	"symmetry-trader/internal/types"
)

// Notifier delivers signal and trade alerts. A disabled notifier is a no-op.
type Notifier struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// New creates a Telegram notifier. Returns nil when enabled is false or the
// token is empty; all methods are safe on a nil receiver.
func New(enabled bool, botToken, chatID string) (*Notifier, error) {
	if !enabled || botToken == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	return &Notifier{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     3,
		retryDelayBase: time.Second,
	}, nil
}

// SignalCreated notifies about an accepted entry signal.
func (n *Notifier) SignalCreated(ctx context.Context, s types.Signal) {
	if n == nil {
		return
	}
	emoji := "🟢"
	if s.Direction == types.BuyPE {
		emoji = "🔴"
	}
	text := fmt.Sprintf("%s *Squeeze signal: %s*\nDirection: %s \\(score %d/4\\)\nIndex: %s\nOption: %s",
		emoji,
		escapeMarkdownV2(s.IndexName),
		escapeMarkdownV2(string(s.Direction)),
		s.Score,
		escapeMarkdownV2(fmt.Sprintf("%.2f", s.IndexPrice)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", s.OptionPrice)),
	)
	n.send(ctx, text)
}

// PositionClosed notifies about a closed trade with its reason and P&L.
func (n *Notifier) PositionClosed(ctx context.Context, p types.Position) {
	if n == nil {
		return
	}
	emoji := "✅"
	if p.RealizedPnL < 0 {
		emoji = "❌"
	}
	text := fmt.Sprintf("%s *Closed %s %s*\nReason: %s\nEntry: %s  Exit: %s\nP\\&L: %s",
		emoji,
		escapeMarkdownV2(p.IndexName),
		escapeMarkdownV2(string(p.Direction)),
		escapeMarkdownV2(string(p.CloseReason)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", p.EntryPrice)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", p.ExitPrice)),
		escapeMarkdownV2(fmt.Sprintf("%.2f", p.RealizedPnL)),
	)
	n.send(ctx, text)
}

// RiskEvent notifies about a tripped risk limit.
func (n *Notifier) RiskEvent(ctx context.Context, index, event string) {
	if n == nil {
		return
	}
	text := fmt.Sprintf("⚠️ *Risk event on %s*\n%s",
		escapeMarkdownV2(index), escapeMarkdownV2(event))
	n.send(ctx, text)
}

// send delivers with linear-backoff retry and never returns an error to the
// caller; failures are logged only.
func (n *Notifier) send(ctx context.Context, text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < n.maxRetries; i++ {
		if _, err := n.bot.Send(msg); err == nil {
			return
		} else {
			lastErr = err
		}
		time.Sleep(n.retryDelayBase * time.Duration(i+1))
	}
	logger.ErrorWithErr(ctx, "Telegram alert delivery failed", lastErr)
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
