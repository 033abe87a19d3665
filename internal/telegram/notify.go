// Package telegram forwards integration failures to an operator chat.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/models"
)

// Sender delivers a text message to a chat.
type Sender interface {
	SendMessage(chatID int64, text string) error
}

// BotClient adapts tgbotapi.BotAPI to Sender.
type BotClient struct {
	bot *tgbotapi.BotAPI
}

// NewBotClient connects to the Bot API. An empty endpoint uses the public
// one, a nil client gets a 10 second timeout.
func NewBotClient(token, endpoint string, client *http.Client) (*BotClient, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(strings.TrimSpace(token), endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &BotClient{bot: bot}, nil
}

// SendMessage sends a plain text message to the specified chat.
func (c *BotClient) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	_, err := c.bot.Send(msg)
	return err
}

var _ Sender = (*BotClient)(nil)

// Notifier posts runner-opened integration notifications to one chat.
type Notifier struct {
	sender Sender
	chatID int64
	logger *logging.Logger
}

// NewNotifier creates a notifier. A nil logger discards output.
func NewNotifier(sender Sender, chatID int64, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{sender: sender, chatID: chatID, logger: logger}
}

// FromConfig returns nil when the section is disabled.
func FromConfig(cfg config.TelegramConfig, logger *logging.Logger) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := NewBotClient(cfg.BotToken, cfg.APIEndpoint, nil)
	if err != nil {
		return nil, err
	}
	return NewNotifier(client, cfg.ChatID, logger), nil
}

// NotifyIntegrationFailure sends the notification text with the
// integration it belongs to.
func (n *Notifier) NotifyIntegrationFailure(ctx context.Context, in *models.Integration, note *models.Notification) error {
	if n == nil || n.sender == nil || n.chatID == 0 || note == nil {
		return nil
	}
	if err := n.sender.SendMessage(n.chatID, FormatFailure(in, note)); err != nil {
		n.logger.WarnWithContext(ctx, "telegram notification failed", "notification_id", note.ID, "error", err.Error())
		return fmt.Errorf("telegram: %w", err)
	}
	n.logger.DebugWithContext(ctx, "telegram notification sent", "notification_id", note.ID)
	return nil
}

// FormatFailure renders one notification as a chat message.
func FormatFailure(in *models.Integration, note *models.Notification) string {
	var b strings.Builder
	b.WriteString("⚠️ Integration failure\n")
	if in != nil {
		fmt.Fprintf(&b, "Owner: %s\n", in.OwnerID)
		fmt.Fprintf(&b, "Integration: %s (%s)\n", in.ID, in.Driver)
	}
	b.WriteString(note.Message)
	return b.String()
}
