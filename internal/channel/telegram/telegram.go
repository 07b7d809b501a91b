// Package telegram adapts Telegram webhook updates to the channel model and
// sends outbound replies through the Bot API.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/rolodex-crm/rolodex/internal/channel"
	"github.com/rolodex-crm/rolodex/internal/database"
)

// SecretTokenHeader carries the webhook secret Telegram echoes back on every
// delivery.
const SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// ParseWebhook authenticates and decodes one webhook delivery. It returns
// (nil, nil) for updates that carry no text message; those are acknowledged
// without processing. A secret token mismatch returns channel.ErrUnauthorized.
func ParseWebhook(r *http.Request, secretToken string) (*channel.Inbound, error) {
	if secretToken != "" {
		got := r.Header.Get(SecretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secretToken)) != 1 {
			return nil, channel.ErrUnauthorized
		}
	}

	var update models.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		return nil, fmt.Errorf("failed to decode telegram update: %w", err)
	}

	if update.Message == nil || update.Message.Text == "" {
		return nil, nil
	}

	address := strconv.FormatInt(update.Message.Chat.ID, 10)
	return &channel.Inbound{
		Channel:   channel.ChannelTelegram,
		MessageID: fmt.Sprintf("tg:%d", update.ID),
		SenderKey: channel.SenderKey(channel.ChannelTelegram, address),
		Address:   address,
		Text:      update.Message.Text,
	}, nil
}

// Sender sends outbound messages through the Telegram Bot API.
type Sender struct {
	bot *tgbot.Bot
	log *slog.Logger
}

// NewSender creates a Telegram sender for the given bot token.
func NewSender(token string, log *slog.Logger) (*Sender, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b, err := tgbot.New(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot client: %w", err)
	}

	return &Sender{
		bot: b,
		log: log.With("component", "telegram_sender"),
	}, nil
}

// Send delivers the text to the user's Telegram chat.
func (s *Sender) Send(ctx context.Context, user *database.User, text string) error {
	if user.TelegramChatID == "" {
		return fmt.Errorf("user %s has no telegram chat ID", user.ID)
	}

	chatID, err := strconv.ParseInt(user.TelegramChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat ID %q for user %s: %w", user.TelegramChatID, user.ID, err)
	}

	if _, err := s.bot.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		s.log.ErrorContext(ctx, "Failed to send telegram message", "chat_id", chatID, "error", err)
		return fmt.Errorf("failed to send telegram message: %w", err)
	}

	s.log.DebugContext(ctx, "Telegram message sent", "chat_id", chatID, "text_len", len(text))
	return nil
}

// RegisterWebhook points the bot's webhook at the given public URL. Telegram
// will echo the secret token in SecretTokenHeader on every delivery.
func (s *Sender) RegisterWebhook(ctx context.Context, webhookURL, secretToken string) error {
	ok, err := s.bot.SetWebhook(ctx, &tgbot.SetWebhookParams{
		URL:         webhookURL,
		SecretToken: secretToken,
	})
	if err != nil {
		return fmt.Errorf("failed to set telegram webhook: %w", err)
	}
	if !ok {
		return fmt.Errorf("telegram webhook registration was not confirmed")
	}

	s.log.InfoContext(ctx, "Telegram webhook registered", "url", webhookURL)
	return nil
}
