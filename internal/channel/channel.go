// Package channel defines the transport-neutral inbound message shape and
// the outbound messenger interface shared by the Telegram and SMS channels.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/rolodex-crm/rolodex/internal/database"
)

// Channel names.
const (
	ChannelTelegram = "telegram"
	ChannelSMS      = "sms"
)

// ErrUnauthorized reports a webhook request that failed channel
// authentication and must be rejected before any processing.
var ErrUnauthorized = errors.New("webhook authentication failed")

// Inbound is one normalized inbound message from any channel.
type Inbound struct {
	// Channel is ChannelTelegram or ChannelSMS.
	Channel string

	// MessageID is stable across transport retries of the same message:
	// "tg:<update_id>" for Telegram, the MessageSid for Twilio.
	MessageID string

	// SenderKey partitions all per-sender state: "<channel>/<address>".
	SenderKey string

	// Address is the raw channel address used for user lookup: the chat ID
	// for Telegram, the E.164 number for SMS.
	Address string

	Text string
}

// SenderKey builds the state key for one sender on one channel.
func SenderKey(channelName, address string) string {
	return channelName + "/" + address
}

// Messenger sends one outbound text to a user.
type Messenger interface {
	Send(ctx context.Context, user *database.User, text string) error
}

// Router picks the concrete messenger from the user's channel addresses,
// preferring Telegram. A nil field means that channel is not configured.
type Router struct {
	Telegram Messenger
	SMS      Messenger
}

// Send routes the text to the user's reachable channel.
func (r *Router) Send(ctx context.Context, user *database.User, text string) error {
	switch {
	case user.TelegramChatID != "" && r.Telegram != nil:
		return r.Telegram.Send(ctx, user, text)
	case user.Phone != "" && r.SMS != nil:
		return r.SMS.Send(ctx, user, text)
	}
	return fmt.Errorf("no reachable channel for user %s", user.ID)
}
