// Package twilio adapts Twilio SMS webhooks to the channel model and sends
// outbound messages through the Twilio REST API.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rolodex-crm/rolodex/internal/channel"
	"github.com/rolodex-crm/rolodex/internal/config"
	"github.com/rolodex-crm/rolodex/internal/database"
)

// SignatureHeader carries the request signature Twilio computes over the
// webhook URL and form parameters.
const SignatureHeader = "X-Twilio-Signature"

// EmptyTwiML is the response body that acknowledges an inbound SMS without
// sending an immediate reply. Replies go out through the REST API after the
// batch window instead.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// ParseWebhook authenticates and decodes one inbound SMS delivery.
// webhookURL must be the exact public URL Twilio posts to; the signature is
// computed over it, so the value behind a proxy comes from configuration,
// not from the request. A signature mismatch returns channel.ErrUnauthorized.
func ParseWebhook(r *http.Request, authToken, webhookURL string, validate bool) (*channel.Inbound, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse twilio form: %w", err)
	}

	if validate {
		expected := Signature(authToken, webhookURL, r.PostForm)
		got := r.Header.Get(SignatureHeader)
		if !hmac.Equal([]byte(got), []byte(expected)) {
			return nil, channel.ErrUnauthorized
		}
	}

	from := r.PostForm.Get("From")
	sid := r.PostForm.Get("MessageSid")
	if from == "" || sid == "" {
		return nil, fmt.Errorf("twilio form is missing From or MessageSid")
	}

	return &channel.Inbound{
		Channel:   channel.ChannelSMS,
		MessageID: sid,
		SenderKey: channel.SenderKey(channel.ChannelSMS, from),
		Address:   from,
		Text:      r.PostForm.Get("Body"),
	}, nil
}

// Signature computes the Twilio request signature: HMAC-SHA1 over the URL
// followed by every form parameter as key+value in key order, base64-encoded.
func Signature(authToken, requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(requestURL))
	for _, k := range keys {
		for _, v := range form[k] {
			mac.Write([]byte(k))
			mac.Write([]byte(v))
		}
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sender sends outbound SMS through the Twilio REST API.
type Sender struct {
	client     *resty.Client
	log        *slog.Logger
	accountSID string
	from       string
}

// NewSender creates a Twilio sender for the configured account.
func NewSender(cfg config.TwilioConfig, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := resty.New().
		SetBaseURL("https://api.twilio.com").
		SetBasicAuth(cfg.AccountSID, cfg.AuthToken).
		SetTimeout(30 * time.Second)

	return &Sender{
		client:     c,
		log:        log.With("component", "twilio_sender"),
		accountSID: cfg.AccountSID,
		from:       cfg.FromNumber,
	}
}

// Send delivers the text to the user's phone number.
func (s *Sender) Send(ctx context.Context, user *database.User, text string) error {
	if user.Phone == "" {
		return fmt.Errorf("user %s has no phone number", user.ID)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   user.Phone,
			"From": s.from,
			"Body": text,
		}).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", s.accountSID))
	if err != nil {
		s.log.ErrorContext(ctx, "Twilio request failed", "to", user.Phone, "error", err)
		return fmt.Errorf("twilio request failed: %w", err)
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		s.log.ErrorContext(ctx, "Twilio rejected message", "to", user.Phone, "status", resp.StatusCode(), "body", resp.String())
		return fmt.Errorf("twilio status %d: %s", resp.StatusCode(), resp.String())
	}

	s.log.DebugContext(ctx, "SMS sent", "to", user.Phone, "text_len", len(text))
	return nil
}
