package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rolodex-crm/rolodex/internal/bot"
	"github.com/rolodex-crm/rolodex/internal/channel"
	"github.com/rolodex-crm/rolodex/internal/channel/telegram"
	"github.com/rolodex-crm/rolodex/internal/channel/twilio"
)

// handleTelegramWebhook receives Telegram updates. Processing happens
// inline; by the time the handler returns the pipeline has run and the
// reply, if any, went out through the send API.
func (s *Server) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	in, err := telegram.ParseWebhook(r, s.cfg.Telegram.SecretToken)
	if errors.Is(err, channel.ErrUnauthorized) {
		s.logger.Warn("Rejected Telegram webhook with bad secret token", "remote", r.RemoteAddr)
		WriteError(w, http.StatusUnauthorized, "bad secret token")
		return
	}
	if err != nil {
		WriteError(w, http.StatusBadRequest, "malformed update")
		return
	}
	if in == nil {
		// Not a text message update; acknowledge and move on.
		w.WriteHeader(http.StatusOK)
		return
	}

	s.gateway.HandleInbound(r.Context(), in)
	w.WriteHeader(http.StatusOK)
}

// handleSMSWebhook receives Twilio message webhooks. The response is an
// empty TwiML document: replies go out via the REST API, never inline.
func (s *Server) handleSMSWebhook(w http.ResponseWriter, r *http.Request) {
	in, err := twilio.ParseWebhook(r, s.cfg.Twilio.AuthToken, s.cfg.Twilio.WebhookURL, s.cfg.Twilio.ValidateSignature)
	if errors.Is(err, channel.ErrUnauthorized) {
		s.logger.Warn("Rejected SMS webhook with bad signature", "remote", r.RemoteAddr)
		WriteError(w, http.StatusUnauthorized, "bad signature")
		return
	}
	if err != nil {
		WriteError(w, http.StatusBadRequest, "malformed webhook")
		return
	}

	s.gateway.HandleInbound(r.Context(), in)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(twilio.EmptyTwiML)); err != nil {
		s.logger.Error("Failed to write TwiML response", "error", err)
	}
}

// handleReminderCron triggers one reminder sweep. The endpoint is meant
// for an external scheduler (Cloud Scheduler, cron) and is protected by a
// bearer token; with no token configured it refuses everything.
func (s *Server) handleReminderCron(w http.ResponseWriter, r *http.Request) {
	if !s.cronAuthorized(r) {
		WriteError(w, http.StatusUnauthorized, "missing or invalid token")
		return
	}

	report, err := s.scanner.Sweep(r.Context())
	if errors.Is(err, bot.ErrSweepInFlight) {
		WriteError(w, http.StatusConflict, "a sweep is already running")
		return
	}
	if err != nil {
		s.logger.Error("Reminder sweep failed", "error", err)
		WriteError(w, http.StatusInternalServerError, "sweep failed")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "completed",
		"users":    report.Users,
		"notified": report.Notified,
		"failures": report.Failures,
	})
}

func (s *Server) cronAuthorized(r *http.Request) bool {
	if s.cfg.Server.CronToken == "" {
		return false
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.CronToken)) == 1
}

// handleHealth reports liveness and reachability of both stores.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed to reach record store", "error", err)
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if err := s.state.Ping(ctx); err != nil {
		s.logger.Warn("Health check failed to reach state store", "error", err)
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	WriteJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
