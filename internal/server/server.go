// Package server exposes the HTTP surface: the channel webhooks, the
// reminder cron trigger, and the health check.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rolodex-crm/rolodex/internal/bot"
	"github.com/rolodex-crm/rolodex/internal/config"
	"github.com/rolodex-crm/rolodex/internal/database"
	"github.com/rolodex-crm/rolodex/internal/logger"
	"github.com/rolodex-crm/rolodex/internal/state"
)

// Server wraps the HTTP server and its routes.
type Server struct {
	logger  *slog.Logger
	cfg     *config.Config
	gateway *bot.Gateway
	scanner *bot.Scanner
	store   database.Store
	state   state.Store
	http    *http.Server
}

// New builds the server with all routes registered. The webhook routes are
// only mounted for channels that are configured.
func New(cfg *config.Config, gateway *bot.Gateway, scanner *bot.Scanner, store database.Store, st state.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		logger:  log.With("component", "server"),
		cfg:     cfg,
		gateway: gateway,
		scanner: scanner,
		store:   store,
		state:   st,
	}

	router := mux.NewRouter()
	router.Use(s.recoveryMiddleware)
	router.Use(mux.MiddlewareFunc(logger.Middleware(s.logger)))

	if cfg.Telegram.Token != "" {
		router.HandleFunc("/telegram-webhook", s.handleTelegramWebhook).Methods(http.MethodPost)
	}
	if cfg.Twilio.AccountSID != "" {
		router.HandleFunc("/sms-webhook", s.handleSMSWebhook).Methods(http.MethodPost)
	}
	router.HandleFunc("/reminder-cron", s.handleReminderCron).Methods(http.MethodPost)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Start listens and serves until Shutdown is called. A clean shutdown
// returns nil.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
