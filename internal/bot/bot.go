package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rolodex-crm/rolodex/internal/config"
)

// HTTPServer is the webhook server lifecycle the orchestrator drives.
// Start blocks until the server stops; Shutdown drains in-flight requests.
type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// Bot ties the long-running components together: the HTTP server that
// receives webhooks and the scheduler that runs background tasks.
type Bot struct {
	logger    *slog.Logger
	cfg       *config.Config
	srv       HTTPServer
	scheduler *Scheduler
}

// NewBot creates the orchestrator over an already wired server and
// scheduler.
func NewBot(logger *slog.Logger, cfg *config.Config, srv HTTPServer, scheduler *Scheduler) *Bot {
	return &Bot{
		logger:    logger.With("component", "bot_orchestrator"),
		cfg:       cfg,
		srv:       srv,
		scheduler: scheduler,
	}
}

// Run starts every component and blocks until the context is cancelled or
// one of them fails. Shutdown is graceful: in-flight webhook requests get
// drained and running scheduled jobs finish.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting bot orchestrator...")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.logger.Info("Starting HTTP server...", "addr", b.cfg.Server.Addr)

		if err := b.srv.Start(); err != nil {
			b.logger.Error("HTTP server failed", "error", err)
			return fmt.Errorf("http server failed: %w", err)
		}

		b.logger.Info("HTTP server stopped.")
		if gCtx.Err() == nil {
			return fmt.Errorf("http server stopped unexpectedly")
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := b.srv.Shutdown(shutdownCtx); err != nil {
			b.logger.Error("Error shutting down HTTP server", "error", err)
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		b.logger.Info("Starting scheduler...")
		if err := b.scheduler.Start(); err != nil {
			b.logger.Error("Failed to start scheduler", "error", err)
			return fmt.Errorf("failed to start scheduler: %w", err)
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping scheduler...")

		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}

		return nil
	})

	b.logger.Info("Bot orchestrator running. Waiting for shutdown signal or error...")
	err := g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Bot orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Bot orchestrator stopped gracefully.")
	return nil
}
