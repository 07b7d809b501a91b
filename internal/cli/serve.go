package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/rolodex-crm/rolodex/internal/bot"
	"github.com/rolodex-crm/rolodex/internal/bot/tasks"
	"github.com/rolodex-crm/rolodex/internal/channel"
	"github.com/rolodex-crm/rolodex/internal/channel/telegram"
	"github.com/rolodex-crm/rolodex/internal/channel/twilio"
	"github.com/rolodex-crm/rolodex/internal/config"
	"github.com/rolodex-crm/rolodex/internal/database"
	"github.com/rolodex-crm/rolodex/internal/logger"
	"github.com/rolodex-crm/rolodex/internal/parser"
	"github.com/rolodex-crm/rolodex/internal/server"
	"github.com/rolodex-crm/rolodex/internal/state"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and background scheduler",
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		return err
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		log.Error("Failed to connect to database", "driver", cfg.Database.Driver, "error", err)
		return err
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	st, err := state.NewBoltStore(cfg.State, nil, log)
	if err != nil {
		log.Error("Failed to open state store", "path", cfg.State.Path, "error", err)
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Error closing state store", "error", err)
		}
	}()

	p, err := parser.New(ctx, cfg.Gemini, cfg.Messages.CantUnderstand, log)
	if err != nil {
		log.Error("Failed to initialize parser", "error", err)
		return err
	}

	messenger, tgSender, err := buildMessenger(cfg, log)
	if err != nil {
		log.Error("Failed to initialize channels", "error", err)
		return err
	}
	if tgSender != nil && cfg.Telegram.WebhookURL != "" {
		if err := tgSender.RegisterWebhook(ctx, cfg.Telegram.WebhookURL, cfg.Telegram.SecretToken); err != nil {
			log.Error("Failed to register Telegram webhook", "url", cfg.Telegram.WebhookURL, "error", err)
			return err
		}
		log.Info("Telegram webhook registered", "url", cfg.Telegram.WebhookURL)
	}

	clock := clockwork.NewRealClock()
	gateway := bot.NewGateway(cfg, store, st, p, messenger, clock, log)
	scanner := bot.NewScanner(store, messenger, clock, cfg.Reminder.AdvanceDays, cfg.Pipeline.SendTimeout, log)
	srv := server.New(cfg, gateway, scanner, store, st, log)

	tDeps := tasks.TaskDeps{
		Logger: log,
		Store:  store,
		State:  st,
		RunSweep: func(ctx context.Context) error {
			_, err := scanner.Sweep(ctx)
			if errors.Is(err, bot.ErrSweepInFlight) {
				log.Info("Skipping scheduled sweep, one is already running")
				return nil
			}
			return err
		},
	}
	sched := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))

	app := bot.NewBot(log, cfg, srv, sched)

	log.Info("Starting Rolodex...")
	runErr := app.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Rolodex stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return runErr
	}

	log.Info("Rolodex stopped gracefully.")
	time.Sleep(time.Second)
	return nil
}

// buildMessenger constructs the outbound router from whichever channels the
// configuration enables. The Telegram sender comes back separately so serve
// can register the webhook.
func buildMessenger(cfg *config.Config, log *slog.Logger) (channel.Messenger, *telegram.Sender, error) {
	router := &channel.Router{}

	var tgSender *telegram.Sender
	if cfg.Telegram.Token != "" {
		sender, err := telegram.NewSender(cfg.Telegram.Token, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Telegram sender: %w", err)
		}
		tgSender = sender
		router.Telegram = sender
	}
	if cfg.Twilio.AccountSID != "" {
		router.SMS = twilio.NewSender(cfg.Twilio, log)
	}

	return router, tgSender, nil
}
