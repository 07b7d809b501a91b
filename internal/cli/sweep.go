package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rolodex-crm/rolodex/internal/bot"
	"github.com/rolodex-crm/rolodex/internal/config"
	"github.com/rolodex-crm/rolodex/internal/database"
	"github.com/rolodex-crm/rolodex/internal/logger"
)

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one reminder sweep and exit",
		Long: "Runs the daily reminder pass over all users once, sending due\n" +
			"notices, then exits. Useful for external cron setups and testing.",
		RunE: runSweep,
	})
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database)
	if err != nil {
		return err
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	messenger, _, err := buildMessenger(cfg, log)
	if err != nil {
		return err
	}

	scanner := bot.NewScanner(store, messenger, nil, cfg.Reminder.AdvanceDays, cfg.Pipeline.SendTimeout, log)
	report, err := scanner.Sweep(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("swept %d users, notified %d, %d failures\n", report.Users, report.Notified, report.Failures)
	return nil
}
