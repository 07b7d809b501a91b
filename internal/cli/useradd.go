package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rolodex-crm/rolodex/internal/config"
	"github.com/rolodex-crm/rolodex/internal/database"
	"github.com/rolodex-crm/rolodex/internal/logger"
)

func init() {
	cmd := &cobra.Command{
		Use:   "useradd",
		Short: "Register a user",
		Long: "Registers a user so their messages are accepted. At least one\n" +
			"channel address (phone or Telegram chat id) is required.",
		RunE: runUserAdd,
	}

	cmd.Flags().String("name", "", "Display name (required)")
	cmd.Flags().String("phone", "", "Phone number in E.164 form, e.g. +15551234567")
	cmd.Flags().String("telegram-id", "", "Telegram chat id")
	cmd.Flags().String("timezone", "UTC", "IANA timezone, e.g. America/New_York")
	cmd.Flags().Int("reminder-days", 14, "Default days until a new contact's reminder")

	_ = cmd.MarkFlagRequired("name")

	RootCmd.AddCommand(cmd)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	phone, _ := cmd.Flags().GetString("phone")
	telegramID, _ := cmd.Flags().GetString("telegram-id")
	timezone, _ := cmd.Flags().GetString("timezone")
	reminderDays, _ := cmd.Flags().GetInt("reminder-days")

	if _, err := time.LoadLocation(timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	if reminderDays < 1 {
		return fmt.Errorf("reminder-days must be at least 1")
	}

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

	user := &database.User{
		Name:           name,
		Phone:          phone,
		TelegramChatID: telegramID,
		Timezone:       timezone,
		ReminderDays:   reminderDays,
	}
	if err := store.CreateUser(cmd.Context(), user); err != nil {
		return err
	}

	fmt.Printf("user %s created (id %s)\n", user.Name, user.ID)
	return nil
}
