package tasks

import (
	"context"
	"fmt"
)

// newReminderSweepTask runs the daily reminder sweep over all users.
func newReminderSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "reminder_sweep")

	return func(ctx context.Context) error {
		if deps.RunSweep == nil {
			return fmt.Errorf("reminder sweep is not wired")
		}

		log.InfoContext(ctx, "Starting reminder sweep")
		if err := deps.RunSweep(ctx); err != nil {
			return fmt.Errorf("reminder sweep failed: %w", err)
		}
		return nil
	}
}
