package tasks

import (
	"context"
	"fmt"
)

// newDBMaintenanceTask reclaims unused space in the record store.
func newDBMaintenanceTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "db_maintenance")

	return func(ctx context.Context) error {
		log.InfoContext(ctx, "Starting database maintenance")
		if err := deps.Store.RunMaintenance(ctx); err != nil {
			return fmt.Errorf("database maintenance failed: %w", err)
		}
		return nil
	}
}
