// Package tasks defines the background jobs the scheduler can run and
// their registry.
package tasks

// RegisterAllTasks builds the full task table, keyed by the names used in
// the scheduler configuration.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	return map[string]ScheduledTaskFunc{
		"reminder_sweep":   newReminderSweepTask(deps),
		"state_compaction": newStateCompactionTask(deps),
		"db_maintenance":   newDBMaintenanceTask(deps),
	}
}
