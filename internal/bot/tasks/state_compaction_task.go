package tasks

import (
	"context"
	"fmt"
)

// newStateCompactionTask prunes expired idempotency markers, pending
// contexts, and stale batch entries from the state store. Compaction is
// space hygiene only; readers already treat expired entries as absent.
func newStateCompactionTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "state_compaction")

	return func(ctx context.Context) error {
		removed, err := deps.State.Compact(ctx)
		if err != nil {
			return fmt.Errorf("state compaction failed: %w", err)
		}

		log.InfoContext(ctx, "State compaction finished", "removed", removed)
		return nil
	}
}
