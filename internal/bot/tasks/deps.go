package tasks

import (
	"context"
	"log/slog"

	"github.com/rolodex-crm/rolodex/internal/database"
	"github.com/rolodex-crm/rolodex/internal/state"
)

// ScheduledTaskFunc is the signature for runnable scheduled tasks.
type ScheduledTaskFunc func(ctx context.Context) error

// TaskDeps holds the dependencies scheduled tasks draw from. RunSweep is
// injected as a closure so the task table does not depend on the sweep's
// concrete type.
type TaskDeps struct {
	Logger   *slog.Logger
	Store    database.Store
	State    state.Store
	RunSweep func(ctx context.Context) error
}
