package tasks

import (
	"context"
)

// newSweepTask triggers the stage's drain loop for every account. Accounts whose loop
// is already running are left alone; the loop drains to empty anyway.
func newSweepTask(deps TaskDeps, name string, stage Trigger) ScheduledTaskFunc {
	log := deps.Logger.With("task", name)

	return func(ctx context.Context) error {
		started := 0
		for _, rt := range deps.Accounts.All() {
			if stage.Trigger(rt.ID) {
				started++
			}
		}
		log.DebugContext(ctx, "Sweep triggered", "started", started)
		return nil
	}
}
