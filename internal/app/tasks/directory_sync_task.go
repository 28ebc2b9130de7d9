package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/chatmirror/internal/account"
	"github.com/edgard/chatmirror/internal/database"
)

// newDirectorySyncTask triggers a directory sync for rt unless the last successful one
// finished less than an interval ago, which happens after a restart.
func newDirectorySyncTask(deps TaskDeps, rt *account.Runtime) ScheduledTaskFunc {
	log := deps.Logger.With("task", "directory_sync", "account", rt.ID)
	interval := rt.Settings.Directory.SyncInterval
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return func(ctx context.Context) error {
		store, err := rt.Store(ctx)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}

		last, err := store.LatestSyncRun(ctx, rt.ID)
		if err != nil {
			return fmt.Errorf("failed to read last sync run: %w", err)
		}
		if fresh(last, interval, clock.Now()) {
			log.DebugContext(ctx, "Directory is fresh, skipping sync", "finished_at", last.FinishedAt)
			return nil
		}

		if !deps.Directory.Trigger(rt.ID) {
			log.InfoContext(ctx, "Directory sync already running")
		}
		return nil
	}
}

func fresh(last *database.SyncRun, interval time.Duration, now time.Time) bool {
	if last == nil || last.Status != database.SyncSucceeded {
		return false
	}
	// Runs that finished within the last tenth of the interval count as stale.
	return now.Sub(last.FinishedAt) < interval-interval/10
}
