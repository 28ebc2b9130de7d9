package tasks

import (
	"context"
	"time"

	"github.com/edgard/chatmirror/internal/config"
)

// ScheduledTaskFunc is the signature of every scheduled task. It should respect ctx.
type ScheduledTaskFunc func(ctx context.Context) error

// Task is a named job and how often it runs.
type Task struct {
	Name     string
	Interval time.Duration
	// Immediate runs the task once when the scheduler starts.
	Immediate bool
	Run       ScheduledTaskFunc
}

// RegisterAllTasks builds the task list: one directory sync per account with the
// directory mirror enabled, plus the two sweeps shared by all accounts.
func RegisterAllTasks(deps TaskDeps, cfg *config.Config) []Task {
	list := []Task{
		{
			Name:      "resource_sweep",
			Interval:  cfg.Scheduler.ResourceSweepInterval,
			Immediate: true,
			Run:       newSweepTask(deps, "resource_sweep", deps.Downloads),
		},
		{
			Name:      "extraction_sweep",
			Interval:  cfg.Scheduler.ExtractionSweepInterval,
			Immediate: true,
			Run:       newSweepTask(deps, "extraction_sweep", deps.Extractions),
		},
	}

	for _, rt := range deps.Accounts.All() {
		if !rt.Settings.Directory.Enabled {
			deps.Logger.Info("Directory sync disabled", "account", rt.ID)
			continue
		}
		list = append(list, Task{
			Name:      "directory_sync:" + rt.ID,
			Interval:  rt.Settings.Directory.SyncInterval,
			Immediate: true,
			Run:       newDirectorySyncTask(deps, rt),
		})
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(list))
	return list
}
