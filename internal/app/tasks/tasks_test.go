package tasks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/chatmirror/internal/account"
	"github.com/edgard/chatmirror/internal/config"
	"github.com/edgard/chatmirror/internal/database"
	"github.com/edgard/chatmirror/internal/database/dbtest"
	"github.com/edgard/chatmirror/internal/lark/larktest"
	"github.com/edgard/chatmirror/internal/logger"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	busy  bool
}

func (r *recorder) Trigger(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, accountID)
	return !r.busy
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newRuntime(t *testing.T, id string, directory bool) *account.Runtime {
	t.Helper()
	settings := config.AccountConfig{
		ID:        id,
		TenantKey: "tenant-" + id,
		Directory: config.DirectoryConfig{Enabled: directory, RootDepartmentID: "0", SyncInterval: time.Hour},
	}
	return account.NewStaticRuntime(settings, larktest.New(), dbtest.NewStore(t))
}

func newDeps(t *testing.T, runtimes ...*account.Runtime) (TaskDeps, *recorder, *recorder, *recorder) {
	t.Helper()
	reg := account.NewRegistry()
	for _, rt := range runtimes {
		if err := reg.Add(rt); err != nil {
			t.Fatalf("failed to add account: %v", err)
		}
	}
	downloads, extractions, directory := &recorder{}, &recorder{}, &recorder{}
	return TaskDeps{
		Logger:      logger.Discard(),
		Accounts:    reg,
		Downloads:   downloads,
		Extractions: extractions,
		Directory:   directory,
	}, downloads, extractions, directory
}

func TestRegisterAllTasks(t *testing.T) {
	t.Parallel()
	deps, _, _, _ := newDeps(t, newRuntime(t, "a", true), newRuntime(t, "b", false))
	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		ResourceSweepInterval:   time.Minute,
		ExtractionSweepInterval: 2 * time.Minute,
	}}

	list := RegisterAllTasks(deps, cfg)

	want := map[string]time.Duration{
		"resource_sweep":   time.Minute,
		"extraction_sweep": 2 * time.Minute,
		"directory_sync:a": time.Hour,
	}
	if len(list) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(list))
	}
	for _, task := range list {
		interval, ok := want[task.Name]
		if !ok {
			t.Errorf("unexpected task %s", task.Name)
			continue
		}
		if task.Interval != interval {
			t.Errorf("task %s: expected interval %v, got %v", task.Name, interval, task.Interval)
		}
		if task.Run == nil {
			t.Errorf("task %s has no function", task.Name)
		}
	}
}

func TestSweepTriggersEveryAccount(t *testing.T) {
	t.Parallel()
	deps, downloads, extractions, _ := newDeps(t, newRuntime(t, "a", false), newRuntime(t, "b", false))

	if err := newSweepTask(deps, "resource_sweep", deps.Downloads)(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := downloads.Calls()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected triggers for a and b, got %v", got)
	}
	if len(extractions.Calls()) != 0 {
		t.Errorf("expected no extraction triggers, got %v", extractions.Calls())
	}
}

func TestDirectorySyncTask(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		last        *database.SyncRun
		advance     time.Duration
		wantTrigger bool
	}{
		{name: "never synced", wantTrigger: true},
		{
			name:        "fresh success",
			last:        &database.SyncRun{Status: database.SyncSucceeded, FinishedAt: start.Add(-10 * time.Minute)},
			wantTrigger: false,
		},
		{
			name:        "fresh success aged by the clock",
			last:        &database.SyncRun{Status: database.SyncSucceeded, FinishedAt: start.Add(-10 * time.Minute)},
			advance:     45 * time.Minute,
			wantTrigger: true,
		},
		{
			name:        "stale success",
			last:        &database.SyncRun{Status: database.SyncSucceeded, FinishedAt: start.Add(-2 * time.Hour)},
			wantTrigger: true,
		},
		{
			name:        "recent success by the injected clock",
			last:        &database.SyncRun{Status: database.SyncSucceeded, FinishedAt: start.Add(-5 * time.Minute)},
			advance:     40 * time.Minute,
			wantTrigger: false,
		},
		{
			name:        "recent failure",
			last:        &database.SyncRun{Status: database.SyncFailed, FinishedAt: start.Add(-time.Minute)},
			wantTrigger: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rt := newRuntime(t, "a", true)
			deps, _, _, directory := newDeps(t, rt)
			clock := clockwork.NewFakeClockAt(start)
			deps.Clock = clock
			ctx := context.Background()

			if tt.last != nil {
				store, _ := rt.Store(ctx)
				run := *tt.last
				run.TenantKey = rt.TenantKey
				run.AccountID = rt.ID
				run.StartedAt = run.FinishedAt.Add(-time.Second)
				if err := store.RecordSyncRun(ctx, &run); err != nil {
					t.Fatalf("failed to record run: %v", err)
				}
			}

			clock.Advance(tt.advance)
			if err := newDirectorySyncTask(deps, rt)(ctx); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if triggered := len(directory.Calls()) == 1; triggered != tt.wantTrigger {
				t.Errorf("expected trigger %v, got %v", tt.wantTrigger, triggered)
			}
		})
	}
}
