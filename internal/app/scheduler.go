package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"

	"github.com/edgard/chatmirror/internal/app/tasks"
	"github.com/edgard/chatmirror/internal/logger"
)

// Scheduler runs the registered tasks on fixed intervals with gocron.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	tasks     []tasks.Task
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a scheduler. A nil clock means the wall clock.
func NewScheduler(log *slog.Logger, clock clockwork.Clock, list []tasks.Task) (*Scheduler, error) {
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("component", "scheduler")

	opts := []gocron.SchedulerOption{gocron.WithLogger(logger.NewGocronLogger(log))}
	if clock != nil {
		opts = append(opts, gocron.WithClock(clock))
	}
	s, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		scheduler: s,
		logger:    log,
		tasks:     list,
	}, nil
}

// Start registers every task and starts ticking. Tasks with a non-positive interval are skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	scheduled := 0
	for _, task := range s.tasks {
		if task.Interval <= 0 {
			s.logger.Warn("Scheduled task has no interval, skipping", "task_name", task.Name)
			continue
		}

		opts := []gocron.JobOption{
			gocron.WithName(task.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		}
		if task.Immediate {
			opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
		}

		_, err := s.scheduler.NewJob(
			gocron.DurationJob(task.Interval),
			gocron.NewTask(s.wrap(task), context.Background()),
			opts...,
		)
		if err != nil {
			s.logger.Error("Failed to schedule task", "task_name", task.Name, "interval", task.Interval, "error", err)
			continue
		}
		s.logger.Info("Scheduled task", "task_name", task.Name, "interval", task.Interval)
		scheduled++
	}

	s.scheduler.Start()
	s.running = true
	s.logger.Info("Scheduler started", "tasks_scheduled", scheduled)
	return nil
}

func (s *Scheduler) wrap(task tasks.Task) func(ctx context.Context) {
	return func(ctx context.Context) {
		started := time.Now()
		if err := task.Run(ctx); err != nil {
			s.logger.Error("Scheduled task failed", "task_name", task.Name, "error", err)
			return
		}
		s.logger.Debug("Finished scheduled task", "task_name", task.Name, "duration", time.Since(started))
	}
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	s.logger.Info("Scheduler stopped")
	return nil
}
