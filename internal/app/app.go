// Package app wires the chatmirror components together and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/edgard/chatmirror/internal/account"
	"github.com/edgard/chatmirror/internal/app/tasks"
	"github.com/edgard/chatmirror/internal/config"
	"github.com/edgard/chatmirror/internal/coordinator"
	"github.com/edgard/chatmirror/internal/database"
	"github.com/edgard/chatmirror/internal/directory"
	"github.com/edgard/chatmirror/internal/doctext"
	"github.com/edgard/chatmirror/internal/extraction"
	"github.com/edgard/chatmirror/internal/gemini"
	"github.com/edgard/chatmirror/internal/ingest"
	"github.com/edgard/chatmirror/internal/logger"
	"github.com/edgard/chatmirror/internal/resource"
	"github.com/edgard/chatmirror/internal/writequeue"
)

const (
	completionBuffer = 64
	shutdownTimeout  = 30 * time.Second
)

// App owns every long-lived component.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	dbs         *database.Registry
	accounts    *account.Registry
	guards      *coordinator.Guards
	queue       *writequeue.Queue
	resources   *resource.Manager
	extractions *extraction.Manager
	directory   *directory.Synchronizer
	pipeline    *ingest.Pipeline
	scheduler   *Scheduler

	cancel context.CancelFunc
}

// New builds the application. Stores are opened lazily; nothing talks to the network yet.
// A nil clock means the wall clock.
func New(cfg *config.Config, log *slog.Logger, clock clockwork.Clock) (*App, error) {
	if log == nil {
		log = logger.Discard()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	dbs := database.NewRegistry(log)
	accounts, err := account.FromConfig(cfg, dbs, log)
	if err != nil {
		dbs.Close()
		return nil, fmt.Errorf("failed to configure accounts: %w", err)
	}

	// Loops and queued writes run on their own context, cancelled by shutdown once the
	// queue has drained.
	base, cancel := context.WithCancel(context.Background())
	guards := coordinator.NewGuards(base, log)
	queue := writequeue.New(base, log)
	completions := make(chan resource.Completion, completionBuffer)

	resources := resource.NewManager(resource.Config{
		Dir:      cfg.Storage.Dir,
		MaxBytes: cfg.Storage.MaxResourceBytes,
	}, accounts, guards, completions, log)

	capabilities := gemini.NewClient(gemini.Config{
		APIKey:   cfg.Extraction.GeminiAPIKey,
		OCRModel: cfg.Extraction.OCRModel,
	}, log)
	extractions := extraction.NewManager(extraction.Config{
		OCRLanguages: cfg.Extraction.OCRLanguages,
		ASRAPIKey:    cfg.Extraction.ASRAPIKey,
		ASRModel:     cfg.Extraction.ASRModel,
		ASRLanguage:  cfg.Extraction.ASRLanguage,
		Timeout:      cfg.Extraction.Timeout,
	}, capabilities, capabilities, doctext.New(), accounts, guards, log)

	syncer := directory.NewSynchronizer(accounts, guards, log)

	pipeline := ingest.New(ingest.Deps{
		Logger:      log,
		Accounts:    accounts,
		Queue:       queue,
		Guards:      guards,
		ChatTTL:     coordinator.NewTTLCache(cfg.Scheduler.ChatMetadataTTL, clock),
		Downloads:   resources,
		Extractions: extractions,
		Completions: completions,
	})

	taskList := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:      log,
		Accounts:    accounts,
		Downloads:   resources,
		Extractions: extractions,
		Directory:   syncer,
		Clock:       clock,
	}, cfg)
	sched, err := NewScheduler(log, clock, taskList)
	if err != nil {
		cancel()
		dbs.Close()
		return nil, err
	}

	return &App{
		cfg:         cfg,
		logger:      log.With("component", "app"),
		dbs:         dbs,
		accounts:    accounts,
		guards:      guards,
		queue:       queue,
		resources:   resources,
		extractions: extractions,
		directory:   syncer,
		pipeline:    pipeline,
		scheduler:   sched,
		cancel:      cancel,
	}, nil
}

// Pipeline is the entry point for inbound events.
func (a *App) Pipeline() *ingest.Pipeline {
	return a.pipeline
}

// Accounts returns the configured accounts.
func (a *App) Accounts() *account.Registry {
	return a.accounts
}

// Run prepares every account store, then forwards download completions and runs the
// scheduler until ctx is cancelled. It always shuts the components down before returning.
func (a *App) Run(ctx context.Context) error {
	defer a.shutdown()

	if err := a.prepareAccounts(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.pipeline.Run(gCtx)
	})

	g.Go(func() error {
		if err := a.scheduler.Start(); err != nil {
			return err
		}
		<-gCtx.Done()
		a.logger.Info("Shutdown signal received, stopping scheduler")
		return a.scheduler.Stop()
	})

	a.logger.Info("Application running", "accounts", len(a.accounts.All()))
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Application stopped due to error", "error", err)
		return err
	}
	return nil
}

// prepareAccounts opens every account store, creating its schema, and returns downloads that a
// previous process left in flight to the retry path.
func (a *App) prepareAccounts(ctx context.Context) error {
	for _, rt := range a.accounts.All() {
		store, err := rt.Store(ctx)
		if err != nil {
			return fmt.Errorf("failed to open store for account %s: %w", rt.ID, err)
		}
		n, err := store.ResetInterruptedDownloads(ctx, rt.ID, time.Now())
		if err != nil {
			return fmt.Errorf("failed to reset interrupted downloads for account %s: %w", rt.ID, err)
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "Reset interrupted downloads", "account", rt.ID, "count", n)
		}
	}
	return nil
}

func (a *App) shutdown() {
	started := time.Now()

	a.queue.Close()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.queue.Wait(ctx); err != nil {
		a.logger.Error("Write queue did not drain", "error", err)
	}

	a.cancel()
	a.guards.Wait()
	a.dbs.Close()

	a.logger.Info("Application stopped", "duration", time.Since(started))
}
