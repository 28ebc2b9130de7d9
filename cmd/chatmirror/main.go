// Package main contains the entrypoint for the chatmirror ingestion service.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/edgard/chatmirror/internal/app"
	"github.com/edgard/chatmirror/internal/config"
	"github.com/edgard/chatmirror/internal/ingest"
	"github.com/edgard/chatmirror/internal/logger"
)

// maxEventBytes bounds one line of the event feed.
const maxEventBytes = 4 << 20

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx, os.Args[1:])
	stop()
	os.Exit(exitCode)
}

// run loads configuration, starts the application and blocks until ctx is cancelled.
// It returns the process exit code.
func run(ctx context.Context, args []string) int {
	flags := pflag.NewFlagSet("chatmirror", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "./config.yaml", "Path to configuration file")
	eventsPath := flags.String("events", "", "Newline-delimited JSON event feed to ingest (\"-\" for stdin)")
	eventsAccount := flags.String("account", "", "Account the event feed belongs to (defaults to the only configured account)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON, "accounts", len(cfg.Accounts))

	application, err := app.New(cfg, log, nil)
	if err != nil {
		log.Error("Failed to initialize application", "error", err)
		return 1
	}

	if *eventsPath != "" {
		accountID := *eventsAccount
		if accountID == "" {
			if len(cfg.Accounts) != 1 {
				log.Error("--account is required when more than one account is configured")
				return 2
			}
			accountID = cfg.Accounts[0].ID
		}
		if _, ok := cfg.Account(accountID); !ok {
			log.Error("Unknown account for event feed", "account", accountID)
			return 2
		}
		go feedEvents(ctx, log, application.Pipeline(), accountID, *eventsPath)
	}

	log.Info("Starting chatmirror")
	if err := application.Run(ctx); err != nil {
		log.Error("chatmirror stopped due to error", "error", err)
		return 1
	}

	log.Info("chatmirror stopped gracefully")
	return 0
}

// feedEvents hands every line of the feed to the pipeline. Malformed lines are logged and skipped.
func feedEvents(ctx context.Context, log *slog.Logger, pipeline *ingest.Pipeline, accountID, path string) {
	log = log.With("component", "event_feed", "account", accountID)

	var src io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			log.Error("Failed to open event feed", "path", path, "error", err)
			return
		}
		defer f.Close()
		src = f
	}

	n, err := readEvents(ctx, src, func(line []byte) error {
		return pipeline.HandleEvent(ctx, accountID, line)
	}, log)
	if err != nil {
		log.Error("Event feed aborted", "events", n, "error", err)
		return
	}
	log.Info("Event feed finished", "events", n)
}

// readEvents calls handle for every non-blank line of src and returns the number accepted.
func readEvents(ctx context.Context, src io.Reader, handle func([]byte) error, log *slog.Logger) (int, error) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	accepted := 0
	for line := 1; scanner.Scan(); line++ {
		if ctx.Err() != nil {
			return accepted, ctx.Err()
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if err := handle(append([]byte(nil), raw...)); err != nil {
			log.Warn("Skipping event", "line", line, "error", err)
			continue
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		return accepted, fmt.Errorf("failed to read event feed: %w", err)
	}
	return accepted, nil
}
