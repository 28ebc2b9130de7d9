// Package resource drives message attachments through registration and the bounded-retry
// download lifecycle.
package resource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edgard/chatmirror/internal/account"
	"github.com/edgard/chatmirror/internal/coordinator"
	"github.com/edgard/chatmirror/internal/database"
	"github.com/edgard/chatmirror/internal/errs"
	"github.com/edgard/chatmirror/internal/payload"
)

const (
	// MaxAttempts is the number of download attempts before a resource stays failed.
	MaxAttempts = 3
	// BatchSize is the number of resources selected per drain iteration.
	BatchSize = 10
	// DefaultStaleAfter is how long a resource may stay downloading before a drain reclaims it.
	DefaultStaleAfter = 30 * time.Minute
)

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Completion is emitted for every resource that reached ready.
type Completion struct {
	AccountID  string
	TenantKey  string
	ResourceID int64
	Kind       string
}

// Accounts resolves account runtimes by id.
type Accounts interface {
	Get(id string) (*account.Runtime, bool)
}

// Config controls downloads.
type Config struct {
	// Dir is where downloaded files are stored, one subdirectory per account.
	Dir string
	// MaxBytes is the largest resource that is downloaded.
	MaxBytes int64
	// StaleAfter bounds how long a download may stay in flight. Zero means DefaultStaleAfter.
	StaleAfter time.Duration
}

// Manager registers attachments and runs one download drain loop per account.
type Manager struct {
	cfg         Config
	accounts    Accounts
	guards      *coordinator.Guards
	completions chan<- Completion
	logger      *slog.Logger
}

// NewManager creates a manager. Each resource that becomes ready is sent on completions
// when it is not nil.
func NewManager(cfg Config, accounts Accounts, guards *coordinator.Guards, completions chan<- Completion, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Manager{
		cfg:         cfg,
		accounts:    accounts,
		guards:      guards,
		completions: completions,
		logger:      logger.With("component", "resource_manager"),
	}
}

// Register records every attachment referenced by a message. Linked documents are stored as
// linked and never downloaded. It returns the number of resources found.
func (m *Manager) Register(ctx context.Context, rt *account.Runtime, msg payload.Message) (int, error) {
	found := payload.DetectResources(msg.Type, msg.Content)
	if len(found) == 0 {
		return 0, nil
	}

	store, err := rt.Store(ctx)
	if err != nil {
		return 0, err
	}

	rows := make([]database.Resource, 0, len(found))
	for _, r := range found {
		row := database.Resource{
			TenantKey: msg.TenantKey,
			AccountID: rt.ID,
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
			Kind:      r.Kind,
			FileKey:   r.FileKey,
			Name:      r.Name,
			Status:    database.ResourcePending,
		}
		if r.Size >= 0 {
			row.SizeBytes = sql.NullInt64{Int64: r.Size, Valid: true}
		}
		if r.Linked {
			row.Status = database.ResourceLinked
		}
		rows = append(rows, row)
	}

	if err := store.RegisterResources(ctx, rows); err != nil {
		return 0, err
	}
	m.logger.DebugContext(ctx, "Registered resources", "account", rt.ID, "message_id", msg.ID, "count", len(rows))
	return len(rows), nil
}

// Trigger starts a download drain loop for the account unless one is running.
func (m *Manager) Trigger(accountID string) bool {
	return m.guards.Trigger(coordinator.SubsystemDownload, accountID, func(ctx context.Context) error {
		rt, ok := m.accounts.Get(accountID)
		if !ok {
			return fmt.Errorf("unknown account %q", accountID)
		}
		_, err := m.DrainAccount(ctx, rt)
		return err
	})
}

// DrainAccount processes download batches until a selection comes back empty. It returns the
// number of resources processed. Downloads stuck in flight longer than StaleAfter are first
// returned to the retry path.
func (m *Manager) DrainAccount(ctx context.Context, rt *account.Runtime) (int, error) {
	store, err := rt.Store(ctx)
	if err != nil {
		return 0, err
	}

	reclaimed, err := store.ResetInterruptedDownloads(ctx, rt.ID, time.Now().Add(-m.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale downloads: %w", err)
	}
	if reclaimed > 0 {
		m.logger.WarnContext(ctx, "Reclaimed stale downloads", "account", rt.ID, "count", reclaimed)
	}

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		batch, err := store.SelectDownloadBatch(ctx, rt.ID, MaxAttempts, BatchSize)
		if err != nil {
			return processed, err
		}
		if len(batch) == 0 {
			if processed > 0 {
				m.logger.InfoContext(ctx, "Download queue drained", "account", rt.ID, "processed", processed)
			}
			return processed, nil
		}

		claimed := 0
		for _, res := range batch {
			ok, err := store.ClaimResource(ctx, res.ID, MaxAttempts)
			if err != nil {
				m.logger.ErrorContext(ctx, "Error claiming resource", "resource_id", res.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
			claimed++
			processed++
			m.download(ctx, rt, store, res)
		}

		// Nothing in the batch could be claimed; selecting again would return the same rows.
		if claimed == 0 {
			return processed, nil
		}
	}
}

// download transfers one claimed resource and records the outcome.
func (m *Manager) download(ctx context.Context, rt *account.Runtime, store database.Store, res database.Resource) {
	log := m.logger.With("account", rt.ID, "resource_id", res.ID, "file_key", res.FileKey)

	if res.SizeBytes.Valid && res.SizeBytes.Int64 > m.cfg.MaxBytes {
		m.markTooLarge(ctx, log, store, res.ID, res.SizeBytes.Int64, "known size")
		return
	}

	dl, err := rt.Platform.DownloadResource(ctx, res.MessageID, res.FileKey, payload.DownloadType(res.Kind))
	if err != nil {
		m.markFailed(ctx, log, store, res.ID, err)
		return
	}
	defer dl.Body.Close()

	if dl.Size > m.cfg.MaxBytes {
		m.markTooLarge(ctx, log, store, res.ID, dl.Size, "declared length")
		return
	}

	path, written, err := m.save(rt.ID, res, dl.FileName, dl.Body)
	if errors.Is(err, errs.ErrTooLarge) {
		m.markTooLarge(ctx, log, store, res.ID, -1, "transfer")
		return
	}
	if err != nil {
		m.markFailed(ctx, log, store, res.ID, err)
		return
	}

	mimeType := mediaType(dl.ContentType, path)
	if err := store.MarkResourceReady(ctx, res.ID, path, mimeType, written); err != nil {
		log.ErrorContext(ctx, "Error marking resource ready", "error", err)
		_ = os.Remove(path)
		m.markFailed(ctx, log, store, res.ID, fmt.Errorf("failed to record download: %w", err))
		return
	}
	log.InfoContext(ctx, "Resource downloaded", "bytes", written, "mime_type", mimeType)

	m.emit(ctx, Completion{AccountID: rt.ID, TenantKey: res.TenantKey, ResourceID: res.ID, Kind: res.Kind})
}

// save streams body to a new file under the account's directory. A body longer than the
// limit is cut off, removed and reported as errs.ErrTooLarge.
func (m *Manager) save(accountID string, res database.Resource, fileName string, body io.Reader) (string, int64, error) {
	dir := filepath.Join(m.cfg.Dir, unsafeSegment.ReplaceAllString(accountID, "_"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", 0, fmt.Errorf("failed to create storage dir: %w", err)
	}

	name := uuid.NewString()
	if ext := fileExt(res.Name, fileName); ext != "" {
		name += "." + ext
	}
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", path, err)
	}

	written, err := io.Copy(f, io.LimitReader(body, m.cfg.MaxBytes+1))
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err == nil && written > m.cfg.MaxBytes {
		err = errs.ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, errs.ErrTooLarge) {
			return "", written, err
		}
		return "", written, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, written, nil
}

func (m *Manager) markTooLarge(ctx context.Context, log *slog.Logger, store database.Store, id, size int64, stage string) {
	reason := fmt.Sprintf("exceeds %d bytes (%s)", m.cfg.MaxBytes, stage)
	if size >= 0 {
		reason = fmt.Sprintf("%d bytes exceeds %d bytes (%s)", size, m.cfg.MaxBytes, stage)
	}
	if err := store.MarkResourceTooLarge(ctx, id, size, reason); err != nil {
		log.ErrorContext(ctx, "Error marking resource too large", "error", err)
		m.markFailed(ctx, log, store, id, errors.New(reason))
		return
	}
	log.WarnContext(ctx, "Resource too large", "reason", reason)
}

func (m *Manager) markFailed(ctx context.Context, log *slog.Logger, store database.Store, id int64, cause error) {
	if err := store.MarkResourceFailed(ctx, id, cause.Error()); err != nil {
		// The row stays downloading until a later drain reclaims it as stale.
		log.ErrorContext(ctx, "Error marking resource failed", "error", err)
		return
	}
	log.WarnContext(ctx, "Resource download failed", "error", cause, "terminal", errs.IsTerminal(cause))
}

// emit hands a completion to the extraction stage. It gives up when ctx ends.
func (m *Manager) emit(ctx context.Context, c Completion) {
	if m.completions == nil {
		return
	}
	select {
	case m.completions <- c:
	case <-ctx.Done():
	}
}

// fileExt returns the lower-cased extension of the first name that has one, without the dot.
func fileExt(names ...string) string {
	for _, n := range names {
		ext := strings.TrimPrefix(filepath.Ext(n), ".")
		ext = strings.ToLower(unsafeSegment.ReplaceAllString(ext, ""))
		if ext != "" {
			return ext
		}
	}
	return ""
}

func mediaType(contentType, path string) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return ""
}
