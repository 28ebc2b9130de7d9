// Package extraction turns downloaded resources into text through the OCR, speech and
// document capabilities.
package extraction

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgard/chatmirror/internal/account"
	"github.com/edgard/chatmirror/internal/coordinator"
	"github.com/edgard/chatmirror/internal/database"
	"github.com/edgard/chatmirror/internal/doctext"
	"github.com/edgard/chatmirror/internal/errs"
	"github.com/edgard/chatmirror/internal/gemini"
	"github.com/edgard/chatmirror/internal/memory"
	"github.com/edgard/chatmirror/internal/payload"
)

const (
	// MaxAttempts bounds how often a failed extraction is retried.
	MaxAttempts = 3
	// BatchSize is the number of resources selected per drain iteration.
	BatchSize = 5
)

// OCR recognizes text in images.
type OCR interface {
	Recognize(ctx context.Context, path string, languages []string) (gemini.Result, error)
}

// ASR transcribes audio.
type ASR interface {
	Transcribe(ctx context.Context, path, apiKey, model, language string) (gemini.Result, error)
}

// Documents extracts text from document files.
type Documents interface {
	Extract(ctx context.Context, path string) (string, error)
}

// Accounts resolves account runtimes by id.
type Accounts interface {
	Get(id string) (*account.Runtime, bool)
}

// Config holds capability parameters.
type Config struct {
	OCRLanguages []string
	ASRAPIKey    string
	ASRModel     string
	ASRLanguage  string
	// Timeout bounds one capability call. Zero means no limit beyond ctx.
	Timeout time.Duration
	// Sink receives successful extractions. When nil each account records into its own store.
	Sink memory.Sink
}

// Manager runs one extraction drain loop per account.
type Manager struct {
	cfg      Config
	ocr      OCR
	asr      ASR
	docs     Documents
	accounts Accounts
	guards   *coordinator.Guards
	logger   *slog.Logger
}

// NewManager creates an extraction manager.
func NewManager(cfg Config, ocr OCR, asr ASR, docs Documents, accounts Accounts, guards *coordinator.Guards, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		cfg:      cfg,
		ocr:      ocr,
		asr:      asr,
		docs:     docs,
		accounts: accounts,
		guards:   guards,
		logger:   logger.With("component", "extraction_manager"),
	}
}

// Supported reports whether a resource of kind named name is dispatched to a capability.
func Supported(kind, name string) bool {
	switch kind {
	case payload.KindImage, payload.KindAudio:
		return true
	case payload.KindFile:
		return doctext.Supported(filepath.Ext(name))
	default:
		return false
	}
}

// Trigger starts an extraction drain loop for the account unless one is running.
func (m *Manager) Trigger(accountID string) bool {
	return m.guards.Trigger(coordinator.SubsystemExtraction, accountID, func(ctx context.Context) error {
		rt, ok := m.accounts.Get(accountID)
		if !ok {
			return fmt.Errorf("unknown account %q", accountID)
		}
		_, err := m.DrainAccount(ctx, rt)
		return err
	})
}

// DrainAccount extracts batches until a selection comes back empty and returns the number of
// extractions attempted. Files in formats no capability reads are recorded as skipped once.
// Failed resources are not selected again within the run; transient failures are retried by
// later runs up to MaxAttempts.
func (m *Manager) DrainAccount(ctx context.Context, rt *account.Runtime) (int, error) {
	store, err := rt.Store(ctx)
	if err != nil {
		return 0, err
	}
	sink := m.cfg.Sink
	if sink == nil {
		sink = memory.NewStoreSink(store, m.logger)
	}

	var exclude []int64
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		batch, err := store.SelectExtractionBatch(ctx, rt.ID, MaxAttempts, BatchSize, exclude)
		if err != nil {
			return processed, err
		}
		if len(batch) == 0 {
			if processed > 0 {
				m.logger.InfoContext(ctx, "Extraction queue drained", "account", rt.ID, "processed", processed)
			}
			return processed, nil
		}

		for _, res := range batch {
			if !Supported(res.Kind, documentName(res)) {
				if !m.skip(ctx, store, res) {
					exclude = append(exclude, res.ID)
				}
				continue
			}
			processed++
			if !m.extract(ctx, store, sink, res) {
				exclude = append(exclude, res.ID)
			}
		}
	}
}

// extract runs one resource through its capability. It reports whether the extraction
// finished without failing.
func (m *Manager) extract(ctx context.Context, store database.Store, sink memory.Sink, res database.Resource) bool {
	log := m.logger.With("tenant_key", res.TenantKey, "resource_id", res.ID, "kind", res.Kind)

	if err := store.StartExtraction(ctx, res.TenantKey, res.ID); err != nil {
		log.ErrorContext(ctx, "Error starting extraction", "error", err)
		return false
	}

	result, err := m.dispatch(ctx, res)
	if err != nil {
		terminal := errs.IsTerminal(err)
		result = database.ExtractionResult{Status: database.ExtractionFailed, Language: result.Language, Error: err.Error()}
		if terminal {
			result.Attempts = MaxAttempts
		}
		log.WarnContext(ctx, "Extraction failed", "error", err, "terminal", terminal)
	}

	if err := store.FinishExtraction(ctx, res.TenantKey, res.ID, result); err != nil {
		log.ErrorContext(ctx, "Error recording extraction", "error", err)
		return false
	}
	if result.Status != database.ExtractionDone {
		return result.Status != database.ExtractionFailed
	}

	if err := sink.Record(ctx, res.TenantKey, memory.ResourceScope(res.ID), result.Text); err != nil {
		log.ErrorContext(ctx, "Error recording memory", "error", err)
	}
	log.InfoContext(ctx, "Extraction done", "model", result.Model, "chars", len(result.Text))
	return true
}

// skip records a resource no capability handles so that it is never selected again. It
// reports whether the record was written.
func (m *Manager) skip(ctx context.Context, store database.Store, res database.Resource) bool {
	log := m.logger.With("tenant_key", res.TenantKey, "resource_id", res.ID, "kind", res.Kind)

	if err := store.StartExtraction(ctx, res.TenantKey, res.ID); err != nil {
		log.ErrorContext(ctx, "Error starting extraction", "error", err)
		return false
	}
	result := database.ExtractionResult{Status: database.ExtractionSkipped, Error: "unsupported document format"}
	if err := store.FinishExtraction(ctx, res.TenantKey, res.ID, result); err != nil {
		log.ErrorContext(ctx, "Error recording skipped extraction", "error", err)
		return false
	}
	log.DebugContext(ctx, "Extraction skipped", "name", res.Name)
	return true
}

// dispatch calls the capability for the resource kind. Only the status, text and model of
// the returned result are meaningful when err is nil.
func (m *Manager) dispatch(ctx context.Context, res database.Resource) (database.ExtractionResult, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	switch res.Kind {
	case payload.KindImage:
		lang := strings.Join(m.cfg.OCRLanguages, ",")
		out, err := m.ocr.Recognize(ctx, res.StoragePath, m.cfg.OCRLanguages)
		if err != nil {
			return database.ExtractionResult{Language: lang}, err
		}
		return textResult(out.Text, lang, out.Model), nil

	case payload.KindAudio:
		if m.cfg.ASRAPIKey == "" {
			return database.ExtractionResult{Language: m.cfg.ASRLanguage}, errs.ErrMissingAPIKey
		}
		out, err := m.asr.Transcribe(ctx, res.StoragePath, m.cfg.ASRAPIKey, m.cfg.ASRModel, m.cfg.ASRLanguage)
		if err != nil {
			return database.ExtractionResult{Language: m.cfg.ASRLanguage}, err
		}
		return textResult(out.Text, m.cfg.ASRLanguage, out.Model), nil

	case payload.KindFile:
		text, err := m.docs.Extract(ctx, res.StoragePath)
		if err != nil {
			return database.ExtractionResult{}, err
		}
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(documentName(res))), ".")
		return textResult(text, "", "doctext:"+ext), nil
	}

	return database.ExtractionResult{}, fmt.Errorf("%w: kind %q", errs.ErrUnsupported, res.Kind)
}

// documentName is the name whose extension identifies the document format. Downloads keep
// the extension of the original name, so the storage path stands in for a missing name.
func documentName(res database.Resource) string {
	if filepath.Ext(res.Name) != "" {
		return res.Name
	}
	return res.StoragePath
}

func textResult(text, language, model string) database.ExtractionResult {
	text = strings.TrimSpace(text)
	status := database.ExtractionDone
	if text == "" {
		status = database.ExtractionEmpty
	}
	return database.ExtractionResult{Status: status, Language: language, Text: text, Model: model}
}
