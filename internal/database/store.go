package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// chunkSize bounds the number of rows written by one multi-row statement.
const chunkSize = 200

// Store defines the data access operations of one tenant store handle.
// Methods accept context.Context for cancellation and timeouts.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// UpsertMessage inserts or updates a message keyed by (tenant, message id).
	// A message whose dedupe hash is unchanged is not written.
	UpsertMessage(ctx context.Context, message *Message) (UpsertResult, error)
	// GetMessage returns a message, or nil if it does not exist.
	GetMessage(ctx context.Context, tenantKey, messageID string) (*Message, error)

	// RegisterResources inserts resources, updating only metadata of ones already known.
	RegisterResources(ctx context.Context, resources []Resource) error
	// ListResourcesByMessage returns the resources registered for a message.
	ListResourcesByMessage(ctx context.Context, tenantKey, messageID string) ([]Resource, error)
	// GetResource returns a resource by id, or nil if it does not exist.
	GetResource(ctx context.Context, id int64) (*Resource, error)
	// SelectDownloadBatch returns up to limit pending or failed resources below the attempt ceiling, oldest first.
	SelectDownloadBatch(ctx context.Context, accountID string, maxAttempts, limit int) ([]Resource, error)
	// ClaimResource marks a resource downloading and counts the attempt. It reports false when
	// the resource is no longer eligible.
	ClaimResource(ctx context.Context, id int64, maxAttempts int) (bool, error)
	MarkResourceReady(ctx context.Context, id int64, storagePath, mimeType string, size int64) error
	MarkResourceTooLarge(ctx context.Context, id int64, size int64, reason string) error
	MarkResourceFailed(ctx context.Context, id int64, reason string) error
	// ResetInterruptedDownloads marks resources left downloading since before the given time as
	// failed, recovering downloads whose process died or whose outcome could not be written.
	// The interrupted attempt still counts against the ceiling.
	ResetInterruptedDownloads(ctx context.Context, accountID string, before time.Time) (int64, error)

	// SelectExtractionBatch returns up to limit ready resources without a finished extraction,
	// oldest updated first, skipping the excluded ids.
	SelectExtractionBatch(ctx context.Context, accountID string, maxAttempts, limit int, exclude []int64) ([]Resource, error)
	// StartExtraction marks the resource's extraction processing and counts the attempt.
	StartExtraction(ctx context.Context, tenantKey string, resourceID int64) error
	// FinishExtraction records the outcome of an extraction.
	FinishExtraction(ctx context.Context, tenantKey string, resourceID int64, result ExtractionResult) error
	// GetExtraction returns the extraction of a resource, or nil if there is none.
	GetExtraction(ctx context.Context, tenantKey string, resourceID int64) (*Extraction, error)

	// ReplaceDirectory upserts departments and users and replaces the tenant's
	// relation snapshot, all in one transaction.
	ReplaceDirectory(ctx context.Context, tenantKey string, departments []Department, users []OrgUser, relations []UserDepartment) error
	ListDepartments(ctx context.Context, tenantKey string) ([]Department, error)
	GetDepartment(ctx context.Context, tenantKey, departmentID string) (*Department, error)
	GetOrgUser(ctx context.Context, tenantKey, userKey string) (*OrgUser, error)
	ListUserDepartments(ctx context.Context, tenantKey, userKey string) ([]UserDepartment, error)
	RecordSyncRun(ctx context.Context, run *SyncRun) error
	// LatestSyncRun returns the most recent sync run of the account, or nil if there is none.
	LatestSyncRun(ctx context.Context, accountID string) (*SyncRun, error)

	UpsertChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, tenantKey, chatID string) (*Chat, error)
	// ReplaceChatMembers replaces a chat's member snapshot in one transaction.
	ReplaceChatMembers(ctx context.Context, tenantKey, chatID string, members []ChatMember) error
	ListChatMembers(ctx context.Context, tenantKey, chatID string) ([]ChatMember, error)

	RecordMemory(ctx context.Context, tenantKey, scope, content string) error
	ListMemories(ctx context.Context, tenantKey, scope string) ([]Memory, error)
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db      *sqlx.DB
	dialect Dialect
	prefix  string
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a new Store backed by the handle's pool and table prefix.
func NewStore(h *Handle, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:      h.DB,
		dialect: h.Dialect,
		prefix:  h.Prefix,
		logger:  logger.With("component", "store", "prefix", h.Prefix),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) table(name string) string {
	return s.prefix + name
}

// inTx runs fn inside a transaction, committing on success and rolling back otherwise.
func (s *sqlxStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil
	return nil
}

// insertRows writes rows in chunks of chunkSize using multi-row VALUES lists.
// suffix is appended to every statement (conflict handling).
func (s *sqlxStore) insertRows(ctx context.Context, tx *sqlx.Tx, table string, columns []string, rows [][]any, suffix string) error {
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		chunk := rows[start:end]

		values := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return fmt.Errorf("row %d for %s has %d values, expected %d", start+i, table, len(row), len(columns))
			}
			values[i] = placeholder
			args = append(args, row...)
		}

		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s%s",
			table, strings.Join(columns, ", "), strings.Join(values, ", "), suffix)
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}
	return nil
}

// getOne runs a single-row query and maps sql.ErrNoRows to a nil result.
func getOne[T any](ctx context.Context, db *sqlx.DB, query string, args ...any) (*T, error) {
	var row T
	if err := db.GetContext(ctx, &row, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func columnList(alias string, columns []string) string {
	if alias == "" {
		return strings.Join(columns, ", ")
	}
	qualified := make([]string, len(columns))
	for i, col := range columns {
		qualified[i] = alias + "." + col
	}
	return strings.Join(qualified, ", ")
}
