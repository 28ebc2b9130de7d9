// Package database provides tenant store handles, schema migrations and the
// data access layer (Store) for every supported SQL dialect.
package database

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"

	_ "github.com/lib/pq"  //revive:disable:blank-imports
	_ "modernc.org/sqlite" //revive:disable:blank-imports
)

// Handle is a ready-to-use store for one tenant: a shared connection pool, its
// dialect and the table prefix the schema was created with.
type Handle struct {
	DB      *sqlx.DB
	Dialect Dialect
	Prefix  string

	key string
}

// Table returns the prefixed name of a logical table.
func (h *Handle) Table(name string) string {
	return h.Prefix + name
}

// Key identifies the physical store behind the handle.
func (h *Handle) Key() string {
	return h.key
}

// Registry hands out handles, sharing pools and schema creation between every
// tenant that resolves to the same target.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	pools map[string]*sqlx.DB
	ready map[string]bool

	group   singleflight.Group
	migrate func(Target, *slog.Logger) error
}

// NewRegistry creates an empty handle registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		logger:  logger.With("component", "database"),
		pools:   make(map[string]*sqlx.DB),
		ready:   make(map[string]bool),
		migrate: applyMigrations,
	}
}

// Open returns a handle whose schema is guaranteed to exist. Schema creation
// runs at most once per target at a time; a failed attempt is not remembered
// and the next Open retries it.
func (r *Registry) Open(ctx context.Context, target Target) (*Handle, error) {
	if !prefixPattern.MatchString(target.Prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", target.Prefix)
	}
	key := target.Key()

	if err := r.ensureSchema(ctx, key, target); err != nil {
		return nil, err
	}

	db, err := r.pool(key, target)
	if err != nil {
		return nil, err
	}
	return &Handle{DB: db, Dialect: target.Dialect, Prefix: target.Prefix, key: key}, nil
}

func (r *Registry) ensureSchema(ctx context.Context, key string, target Target) error {
	r.mu.Lock()
	done := r.ready[key]
	r.mu.Unlock()
	if done {
		return nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		r.mu.Lock()
		done := r.ready[key]
		r.mu.Unlock()
		if done {
			return nil, nil
		}
		if err := r.migrate(target, r.logger); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.ready[key] = true
		r.mu.Unlock()
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("failed to prepare schema: %w", res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) pool(key string, target Target) (*sqlx.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.pools[key]; ok {
		return db, nil
	}

	db, err := sqlx.Open(target.Dialect.driverName(), target.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if target.Dialect == SQLite {
		// SQLite doesn't support concurrent writers.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(5 * time.Minute)
	} else {
		if target.MaxOpenConns > 0 {
			db.SetMaxOpenConns(target.MaxOpenConns)
		}
		if target.MaxIdleConns > 0 {
			db.SetMaxIdleConns(target.MaxIdleConns)
		}
		if target.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(target.ConnMaxLifetime)
		}
	}

	r.pools[key] = db
	r.logger.Info("Database pool opened", "dialect", target.Dialect, "prefix", target.Prefix)
	return db, nil
}

// Close closes every pool the registry opened.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, db := range r.pools {
		if err := db.Close(); err != nil {
			r.logger.Error("Error closing database pool", "error", err)
		}
		delete(r.pools, key)
	}
	r.ready = make(map[string]bool)
}
