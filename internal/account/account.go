// Package account binds each configured platform account to its API client and tenant store.
package account

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/edgard/chatmirror/internal/config"
	"github.com/edgard/chatmirror/internal/database"
	"github.com/edgard/chatmirror/internal/lark"
)

// StoreOpener opens the tenant store of an account.
type StoreOpener func(ctx context.Context) (database.Store, error)

// Runtime is one account's live collaborators. The store is opened on first use;
// a failed open is retried on the next call.
type Runtime struct {
	ID        string
	TenantKey string
	Settings  config.AccountConfig
	Platform  lark.API

	open  StoreOpener
	mu    sync.Mutex
	store database.Store
}

// NewRuntime creates a runtime whose store is resolved lazily through open.
func NewRuntime(settings config.AccountConfig, platform lark.API, open StoreOpener) *Runtime {
	return &Runtime{
		ID:        settings.ID,
		TenantKey: settings.TenantKey,
		Settings:  settings,
		Platform:  platform,
		open:      open,
	}
}

// NewStaticRuntime creates a runtime over an already opened store.
func NewStaticRuntime(settings config.AccountConfig, platform lark.API, store database.Store) *Runtime {
	rt := NewRuntime(settings, platform, nil)
	rt.store = store
	return rt
}

// Store returns the account's tenant store, opening it if needed.
func (r *Runtime) Store(ctx context.Context) (database.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		return r.store, nil
	}
	if r.open == nil {
		return nil, fmt.Errorf("account %s has no store", r.ID)
	}
	store, err := r.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store for account %s: %w", r.ID, err)
	}
	r.store = store
	return store, nil
}

// Registry holds the runtimes of all configured accounts.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]*Runtime)}
}

// FromConfig builds a runtime per configured account. Stores share pools through dbs.
func FromConfig(cfg *config.Config, dbs *database.Registry, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	reg := NewRegistry()
	for _, acc := range cfg.Accounts {
		target, err := database.ParseTarget(acc.Database.URL, acc.Database.TablePrefix)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acc.ID, err)
		}
		target.MaxOpenConns = acc.Database.MaxOpenConns
		target.MaxIdleConns = acc.Database.MaxIdleConns
		target.ConnMaxLifetime = acc.Database.ConnMaxLifetime

		accLogger := logger.With("account", acc.ID)
		platform := lark.NewClient(lark.Config{
			BaseURL:           acc.BaseURL,
			AppID:             acc.AppID,
			AppSecret:         acc.AppSecret,
			RequestsPerSecond: acc.RequestsPerSecond,
		}, accLogger)

		open := func(ctx context.Context) (database.Store, error) {
			h, err := dbs.Open(ctx, target)
			if err != nil {
				return nil, err
			}
			return database.NewStore(h, accLogger), nil
		}

		if err := reg.Add(NewRuntime(acc, platform, open)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Add registers a runtime. Account ids must be unique.
func (r *Registry) Add(rt *Runtime) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runtimes[rt.ID]; ok {
		return fmt.Errorf("duplicate account id %q", rt.ID)
	}
	r.runtimes[rt.ID] = rt
	return nil
}

// Get returns the runtime of an account.
func (r *Registry) Get(id string) (*Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	return rt, ok
}

// All returns every runtime ordered by account id.
func (r *Registry) All() []*Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		all = append(all, rt)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}
