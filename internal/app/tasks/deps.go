// Package tasks implements the periodic jobs of chatmirror: directory syncs and the
// resource and extraction sweeps that catch work no inbound event triggered.
package tasks

import (
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/edgard/chatmirror/internal/account"
)

// Accounts lists the configured account runtimes.
type Accounts interface {
	All() []*account.Runtime
}

// Trigger starts a guarded per-account loop.
type Trigger interface {
	Trigger(accountID string) bool
}

// TaskDeps contains all dependencies required by scheduled tasks.
type TaskDeps struct {
	Logger      *slog.Logger
	Accounts    Accounts
	Downloads   Trigger
	Extractions Trigger
	Directory   Trigger
	// Clock decides directory freshness. Nil means the wall clock.
	Clock clockwork.Clock
}
