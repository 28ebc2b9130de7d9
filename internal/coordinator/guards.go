// Package coordinator owns the per-account scheduling state shared by the pipeline's
// background loops: single-active-worker guards and refresh timestamps.
package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Subsystems guarded per account.
const (
	SubsystemDownload   = "download"
	SubsystemExtraction = "extraction"
	SubsystemDirectory  = "directory"
	SubsystemChat       = "chat"
)

type guardState struct {
	rerun bool
}

// Guards runs at most one loop per subsystem and key. A trigger that arrives while the loop
// is active is coalesced into a single extra pass after the current one returns.
// Loops for different keys run in parallel.
type Guards struct {
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	active  map[string]*guardState
	closing bool
	wg      sync.WaitGroup
}

// NewGuards creates guards whose loops run with ctx.
func NewGuards(ctx context.Context, logger *slog.Logger) *Guards {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Guards{
		ctx:    ctx,
		logger: logger.With("component", "coordinator"),
		active: make(map[string]*guardState),
	}
}

func guardKey(subsystem, key string) string {
	return subsystem + "/" + key
}

// Trigger starts fn in the background unless a loop for subsystem/key is active, in which
// case the active loop runs fn once more when it finishes. It reports whether a new loop
// was started.
func (g *Guards) Trigger(subsystem, key string, fn func(ctx context.Context) error) bool {
	k := guardKey(subsystem, key)

	g.mu.Lock()
	if g.closing || g.ctx.Err() != nil {
		g.mu.Unlock()
		return false
	}
	if st, ok := g.active[k]; ok {
		st.rerun = true
		g.mu.Unlock()
		return false
	}
	st := &guardState{}
	g.active[k] = st
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		for {
			g.runOnce(subsystem, key, fn)

			g.mu.Lock()
			if st.rerun && g.ctx.Err() == nil {
				st.rerun = false
				g.mu.Unlock()
				continue
			}
			delete(g.active, k)
			g.mu.Unlock()
			return
		}
	}()
	return true
}

func (g *Guards) runOnce(subsystem, key string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Guarded loop panicked", "subsystem", subsystem, "key", key, "panic", r)
		}
	}()

	if err := fn(g.ctx); err != nil {
		g.logger.Error("Guarded loop failed", "subsystem", subsystem, "key", key, "error", err)
	}
}

// Active reports whether a loop for subsystem/key is running.
func (g *Guards) Active(subsystem, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[guardKey(subsystem, key)]
	return ok
}

// Wait stops accepting triggers and blocks until running loops return.
func (g *Guards) Wait() {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()
	g.wg.Wait()
}
