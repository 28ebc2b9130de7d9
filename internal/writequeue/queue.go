// Package writequeue serializes writes per ordering key. Tasks sharing a key run one at a
// time in submission order; tasks for different keys run concurrently.
package writequeue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("write queue closed")

// Task is one unit of work. Its error is logged and otherwise ignored.
type Task func(ctx context.Context) error

// Queue runs one worker goroutine per key that has pending tasks. The worker
// exits once its key's backlog is empty.
type Queue struct {
	ctx    context.Context
	logger *slog.Logger

	mu     sync.Mutex
	chains map[string][]Task
	idle   chan struct{}
	closed bool
}

// New creates a queue whose tasks run with ctx. Cancelling ctx does not drop queued
// tasks; they still run and observe the cancelled context.
func New(ctx context.Context, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		ctx:    ctx,
		logger: logger.With("component", "write_queue"),
		chains: make(map[string][]Task),
		idle:   idle,
	}
}

// Enqueue schedules task after every task previously enqueued for key has settled.
// Callers do not observe completion.
func (q *Queue) Enqueue(key string, task Task) error {
	if task == nil {
		return fmt.Errorf("nil task for key %s", key)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	backlog, running := q.chains[key]
	q.chains[key] = append(backlog, task)
	if running {
		return nil
	}

	if len(q.chains) == 1 {
		q.idle = make(chan struct{})
	}
	go q.drain(key)
	return nil
}

func (q *Queue) drain(key string) {
	for {
		q.mu.Lock()
		backlog := q.chains[key]
		if len(backlog) == 0 {
			delete(q.chains, key)
			if len(q.chains) == 0 {
				close(q.idle)
			}
			q.mu.Unlock()
			return
		}
		task := backlog[0]
		// The key stays present (possibly with an empty backlog) while the task runs,
		// so a concurrent Enqueue appends instead of starting a second worker.
		q.chains[key] = backlog[1:]
		q.mu.Unlock()

		q.run(key, task)
	}
}

func (q *Queue) run(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Write task panicked", "key", key, "panic", r)
		}
	}()

	if err := task(q.ctx); err != nil {
		q.logger.Error("Write task failed", "key", key, "error", err)
	}
}

// Pending returns the number of tasks waiting for key, excluding a running one.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chains[key])
}

// Wait blocks until every key's backlog has drained or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Tasks already queued still run; use Wait to join them.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
