package writequeue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

func TestEnqueuePreservesOrderPerKey(t *testing.T) {
	t.Parallel()
	q := New(context.Background(), nil)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		err := q.Enqueue("tenant-a", func(ctx context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	waitIdle(t, q)

	if len(got) != 50 {
		t.Fatalf("expected 50 tasks, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("expected task %d at position %d, got %d", i, i, v)
		}
	}
}

func TestFailureDoesNotBlockLaterTasks(t *testing.T) {
	t.Parallel()
	q := New(context.Background(), nil)

	ran := make(chan string, 3)
	_ = q.Enqueue("k", func(ctx context.Context) error {
		ran <- "first"
		return errors.New("write failed")
	})
	_ = q.Enqueue("k", func(ctx context.Context) error {
		ran <- "second"
		panic("boom")
	})
	_ = q.Enqueue("k", func(ctx context.Context) error {
		ran <- "third"
		return nil
	})
	waitIdle(t, q)
	close(ran)

	var order []string
	for name := range ran {
		order = append(order, name)
	}
	if len(order) != 3 || order[2] != "third" {
		t.Errorf("expected all three tasks in order, got %v", order)
	}
}

func TestKeysRunIndependently(t *testing.T) {
	t.Parallel()
	q := New(context.Background(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	_ = q.Enqueue("slow", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	done := make(chan struct{})
	_ = q.Enqueue("fast", func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected task on another key to run while the slow key is busy")
	}

	if got := q.Pending("slow"); got != 0 {
		t.Errorf("expected no pending tasks behind the running one, got %d", got)
	}
	close(release)
	waitIdle(t, q)
}

func TestSameKeyWaitsForRunningTask(t *testing.T) {
	t.Parallel()
	q := New(context.Background(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	var secondRan bool
	var mu sync.Mutex

	_ = q.Enqueue("k", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	_ = q.Enqueue("k", func(ctx context.Context) error {
		mu.Lock()
		secondRan = true
		mu.Unlock()
		return nil
	})

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if secondRan {
		t.Error("expected second task to wait for the first")
	}
	mu.Unlock()
	if got := q.Pending("k"); got != 1 {
		t.Errorf("expected 1 pending task, got %d", got)
	}

	close(release)
	waitIdle(t, q)

	mu.Lock()
	defer mu.Unlock()
	if !secondRan {
		t.Error("expected second task to run after the first settled")
	}
}

func TestCloseRejectsNewTasks(t *testing.T) {
	t.Parallel()
	q := New(context.Background(), nil)
	q.Close()

	err := q.Enqueue("k", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	waitIdle(t, q)
}
