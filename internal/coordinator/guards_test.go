package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTriggerCoalescesWhileActive(t *testing.T) {
	t.Parallel()
	g := NewGuards(context.Background(), nil)

	release := make(chan struct{})
	var runs atomic.Int32
	loop := func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			<-release
		}
		return nil
	}

	if !g.Trigger(SubsystemDownload, "acc", loop) {
		t.Fatal("expected first trigger to start a loop")
	}
	for i := 0; i < 5; i++ {
		if g.Trigger(SubsystemDownload, "acc", loop) {
			t.Fatal("expected trigger while active to be coalesced")
		}
	}
	if !g.Active(SubsystemDownload, "acc") {
		t.Error("expected loop to be active")
	}

	close(release)
	g.Wait()

	if got := runs.Load(); got != 2 {
		t.Errorf("expected one extra pass for the coalesced triggers, got %d runs", got)
	}
	if g.Active(SubsystemDownload, "acc") {
		t.Error("expected loop to be finished")
	}
}

func TestTriggerRunsAccountsInParallel(t *testing.T) {
	t.Parallel()
	g := NewGuards(context.Background(), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(ctx context.Context) error {
		wg.Done()
		wg.Wait()
		return nil
	}

	g.Trigger(SubsystemExtraction, "acc-1", barrier)
	g.Trigger(SubsystemExtraction, "acc-2", barrier)

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected loops of different accounts to run concurrently")
	}
}

func TestSubsystemsAreIndependent(t *testing.T) {
	t.Parallel()
	g := NewGuards(context.Background(), nil)

	release := make(chan struct{})
	g.Trigger(SubsystemDownload, "acc", func(ctx context.Context) error {
		<-release
		return nil
	})
	if !g.Trigger(SubsystemExtraction, "acc", func(ctx context.Context) error { return nil }) {
		t.Error("expected another subsystem of the same account to start")
	}
	close(release)
	g.Wait()
}

func TestLoopErrorsAndPanicsReleaseGuard(t *testing.T) {
	t.Parallel()
	g := NewGuards(context.Background(), nil)

	done := make(chan struct{})
	g.Trigger(SubsystemDirectory, "acc", func(ctx context.Context) error {
		defer close(done)
		panic("boom")
	})
	<-done

	deadline := time.Now().Add(2 * time.Second)
	for g.Active(SubsystemDirectory, "acc") {
		if time.Now().After(deadline) {
			t.Fatal("guard was not released after panic")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !g.Trigger(SubsystemDirectory, "acc", func(ctx context.Context) error { return errors.New("fail") }) {
		t.Error("expected a new loop after the previous one panicked")
	}
	g.Wait()
}

func TestTriggerAfterWaitIsRejected(t *testing.T) {
	t.Parallel()
	g := NewGuards(context.Background(), nil)
	g.Wait()

	if g.Trigger(SubsystemChat, "acc", func(ctx context.Context) error { return nil }) {
		t.Error("expected trigger after Wait to be rejected")
	}
}
