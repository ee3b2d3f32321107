package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Frohrer/codux/internal/runner/scheduler"

	"github.com/prometheus/client_golang/prometheus"
)

func TestAdmitWithinCapacity(t *testing.T) {
	s := scheduler.New(2)
	ctx := context.Background()
	if err := s.Admit(ctx); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if err := s.Admit(ctx); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if s.TryAdmit() {
		t.Fatalf("third slot should not be available")
	}
	if got := s.Stats(); got.InUse != 2 || got.Capacity != 2 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestReleaseHandsSlotToOldestWaiter(t *testing.T) {
	s := scheduler.New(1)
	ctx := context.Background()
	if err := s.Admit(ctx); err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := s.Admit(ctx); err != nil {
				t.Errorf("admit %d failed: %v", n, err)
				return
			}
			order <- n
			s.Release()
		}(i)
		waitFor(t, func() bool { return s.Stats().Waiting == i+1 })
	}

	s.Release()
	wg.Wait()
	close(order)
	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("admission out of order: got %d want %d", got, want)
		}
		want++
	}
	if stats := s.Stats(); stats.InUse != 0 || stats.Waiting != 0 {
		t.Fatalf("slots leaked: %+v", stats)
	}
}

func TestAdmitCancelledWithdrawsWaiter(t *testing.T) {
	s := scheduler.New(1)
	if err := s.Admit(context.Background()); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Admit(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if stats := s.Stats(); stats.Waiting != 0 || stats.InUse != 1 {
		t.Fatalf("cancelled waiter should be withdrawn: %+v", stats)
	}
	s.Release()
	if !s.TryAdmit() {
		t.Fatalf("slot should be free after release")
	}
}

func TestNeverExceedsCapacity(t *testing.T) {
	const capacity = 3
	s := scheduler.New(capacity)
	var mu sync.Mutex
	running, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Admit(context.Background()); err != nil {
				t.Errorf("admit failed: %v", err)
				return
			}
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			s.Release()
		}()
	}
	wg.Wait()
	if peak > capacity {
		t.Fatalf("peak %d exceeded capacity %d", peak, capacity)
	}
}

func TestRegisterGauges(t *testing.T) {
	s := scheduler.New(4)
	reg := prometheus.NewRegistry()
	if err := s.Register(reg); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(families) != 3 {
		t.Fatalf("expected 3 metric families, got %d", len(families))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
