package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/candorlab/candor/pkg/analysis"
)

func TestMemStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore(nil)

	info, err := s.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if info.ID == "" {
		t.Fatal("Create() returned empty ID")
	}

	got, err := s.Get(ctx, info.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TurnCount != 0 {
		t.Errorf("TurnCount = %d, want 0", got.TurnCount)
	}

	if err := s.Append(ctx, info.ID, analysis.Result{Transcript: "first"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	hist, err := s.History(ctx, info.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(hist) != 1 || hist[0].Transcript != "first" {
		t.Errorf("History() = %+v", hist)
	}

	if err := s.Delete(ctx, info.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.History(ctx, info.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("History() after delete = %v, want ErrNotFound", err)
	}
	// Deleting again is not an error.
	if err := s.Delete(ctx, info.ID); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestMemStore_HistoryNeverNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore(nil)
	info, _ := s.Create(ctx)

	hist, err := s.History(ctx, info.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if hist == nil {
		t.Error("History() = nil, want empty slice")
	}
}

func TestMemStore_AcquireExcludesConcurrentRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore(nil)
	info, _ := s.Create(ctx)

	if err := s.Acquire(ctx, info.ID); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	if err := s.Acquire(ctx, info.ID); !errors.Is(err, ErrAnalysisInProgress) {
		t.Fatalf("second Acquire() = %v, want ErrAnalysisInProgress", err)
	}
	s.Release(ctx, info.ID)
	if err := s.Acquire(ctx, info.ID); err != nil {
		t.Errorf("Acquire() after Release = %v", err)
	}
}

func TestMemStore_AcquireUnknownSession(t *testing.T) {
	t.Parallel()
	s := NewMemStore(nil)
	if err := s.Acquire(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Acquire() = %v, want ErrNotFound", err)
	}
	// Release on an unknown session is a no-op.
	s.Release(context.Background(), "missing")
}

func TestMemStore_ConcurrentAcquireAdmitsExactlyOne(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore(nil)
	info, _ := s.Create(ctx)

	const goroutines = 32
	var wg sync.WaitGroup
	var admitted sync.Map
	wins := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := s.Acquire(ctx, info.ID); err == nil {
				admitted.Store(n, true)
				wins <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("admitted %d acquirers, want 1", count)
	}
}

func TestMemStore_HistoryCap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore(nil, WithMaxHistory(3))
	info, _ := s.Create(ctx)

	for i := 0; i < 5; i++ {
		if err := s.Append(ctx, info.ID, analysis.Result{Transcript: fmt.Sprintf("turn %d", i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	hist, _ := s.History(ctx, info.ID)
	if len(hist) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(hist))
	}
	if hist[0].Transcript != "turn 2" || hist[2].Transcript != "turn 4" {
		t.Errorf("cap did not evict oldest: %+v", hist)
	}
}

func TestMemStore_SweepEvictsIdleSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewMemStore(nil, WithTTL(time.Hour), WithClock(func() time.Time { return clock() }))

	idle, _ := s.Create(ctx)
	held, _ := s.Create(ctx)
	if err := s.Acquire(ctx, held.ID); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	now = now.Add(2 * time.Hour)
	if evicted := s.Sweep(); evicted != 1 {
		t.Fatalf("Sweep() = %d, want 1", evicted)
	}
	if _, err := s.Get(ctx, idle.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("idle session survived sweep")
	}
	// A session with an analysis in flight is never evicted mid-run.
	if _, err := s.Get(ctx, held.ID); err != nil {
		t.Errorf("in-flight session evicted: %v", err)
	}
}

func TestMemStore_HistoryReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemStore(nil)
	info, _ := s.Create(ctx)
	_ = s.Append(ctx, info.ID, analysis.Result{Transcript: "original"})

	hist, _ := s.History(ctx, info.ID)
	hist[0].Transcript = "mutated"

	again, _ := s.History(ctx, info.ID)
	if again[0].Transcript != "original" {
		t.Error("History() exposed internal slice")
	}
}
