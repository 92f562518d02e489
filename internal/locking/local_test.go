package locking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocalLockerSerializesOverlappingKeys(t *testing.T) {
	locker := NewLocalLocker()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	keySets := [][]string{
		{"email:a", "phone:1"},
		{"phone:1", "email:b"},
		{"phone:1"},
		{"phone:1", "email:c"},
	}
	for round := 0; round < 5; round++ {
		for _, keys := range keySets {
			wg.Add(1)
			go func(keys []string) {
				defer wg.Done()
				release, err := locker.Lock(context.Background(), keys)
				if err != nil {
					t.Errorf("lock failed: %v", err)
					return
				}
				current := atomic.AddInt32(&active, 1)
				for {
					observed := atomic.LoadInt32(&maxActive)
					if current <= observed || atomic.CompareAndSwapInt32(&maxActive, observed, current) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				release()
			}(keys)
		}
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected overlapping key sets to run one at a time, saw %d concurrently", maxActive)
	}
}

func TestLocalLockerAllowsDisjointKeys(t *testing.T) {
	locker := NewLocalLocker()

	releaseFirst, err := locker.Lock(context.Background(), []string{"email:a"})
	if err != nil {
		t.Fatalf("first lock failed: %v", err)
	}
	defer releaseFirst()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseSecond, err := locker.Lock(ctx, []string{"email:b"})
	if err != nil {
		t.Fatalf("disjoint lock should not block: %v", err)
	}
	releaseSecond()
}

func TestLocalLockerHonoursContextCancellation(t *testing.T) {
	locker := NewLocalLocker()

	release, err := locker.Lock(context.Background(), []string{"email:a", "phone:1"})
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, []string{"phone:1"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	release()
	release()

	again, err := locker.Lock(context.Background(), []string{"phone:1", "email:a"})
	if err != nil {
		t.Fatalf("expected keys to be free after release: %v", err)
	}
	again()

	locker.mu.Lock()
	remaining := len(locker.entries)
	locker.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected idle entries to be dropped, found %d", remaining)
	}
}

func TestNormalizeKeysSortsAndDeduplicates(t *testing.T) {
	got := normalizeKeys([]string{"phone:1", "", "email:a", "phone:1"})
	want := []string{"email:a", "phone:1"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected keys %v", got)
	}
}
