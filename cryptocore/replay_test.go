package cryptocore

import (
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestReplayGuardFreshnessWindow(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewReplayGuard(WithReplayClock(fixedClock(base)))

	if g.IsReplayAttack("m1", base.Add(-4*time.Minute)) {
		t.Fatalf("message within the window rejected")
	}
	if got := g.Check("m2", base.Add(-6*time.Minute)); got != ReplayStale {
		t.Fatalf("old message: got %v want stale", got)
	}
	if got := g.Check("m3", base.Add(6*time.Minute)); got != ReplayStale {
		t.Fatalf("future message: got %v want stale", got)
	}
	if g.Len() != 1 {
		t.Fatalf("stale messages must not be recorded, len=%d", g.Len())
	}
}

func TestReplayGuardDuplicate(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewReplayGuard(WithReplayClock(fixedClock(base)))
	if g.IsReplayAttack("dup", base) {
		t.Fatalf("first delivery rejected")
	}
	if got := g.Check("dup", base); got != ReplayDuplicate {
		t.Fatalf("second delivery: got %v want duplicate", got)
	}
}

func TestReplayGuardEvictsOldestHalf(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewReplayGuard(WithReplayClock(fixedClock(base)), WithReplayCapacity(4))
	for i := 1; i <= 4; i++ {
		if g.IsReplayAttack(fmt.Sprintf("id-%d", i), base) {
			t.Fatalf("id-%d rejected", i)
		}
	}
	if g.IsReplayAttack("id-5", base) {
		t.Fatalf("id-5 rejected")
	}
	if g.Len() != 3 {
		t.Fatalf("after eviction: len=%d want 3", g.Len())
	}
	if got := g.Check("id-3", base); got != ReplayDuplicate {
		t.Fatalf("id-3 should survive eviction, got %v", got)
	}
	if got := g.Check("id-1", base); got != ReplayFresh {
		t.Fatalf("id-1 should have been evicted, got %v", got)
	}
}

func TestReplayGuardCustomEviction(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewReplayGuard(WithReplayClock(fixedClock(base)), WithReplayCapacity(3), WithReplayEviction(1))
	for _, id := range []string{"a", "b", "c", "d"} {
		g.IsReplayAttack(id, base)
	}
	if got := g.Check("b", base); got != ReplayDuplicate {
		t.Fatalf("b should still be remembered, got %v", got)
	}
	if got := g.Check("a", base); got != ReplayFresh {
		t.Fatalf("a should have been evicted, got %v", got)
	}
}

func TestReplayGuardConcurrentUse(t *testing.T) {
	g := NewReplayGuard()
	var wg sync.WaitGroup
	rejected := make(chan string, 64)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				if g.IsReplayAttack(id, time.Now()) {
					rejected <- id
				}
			}
		}(w)
	}
	wg.Wait()
	close(rejected)
	for id := range rejected {
		t.Fatalf("unique id %s rejected", id)
	}
	if g.Len() != 800 {
		t.Fatalf("len=%d want 800", g.Len())
	}
}

func TestGenerateMessageID(t *testing.T) {
	at := time.UnixMilli(1700000000123).UTC()
	restore := UseClock(fixedClock(at))
	defer restore()

	pattern := regexp.MustCompile(`^1700000000123-[0-9a-f]{16}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateMessageID()
		if err != nil {
			t.Fatalf("GenerateMessageID: %v", err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected id format %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
