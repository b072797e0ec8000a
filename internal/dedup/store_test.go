package dedup

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pipewatch/pkg/models"
)

func testFingerprint() models.Fingerprint {
	return models.ComputeFingerprint(42, 1001, 77, "failed")
}

func TestRegisterNewThenDuplicate(t *testing.T) {
	s := NewStore()
	fp := testFingerprint()

	existing, isNew := s.Register(fp, "req-1", time.Minute)
	if !isNew {
		t.Fatal("Expected first registration to be new")
	}
	if existing != "" {
		t.Errorf("Expected empty existing id, got %s", existing)
	}

	existing, isNew = s.Register(fp, "req-2", time.Minute)
	if isNew {
		t.Fatal("Expected second registration to be a duplicate")
	}
	if existing != "req-1" {
		t.Errorf("Expected existing id req-1, got %s", existing)
	}
}

func TestRegisterAfterExpiry(t *testing.T) {
	s := NewStore()
	fp := testFingerprint()

	current := time.Now()
	s.now = func() time.Time { return current }

	if _, isNew := s.Register(fp, "req-1", time.Minute); !isNew {
		t.Fatal("Expected first registration to be new")
	}

	current = current.Add(2 * time.Minute)

	if _, isNew := s.Register(fp, "req-2", time.Minute); !isNew {
		t.Error("Expected registration after TTL expiry to be new")
	}
	if id, ok := s.Lookup(fp); !ok || id != "req-2" {
		t.Errorf("Expected req-2 to own the fingerprint, got %s (ok=%v)", id, ok)
	}
}

func TestExtendKeepsSuppressing(t *testing.T) {
	s := NewStore()
	fp := testFingerprint()

	current := time.Now()
	s.now = func() time.Time { return current }

	s.Register(fp, "req-1", time.Minute)

	// Terminal state re-arms the expiry for a full grace period.
	current = current.Add(50 * time.Second)
	s.Extend(fp, time.Minute)

	current = current.Add(30 * time.Second)
	if _, isNew := s.Register(fp, "req-2", time.Minute); isNew {
		t.Error("Expected duplicate suppression during grace period")
	}

	current = current.Add(time.Minute)
	if _, isNew := s.Register(fp, "req-3", time.Minute); !isNew {
		t.Error("Expected registration after grace period to be new")
	}
}

func TestReleaseDropsImmediately(t *testing.T) {
	s := NewStore()
	fp := testFingerprint()

	s.Register(fp, "req-1", time.Hour)
	s.Release(fp)

	if _, ok := s.Lookup(fp); ok {
		t.Error("Expected fingerprint to be gone after Release")
	}
	if _, isNew := s.Register(fp, "req-2", time.Hour); !isNew {
		t.Error("Expected registration after Release to be new")
	}
}

func TestConcurrentRegisterSingleWinner(t *testing.T) {
	s := NewStore()
	fp := testFingerprint()

	const workers = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, isNew := s.Register(fp, fmt.Sprintf("req-%d", n), time.Minute); isNew {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one winner among concurrent registrations, got %d", winners)
	}
}

func TestLookupEvictsExpired(t *testing.T) {
	s := NewStore()
	fp := testFingerprint()

	current := time.Now()
	s.now = func() time.Time { return current }

	s.Register(fp, "req-1", time.Minute)
	current = current.Add(2 * time.Minute)

	if _, ok := s.Lookup(fp); ok {
		t.Error("Expected expired fingerprint to be evicted on lookup")
	}

	s.mu.Lock()
	_, stillThere := s.entries[fp]
	s.mu.Unlock()
	if stillThere {
		t.Error("Expected lazy eviction to remove the map entry")
	}
}
