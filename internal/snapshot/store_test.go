package snapshot

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"mqdash/internal/models"
)

// snapshotForCycle builds a snapshot whose every field carries the same cycle
// marker, so a torn read would be detectable.
func snapshotForCycle(n int) *models.Snapshot {
	marker := json.RawMessage(fmt.Sprintf(`{"cycle":%d}`, n))
	return &models.Snapshot{
		Brokers:      map[string]json.RawMessage{"b1": marker},
		Clients:      map[string]json.RawMessage{"c1": marker},
		SystemHealth: marker,
		TCPHealth:    map[string]json.RawMessage{"b1": marker},
		CapturedAt:   time.Unix(int64(n), 0).UTC(),
	}
}

func TestCurrentNilBeforeFirstReplace(t *testing.T) {
	s := NewStore()
	if s.Current() != nil {
		t.Fatal("expected nil snapshot before first replace")
	}
	if s.LastError() != nil {
		t.Fatal("expected nil last error on fresh store")
	}
}

func TestReplaceAndCurrent(t *testing.T) {
	s := NewStore()
	snap := snapshotForCycle(1)
	s.Replace(snap)
	if got := s.Current(); got != snap {
		t.Fatalf("expected the exact snapshot back, got %+v", got)
	}
}

func TestReplaceClearsLastError(t *testing.T) {
	s := NewStore()
	s.SetLastError(&models.FetchError{Cause: "tcp-check: timeout", OccurredAt: time.Now()})
	if s.LastError() == nil {
		t.Fatal("expected last error to be retained")
	}
	s.Replace(snapshotForCycle(1))
	if s.LastError() != nil {
		t.Fatal("expected successful replace to clear last error")
	}
}

func TestSetLastErrorKeepsSnapshot(t *testing.T) {
	s := NewStore()
	snap := snapshotForCycle(1)
	s.Replace(snap)
	s.SetLastError(&models.FetchError{Cause: "broker-status: 502", OccurredAt: time.Now()})
	if got := s.Current(); got != snap {
		t.Fatal("fetch error must not touch the current snapshot")
	}
}

func TestNilArgumentsIgnored(t *testing.T) {
	s := NewStore()
	s.Replace(snapshotForCycle(1))
	s.Replace(nil)
	if s.Current() == nil {
		t.Fatal("nil replace must not clear the snapshot")
	}
	s.SetLastError(nil)
	if s.LastError() != nil {
		t.Fatal("nil error must not be recorded")
	}
}

// TestConcurrentReplaceAndCurrent hammers the store from writers and readers
// and verifies every observed snapshot is internally consistent: all fields
// from the same cycle, never a mix.
func TestConcurrentReplaceAndCurrent(t *testing.T) {
	s := NewStore()
	const cycles = 500
	const readers = 8

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= cycles; i++ {
			s.Replace(snapshotForCycle(i))
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastSeen int64 = -1
			for i := 0; i < cycles; i++ {
				snap := s.Current()
				if snap == nil {
					continue
				}
				broker := string(snap.Brokers["b1"])
				if string(snap.Clients["c1"]) != broker ||
					string(snap.SystemHealth) != broker ||
					string(snap.TCPHealth["b1"]) != broker {
					t.Errorf("torn snapshot: fields from different cycles: %s vs %s",
						broker, snap.SystemHealth)
					return
				}
				captured := snap.CapturedAt.Unix()
				if captured < lastSeen {
					t.Errorf("snapshot went backwards: %d after %d", captured, lastSeen)
					return
				}
				lastSeen = captured
			}
		}()
	}
	wg.Wait()
}
