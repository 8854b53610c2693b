package infra

import (
	"sync"
	"testing"
	"time"
)

func TestMetrics_RecordCycle(t *testing.T) {
	m := &Metrics{}

	m.RecordCycle(1*time.Second, 100, 2)
	m.RecordCycle(2*time.Second, 120, 0)
	m.RecordCycle(3*time.Second, 110, 1)

	snap := m.Snapshot()

	if snap.CyclesSucceeded != 3 {
		t.Errorf("Expected 3 cycles, got %d", snap.CyclesSucceeded)
	}
	// Average: (1s + 2s + 3s) / 3 = 2s
	if snap.AvgCycle != 2*time.Second {
		t.Errorf("Expected avg cycle 2s, got %v", snap.AvgCycle)
	}
	if snap.LastCycle != 3*time.Second {
		t.Errorf("Expected last cycle 3s, got %v", snap.LastCycle)
	}
	if snap.Listings != 110 {
		t.Errorf("Expected 110 listings, got %d", snap.Listings)
	}
	if snap.DecodeFailures != 3 {
		t.Errorf("Expected 3 decode failures, got %d", snap.DecodeFailures)
	}
}

func TestMetrics_FailuresAndSkips(t *testing.T) {
	m := &Metrics{}

	m.RecordCycleFailure()
	m.RecordSkippedTick()
	m.RecordSkippedTick()
	m.RecordQuery("query")

	snap := m.Snapshot()
	if snap.CyclesFailed != 1 || snap.TicksSkipped != 2 || snap.Queries != 1 {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if snap.AvgCycle != 0 {
		t.Errorf("AvgCycle without successful cycles should be 0, got %v", snap.AvgCycle)
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	m := &Metrics{}
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordQuery("lowestbin")
			m.RecordSkippedTick()
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap.Queries != 50 || snap.TicksSkipped != 50 {
		t.Errorf("Expected 50/50, got %d/%d", snap.Queries, snap.TicksSkipped)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}
	m.RecordCycle(time.Second, 10, 1)
	m.RecordCycleFailure()
	m.Reset()

	snap := m.Snapshot()
	if snap.CyclesSucceeded != 0 || snap.CyclesFailed != 0 || snap.Listings != 0 {
		t.Errorf("Expected zeroed metrics, got %+v", snap)
	}
}
