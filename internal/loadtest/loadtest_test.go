package loadtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
)

// TestCreateTestStore verifies the generated history has the expected shape.
func TestCreateTestStore(t *testing.T) {
	ts, err := CreateTestStore(filepath.Join(t.TempDir(), "load.db"), 100, 0.2)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	if len(ts.IDs) != 100 {
		t.Errorf("Expected 100 activities, got %d", len(ts.IDs))
	}

	runningPct := float64(len(ts.RunningIDs)) / float64(ts.Total) * 100
	if runningPct < 5 || runningPct > 40 {
		t.Errorf("Expected ~20%% running activities, got %.1f%%", runningPct)
	}

	count, err := ts.Store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 100 {
		t.Errorf("Expected 100 stored activities, got %d", count)
	}
}

// TestConcurrentQueries_Small verifies basic concurrent fetch functionality.
func TestConcurrentQueries_Small(t *testing.T) {
	ts, err := CreateTestStore(filepath.Join(t.TempDir(), "load.db"), 100, 0.2)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	stats, err := ts.RunConcurrentQueries(10, 6)
	if err != nil {
		t.Fatalf("Concurrent queries failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during queries", stats.Errors)
	}
	if stats.Operations != 60 {
		t.Errorf("Expected 60 total queries, got %d", stats.Operations)
	}

	stats.PrintStats()

	if stats.Mean > 250*time.Millisecond {
		t.Errorf("Mean query time too high: %v", stats.Mean)
	}
}

// TestConcurrentWrites_NoLostUpdates verifies concurrent edits all land.
func TestConcurrentWrites_NoLostUpdates(t *testing.T) {
	ts, err := CreateTestStore(filepath.Join(t.TempDir(), "load.db"), 60, 0.2)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	stats, err := ts.RunConcurrentWrites(12, 10)
	if err != nil {
		t.Fatalf("Concurrent writes failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Fatalf("Got %d errors during writes", stats.Errors)
	}

	if err := ts.VerifyWrites(12, 10); err != nil {
		t.Error(err)
	}

	for _, id := range ts.RunningIDs {
		got, err := ts.Store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get %s failed: %v", id, err)
		}
		if got.IsActive() {
			t.Errorf("running activity %s was not ended by its writer", id)
		}
	}
}

// TestNoLostInserts verifies that adds racing with reads are all recorded.
func TestNoLostInserts(t *testing.T) {
	ts, err := CreateTestStore(filepath.Join(t.TempDir(), "load.db"), 50, 0.2)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	defer ts.Close()

	t.Log("Adding activities from 8 writers for 500ms...")
	if err := ts.VerifyNoLostInserts(8, 500*time.Millisecond); err != nil {
		t.Errorf("Lost insert detected: %v", err)
	}
	if ts.Total <= 50 {
		t.Errorf("Expected writers to add activities, total is %d", ts.Total)
	}
}

func TestGenerateActivities_Deterministic(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := generateActivities(base, 20, 0.5)
	b := generateActivities(base, 20, 0.5)

	for i := range a {
		if a[i].IsActive() != b[i].IsActive() || a[i].Type != b[i].Type {
			t.Fatalf("activity %d differs between runs", i)
		}
	}
	if a[2].Type != activity.TypeTummyTime {
		t.Errorf("expected every third activity to be tummy time, got %s", a[2].Type)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("unexpected bounds: min %v max %v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("expected P50 51ms, got %v", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("expected P99 100ms, got %v", stats.P99)
	}
	if stats.Operations != 100 {
		t.Errorf("expected 100 operations, got %d", stats.Operations)
	}

	if empty := computeLatencyStats(nil); empty.Operations != 0 {
		t.Errorf("expected empty stats, got %+v", empty)
	}
}
