// Package loadtest provides load testing utilities for the activity store.
//
// It simulates a device where several views fetch the log while other
// goroutines end sessions and record new ones, and checks that the
// serialized executor neither loses writes nor stalls readers.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/db"
	"github.com/nightlog/nightlog/internal/history"
)

// TestStore represents a populated store for load testing.
type TestStore struct {
	Store      *db.Store
	IDs        []string
	RunningIDs []string
	Total      int
	RunningPct float64
	baseTime   time.Time
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
	Durations  []time.Duration
}

// CreateTestStore opens a store at dbPath and fills it with count activities.
//
// The activities alternate between sleep and tummy time, one every 90
// minutes going back from now, and roughly runningPct of them have no end
// date.
func CreateTestStore(dbPath string, count int, runningPct float64) (*TestStore, error) {
	store, err := db.Open(dbPath, db.Options{
		Store:  activity.StorePrivate,
		Node:   "loadtest",
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ts := &TestStore{
		Store:      store,
		IDs:        make([]string, 0, count),
		Total:      count,
		RunningPct: runningPct,
		baseTime:   time.Now().Add(-time.Duration(count) * 90 * time.Minute),
	}

	ctx := context.Background()
	for _, a := range generateActivities(ts.baseTime, count, runningPct) {
		if err := store.Add(ctx, a); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to insert activity %s: %w", a.ID, err)
		}
		ts.IDs = append(ts.IDs, a.ID)
		if a.IsActive() {
			ts.RunningIDs = append(ts.RunningIDs, a.ID)
		}
	}

	return ts, nil
}

// Close closes the store.
func (ts *TestStore) Close() error {
	if ts.Store != nil {
		return ts.Store.Close()
	}
	return nil
}

// RunConcurrentQueries simulates numReaders views fetching concurrently.
//
// Each reader performs queriesPerReader fetches cycling through a full
// listing, the last day and a single record lookup.
func (ts *TestStore) RunConcurrentQueries(numReaders int, queriesPerReader int) (*LatencyStats, error) {
	return ts.runConcurrent(numReaders, queriesPerReader, func(ctx context.Context, reader, i int) error {
		var q activity.Query
		switch i % 3 {
		case 0:
			q = activity.Query{Limit: 50}
		case 1:
			to := time.Now()
			q = activity.Between(to.Add(-24*time.Hour), to)
		default:
			q = activity.ByID(ts.IDs[(reader+i)%len(ts.IDs)])
		}
		_, err := ts.Store.Fetch(ctx, q)
		return err
	})
}

// RunConcurrentWrites simulates numWriters goroutines editing disjoint
// records. Writer w owns every record whose index is w modulo numWriters and
// sets its end date updatesPerWriter times.
func (ts *TestStore) RunConcurrentWrites(numWriters int, updatesPerWriter int) (*LatencyStats, error) {
	if numWriters > len(ts.IDs) {
		numWriters = len(ts.IDs)
	}
	return ts.runConcurrent(numWriters, updatesPerWriter, func(ctx context.Context, writer, i int) error {
		owned := ts.owned(writer, numWriters)
		id := owned[i%len(owned)]
		current, err := ts.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		end := ts.expectedEnd(writer, i)
		return ts.Store.Update(ctx, current.Activity.Ended(end))
	})
}

// VerifyWrites checks that every record edited by RunConcurrentWrites holds
// the last end date its writer set.
func (ts *TestStore) VerifyWrites(numWriters int, updatesPerWriter int) error {
	if numWriters > len(ts.IDs) {
		numWriters = len(ts.IDs)
	}
	ctx := context.Background()

	for w := 0; w < numWriters; w++ {
		owned := ts.owned(w, numWriters)
		last := make(map[string]time.Time)
		for i := 0; i < updatesPerWriter; i++ {
			last[owned[i%len(owned)]] = ts.expectedEnd(w, i)
		}
		for id, want := range last {
			got, err := ts.Store.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("writer %d: %w", w, err)
			}
			if got.EndDate == nil || !got.EndDate.Equal(want) {
				return fmt.Errorf("writer %d lost an update on %s: want end %v, got %v", w, id, want, got.EndDate)
			}
		}
	}
	return nil
}

// VerifyNoLostInserts runs numWriters goroutines adding activities for the
// given duration while numWriters readers fetch, then checks that the
// record count and the history both account for every add.
func (ts *TestStore) VerifyNoLostInserts(numWriters int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	before, err := ts.Store.LastToken(context.Background())
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	errorsChan := make(chan error, 2*numWriters)

	for i := 0; i < numWriters; i++ {
		wg.Add(2)
		go func(writerID int) {
			defer wg.Done()
			start := ts.baseTime.Add(-time.Duration(writerID+1) * 24 * time.Hour)
			for n := 0; ; n++ {
				select {
				case <-ctx.Done():
					return
				default:
				}
				a := activity.New(start.Add(time.Duration(n)*time.Second), activity.TypeSleep)
				if err := ts.Store.Add(context.Background(), a); err != nil {
					errorsChan <- fmt.Errorf("writer %d add failed: %w", writerID, err)
					return
				}
				mu.Lock()
				added++
				mu.Unlock()
			}
		}(i)

		go func(readerID int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				list, err := ts.Store.Fetch(ctx, activity.Query{Limit: 20})
				if err != nil && ctx.Err() == nil {
					errorsChan <- fmt.Errorf("reader %d fetch failed: %w", readerID, err)
					return
				}
				for _, a := range list {
					if a.ID == "" {
						errorsChan <- fmt.Errorf("reader %d found activity with empty ID", readerID)
						return
					}
				}
				time.Sleep(1 * time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)
	for err := range errorsChan {
		if err != nil {
			return err
		}
	}

	bg := context.Background()
	count, err := ts.Store.Count(bg)
	if err != nil {
		return err
	}
	if count != ts.Total+added {
		return fmt.Errorf("expected %d activities after %d adds, found %d", ts.Total+added, added, count)
	}

	txs, err := ts.Store.Transactions(bg, before, history.Filter{})
	if err != nil {
		return err
	}
	inserts := 0
	for _, c := range history.ActivityChanges(txs) {
		if c.Kind == history.KindInsert {
			inserts++
		}
	}
	if inserts != added {
		return fmt.Errorf("expected %d insert changes in history, found %d", added, inserts)
	}

	ts.Total = count
	return nil
}

func (ts *TestStore) runConcurrent(workers, perWorker int, op func(ctx context.Context, worker, i int) error) (*LatencyStats, error) {
	var wg sync.WaitGroup
	var allDurations []time.Duration
	var errorCount int

	resultsChan := make(chan []time.Duration, workers)
	errorsChan := make(chan error, workers)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, perWorker)
			ctx := context.Background()

			for i := 0; i < perWorker; i++ {
				start := time.Now()
				err := op(ctx, worker, i)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("worker %d op %d failed: %w", worker, i, err)
					return
				}
			}

			resultsChan <- durations
		}(w)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	for err := range errorsChan {
		errorCount++
		fmt.Printf("Error: %v\n", err)
	}
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no successful operations completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// owned returns the ids writer w edits, in index order.
func (ts *TestStore) owned(w, writers int) []string {
	var ids []string
	for i := w; i < len(ts.IDs); i += writers {
		ids = append(ids, ts.IDs[i])
	}
	return ids
}

func (ts *TestStore) expectedEnd(writer, i int) time.Time {
	return ts.baseTime.Add(time.Duration(writer)*time.Hour + time.Duration(i+1)*time.Second).UTC().Truncate(time.Millisecond)
}

// generateActivities creates a deterministic history of count sessions.
func generateActivities(base time.Time, count int, runningPct float64) []activity.Activity {
	rng := rand.New(rand.NewSource(42))
	list := make([]activity.Activity, count)
	types := []activity.Type{activity.TypeSleep, activity.TypeSleep, activity.TypeTummyTime}

	for i := 0; i < count; i++ {
		start := base.Add(time.Duration(i) * 90 * time.Minute)
		a := activity.New(start, types[i%len(types)])
		if rng.Float64() >= runningPct {
			a = a.Ended(start.Add(time.Duration(10+rng.Intn(70)) * time.Minute))
		}
		list[i] = a
	}
	return list
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(durations),
		Durations:  sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Operations:    %d\n", s.Operations)
	fmt.Printf("  Errors:        %d\n", s.Errors)
	fmt.Printf("  Min:           %v\n", s.Min)
	fmt.Printf("  P50 (Median):  %v\n", s.P50)
	fmt.Printf("  Mean:          %v\n", s.Mean)
	fmt.Printf("  P95:           %v\n", s.P95)
	fmt.Printf("  P99:           %v\n", s.P99)
	fmt.Printf("  Max:           %v\n", s.Max)
}
