package repository

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/db"
	"github.com/nightlog/nightlog/internal/notify"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func at(clock string) time.Time {
	tm, err := time.Parse("15:04", clock)
	if err != nil {
		panic(err)
	}
	return time.Date(2026, 3, 2, tm.Hour(), tm.Minute(), 0, 0, time.UTC)
}

type durableFixture struct {
	repo    *Durable
	private *db.Store
	shared  *db.Store
	bus     *notify.Bus
}

func newDurableFixture(t *testing.T) *durableFixture {
	t.Helper()
	dir := t.TempDir()
	bus := notify.NewBus()
	t.Cleanup(bus.Close)

	open := func(id activity.StoreID) *db.Store {
		s, err := db.Open(filepath.Join(dir, string(id)+".db"), db.Options{
			Store:  id,
			Node:   "test-device",
			Bus:    bus,
			Logger: log.New(io.Discard, "", 0),
		})
		if err != nil {
			t.Fatalf("db.Open(%s) failed: %v", id, err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	f := &durableFixture{private: open(activity.StorePrivate), shared: open(activity.StoreShared), bus: bus}
	repo, err := NewDurable(DurableConfig{
		Private: f.private,
		Shared:  f.shared,
		Bus:     bus,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewDurable() failed: %v", err)
	}
	f.repo = repo
	return f
}

// implementations lists every Repository; each contract test runs against
// all of them.
var implementations = []struct {
	name string
	open func(t *testing.T) Repository
}{
	{"durable", func(t *testing.T) Repository { return newDurableFixture(t).repo }},
	{"memory", func(t *testing.T) Repository {
		m := NewMemory()
		t.Cleanup(m.Close)
		return m
	}},
}

func forEach(t *testing.T, fn func(t *testing.T, repo Repository)) {
	for _, impl := range implementations {
		t.Run(impl.name, func(t *testing.T) {
			fn(t, impl.open(t))
		})
	}
}

func nextSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("observation closed")
		}
		if snap.Err != nil {
			t.Fatalf("snapshot error: %v", snap.Err)
		}
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("no snapshot")
		return Snapshot{}
	}
}

func ids(list []activity.Activity) []string {
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.ID
	}
	return out
}

func mustAdd(t *testing.T, repo Repository, a activity.Activity) {
	t.Helper()
	if err := repo.Add(context.Background(), a); err != nil {
		t.Fatalf("Add(%s) failed: %v", a.ID, err)
	}
}

func mustFetch(t *testing.T, repo Repository, q activity.Query) []activity.Activity {
	t.Helper()
	got, err := repo.Fetch(context.Background(), q)
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	return got
}

func wantIDs(t *testing.T, got []activity.Activity, want ...string) {
	t.Helper()
	if g := ids(got); !reflect.DeepEqual(g, want) {
		t.Errorf("ids = %v, want %v", g, want)
	}
}

func TestContract_RoundTrip(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		a := activity.New(t0.Add(-time.Hour), activity.TypeTummyTime).Ended(t0)
		mustAdd(t, repo, a)

		got := mustFetch(t, repo, activity.ByID(a.ID))
		if len(got) != 1 || !a.Equal(got[0]) {
			t.Errorf("Fetch() = %+v, want %+v", got, a)
		}
	})
}

func TestContract_FetchNewestFirst(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		byOffset := map[time.Duration]activity.Activity{}
		for _, offset := range []time.Duration{-3 * time.Hour, -1 * time.Hour, -2 * time.Hour} {
			a := activity.New(t0.Add(offset), activity.TypeSleep)
			byOffset[offset] = a
			mustAdd(t, repo, a)
		}

		wantIDs(t, mustFetch(t, repo, activity.All()),
			byOffset[-1*time.Hour].ID,
			byOffset[-2*time.Hour].ID,
			byOffset[-3*time.Hour].ID)

		wantIDs(t, mustFetch(t, repo, activity.Query{Order: activity.OldestFirst, Limit: 2}),
			byOffset[-3*time.Hour].ID,
			byOffset[-2*time.Hour].ID)
	})
}

func TestContract_EndScenario(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		a := activity.Activity{ID: "1", StartDate: at("08:00"), Type: activity.TypeSleep}
		mustAdd(t, repo, a)
		if err := repo.Update(context.Background(), a.Ended(at("09:00"))); err != nil {
			t.Fatalf("Update() failed: %v", err)
		}

		got := mustFetch(t, repo, activity.All())
		if len(got) != 1 {
			t.Fatalf("Fetch() returned %d records, want 1", len(got))
		}
		if got[0].EndDate == nil || !got[0].EndDate.Equal(at("09:00")) {
			t.Errorf("EndDate = %v, want 09:00", got[0].EndDate)
		}
		if got[0].IsActive() {
			t.Error("IsActive() = true, want false")
		}
		if d := got[0].Duration(at("12:00")); d != time.Hour {
			t.Errorf("Duration() = %v, want 1h", d)
		}
	})
}

func TestContract_NotFoundLeavesStoreUnmodified(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		a := activity.New(t0, activity.TypeSleep)
		mustAdd(t, repo, a)

		ghost := activity.New(t0, activity.TypeTummyTime)
		if err := repo.Update(ctx, ghost); !activity.IsNotFound(err) {
			t.Errorf("Update(missing) error = %v, want NotFound", err)
		}

		err := repo.Delete(ctx, ghost.ID)
		if !activity.IsNotFound(err) {
			t.Errorf("Delete(missing) error = %v, want NotFound", err)
		}
		var storeErr *activity.Error
		if !errors.As(err, &storeErr) {
			t.Fatalf("Delete(missing) error %T is not *activity.Error", err)
		}
		if storeErr.ID != ghost.ID {
			t.Errorf("error ID = %q, want %q", storeErr.ID, ghost.ID)
		}

		if err := repo.Delete(ctx, ""); !activity.IsNotFound(err) {
			t.Errorf("Delete(\"\") error = %v, want NotFound", err)
		}

		got := mustFetch(t, repo, activity.All())
		if len(got) != 1 || !a.Equal(got[0]) {
			t.Errorf("store = %+v, want only %+v", got, a)
		}
	})
}

func TestContract_AddFailures(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		a := activity.New(t0, activity.TypeSleep)
		mustAdd(t, repo, a)

		err := repo.Add(ctx, a)
		if !activity.IsSaveFailed(err) || !errors.Is(err, activity.ErrDuplicateID) {
			t.Errorf("Add(duplicate) error = %v, want SaveFailed wrapping ErrDuplicateID", err)
		}

		if err := repo.Add(ctx, activity.Activity{StartDate: t0}); !activity.IsSaveFailed(err) {
			t.Errorf("Add(no id) error = %v, want SaveFailed", err)
		}
	})
}

func TestContract_DeletedIDCannotBeAddedAgain(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		a := activity.New(t0, activity.TypeSleep)
		mustAdd(t, repo, a)
		if err := repo.Delete(ctx, a.ID); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}

		err := repo.Add(ctx, a.Ended(t0.Add(time.Hour)))
		if !activity.IsSaveFailed(err) || !errors.Is(err, activity.ErrDeletedID) {
			t.Errorf("Add(deleted id) error = %v, want SaveFailed wrapping ErrDeletedID", err)
		}
		if got := mustFetch(t, repo, activity.All()); len(got) != 0 {
			t.Errorf("Fetch() = %+v, want nothing", got)
		}
	})
}

func TestContract_DeleteIsObservable(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		a := activity.New(t0, activity.TypeSleep)
		b := activity.New(t0.Add(-time.Hour), activity.TypeSleep)
		mustAdd(t, repo, a)
		mustAdd(t, repo, b)

		snapshots := repo.Observe(ctx, activity.All())
		wantIDs(t, nextSnapshot(t, snapshots).Activities, a.ID, b.ID)

		if err := repo.Delete(ctx, a.ID); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		wantIDs(t, mustFetch(t, repo, activity.All()), b.ID)

		for {
			snap := nextSnapshot(t, snapshots)
			if len(snap.Activities) == 1 {
				wantIDs(t, snap.Activities, b.ID)
				return
			}
		}
	})
}

func TestContract_ObserveFollowsQuery(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		snapshots := repo.Observe(ctx, activity.Query{Types: []activity.Type{activity.TypeTummyTime}})
		if first := nextSnapshot(t, snapshots); len(first.Activities) != 0 {
			t.Errorf("first snapshot = %+v, want empty", first.Activities)
		}

		a := activity.New(t0, activity.TypeTummyTime)
		mustAdd(t, repo, a)

		for {
			snap := nextSnapshot(t, snapshots)
			if len(snap.Activities) == 1 {
				wantIDs(t, snap.Activities, a.ID)
				return
			}
		}
	})
}

func TestContract_ObserveEndsWithContext(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		ctx, cancel := context.WithCancel(context.Background())
		snapshots := repo.Observe(ctx, activity.All())
		nextSnapshot(t, snapshots)

		cancel()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case _, ok := <-snapshots:
				if !ok {
					return
				}
			case <-deadline:
				t.Fatal("observation still open after cancel")
			}
		}
	})
}

func TestContract_PermissiveEndBeforeStart(t *testing.T) {
	forEach(t, func(t *testing.T, repo Repository) {
		a := activity.New(at("09:00"), activity.TypeSleep).Ended(at("08:00"))
		mustAdd(t, repo, a)

		got := mustFetch(t, repo, activity.ByID(a.ID))
		if len(got) != 1 || got[0].EndDate == nil {
			t.Fatalf("Fetch() = %+v, want one ended record", got)
		}
		if !got[0].EndDate.Before(got[0].StartDate) {
			t.Errorf("EndDate %v not before StartDate %v", got[0].EndDate, got[0].StartDate)
		}
	})
}
