package repository

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/history"
	"github.com/nightlog/nightlog/internal/notify"
	"github.com/nightlog/nightlog/internal/reconcile"
	"github.com/nightlog/nightlog/internal/remote"
	"github.com/nightlog/nightlog/internal/share"
)

type recordingSharer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *recordingSharer) Propagate(_ context.Context, a activity.Activity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, a.ID)
	return true, s.err
}

// withShare wires a sharing manager with an active share into f.
func withShare(t *testing.T, f *durableFixture) (*remote.Session, remote.Share) {
	t.Helper()
	cloud := remote.NewCloud()
	session := cloud.Session(remote.Caller{User: "alice", Device: "phone"})
	quiet := log.New(io.Discard, "", 0)

	rec, err := reconcile.New(session, history.NewMemoryTokenStore(), f.bus,
		&reconcile.Config{User: "alice", Logger: quiet}, f.private, f.shared)
	if err != nil {
		t.Fatalf("reconcile.New() failed: %v", err)
	}
	t.Cleanup(func() { _ = rec.Stop() })

	manager, err := share.NewManager(session, f.private, f.shared, rec, &share.Config{User: "alice", Logger: quiet})
	if err != nil {
		t.Fatalf("share.NewManager() failed: %v", err)
	}
	f.repo.SetSharer(manager)

	s, err := manager.CreateShare(context.Background())
	if err != nil {
		t.Fatalf("CreateShare() failed: %v", err)
	}
	return session, s
}

func storeCount(t *testing.T, count func(context.Context) (int, error)) int {
	t.Helper()
	n, err := count(context.Background())
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	return n
}

func TestDurable_FetchMergesStores(t *testing.T) {
	ctx := context.Background()
	f := newDurableFixture(t)

	mine := activity.New(t0.Add(-2*time.Hour), activity.TypeSleep)
	ours := activity.New(t0.Add(-time.Hour), activity.TypeTummyTime)
	if err := f.private.Add(ctx, mine); err != nil {
		t.Fatalf("private Add() failed: %v", err)
	}
	if err := f.shared.Add(ctx, ours); err != nil {
		t.Fatalf("shared Add() failed: %v", err)
	}

	wantIDs(t, mustFetch(t, f.repo, activity.All()), ours.ID, mine.ID)
	wantIDs(t, mustFetch(t, f.repo, activity.Query{Limit: 1}), ours.ID)
}

func TestDurable_RecordInBothStoresIsReportedOnce(t *testing.T) {
	ctx := context.Background()
	f := newDurableFixture(t)

	a := activity.New(t0, activity.TypeSleep)
	if err := f.private.Add(ctx, a); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	v, err := f.private.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if _, err := f.shared.Apply(ctx, f.shared.Author(), []activity.Versioned{v}, nil); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	wantIDs(t, mustFetch(t, f.repo, activity.All()), a.ID)
}

func TestDurable_UpdateAndDeleteReachSharedStore(t *testing.T) {
	ctx := context.Background()
	f := newDurableFixture(t)
	sharer := &recordingSharer{}
	f.repo.SetSharer(sharer)

	a := activity.New(t0, activity.TypeSleep)
	if err := f.shared.Add(ctx, a); err != nil {
		t.Fatalf("shared Add() failed: %v", err)
	}

	if err := f.repo.Update(ctx, a.Ended(t0.Add(time.Hour))); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	got, err := f.shared.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("shared Get() failed: %v", err)
	}
	if got.IsActive() {
		t.Error("shared record still active after Update")
	}
	if len(sharer.calls) != 0 {
		t.Errorf("Propagate() calls = %v; records already shared are not propagated again", sharer.calls)
	}

	if err := f.repo.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if n := storeCount(t, f.shared.Count); n != 0 {
		t.Errorf("shared store has %d records, want 0", n)
	}

	// The id is retired in the shared store, so it cannot be added back
	// through the private one either.
	if err := f.repo.Add(ctx, a); !errors.Is(err, activity.ErrDeletedID) {
		t.Errorf("Add(deleted shared id) error = %v, want ErrDeletedID", err)
	}
	if n := storeCount(t, f.private.Count); n != 0 {
		t.Errorf("private store has %d records, want 0", n)
	}
}

func TestDurable_PropagationIsBestEffort(t *testing.T) {
	ctx := context.Background()
	f := newDurableFixture(t)
	sharer := &recordingSharer{err: errors.New("share unreachable")}
	f.repo.SetSharer(sharer)

	a := activity.New(t0, activity.TypeSleep)
	mustAdd(t, f.repo, a)
	if err := f.repo.Update(ctx, a.Ended(t0.Add(time.Hour))); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	if len(sharer.calls) != 2 || sharer.calls[0] != a.ID || sharer.calls[1] != a.ID {
		t.Errorf("Propagate() calls = %v, want [%s %s]", sharer.calls, a.ID, a.ID)
	}
	got := mustFetch(t, f.repo, activity.ByID(a.ID))
	if len(got) != 1 || got[0].IsActive() {
		t.Errorf("Fetch() = %+v, want one ended record", got)
	}
}

func TestDurable_AddPropagatesIntoShare(t *testing.T) {
	ctx := context.Background()
	f := newDurableFixture(t)

	before := activity.New(t0.Add(-time.Hour), activity.TypeSleep)
	mustAdd(t, f.repo, before)
	if n := storeCount(t, f.private.Count); n != 1 {
		t.Errorf("private store has %d records, want 1 (without a share records stay private)", n)
	}

	session, s := withShare(t, f)

	a := activity.New(t0, activity.TypeTummyTime)
	mustAdd(t, f.repo, a)

	if _, err := f.shared.Get(ctx, a.ID); err != nil {
		t.Fatalf("shared Get() failed: %v", err)
	}
	batch, err := session.Pull(ctx, s.Zone, 0, 0)
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(batch.Records) != 1 || batch.Records[0].ID != a.ID {
		t.Errorf("share zone = %+v, want %s", batch.Records, a.ID)
	}

	wantIDs(t, mustFetch(t, f.repo, activity.All()), a.ID, before.ID)

	// Updating a private record after the share exists moves it as well.
	if err := f.repo.Update(ctx, before.Ended(t0)); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if _, err := f.shared.Get(ctx, before.ID); err != nil {
		t.Errorf("moved record missing from the shared store: %v", err)
	}
	if n := storeCount(t, f.private.Count); n != 0 {
		t.Errorf("private store has %d records, want 0", n)
	}
}

// TestDurable_ReAddAfterDeleteWithShare tests that adding an id back after
// it was shared and deleted fails instead of leaving the record in neither
// store.
func TestDurable_ReAddAfterDeleteWithShare(t *testing.T) {
	ctx := context.Background()
	f := newDurableFixture(t)
	withShare(t, f)

	a := activity.New(t0, activity.TypeSleep)
	mustAdd(t, f.repo, a)
	if err := f.repo.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	err := f.repo.Add(ctx, a.Ended(t0.Add(time.Hour)))
	if !activity.IsSaveFailed(err) || !errors.Is(err, activity.ErrDeletedID) {
		t.Fatalf("re-Add error = %v, want SaveFailed wrapping ErrDeletedID", err)
	}

	// A fresh id still goes through.
	b := activity.New(t0.Add(time.Hour), activity.TypeSleep)
	mustAdd(t, f.repo, b)
	wantIDs(t, mustFetch(t, f.repo, activity.All()), b.ID)
}

func TestDurable_ObserveSeesRemoteEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newDurableFixture(t)

	snapshots := f.repo.Observe(ctx, activity.All())
	if first := nextSnapshot(t, snapshots); len(first.Activities) != 0 {
		t.Errorf("first snapshot = %+v, want empty", first.Activities)
	}

	// A merge by another author is announced by whoever drains history.
	remoteVersion := activity.Stamped(activity.New(t0, activity.TypeSleep), t0, "tablet")
	if _, err := f.shared.Apply(ctx, "importer", []activity.Versioned{remoteVersion}, nil); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	f.bus.Publish(notify.Event{Store: activity.StoreShared, Origin: notify.OriginRemote})

	wantIDs(t, nextSnapshot(t, snapshots).Activities, remoteVersion.ID)
}

func TestNewDurable_RequiresPrivateStore(t *testing.T) {
	if _, err := NewDurable(DurableConfig{}); err == nil {
		t.Error("NewDurable() without a private store succeeded, want error")
	}
}
