// Package repository is the only interface application features use to
// read and write activities.
//
// Two implementations share the Repository contract: Durable, backed by the
// private and shared SQLite stores and the sharing manager, and Memory, a
// thread-safe in-memory map for tests and previews. Both fail with the same
// activity.Error codes under the same conditions.
//
// Observe streams snapshots: the current result first, then a fresh result
// after every change event for the backing stores. Each subscriber queries
// independently; results are not shared between subscribers.
package repository

import (
	"context"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/notify"
)

// Repository reads and writes activities.
type Repository interface {
	// Fetch returns the activities matching q.
	Fetch(ctx context.Context, q activity.Query) ([]activity.Activity, error)

	// Add stores a new activity. A duplicate or empty id fails with SaveFailed.
	Add(ctx context.Context, a activity.Activity) error

	// Update replaces the values of an existing activity. A missing id fails
	// with NotFound.
	Update(ctx context.Context, a activity.Activity) error

	// Delete removes an activity. A missing id fails with NotFound.
	Delete(ctx context.Context, id string) error

	// Observe streams snapshots of q until ctx is done.
	Observe(ctx context.Context, q activity.Query) <-chan Snapshot
}

// Snapshot is one result of an observed query.
type Snapshot struct {
	Activities []activity.Activity
	// Err is set when the query failed; Activities is then nil
	Err error
}

// observe runs fetch once, then again after every event accepted by want,
// until ctx ends. events must already be subscribed so that no change between
// the first fetch and the subscription is lost. A snapshot computed after
// ctx ended is dropped.
func observe(ctx context.Context, events <-chan notify.Event, want func(notify.Event) bool, fetch func(context.Context) ([]activity.Activity, error)) <-chan Snapshot {
	out := make(chan Snapshot)

	go func() {
		defer close(out)

		send := func() bool {
			list, err := fetch(ctx)
			snap := Snapshot{Activities: list, Err: err}
			if err != nil {
				snap.Activities = nil
			}
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- snap:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if want != nil && !want(ev) {
					continue
				}
				if !send() {
					return
				}
			}
		}
	}()

	return out
}
