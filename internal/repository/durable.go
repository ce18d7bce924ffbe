package repository

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/db"
	"github.com/nightlog/nightlog/internal/notify"
)

// Sharer extends a record's visibility to the active share. share.Manager
// implements it.
type Sharer interface {
	Propagate(ctx context.Context, a activity.Activity) (bool, error)
}

// DurableConfig holds the collaborators of a Durable repository.
type DurableConfig struct {
	// Private is the store new activities are added to (required)
	Private *db.Store

	// Shared holds records visible to share participants (optional)
	Shared *db.Store

	// Bus delivers change events to Observe (optional)
	Bus *notify.Bus

	// Sharer propagates added and updated records (optional)
	Sharer Sharer

	// Logger for propagation failures
	Logger *log.Logger
}

// Durable is the Repository backed by the local stores.
type Durable struct {
	private *db.Store
	shared  *db.Store
	bus     *notify.Bus
	sharer  Sharer
	logger  *log.Logger
}

var _ Repository = (*Durable)(nil)

// NewDurable creates a durable repository.
func NewDurable(config DurableConfig) (*Durable, error) {
	if config.Private == nil {
		return nil, fmt.Errorf("private store is required")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[repository] ", log.LstdFlags)
	}
	return &Durable{
		private: config.Private,
		shared:  config.Shared,
		bus:     config.Bus,
		sharer:  config.Sharer,
		logger:  config.Logger,
	}, nil
}

// SetSharer installs the sharer once it exists; the sharing manager is
// built after the repository's stores.
func (r *Durable) SetSharer(s Sharer) {
	r.sharer = s
}

// Fetch returns the matching activities of both stores. A record present
// in both (while it is being moved into the share) is reported once, with
// its shared values.
func (r *Durable) Fetch(ctx context.Context, q activity.Query) ([]activity.Activity, error) {
	list, err := r.private.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	if r.shared == nil {
		return list, nil
	}

	shared, err := r.shared.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(shared) == 0 {
		return list, nil
	}

	seen := make(map[string]bool, len(shared))
	merged := make([]activity.Activity, 0, len(list)+len(shared))
	for _, a := range shared {
		seen[a.ID] = true
		merged = append(merged, a)
	}
	for _, a := range list {
		if !seen[a.ID] {
			merged = append(merged, a)
		}
	}
	return q.Apply(merged), nil
}

// Add stores a in the private store and then propagates it to the active
// share, if any. Propagation failures are logged; the add still succeeds.
// An id deleted from either store fails with SaveFailed.
func (r *Durable) Add(ctx context.Context, a activity.Activity) error {
	if r.shared != nil && a.ID != "" {
		retired, err := r.shared.Retired(ctx, a.ID)
		if err != nil {
			return activity.SaveFailed("add", a.ID, err)
		}
		if retired {
			return activity.SaveFailed("add", a.ID, activity.ErrDeletedID)
		}
	}
	if err := r.private.Add(ctx, a); err != nil {
		return err
	}
	r.propagate(ctx, a)
	return nil
}

// Update changes a in whichever store holds it. Records still in the
// private store are propagated like Add.
func (r *Durable) Update(ctx context.Context, a activity.Activity) error {
	err := r.private.Update(ctx, a)
	if err == nil {
		r.propagate(ctx, a)
		return nil
	}
	if !activity.IsNotFound(err) || r.shared == nil {
		return err
	}
	return r.shared.Update(ctx, a)
}

// Delete removes id from whichever store holds it.
func (r *Durable) Delete(ctx context.Context, id string) error {
	err := r.private.Delete(ctx, id)
	if !activity.IsNotFound(err) || r.shared == nil {
		return err
	}
	return r.shared.Delete(ctx, id)
}

// Observe implements Repository. Events of either store trigger a re-query.
func (r *Durable) Observe(ctx context.Context, q activity.Query) <-chan Snapshot {
	var events <-chan notify.Event
	if r.bus != nil {
		events = r.bus.Subscribe(ctx)
	}

	want := func(ev notify.Event) bool {
		if ev.Store == r.private.ID() {
			return true
		}
		return r.shared != nil && ev.Store == r.shared.ID()
	}
	return observe(ctx, events, want, func(ctx context.Context) ([]activity.Activity, error) {
		return r.Fetch(ctx, q)
	})
}

func (r *Durable) propagate(ctx context.Context, a activity.Activity) {
	if r.sharer == nil {
		return
	}
	if _, err := r.sharer.Propagate(ctx, a); err != nil {
		r.logger.Printf("Warning: failed to share %s: %v", a.ID, err)
	}
}
