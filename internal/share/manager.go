// Package share manages the sharing boundary between the private store and
// the shared store.
//
// A share is a zone owned by the sharer that invited participants can read
// and write. The local shared store syncs with that zone. Records become
// visible to participants one at a time: ShareRecord moves a record from
// the private store (and zone) into the shared store (and zone).
package share

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/db"
	"github.com/nightlog/nightlog/internal/observability"
	"github.com/nightlog/nightlog/internal/reconcile"
	"github.com/nightlog/nightlog/internal/remote"
)

// Config holds manager configuration.
type Config struct {
	// User is the local user; their private zone is the share root
	User string

	// Logger for sharing activity
	Logger *log.Logger
}

// Manager creates, accepts and fills shares.
type Manager struct {
	transport remote.Transport
	private   *db.Store
	shared    *db.Store
	rec       *reconcile.Reconciler
	user      string
	logger    *log.Logger

	mu     sync.Mutex
	active *remote.Share
}

// NewManager creates a sharing manager. rec must reconcile both stores.
func NewManager(transport remote.Transport, private, shared *db.Store, rec *reconcile.Reconciler, config *Config) (*Manager, error) {
	if transport == nil || private == nil || shared == nil || rec == nil {
		return nil, fmt.Errorf("transport, stores and reconciler are required")
	}
	if config == nil || config.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[share] ", log.LstdFlags)
	}

	m := &Manager{
		transport: transport,
		private:   private,
		shared:    shared,
		rec:       rec,
		user:      config.User,
		logger:    logger,
	}
	if zone := rec.Zone(shared.ID()); !zone.IsZero() {
		// Attached in an earlier run; the zone is all ShareRecord needs.
		m.active = &remote.Share{Zone: zone}
	}
	return m, nil
}

// Active returns the share the shared store is attached to.
func (m *Manager) Active() (remote.Share, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return remote.Share{}, false
	}
	return *m.active, true
}

// CreateShare returns the share of the user's private zone, creating it
// when none exists. A share the user already participates in is returned
// instead of creating a second one.
func (m *Manager) CreateShare(ctx context.Context) (s remote.Share, err error) {
	defer func() { observability.RecordShareOp("create", err) }()

	root := remote.PrivateZone(m.user)

	existing, err := m.transport.FetchShare(ctx, root)
	if err != nil {
		return remote.Share{}, fmt.Errorf("failed to look up share of %s: %w", root, err)
	}
	if existing == nil {
		existing, err = m.transport.FetchSharedShare(ctx)
		if err != nil {
			return remote.Share{}, fmt.Errorf("failed to look up accepted shares: %w", err)
		}
	}

	if existing != nil {
		s = *existing
	} else {
		s, err = m.transport.SaveShare(ctx, root)
		if err != nil {
			return remote.Share{}, fmt.Errorf("failed to create share of %s: %w", root, err)
		}
		m.logger.Printf("Created share %s for %s", s.Zone, root)
	}

	if err := m.attach(ctx, s); err != nil {
		return remote.Share{}, err
	}
	return s, nil
}

// Shares returns the share the user owns and the share they participate
// in, whichever exist.
func (m *Manager) Shares(ctx context.Context) ([]remote.Share, error) {
	var out []remote.Share

	owned, err := m.transport.FetchShare(ctx, remote.PrivateZone(m.user))
	if err != nil {
		return nil, fmt.Errorf("failed to look up owned share: %w", err)
	}
	if owned != nil {
		out = append(out, *owned)
	}

	joined, err := m.transport.FetchSharedShare(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to look up accepted share: %w", err)
	}
	if joined != nil {
		out = append(out, *joined)
	}
	return out, nil
}

// ShareRecord makes the record with a.ID visible to the participants of s.
//
// The record is pushed to the share zone, written to the shared store with
// its stamps and removed from the private store; the reconciler then pushes
// the private tombstone. Sharing a record already in the shared store pushes
// its current version again. A record whose id was deleted from the share
// stays private and ShareRecord fails with SaveFailed.
func (m *Manager) ShareRecord(ctx context.Context, a activity.Activity, s remote.Share) (err error) {
	defer func() { observability.RecordShareOp("share_record", err) }()

	if err := s.Zone.Validate(); err != nil {
		return err
	}

	v, err := m.private.Get(ctx, a.ID)
	if activity.IsNotFound(err) {
		v, err = m.shared.Get(ctx, a.ID)
		if err != nil {
			return err
		}
		if _, err := m.transport.Push(ctx, s.Zone, []remote.Record{{Versioned: v}}); err != nil {
			return fmt.Errorf("failed to push %s to %s: %w", a.ID, s.Zone, err)
		}
		return nil
	}
	if err != nil {
		return err
	}

	retired, err := m.shared.Retired(ctx, a.ID)
	if err != nil {
		return err
	}
	if retired {
		return activity.SaveFailed("share", a.ID, activity.ErrDeletedID)
	}

	if _, err := m.transport.Push(ctx, s.Zone, []remote.Record{{Versioned: v}}); err != nil {
		return fmt.Errorf("failed to push %s to %s: %w", a.ID, s.Zone, err)
	}
	if _, err := m.shared.Apply(ctx, m.shared.Author(), []activity.Versioned{v}, nil); err != nil {
		return err
	}
	// The private copy goes only once the shared store holds the record.
	if _, err := m.shared.Get(ctx, a.ID); err != nil {
		if activity.IsNotFound(err) {
			return activity.SaveFailed("share", a.ID, activity.ErrDeletedID)
		}
		return err
	}
	if err := m.private.Delete(ctx, a.ID); err != nil && !activity.IsNotFound(err) {
		return err
	}
	return nil
}

// Propagate shares a with the active share, if there is one. It reports
// whether a share was active.
func (m *Manager) Propagate(ctx context.Context, a activity.Activity) (bool, error) {
	s, ok := m.Active()
	if !ok {
		return false, nil
	}
	return true, m.ShareRecord(ctx, a, s)
}

// AcceptInvitation joins the share named by inv and attaches the shared
// store to it. The first sync of the share runs before returning; its
// failure is logged, not returned, because the next signal retries it.
func (m *Manager) AcceptInvitation(ctx context.Context, inv remote.Invitation) (s remote.Share, err error) {
	defer func() { observability.RecordShareOp("accept", err) }()

	s, err = m.transport.AcceptShare(ctx, inv)
	if err != nil {
		return remote.Share{}, fmt.Errorf("failed to accept invitation: %w", err)
	}
	if err := m.attach(ctx, s); err != nil {
		return remote.Share{}, err
	}
	m.logger.Printf("Joined share %s owned by %s", s.Zone, s.Owner)

	if err := m.rec.SyncNow(ctx); err != nil {
		m.logger.Printf("Warning: first sync of %s incomplete: %v", s.Zone, err)
	}
	return s, nil
}

func (m *Manager) attach(ctx context.Context, s remote.Share) error {
	if err := m.rec.Attach(ctx, m.shared.ID(), s.Zone); err != nil {
		return fmt.Errorf("failed to attach shared store to %s: %w", s.Zone, err)
	}
	m.mu.Lock()
	share := s
	m.active = &share
	m.mu.Unlock()
	return nil
}
