package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nightlog/nightlog/internal/activity"
)

// Cloud is an in-memory replica shared by any number of callers.
type Cloud struct {
	mu     sync.Mutex
	zones  map[Zone]*zoneLog
	shares map[string]*Share // by id
	subs   map[*cloudSub]struct{}
	now    func() time.Time
}

type zoneLog struct {
	cursor  Cursor
	records map[string]*entry
}

type entry struct {
	record Record
	cursor Cursor
}

type cloudSub struct {
	caller Caller
	ch     chan Signal
}

// NewCloud creates an empty replica.
func NewCloud() *Cloud {
	return &Cloud{
		zones:  make(map[Zone]*zoneLog),
		shares: make(map[string]*Share),
		subs:   make(map[*cloudSub]struct{}),
		now:    time.Now,
	}
}

// Session returns a Transport bound to caller.
func (c *Cloud) Session(caller Caller) *Session {
	return &Session{cloud: c, caller: caller}
}

// Push merges records into zone on behalf of caller.
//
// A tombstone replaces the record and is never undone by later pushes of
// the same id. Pushing a version that changes nothing leaves the zone
// cursor where it was and signals nobody.
func (c *Cloud) Push(caller Caller, zone Zone, records []Record) (Cursor, error) {
	if err := zone.Validate(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if !c.canAccess(caller.User, zone) {
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %s cannot write %s", ErrForbidden, caller.User, zone)
	}

	log := c.zone(zone)
	start := log.cursor
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		rec.ModifiedBy = caller.Device
		existing, ok := log.records[rec.ID]

		switch {
		case ok && existing.record.Deleted:
			continue
		case rec.Deleted:
			tomb := Tombstone(rec.ID)
			tomb.ModifiedBy = caller.Device
			log.cursor++
			log.records[rec.ID] = &entry{record: tomb, cursor: log.cursor}
		case !ok:
			rec.Activity = rec.Activity.Normalize()
			log.cursor++
			log.records[rec.ID] = &entry{record: rec, cursor: log.cursor}
		default:
			merged, changed := activity.Merge(existing.record.Versioned, rec.Versioned)
			if changed == activity.FieldNone && merged.Stamps == existing.record.Stamps {
				continue
			}
			log.cursor++
			existing.record = Record{Versioned: merged, ModifiedBy: caller.Device}
			existing.cursor = log.cursor
		}
	}
	cursor := log.cursor
	var targets []*cloudSub
	if cursor != start {
		targets = c.subscribersFor(zone, caller.Device)
	}
	c.mu.Unlock()

	sig := Signal{Zone: zone, Cursor: cursor, Device: caller.Device}
	for _, sub := range targets {
		select {
		case sub.ch <- sig:
		default:
			// Subscriber is behind; it will pull everything on its next signal.
		}
	}
	return cursor, nil
}

// Pull returns records of zone changed after since, oldest change first.
func (c *Cloud) Pull(caller Caller, zone Zone, since Cursor, limit int) (Batch, error) {
	if err := zone.Validate(); err != nil {
		return Batch{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.canAccess(caller.User, zone) {
		return Batch{}, fmt.Errorf("%w: %s cannot read %s", ErrForbidden, caller.User, zone)
	}

	log, ok := c.zones[zone]
	if !ok {
		return Batch{Cursor: since}, nil
	}

	var entries []*entry
	for _, e := range log.records {
		if e.cursor > since {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cursor < entries[j].cursor })

	batch := Batch{Cursor: since}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
		batch.More = true
	}
	for _, e := range entries {
		rec := e.record
		rec.Activity = rec.Activity.Clone()
		batch.Records = append(batch.Records, rec)
		batch.Cursor = e.cursor
	}
	return batch, nil
}

// Subscribe registers caller for change signals until ctx ends.
func (c *Cloud) Subscribe(ctx context.Context, caller Caller) <-chan Signal {
	sub := &cloudSub{caller: caller, ch: make(chan Signal, 64)}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	out := make(chan Signal)
	go func() {
		defer close(out)
		defer func() {
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sub.ch:
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// FetchShare returns the share owned by caller rooted at root, or nil.
func (c *Cloud) FetchShare(caller Caller, root Zone) (*Share, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sortedShares() {
		if s.Owner == caller.User && s.Root == root {
			out := copyShare(s)
			return &out, nil
		}
	}
	return nil, nil
}

// FetchSharedShare returns the oldest share caller participates in, or nil.
func (c *Cloud) FetchSharedShare(caller Caller) (*Share, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sortedShares() {
		if s.HasParticipant(caller.User) {
			out := copyShare(s)
			out.Token = ""
			return &out, nil
		}
	}
	return nil, nil
}

// SaveShare creates the share of caller rooted at root.
func (c *Cloud) SaveShare(caller Caller, root Zone) (Share, error) {
	if err := root.Validate(); err != nil {
		return Share{}, err
	}
	if root.Owner != caller.User {
		return Share{}, fmt.Errorf("%w: %s does not own %s", ErrForbidden, caller.User, root)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.shares {
		if s.Owner == caller.User && s.Root == root {
			return copyShare(*s), nil
		}
	}

	id := uuid.NewString()
	s := &Share{
		ID:        id,
		Zone:      Zone{Owner: caller.User, Name: "share-" + id[:8]},
		Root:      root,
		Owner:     caller.User,
		Token:     uuid.NewString(),
		CreatedAt: c.now().UTC(),
	}
	c.shares[id] = s
	c.zone(s.Zone)
	return copyShare(*s), nil
}

// AcceptShare admits caller to the share whose token matches inv.
func (c *Cloud) AcceptShare(caller Caller, inv Invitation) (Share, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.shares {
		if s.Token != inv.Token || (inv.ShareID != "" && s.ID != inv.ShareID) {
			continue
		}
		if s.Owner != caller.User && !s.HasParticipant(caller.User) {
			s.Participants = append(s.Participants, caller.User)
		}
		out := copyShare(*s)
		out.Token = ""
		return out, nil
	}
	return Share{}, ErrUnknownInvitation
}

// Cursor returns the current cursor of zone.
func (c *Cloud) Cursor(zone Zone) Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if log, ok := c.zones[zone]; ok {
		return log.cursor
	}
	return 0
}

// Subscribers returns the number of live subscriptions.
func (c *Cloud) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *Cloud) zone(z Zone) *zoneLog {
	log, ok := c.zones[z]
	if !ok {
		log = &zoneLog{records: make(map[string]*entry)}
		c.zones[z] = log
	}
	return log
}

// canAccess must be called with c.mu held.
func (c *Cloud) canAccess(user string, z Zone) bool {
	if z.Owner == user {
		return true
	}
	for _, s := range c.shares {
		if s.Zone == z && s.HasParticipant(user) {
			return true
		}
	}
	return false
}

// subscribersFor must be called with c.mu held.
func (c *Cloud) subscribersFor(z Zone, excludeDevice string) []*cloudSub {
	var out []*cloudSub
	for sub := range c.subs {
		if sub.caller.Device == excludeDevice {
			continue
		}
		if c.canAccess(sub.caller.User, z) {
			out = append(out, sub)
		}
	}
	return out
}

// sortedShares must be called with c.mu held.
func (c *Cloud) sortedShares() []Share {
	out := make([]Share, 0, len(c.shares))
	for _, s := range c.shares {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyShare(s Share) Share {
	s.Participants = append([]string(nil), s.Participants...)
	return s
}

// Session is a Cloud bound to one caller. It implements Transport.
type Session struct {
	cloud  *Cloud
	caller Caller
}

var _ Transport = (*Session)(nil)

// Caller returns the identity of the session.
func (s *Session) Caller() Caller {
	return s.caller
}

func (s *Session) Push(ctx context.Context, zone Zone, records []Record) (Cursor, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.cloud.Push(s.caller, zone, records)
}

func (s *Session) Pull(ctx context.Context, zone Zone, since Cursor, limit int) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	return s.cloud.Pull(s.caller, zone, since, limit)
}

func (s *Session) Subscribe(ctx context.Context) (<-chan Signal, error) {
	return s.cloud.Subscribe(ctx, s.caller), nil
}

func (s *Session) FetchShare(ctx context.Context, root Zone) (*Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.cloud.FetchShare(s.caller, root)
}

func (s *Session) FetchSharedShare(ctx context.Context) (*Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.cloud.FetchSharedShare(s.caller)
}

func (s *Session) SaveShare(ctx context.Context, root Zone) (Share, error) {
	if err := ctx.Err(); err != nil {
		return Share{}, err
	}
	return s.cloud.SaveShare(s.caller, root)
}

func (s *Session) AcceptShare(ctx context.Context, inv Invitation) (Share, error) {
	if err := ctx.Err(); err != nil {
		return Share{}, err
	}
	return s.cloud.AcceptShare(s.caller, inv)
}
