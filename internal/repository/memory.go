package repository

import (
	"context"
	"errors"
	"sync"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/history"
	"github.com/nightlog/nightlog/internal/notify"
)

// Memory is an in-memory Repository. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	records map[string]activity.Activity
	retired map[string]bool
	bus     *notify.Bus
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty repository, optionally seeded with list.
func NewMemory(list ...activity.Activity) *Memory {
	m := &Memory{
		records: make(map[string]activity.Activity, len(list)),
		retired: make(map[string]bool),
		bus:     notify.NewBus(),
	}
	for _, a := range list {
		m.records[a.ID] = a.Normalize()
	}
	return m
}

// Close ends every observation.
func (m *Memory) Close() {
	m.bus.Close()
}

// Fetch implements Repository.
func (m *Memory) Fetch(ctx context.Context, q activity.Query) ([]activity.Activity, error) {
	if err := ctx.Err(); err != nil {
		return nil, activity.FetchFailed("fetch", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]activity.Activity, 0, len(m.records))
	for _, a := range m.records {
		list = append(list, a)
	}
	return q.Apply(list), nil
}

// Add implements Repository.
func (m *Memory) Add(ctx context.Context, a activity.Activity) error {
	if a.ID == "" {
		return activity.SaveFailed("add", "", errors.New("activity id is required"))
	}
	if err := ctx.Err(); err != nil {
		return activity.SaveFailed("add", a.ID, err)
	}

	m.mu.Lock()
	if _, exists := m.records[a.ID]; exists {
		m.mu.Unlock()
		return activity.SaveFailed("add", a.ID, activity.ErrDuplicateID)
	}
	if m.retired[a.ID] {
		m.mu.Unlock()
		return activity.SaveFailed("add", a.ID, activity.ErrDeletedID)
	}
	m.records[a.ID] = a.Normalize()
	m.mu.Unlock()

	m.publish(a.ID, history.KindInsert)
	return nil
}

// Update implements Repository.
func (m *Memory) Update(ctx context.Context, a activity.Activity) error {
	if err := ctx.Err(); err != nil {
		return activity.SaveFailed("update", a.ID, err)
	}

	m.mu.Lock()
	current, exists := m.records[a.ID]
	if !exists {
		m.mu.Unlock()
		return activity.NotFound("update", a.ID)
	}
	next := a.Normalize()
	if current.Equal(next) {
		m.mu.Unlock()
		return nil
	}
	m.records[a.ID] = next
	m.mu.Unlock()

	m.publish(a.ID, history.KindUpdate)
	return nil
}

// Delete implements Repository.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return activity.DeleteFailed("delete", id, err)
	}

	m.mu.Lock()
	if _, exists := m.records[id]; !exists {
		m.mu.Unlock()
		return activity.NotFound("delete", id)
	}
	delete(m.records, id)
	m.retired[id] = true
	m.mu.Unlock()

	m.publish(id, history.KindDelete)
	return nil
}

// Observe implements Repository.
func (m *Memory) Observe(ctx context.Context, q activity.Query) <-chan Snapshot {
	events := m.bus.Subscribe(ctx)
	return observe(ctx, events, nil, func(ctx context.Context) ([]activity.Activity, error) {
		return m.Fetch(ctx, q)
	})
}

func (m *Memory) publish(id string, kind history.ChangeKind) {
	m.bus.Publish(notify.Event{
		Store:   activity.StorePrivate,
		Origin:  notify.OriginLocal,
		Changes: []history.Change{{Entity: history.EntityActivity, RecordID: id, Kind: kind}},
	})
}
