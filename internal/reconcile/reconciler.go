package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/db"
	"github.com/nightlog/nightlog/internal/history"
	"github.com/nightlog/nightlog/internal/notify"
	"github.com/nightlog/nightlog/internal/observability"
	"github.com/nightlog/nightlog/internal/remote"
)

// MetaZone is the store metadata key holding the zone a non-private store
// is attached to.
const MetaZone = "zone"

// DefaultImporterAuthor tags transactions that merge remote records.
const DefaultImporterAuthor = "importer"

// State is the phase a lane is in.
type State int

const (
	StateIdle State = iota
	StateDraining
	StateMerging
	StateNotifying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateMerging:
		return "merging"
	case StateNotifying:
		return "notifying"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds configuration for the reconciler.
type Config struct {
	// User owns the private zone
	User string

	// Debounce is how long a queued lane waits before syncing, so that a
	// burst of signals becomes one pass (default: 100ms)
	Debounce time.Duration

	// PushInterval is how often unpushed commits are retried (default: 5s)
	PushInterval time.Duration

	// PollInterval is how often every lane syncs without a signal
	// (default: 30s, 0 disables polling)
	PollInterval time.Duration

	// PageSize bounds records per pull and transactions per push (default: 200)
	PageSize int

	// ImporterAuthor tags merges of remote records (default: "importer")
	ImporterAuthor string

	// WatchFiles syncs a lane when another process writes its database
	WatchFiles bool

	// Logger for reconciler activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:       100 * time.Millisecond,
		PushInterval:   5 * time.Second,
		PollInterval:   30 * time.Second,
		PageSize:       200,
		ImporterAuthor: DefaultImporterAuthor,
		Logger:         log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	def := DefaultConfig()
	if out.Debounce <= 0 {
		out.Debounce = def.Debounce
	}
	if out.PushInterval <= 0 {
		out.PushInterval = def.PushInterval
	}
	if out.PollInterval < 0 {
		out.PollInterval = 0
	}
	if out.PageSize <= 0 {
		out.PageSize = def.PageSize
	}
	if out.ImporterAuthor == "" {
		out.ImporterAuthor = def.ImporterAuthor
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	return &out
}

// lane is the sync state of one local store.
type lane struct {
	store  *db.Store
	ledger *history.Ledger

	// syncMu serializes inbound passes, pushMu outbound ones
	syncMu sync.Mutex
	pushMu sync.Mutex

	zoneMu sync.RWMutex
	zone   remote.Zone

	state atomic.Int32
}

func (l *lane) getZone() remote.Zone {
	l.zoneMu.RLock()
	defer l.zoneMu.RUnlock()
	return l.zone
}

func (l *lane) setZone(z remote.Zone) {
	l.zoneMu.Lock()
	l.zone = z
	l.zoneMu.Unlock()
}

// Reconciler synchronizes local stores with a remote replica.
type Reconciler struct {
	transport remote.Transport
	tokens    history.TokenStore
	bus       *notify.Bus
	config    *Config

	lanes map[activity.StoreID]*lane
	order []activity.StoreID

	changeQueue   map[activity.StoreID]time.Time
	changeQueueMu sync.Mutex
	pushKick      chan struct{}

	watcher *db.Watcher

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a reconciler for stores.
//
// The private store is attached to the private zone of config.User; any
// other store is attached to the zone recorded in its metadata, if any.
// bus may be nil, in which case nothing is published.
func New(transport remote.Transport, tokens history.TokenStore, bus *notify.Bus, config *Config, stores ...*db.Store) (*Reconciler, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store cannot be nil")
	}
	if len(stores) == 0 {
		return nil, fmt.Errorf("at least one store is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	config = config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		transport:   transport,
		tokens:      tokens,
		bus:         bus,
		config:      config,
		lanes:       make(map[activity.StoreID]*lane),
		changeQueue: make(map[activity.StoreID]time.Time),
		pushKick:    make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, store := range stores {
		if store == nil {
			cancel()
			return nil, fmt.Errorf("store cannot be nil")
		}
		id := store.ID()
		if _, dup := r.lanes[id]; dup {
			cancel()
			return nil, fmt.Errorf("store %s given twice", id)
		}

		l := &lane{
			store:  store,
			ledger: history.NewLedger(store, tokens, history.Key(id, "history"), store.Author()),
		}
		zone, err := r.initialZone(ctx, store)
		if err != nil {
			cancel()
			return nil, err
		}
		l.zone = zone

		r.lanes[id] = l
		r.order = append(r.order, id)
	}

	return r, nil
}

func (r *Reconciler) initialZone(ctx context.Context, store *db.Store) (remote.Zone, error) {
	if store.ID() == activity.StorePrivate {
		if r.config.User == "" {
			return remote.Zone{}, fmt.Errorf("user is required to sync the private store")
		}
		return remote.PrivateZone(r.config.User), nil
	}

	value, ok, err := store.Meta(ctx, MetaZone)
	if err != nil {
		return remote.Zone{}, fmt.Errorf("failed to read zone of %s: %w", store.ID(), err)
	}
	if !ok {
		return remote.Zone{}, nil
	}
	zone, err := remote.ParseZone(value)
	if err != nil {
		return remote.Zone{}, fmt.Errorf("store %s has a bad zone: %w", store.ID(), err)
	}
	return zone, nil
}

// Start begins background synchronization.
//
// It performs one full pass, subscribes to remote signals and local commits,
// and then blocks until ctx is cancelled or Stop is called. A transport
// that is down at start is not an error; lanes catch up on the next signal
// or poll.
func (r *Reconciler) Start(ctx context.Context) error {
	r.config.Logger.Println("Starting reconciler")

	if err := r.SyncNow(ctx); err != nil {
		r.config.Logger.Printf("Warning: initial sync incomplete: %v", err)
	}

	signals, err := r.transport.Subscribe(r.ctx)
	if err != nil {
		r.config.Logger.Printf("Warning: remote signals unavailable, polling only: %v", err)
	} else {
		r.wg.Add(1)
		go r.watchSignals(signals)
	}

	if r.bus != nil {
		r.wg.Add(1)
		go r.watchLocal(r.bus.Subscribe(r.ctx))
	}

	if r.config.WatchFiles {
		if err := r.startWatcher(); err != nil {
			r.config.Logger.Printf("Warning: file watching disabled: %v", err)
		}
	}

	r.wg.Add(2)
	go r.processChangeQueue()
	go r.pushLoop()

	if r.config.PollInterval > 0 {
		r.wg.Add(1)
		go r.pollLoop()
	}

	select {
	case <-ctx.Done():
		r.config.Logger.Println("Shutdown signal received")
		return r.Stop()
	case <-r.ctx.Done():
		return nil
	}
}

// Stop shuts down background synchronization and waits for it to finish.
func (r *Reconciler) Stop() error {
	r.stopOnce.Do(func() {
		r.config.Logger.Println("Stopping reconciler")
		r.cancel()
		if r.watcher != nil {
			if err := r.watcher.Stop(); err != nil {
				r.config.Logger.Printf("Error stopping watcher: %v", err)
			}
		}
		r.wg.Wait()
		r.config.Logger.Println("Reconciler stopped")
	})
	return nil
}

// Notify queues an inbound pass for store after the debounce window.
func (r *Reconciler) Notify(store activity.StoreID) {
	if _, ok := r.lanes[store]; !ok {
		return
	}
	r.queueChange(store)
}

// SyncNow runs a full pass (push, pull, drain, notify) for every lane.
func (r *Reconciler) SyncNow(ctx context.Context) error {
	var errs []error
	for _, id := range r.order {
		if err := r.sync(ctx, r.lanes[id]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Push sends unpushed local commits of every attached lane.
func (r *Reconciler) Push(ctx context.Context) error {
	var errs []error
	for _, id := range r.order {
		if err := r.push(ctx, r.lanes[id]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Attach points store at zone and queues a pass. The zone of a non-private
// store is persisted in its metadata.
func (r *Reconciler) Attach(ctx context.Context, store activity.StoreID, zone remote.Zone) error {
	l, ok := r.lanes[store]
	if !ok {
		return fmt.Errorf("unknown store %s", store)
	}
	if err := zone.Validate(); err != nil {
		return err
	}
	if l.getZone() == zone {
		return nil
	}
	if store != activity.StorePrivate {
		if err := l.store.SetMeta(ctx, MetaZone, zone.String()); err != nil {
			return fmt.Errorf("failed to persist zone of %s: %w", store, err)
		}
	}
	l.setZone(zone)
	r.config.Logger.Printf("Store %s attached to %s", store, zone)
	r.queueChange(store)
	return nil
}

// Zone returns the zone store is attached to, or the zero Zone.
func (r *Reconciler) Zone(store activity.StoreID) remote.Zone {
	if l, ok := r.lanes[store]; ok {
		return l.getZone()
	}
	return remote.Zone{}
}

// State returns the current phase of store.
func (r *Reconciler) State(store activity.StoreID) State {
	if l, ok := r.lanes[store]; ok {
		return State(l.state.Load())
	}
	return StateIdle
}

// Reset rewinds the remote cursor and push token of every lane, so the next
// pass pulls the whole zone and pushes every commit again. Use it after the
// replica lost data.
func (r *Reconciler) Reset(ctx context.Context) error {
	for _, id := range r.order {
		l := r.lanes[id]
		keys := []string{history.Key(id, "push")}
		if zone := l.getZone(); !zone.IsZero() {
			keys = append(keys, remoteKey(id, zone))
		}
		for _, key := range keys {
			if err := r.tokens.Update(ctx, key, func(history.Token) (history.Token, error) {
				return 0, nil
			}); err != nil {
				return fmt.Errorf("failed to reset %s: %w", key, err)
			}
		}
	}
	return nil
}

func (r *Reconciler) setState(l *lane, s State) {
	l.state.Store(int32(s))
	observability.SetSyncState(string(l.store.ID()), int(s))
}

func remoteKey(store activity.StoreID, zone remote.Zone) string {
	return history.Key(store, "remote", zone.String())
}
