package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/db"
	"github.com/nightlog/nightlog/internal/history"
	"github.com/nightlog/nightlog/internal/notify"
	"github.com/nightlog/nightlog/internal/observability"
	"github.com/nightlog/nightlog/internal/remote"
)

// sync runs one pass for l: push pending local commits, pull and merge the
// zone's changes, drain the history ledger, then tell observers.
func (r *Reconciler) sync(ctx context.Context, l *lane) error {
	l.syncMu.Lock()
	defer l.syncMu.Unlock()
	defer r.setState(l, StateIdle)

	id := l.store.ID()
	var errs []error

	merged := 0
	if zone := l.getZone(); !zone.IsZero() {
		if err := r.push(ctx, l); err != nil {
			r.config.Logger.Printf("Push of %s to %s failed: %v", id, zone, err)
			errs = append(errs, err)
		}
		n, err := r.pull(ctx, l, zone)
		merged = n
		if err != nil {
			r.config.Logger.Printf("Pull of %s from %s failed: %v", id, zone, err)
			errs = append(errs, err)
		}
	}

	r.setState(l, StateDraining)
	res, err := l.ledger.Drain(ctx)
	if err != nil {
		r.config.Logger.Printf("History drain of %s failed: %v", id, err)
		errs = append(errs, err)
		observability.RecordSyncCycle(string(id), merged, errors.Join(errs...))
		return errors.Join(errs...)
	}

	r.setState(l, StateNotifying)
	if r.bus != nil {
		r.bus.Publish(notify.Event{
			Store:   id,
			Origin:  notify.OriginRemote,
			Changes: res.Changes,
		})
	}
	if res.Transactions > 0 {
		r.config.Logger.Printf("Store %s: %d foreign transactions, %d changes (token %d)",
			id, res.Transactions, len(res.Changes), res.Token)
	}

	err = errors.Join(errs...)
	observability.RecordSyncCycle(string(id), merged, err)
	return err
}

// pull merges every page of zone changed after the persisted cursor. The
// cursor of a page is persisted only after the page has been merged.
func (r *Reconciler) pull(ctx context.Context, l *lane, zone remote.Zone) (int, error) {
	key := remoteKey(l.store.ID(), zone)
	total := 0

	for {
		more := false
		err := r.tokens.Update(ctx, key, func(current history.Token) (history.Token, error) {
			r.setState(l, StateDraining)
			batch, err := r.transport.Pull(ctx, zone, remote.Cursor(current), r.config.PageSize)
			if err != nil {
				return current, fmt.Errorf("failed to pull %s after %d: %w", zone, current, err)
			}
			if len(batch.Records) == 0 {
				return current, nil
			}

			upserts, deletes := split(batch.Records)
			r.setState(l, StateMerging)
			changes, err := l.store.Apply(ctx, r.config.ImporterAuthor, upserts, deletes)
			if err != nil {
				return current, fmt.Errorf("failed to merge %d records from %s: %w", len(batch.Records), zone, err)
			}
			total += len(changes)
			more = batch.More
			return history.Token(batch.Cursor), nil
		})
		if err != nil {
			return total, err
		}
		if !more {
			return total, nil
		}
	}
}

func split(records []remote.Record) ([]activity.Versioned, []string) {
	var upserts []activity.Versioned
	var deletes []string
	for _, rec := range records {
		if rec.Deleted {
			deletes = append(deletes, rec.ID)
			continue
		}
		upserts = append(upserts, rec.Versioned)
	}
	return upserts, deletes
}

// push sends the records touched by commits not written by the importer
// since the push token. A record is sent as it is now, or as a tombstone
// when it no longer exists.
func (r *Reconciler) push(ctx context.Context, l *lane) error {
	zone := l.getZone()
	if zone.IsZero() {
		return nil
	}

	l.pushMu.Lock()
	defer l.pushMu.Unlock()

	id := l.store.ID()
	key := history.Key(id, "push")

	for {
		pushed := 0
		full := false
		err := r.tokens.Update(ctx, key, func(current history.Token) (history.Token, error) {
			txs, err := l.store.Transactions(ctx, current, history.Filter{
				ExcludeAuthors: []string{r.config.ImporterAuthor},
				Limit:          r.config.PageSize,
			})
			if err != nil {
				return current, err
			}
			if len(txs) == 0 {
				return current, nil
			}
			full = len(txs) == r.config.PageSize

			records, err := r.outbound(ctx, l.store, txs)
			if err != nil {
				return current, err
			}
			if len(records) > 0 {
				if _, err := r.transport.Push(ctx, zone, records); err != nil {
					return current, fmt.Errorf("failed to push %d records to %s: %w", len(records), zone, err)
				}
			}
			pushed = len(records)
			return txs[len(txs)-1].Token, nil
		})
		observability.RecordPush(string(id), pushed, err)
		if err != nil {
			return err
		}
		if pushed > 0 {
			r.config.Logger.Printf("Pushed %d records of %s to %s", pushed, id, zone)
		}
		if !full {
			return nil
		}
	}
}

// outbound builds the records to push for txs, one per touched id.
func (r *Reconciler) outbound(ctx context.Context, store *db.Store, txs []history.Transaction) ([]remote.Record, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, c := range history.ActivityChanges(txs) {
		if !seen[c.RecordID] {
			seen[c.RecordID] = true
			ids = append(ids, c.RecordID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	versions, err := store.Versions(ctx, ids)
	if err != nil {
		return nil, err
	}

	records := make([]remote.Record, 0, len(ids))
	for _, id := range ids {
		if v, ok := versions[id]; ok {
			records = append(records, remote.Record{Versioned: v})
		} else {
			records = append(records, remote.Tombstone(id))
		}
	}
	return records, nil
}

// watchSignals queues the lanes a remote signal is about. A signal without
// a zone means anything may have changed.
func (r *Reconciler) watchSignals(signals <-chan remote.Signal) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			for _, id := range r.order {
				zone := r.lanes[id].getZone()
				if zone.IsZero() {
					continue
				}
				if sig.Zone.IsZero() || sig.Zone == zone {
					r.queueChange(id)
				}
			}
		}
	}
}

// watchLocal kicks the pusher after every local commit.
func (r *Reconciler) watchLocal(events <-chan notify.Event) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Origin == notify.OriginLocal {
				r.kickPush()
			}
		}
	}
}

func (r *Reconciler) startWatcher() error {
	w, err := db.NewWatcher()
	if err != nil {
		return err
	}
	stores := make([]*db.Store, 0, len(r.order))
	for _, id := range r.order {
		stores = append(stores, r.lanes[id].store)
	}
	if err := w.Start(stores...); err != nil {
		_ = w.Stop()
		return err
	}
	r.watcher = w

	r.wg.Add(1)
	go r.watchFiles()
	return nil
}

// watchFiles queues a lane when its database is written, which covers
// writers in other processes. Writes of this process queue a pass too; the
// ledger finds nothing foreign and observers get an empty event.
func (r *Reconciler) watchFiles() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case ev, ok := <-r.watcher.Events():
			if !ok {
				return
			}
			r.queueChange(ev.Store)
			// Another process may have written local commits to push.
			r.kickPush()
		case err, ok := <-r.watcher.Errors():
			if !ok {
				return
			}
			r.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records that store needs a pass. Repeated calls within the
// debounce window collapse into one pass.
func (r *Reconciler) queueChange(store activity.StoreID) {
	r.changeQueueMu.Lock()
	defer r.changeQueueMu.Unlock()

	if _, queued := r.changeQueue[store]; !queued {
		r.changeQueue[store] = time.Now()
	}
}

func (r *Reconciler) kickPush() {
	select {
	case r.pushKick <- struct{}{}:
	default:
	}
}

// processChangeQueue runs passes for lanes queued for at least the
// debounce window.
func (r *Reconciler) processChangeQueue() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.processPendingChanges()
		}
	}
}

func (r *Reconciler) processPendingChanges() {
	now := time.Now()

	r.changeQueueMu.Lock()
	var due []activity.StoreID
	for _, id := range r.order {
		queuedAt, ok := r.changeQueue[id]
		if !ok || now.Sub(queuedAt) < r.config.Debounce {
			continue
		}
		due = append(due, id)
		delete(r.changeQueue, id)
	}
	r.changeQueueMu.Unlock()

	for _, id := range due {
		// Errors are logged by sync; the next signal or poll retries.
		_ = r.sync(r.ctx, r.lanes[id])
	}
}

// pushLoop pushes on every kick and retries on a timer.
func (r *Reconciler) pushLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.pushKick:
		case <-ticker.C:
		}
		if err := r.Push(r.ctx); err != nil && r.ctx.Err() == nil {
			r.config.Logger.Printf("Push failed, will retry: %v", err)
		}
	}
}

func (r *Reconciler) pollLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.order {
				r.queueChange(id)
			}
		}
	}
}
