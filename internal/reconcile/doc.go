// Package reconcile keeps the local stores and the remote replica in step.
//
// # Architecture
//
// A Reconciler owns one lane per local store (private, shared). Each lane
// is attached to one remote zone and runs independently of the others:
//
//   - Inbound: a remote signal, a write by another process (seen through
//     db.Watcher) or a poll tick queues the lane. After the debounce window
//     the lane pulls the zone's changes, merges them into the store under the
//     importer author, drains the history ledger and publishes a
//     notify.Event, even when nothing changed.
//   - Outbound: every local commit kicks the pusher, which reads the
//     transactions not written by the importer since the push token and
//     pushes the current version (or a tombstone) of each touched record.
//
// Tokens:
//
//	<store>/history          last foreign history transaction handled
//	<store>/push             last local history transaction pushed
//	<store>/remote/<zone>    last remote cursor merged
//
// Every token is advanced only after the step it guards has committed, so a
// crash or a transport failure causes the step to be retried rather than
// skipped. Merging is field level and idempotent, so a retried step never
// duplicates an effect.
//
// # Usage
//
//	rec, err := reconcile.New(transport, tokens, bus, reconcile.DefaultConfig(), private, shared)
//	if err != nil {
//	    return err
//	}
//	go rec.Start(ctx)
//	...
//	rec.Notify(activity.StorePrivate) // e.g. after an external change
//
// SyncNow runs one pass over every lane synchronously. A pass pushes before
// it pulls, and a merge never re-inserts a record deleted locally, so a pull
// that races a local delete cannot bring the record back.
package reconcile
