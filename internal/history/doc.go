// Package history implements the change history ledger.
//
// Every commit to a local store appends a Transaction carrying the author
// that produced it and a per-store Token. The ledger reads those
// transactions back to answer one question: which committed changes did
// this application instance not make itself?
//
// # Overview
//
// A Ledger is bound to one store and one author. Drain fetches every
// transaction after the persisted resume token whose author differs from
// the ledger's own, keeps the changes that touch the Activity entity, and
// persists the token of the last fetched transaction before returning.
//
//	tokens, err := history.OpenFileTokenStore(filepath.Join(dir, "tokens.toml"))
//	if err != nil {
//	    return err
//	}
//	ledger := history.NewLedger(store, tokens, history.Key(activity.StorePrivate, "history"), "app")
//
//	res, err := ledger.Drain(ctx)
//	if err != nil {
//	    // token was not advanced; the next signal retries the same batch
//	}
//	for _, c := range res.Changes {
//	    fmt.Println(c.Kind, c.RecordID)
//	}
//
// # Resume Tokens
//
// TokenStore persists one Token per key. Updates for the same key are
// serialized: Update holds the key while the callback runs, so two
// overlapping drains of the same store never both observe the old token.
// FileTokenStore keeps all keys in a single TOML file that is replaced
// atomically on every write.
package history
