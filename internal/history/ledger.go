package history

import (
	"context"
	"fmt"
)

// Result is the outcome of one Drain.
type Result struct {
	// Transactions is the number of foreign transactions fetched
	Transactions int
	// Changes are the Activity changes of those transactions, in commit order
	Changes []Change
	// Token is the resume token after the drain
	Token Token
}

// Ledger reads foreign transactions of one store exactly once.
type Ledger struct {
	source Source
	tokens TokenStore
	key    string
	author string
}

// NewLedger creates a ledger for source. Transactions written by author are
// never returned; key names the persisted resume token.
func NewLedger(source Source, tokens TokenStore, key, author string) *Ledger {
	return &Ledger{
		source: source,
		tokens: tokens,
		key:    key,
		author: author,
	}
}

// Key returns the resume token key.
func (l *Ledger) Key() string {
	return l.key
}

// Drain fetches every transaction after the resume token not written by the
// ledger's author and persists the token of the last one before returning.
// A fetch error leaves the token where it was.
//
// Drain may return a Result with no changes; callers still treat that as
// "something changed".
func (l *Ledger) Drain(ctx context.Context) (Result, error) {
	var res Result

	err := l.tokens.Update(ctx, l.key, func(current Token) (Token, error) {
		res.Token = current

		txs, err := l.source.Transactions(ctx, current, Filter{ExcludeAuthors: []string{l.author}})
		if err != nil {
			return current, fmt.Errorf("failed to fetch transactions after %d: %w", current, err)
		}
		if len(txs) == 0 {
			return current, nil
		}

		res.Transactions = len(txs)
		res.Changes = ActivityChanges(txs)
		res.Token = txs[len(txs)-1].Token
		return res.Token, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Reset moves the resume token back to zero so the next Drain replays the
// whole log.
func (l *Ledger) Reset(ctx context.Context) error {
	return l.tokens.Update(ctx, l.key, func(Token) (Token, error) {
		return 0, nil
	})
}
