package history

import (
	"context"
	"fmt"
	"time"

	"github.com/nightlog/nightlog/internal/activity"
)

// Token is a position in a store's transaction log. Tokens are strictly
// increasing per store; zero means "before the first transaction".
type Token int64

// ChangeKind describes what a transaction did to one record.
type ChangeKind string

const (
	KindInsert ChangeKind = "insert"
	KindUpdate ChangeKind = "update"
	KindDelete ChangeKind = "delete"
)

// EntityActivity is the entity name recorded for Activity rows.
const EntityActivity = "Activity"

// Change is one record touched by a transaction.
type Change struct {
	Entity   string     `json:"entity" yaml:"entity"`
	RecordID string     `json:"recordId" yaml:"record_id"`
	Kind     ChangeKind `json:"kind" yaml:"kind"`
}

// Transaction is one committed batch of changes.
type Transaction struct {
	Token       Token            `json:"token" yaml:"token"`
	Store       activity.StoreID `json:"store" yaml:"store"`
	Author      string           `json:"author" yaml:"author"`
	CommittedAt time.Time        `json:"committedAt" yaml:"committed_at"`
	Changes     []Change         `json:"changes" yaml:"changes"`
}

// Filter narrows a transaction scan.
type Filter struct {
	// ExcludeAuthors drops transactions written by any of these authors
	ExcludeAuthors []string
	// Authors keeps only transactions written by these authors (empty = all)
	Authors []string
	// Limit restricts the number of transactions (0 = no limit)
	Limit int
}

// Source is a store whose transactions can be scanned.
type Source interface {
	Transactions(ctx context.Context, after Token, filter Filter) ([]Transaction, error)
}

// ActivityChanges returns the changes of txs that touch the Activity entity,
// in commit order.
func ActivityChanges(txs []Transaction) []Change {
	var out []Change
	for _, tx := range txs {
		for _, c := range tx.Changes {
			if c.Entity == EntityActivity {
				out = append(out, c)
			}
		}
	}
	return out
}

// Key builds a token key scoped to a store, e.g. "private/history".
func Key(store activity.StoreID, parts ...string) string {
	key := string(store)
	for _, p := range parts {
		key = fmt.Sprintf("%s/%s", key, p)
	}
	return key
}
