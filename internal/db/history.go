package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/history"
	"github.com/nightlog/nightlog/internal/observability"
)

// recordTransaction appends one transaction and its changes inside tx.
func (s *Store) recordTransaction(ctx context.Context, tx *sql.Tx, author string, changes []history.Change) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (author, committed_at) VALUES (?, ?)`,
		author, formatTime(s.opts.Now()))
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	token, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transaction token: %w", err)
	}

	for i, c := range changes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO changes (token, seq, entity, record_id, kind) VALUES (?, ?, ?, ?, ?)`,
			token, i, c.Entity, c.RecordID, string(c.Kind)); err != nil {
			return fmt.Errorf("failed to record change %s: %w", c.RecordID, err)
		}
	}

	observability.RecordCommit(string(s.opts.Store), token)
	return nil
}

// Transactions returns committed transactions with a token greater than
// after, oldest first. It implements history.Source.
func (s *Store) Transactions(ctx context.Context, after history.Token, filter history.Filter) ([]history.Transaction, error) {
	var out []history.Transaction
	err := s.run(ctx, "transactions", func(ctx context.Context) error {
		var err error
		out, err = s.transactions(ctx, after, filter)
		return err
	})
	if err != nil {
		return nil, wrapFetch(err)
	}
	return out, nil
}

func (s *Store) transactions(ctx context.Context, after history.Token, filter history.Filter) ([]history.Transaction, error) {
	conditions := []string{"token > ?"}
	args := []any{int64(after)}

	if len(filter.ExcludeAuthors) > 0 {
		conditions = append(conditions, "author NOT IN ("+placeholders(len(filter.ExcludeAuthors))+")")
		args = append(args, toArgs(filter.ExcludeAuthors)...)
	}
	if len(filter.Authors) > 0 {
		conditions = append(conditions, "author IN ("+placeholders(len(filter.Authors))+")")
		args = append(args, toArgs(filter.Authors)...)
	}

	query := `SELECT token, author, committed_at FROM transactions
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY token ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}

	var txs []history.Transaction
	index := make(map[history.Token]int)
	for rows.Next() {
		var tx history.Transaction
		var token int64
		var committedAt string
		if err := rows.Scan(&token, &tx.Author, &committedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Token = history.Token(token)
		tx.Store = s.opts.Store
		if tx.CommittedAt, err = parseTime(committedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to parse committed_at of %d: %w", token, err)
		}
		index[tx.Token] = len(txs)
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	rows.Close()

	if len(txs) == 0 {
		return nil, nil
	}

	changeRows, err := s.conn.QueryContext(ctx, `
	SELECT token, entity, record_id, kind FROM changes
	WHERE token >= ? AND token <= ?
	ORDER BY token ASC, seq ASC`,
		int64(txs[0].Token), int64(txs[len(txs)-1].Token))
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer changeRows.Close()

	for changeRows.Next() {
		var token int64
		var c history.Change
		var kind string
		if err := changeRows.Scan(&token, &c.Entity, &c.RecordID, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Kind = history.ChangeKind(kind)
		if i, ok := index[history.Token(token)]; ok {
			txs[i].Changes = append(txs[i].Changes, c)
		}
	}
	if err := changeRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return txs, nil
}

// LastToken returns the token of the most recent transaction, or zero.
func (s *Store) LastToken(ctx context.Context) (history.Token, error) {
	var token sql.NullInt64
	err := s.run(ctx, "last_token", func(ctx context.Context) error {
		return s.conn.QueryRowContext(ctx, "SELECT MAX(token) FROM transactions").Scan(&token)
	})
	if err != nil {
		return 0, wrapFetch(err)
	}
	return history.Token(token.Int64), nil
}

// Meta returns a metadata value and whether it was set.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.run(ctx, "meta", func(ctx context.Context) error {
		err := s.conn.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, wrapFetch(err)
	}
	return value, found, nil
}

// SetMeta stores a metadata value. Metadata is not part of the history.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	err := s.run(ctx, "set_meta", func(ctx context.Context) error {
		_, err := s.conn.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
			key, value, formatTime(s.opts.Now()))
		return err
	})
	if err != nil {
		return activity.SaveFailed("set_meta", key, err)
	}
	return nil
}
