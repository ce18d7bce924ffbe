package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/history"
	"github.com/nightlog/nightlog/internal/notify"
)

const activityColumns = `id, start_date, end_date, type_value,
	start_stamp, start_node, end_stamp, end_node, type_stamp, type_node`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Fetch returns the activities matching q.
func (s *Store) Fetch(ctx context.Context, q activity.Query) ([]activity.Activity, error) {
	var out []activity.Activity
	err := s.run(ctx, "fetch", func(ctx context.Context) error {
		rows, err := s.fetchVersions(ctx, s.conn, q)
		if err != nil {
			return err
		}
		out = make([]activity.Activity, 0, len(rows))
		for _, v := range rows {
			out = append(out, v.Activity)
		}
		return nil
	})
	if err != nil {
		return nil, wrapFetch(err)
	}
	return out, nil
}

// FetchVersions is Fetch with property stamps.
func (s *Store) FetchVersions(ctx context.Context, q activity.Query) ([]activity.Versioned, error) {
	var out []activity.Versioned
	err := s.run(ctx, "fetch", func(ctx context.Context) error {
		var err error
		out, err = s.fetchVersions(ctx, s.conn, q)
		return err
	})
	if err != nil {
		return nil, wrapFetch(err)
	}
	return out, nil
}

// Get returns one record with its stamps, or a NotFound error.
func (s *Store) Get(ctx context.Context, id string) (activity.Versioned, error) {
	var v activity.Versioned
	err := s.run(ctx, "get", func(ctx context.Context) error {
		var err error
		v, err = getVersion(ctx, s.conn, id)
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return activity.Versioned{}, activity.NotFound("get", id)
		}
		return activity.Versioned{}, wrapFetch(err)
	}
	return v, nil
}

// Versions returns the stored versions of ids. Missing ids are absent from
// the map.
func (s *Store) Versions(ctx context.Context, ids []string) (map[string]activity.Versioned, error) {
	out := make(map[string]activity.Versioned, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	err := s.run(ctx, "versions", func(ctx context.Context) error {
		rows, err := s.conn.QueryContext(ctx,
			`SELECT `+activityColumns+` FROM activities WHERE id IN (`+placeholders(len(ids))+`)`,
			toArgs(ids)...)
		if err != nil {
			return err
		}
		defer rows.Close()

		list, err := scanVersions(rows)
		if err != nil {
			return err
		}
		for _, v := range list {
			out[v.ID] = v
		}
		return nil
	})
	if err != nil {
		return nil, wrapFetch(err)
	}
	return out, nil
}

// Retired reports whether id was deleted from this store, locally or by a
// remote tombstone. A retired id cannot be added again.
func (s *Store) Retired(ctx context.Context, id string) (bool, error) {
	var retired bool
	err := s.run(ctx, "retired", func(ctx context.Context) error {
		var err error
		retired, err = isRetired(ctx, s.conn, id)
		return err
	})
	if err != nil {
		return false, wrapFetch(err)
	}
	return retired, nil
}

// Count returns the number of stored activities.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, "count", func(ctx context.Context) error {
		return s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM activities").Scan(&n)
	})
	if err != nil {
		return 0, wrapFetch(err)
	}
	return n, nil
}

// Add inserts a new activity. Inserting an id that already exists fails
// with SaveFailed wrapping activity.ErrDuplicateID, and a retired id with
// SaveFailed wrapping activity.ErrDeletedID.
func (s *Store) Add(ctx context.Context, a activity.Activity) error {
	if a.ID == "" {
		return activity.SaveFailed("add", "", errors.New("activity id is required"))
	}
	v := activity.Stamped(a, s.opts.Now(), s.opts.Node)

	var changes []history.Change
	err := s.run(ctx, "add", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			exists, err := recordExists(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			if exists {
				return activity.ErrDuplicateID
			}
			retired, err := isRetired(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			if retired {
				return activity.ErrDeletedID
			}
			if err := insertVersion(ctx, tx, v); err != nil {
				return err
			}
			changes = []history.Change{{Entity: history.EntityActivity, RecordID: a.ID, Kind: history.KindInsert}}
			return s.recordTransaction(ctx, tx, s.opts.Author, changes)
		})
	})
	if err != nil {
		return activity.SaveFailed("add", a.ID, err)
	}

	s.publish(s.opts.Author, changes)
	return nil
}

// Update replaces the values of an existing activity. Only properties whose
// value changed get a new stamp; an update that changes nothing commits
// nothing. A missing id fails with NotFound.
func (s *Store) Update(ctx context.Context, a activity.Activity) error {
	var changes []history.Change
	err := s.run(ctx, "update", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			current, err := getVersion(ctx, tx, a.ID)
			if errors.Is(err, sql.ErrNoRows) {
				return activity.NotFound("update", a.ID)
			}
			if err != nil {
				return err
			}

			next, changed := current.Revise(a, s.opts.Now(), s.opts.Node)
			if changed == activity.FieldNone {
				return nil
			}
			if err := updateVersion(ctx, tx, next); err != nil {
				return err
			}
			changes = []history.Change{{Entity: history.EntityActivity, RecordID: a.ID, Kind: history.KindUpdate}}
			return s.recordTransaction(ctx, tx, s.opts.Author, changes)
		})
	})
	if err != nil {
		if activity.IsNotFound(err) {
			return err
		}
		return activity.SaveFailed("update", a.ID, err)
	}

	s.publish(s.opts.Author, changes)
	return nil
}

// Delete removes the given activities in one statement and one transaction.
// If any id is missing (or empty), nothing is deleted and the error is
// NotFound for the first missing id. Deleted ids are retired.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			return activity.NotFound("delete", id)
		}
	}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil
	}

	var changes []history.Change
	err := s.run(ctx, "delete", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			found, err := existingIDs(ctx, tx, ids)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if !found[id] {
					return activity.NotFound("delete", id)
				}
			}

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM activities WHERE id IN (`+placeholders(len(ids))+`)`,
				toArgs(ids)...); err != nil {
				return err
			}
			if err := s.retire(ctx, tx, ids); err != nil {
				return err
			}

			changes = make([]history.Change, 0, len(ids))
			for _, id := range ids {
				changes = append(changes, history.Change{Entity: history.EntityActivity, RecordID: id, Kind: history.KindDelete})
			}
			return s.recordTransaction(ctx, tx, s.opts.Author, changes)
		})
	})
	if err != nil {
		if activity.IsNotFound(err) {
			return err
		}
		return activity.DeleteFailed("delete", strings.Join(ids, ","), err)
	}

	s.publish(s.opts.Author, changes)
	return nil
}

// Apply merges versions produced elsewhere into the store under author,
// in a single transaction.
//
// Each upsert is merged property by property with the stored version (or
// inserted when absent, unless the id is retired); each delete removes the
// record if present and retires the id either way. The returned changes
// list the records whose values changed. When nothing
// changes no transaction is recorded, so re-applying the same versions is a
// no-op.
func (s *Store) Apply(ctx context.Context, author string, upserts []activity.Versioned, deletes []string) ([]history.Change, error) {
	if author == "" {
		author = s.opts.Author
	}

	var changes []history.Change
	err := s.run(ctx, "apply", func(ctx context.Context) error {
		changes = nil
		return s.withTx(ctx, func(tx *sql.Tx) error {
			for _, remote := range upserts {
				remote.Activity = remote.Activity.Normalize()

				local, err := getVersion(ctx, tx, remote.ID)
				if errors.Is(err, sql.ErrNoRows) {
					retired, err := isRetired(ctx, tx, remote.ID)
					if err != nil {
						return err
					}
					if retired {
						// Deletes win; the tombstone has been or will be pushed.
						continue
					}
					if err := insertVersion(ctx, tx, remote); err != nil {
						return err
					}
					changes = append(changes, history.Change{Entity: history.EntityActivity, RecordID: remote.ID, Kind: history.KindInsert})
					continue
				}
				if err != nil {
					return err
				}

				merged, changed := activity.Merge(local, remote)
				if changed == activity.FieldNone && merged.Stamps == local.Stamps {
					continue
				}
				if err := updateVersion(ctx, tx, merged); err != nil {
					return err
				}
				if changed != activity.FieldNone {
					changes = append(changes, history.Change{Entity: history.EntityActivity, RecordID: remote.ID, Kind: history.KindUpdate})
				}
			}

			if ids := dedupe(deletes); len(ids) > 0 {
				found, err := existingIDs(ctx, tx, ids)
				if err != nil {
					return err
				}
				if err := s.retire(ctx, tx, ids); err != nil {
					return err
				}
				var present []string
				for _, id := range ids {
					if found[id] {
						present = append(present, id)
					}
				}
				if len(present) > 0 {
					if _, err := tx.ExecContext(ctx,
						`DELETE FROM activities WHERE id IN (`+placeholders(len(present))+`)`,
						toArgs(present)...); err != nil {
						return err
					}
					for _, id := range present {
						changes = append(changes, history.Change{Entity: history.EntityActivity, RecordID: id, Kind: history.KindDelete})
					}
				}
			}

			if len(changes) == 0 {
				return nil
			}
			return s.recordTransaction(ctx, tx, author, changes)
		})
	})
	if err != nil {
		return nil, activity.SaveFailed("apply", "", err)
	}

	s.publish(author, changes)
	return changes, nil
}

// publish announces a local commit on the bus. Commits by other authors are
// announced by whoever drains the history.
func (s *Store) publish(author string, changes []history.Change) {
	if s.opts.Bus == nil || len(changes) == 0 || author != s.opts.Author {
		return
	}
	s.opts.Bus.Publish(notify.Event{
		Store:   s.opts.Store,
		Origin:  notify.OriginLocal,
		Changes: changes,
	})
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) fetchVersions(ctx context.Context, q querier, query activity.Query) ([]activity.Versioned, error) {
	var conditions []string
	var args []any

	if query.ID != "" {
		conditions = append(conditions, "id = ?")
		args = append(args, query.ID)
	}
	if query.After != nil {
		conditions = append(conditions, "start_date >= ?")
		args = append(args, formatTime(*query.After))
	}
	if query.Before != nil {
		conditions = append(conditions, "start_date < ?")
		args = append(args, formatTime(*query.Before))
	}
	if len(query.Types) > 0 {
		// Unknown stored values read as sleep, so a sleep filter must also
		// match them.
		var typeConds []string
		for _, t := range query.Types {
			if t == activity.TypeSleep {
				typeConds = append(typeConds, "type_value NOT IN (?)")
				args = append(args, string(activity.TypeTummyTime))
				continue
			}
			typeConds = append(typeConds, "type_value = ?")
			args = append(args, string(t))
		}
		conditions = append(conditions, "("+strings.Join(typeConds, " OR ")+")")
	}

	sqlQuery := `SELECT ` + activityColumns + ` FROM activities`
	if len(conditions) > 0 {
		sqlQuery += " WHERE " + strings.Join(conditions, " AND ")
	}
	if query.Order == activity.OldestFirst {
		sqlQuery += " ORDER BY start_date ASC, id ASC"
	} else {
		sqlQuery += " ORDER BY start_date DESC, id ASC"
	}
	if query.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	return scanVersions(rows)
}

func getVersion(ctx context.Context, q querier, id string) (activity.Versioned, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = ?`, id)
	if err != nil {
		return activity.Versioned{}, fmt.Errorf("failed to query activity %s: %w", id, err)
	}
	defer rows.Close()

	list, err := scanVersions(rows)
	if err != nil {
		return activity.Versioned{}, err
	}
	if len(list) == 0 {
		return activity.Versioned{}, sql.ErrNoRows
	}
	return list[0], nil
}

func insertVersion(ctx context.Context, q querier, v activity.Versioned) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO activities (`+activityColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID,
		formatTime(v.StartDate),
		timeToNullString(v.EndDate),
		string(v.Type),
		v.Stamps.Start.Time, v.Stamps.Start.Node,
		v.Stamps.End.Time, v.Stamps.End.Node,
		v.Stamps.Type.Time, v.Stamps.Type.Node,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity %s: %w", v.ID, err)
	}
	return nil
}

func updateVersion(ctx context.Context, q querier, v activity.Versioned) error {
	_, err := q.ExecContext(ctx, `
	UPDATE activities SET
		start_date = ?, end_date = ?, type_value = ?,
		start_stamp = ?, start_node = ?,
		end_stamp = ?, end_node = ?,
		type_stamp = ?, type_node = ?
	WHERE id = ?`,
		formatTime(v.StartDate),
		timeToNullString(v.EndDate),
		string(v.Type),
		v.Stamps.Start.Time, v.Stamps.Start.Node,
		v.Stamps.End.Time, v.Stamps.End.Node,
		v.Stamps.Type.Time, v.Stamps.Type.Node,
		v.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update activity %s: %w", v.ID, err)
	}
	return nil
}

func recordExists(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM activities WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check activity %s: %w", id, err)
	}
	return n > 0, nil
}

// isRetired reports whether id was deleted here or by a tombstone.
func isRetired(ctx context.Context, q querier, id string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM retired WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check retired id %s: %w", id, err)
	}
	return n > 0, nil
}

func (s *Store) retire(ctx context.Context, tx *sql.Tx, ids []string) error {
	now := formatTime(s.opts.Now())
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO retired (id, retired_at) VALUES (?, ?)", id, now); err != nil {
			return fmt.Errorf("failed to retire %s: %w", id, err)
		}
	}
	return nil
}

func existingIDs(ctx context.Context, q querier, ids []string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM activities WHERE id IN (`+placeholders(len(ids))+`)`,
		toArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up activities: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// scanVersions scans rows selected with activityColumns.
func scanVersions(rows *sql.Rows) ([]activity.Versioned, error) {
	var out []activity.Versioned

	for rows.Next() {
		var v activity.Versioned
		var startDate, typeValue string
		var endDate sql.NullString

		err := rows.Scan(
			&v.ID,
			&startDate,
			&endDate,
			&typeValue,
			&v.Stamps.Start.Time, &v.Stamps.Start.Node,
			&v.Stamps.End.Time, &v.Stamps.End.Node,
			&v.Stamps.Type.Time, &v.Stamps.Type.Node,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}

		if v.StartDate, err = parseTime(startDate); err != nil {
			return nil, fmt.Errorf("failed to parse start_date of %s: %w", v.ID, err)
		}
		if v.EndDate, err = nullStringToTime(endDate); err != nil {
			return nil, fmt.Errorf("failed to parse end_date of %s: %w", v.ID, err)
		}
		v.Type = activity.ParseType(typeValue)

		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}
	return out, nil
}

func wrapFetch(err error) error {
	var e *activity.Error
	if errors.As(err, &e) {
		return err
	}
	return activity.FetchFailed("fetch", err)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
