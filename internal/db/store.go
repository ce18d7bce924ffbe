// Package db is the durable local store for Activity records.
//
// Each Store is one SQLite file (ncruces/go-sqlite3, WAL mode). Every
// operation on a Store runs on a single executor goroutine owned by that
// Store, so concurrent callers queue rather than race and a write to one
// store never waits on another.
//
// Architecture:
//   - Database file: <data_dir>/<store>.db
//   - Tables: activities, transactions, changes, metadata
//   - Every commit that changes records appends one row to transactions,
//     tagged with the author that made it, and one row per record to changes
//   - Property stamps are stored next to each value for field-level merge
//
// Workflow:
//  1. The repository calls Add/Update/Delete with the store's own author
//  2. The reconciler calls Apply with a foreign author for remote records
//  3. The history ledger scans transactions to find foreign changes
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/notify"
	"github.com/nightlog/nightlog/internal/observability"
)

// DefaultAuthor tags transactions made by this application instance.
const DefaultAuthor = "app"

// ErrClosed is returned for operations on a closed Store.
var ErrClosed = errors.New("store is closed")

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 2

// Options configures a Store.
type Options struct {
	// Store identifies the physical store (private or shared)
	Store activity.StoreID

	// Author tags transactions written through Add, Update and Delete
	// Default: "app"
	Author string

	// Node is the device id used in property stamps
	// Default: the host name
	Node string

	// Bus receives an event after every local commit (nil = no events)
	Bus *notify.Bus

	// Logger for store activity
	Logger *log.Logger

	// Now returns the current time; tests override it
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Store == "" {
		o.Store = activity.StorePrivate
	}
	if o.Author == "" {
		o.Author = DefaultAuthor
	}
	if o.Node == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		o.Node = host
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, fmt.Sprintf("[store:%s] ", o.Store), log.LstdFlags)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// job is one unit of work for the executor.
type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Store is a durable Activity store with a transaction history.
type Store struct {
	conn *sql.DB
	path string
	opts Options

	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the store database at path.
//
// The database is opened in WAL mode with a single connection; the schema
// is created or migrated before Open returns.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dir, "private.db"), db.Options{
//	    Store: activity.StorePrivate,
//	    Bus:   bus,
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// All access goes through the executor; one connection is enough and
	// keeps pragmas and transactions on the same handle.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
		{"PRAGMA synchronous=NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	s := &Store{
		conn: conn,
		path: path,
		opts: opts,
		jobs: make(chan job),
		quit: make(chan struct{}),
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.loop()

	return s, nil
}

// ID returns the store identifier.
func (s *Store) ID() activity.StoreID {
	return s.opts.Store
}

// Author returns the author tag of local writes.
func (s *Store) Author() string {
	return s.opts.Author
}

// Node returns the device id used in stamps.
func (s *Store) Node() string {
	return s.opts.Node
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close stops the executor, checkpoints the WAL and closes the database.
// Queued operations that have not started fail with ErrClosed.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.wg.Wait()

		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.opts.Logger.Printf("Warning: failed to checkpoint WAL: %v", err)
		}
		if err := s.conn.Close(); err != nil {
			s.closeErr = fmt.Errorf("failed to close database: %w", err)
		}
	})
	return s.closeErr
}

// loop is the executor: it runs one job at a time until Close.
func (s *Store) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		case j := <-s.jobs:
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				continue
			}
			// A started job runs to completion even if its caller goes away.
			j.done <- j.fn(context.WithoutCancel(j.ctx))
		}
	}
}

// run queues fn on the executor and waits for its result.
func (s *Store) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	started := time.Now()
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	var err error
	select {
	case s.jobs <- j:
		err = <-j.done
	case <-ctx.Done():
		err = ctx.Err()
	case <-s.quit:
		err = ErrClosed
	}

	observability.RecordStoreOp(string(s.opts.Store), op, started, err)
	return err
}

// migrate creates the schema and records the schema version.
func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}
	if version == schemaVersion {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS activities (
		id TEXT PRIMARY KEY,
		start_date TEXT NOT NULL,
		end_date TEXT,
		type_value TEXT NOT NULL DEFAULT 'sleep',

		-- Property stamps for field-level merge
		start_stamp INTEGER NOT NULL DEFAULT 0,
		start_node TEXT NOT NULL DEFAULT '',
		end_stamp INTEGER NOT NULL DEFAULT 0,
		end_node TEXT NOT NULL DEFAULT '',
		type_stamp INTEGER NOT NULL DEFAULT 0,
		type_node TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS transactions (
		token INTEGER PRIMARY KEY AUTOINCREMENT,
		author TEXT NOT NULL,
		committed_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS changes (
		token INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		entity TEXT NOT NULL,
		record_id TEXT NOT NULL,
		kind TEXT NOT NULL,  -- insert, update, delete
		PRIMARY KEY (token, seq),
		FOREIGN KEY (token) REFERENCES transactions(token) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Deleted ids; none of them is ever inserted again
	CREATE TABLE IF NOT EXISTS retired (
		id TEXT PRIMARY KEY,
		retired_at TEXT NOT NULL
	);

	INSERT OR IGNORE INTO retired (id, retired_at)
		SELECT c.record_id, MIN(t.committed_at)
		FROM changes c JOIN transactions t ON t.token = c.token
		WHERE c.kind = 'delete'
		GROUP BY c.record_id;

	CREATE INDEX IF NOT EXISTS idx_activities_start ON activities(start_date);
	CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(type_value, start_date);
	CREATE INDEX IF NOT EXISTS idx_transactions_author ON transactions(author, token);
	CREATE INDEX IF NOT EXISTS idx_changes_record ON changes(record_id, kind);
	`

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	s.opts.Logger.Printf("Initialized schema version %d at %s", schemaVersion, s.path)
	return nil
}

// timeLayout is fixed width so stored dates sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
