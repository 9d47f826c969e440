// Package store persists budget records locally in SQLite. It is the
// device-side source of truth the sync layer snapshots from and
// applies downloads to.
//
// The database runs in embedded mode with WAL so a watcher process can
// read while the budget application writes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	budgetsync "github.com/thef4tdaddy/violet-vault-sub015/internal/sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL,
    id         TEXT NOT NULL,
    position   INTEGER NOT NULL,
    data       TEXT NOT NULL,
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_records_order
    ON records(collection, position);

CREATE TABLE IF NOT EXISTS budget_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store is the local budget database. Safe for concurrent use; writes
// serialize on SQLite's locking.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// Open creates or opens the budget database at path. The caller must
// Close it.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path, logger: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := s.conn.Exec(schema); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Path returns the database file path, for file watchers.
func (s *Store) Path() string { return s.path }

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("wal checkpoint failed: %v", err)
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// PutRecord inserts or replaces one record and bumps the budget's
// last-modified timestamp.
func (s *Store) PutRecord(ctx context.Context, collection, id string, data json.RawMessage) error {
	if !validCollection(collection) {
		return fmt.Errorf("store: unknown collection %q", collection)
	}
	if id == "" {
		return fmt.Errorf("store: record id must not be empty")
	}
	if !json.Valid(data) {
		return fmt.Errorf("store: record %s is not valid JSON", id)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, position, data)
		VALUES (?, ?,
		        COALESCE((SELECT MAX(position) + 1 FROM records WHERE collection = ?), 0),
		        ?)
		ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data`,
		collection, id, collection, string(data))
	if err != nil {
		return fmt.Errorf("store: put record: %w", err)
	}
	if err := touchLocked(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRecord removes one record if present and bumps the timestamp
// when it does.
func (s *Store) DeleteRecord(ctx context.Context, collection, id string) error {
	if !validCollection(collection) {
		return fmt.Errorf("store: unknown collection %q", collection)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM records WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return fmt.Errorf("store: delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := touchLocked(ctx, tx); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetBalances updates the scalar budget fields and bumps the
// timestamp.
func (s *Store) SetBalances(ctx context.Context, unassignedCash, actualBalance float64) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := setMeta(ctx, tx, "unassignedCash", fmt.Sprintf("%g", unassignedCash)); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, "actualBalance", fmt.Sprintf("%g", actualBalance)); err != nil {
		return err
	}
	if err := touchLocked(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// FetchSnapshot assembles the complete budget state.
func (s *Store) FetchSnapshot(ctx context.Context) (*budgetsync.Snapshot, error) {
	snap := &budgetsync.Snapshot{SyncVersion: budgetsync.SyncVersion}

	rows, err := s.conn.QueryContext(ctx,
		"SELECT collection, data FROM records ORDER BY collection, position")
	if err != nil {
		return nil, fmt.Errorf("store: fetch records: %w", err)
	}
	defer rows.Close()

	byCollection := make(map[string][]json.RawMessage)
	for rows.Next() {
		var collection, data string
		if err := rows.Scan(&collection, &data); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		byCollection[collection] = append(byCollection[collection], json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate records: %w", err)
	}
	for name, records := range byCollection {
		snap.SetCollection(name, records)
	}

	meta, err := s.readMeta(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Sscanf(meta["unassignedCash"], "%g", &snap.UnassignedCash)
	fmt.Sscanf(meta["actualBalance"], "%g", &snap.ActualBalance)
	fmt.Sscanf(meta["lastModified"], "%d", &snap.LastModified)
	return snap, nil
}

// ApplySnapshot atomically replaces all local state with snap, used
// when a sync cycle resolves to a download. The incoming lastModified
// is preserved so the next direction decision sees the remote
// timestamp, not the apply time.
func (s *Store) ApplySnapshot(ctx context.Context, snap *budgetsync.Snapshot) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("store: clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO records (collection, id, position, data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, name := range budgetsync.CollectionNames {
		records, _ := snap.Collection(name)
		for i, data := range records {
			id := recordID(data, name, i)
			if _, err := stmt.ExecContext(ctx, name, id, i, string(data)); err != nil {
				return fmt.Errorf("store: insert %s record: %w", name, err)
			}
		}
	}

	if err := setMeta(ctx, tx, "unassignedCash", fmt.Sprintf("%g", snap.UnassignedCash)); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, "actualBalance", fmt.Sprintf("%g", snap.ActualBalance)); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, "lastModified", fmt.Sprintf("%d", snap.LastModified)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.logger.Printf("applied snapshot: %d records, lastModified=%d",
		snap.RecordCount(), snap.LastModified)
	return nil
}

// Touch bumps lastModified to now without changing any records, so the
// next sync cycle sees the local side as dirty.
func (s *Store) Touch(ctx context.Context) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin touch: %w", err)
	}
	defer tx.Rollback()
	if err := touchLocked(ctx, tx); err != nil {
		return err
	}
	return tx.Commit()
}

// LastModified returns the budget's last local edit in epoch
// milliseconds, zero for a fresh database.
func (s *Store) LastModified(ctx context.Context) (int64, error) {
	meta, err := s.readMeta(ctx)
	if err != nil {
		return 0, err
	}
	var ts int64
	fmt.Sscanf(meta["lastModified"], "%d", &ts)
	return ts, nil
}

func (s *Store) readMeta(ctx context.Context) (map[string]string, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT key, value FROM budget_meta")
	if err != nil {
		return nil, fmt.Errorf("store: fetch meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO budget_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set meta %s: %w", key, err)
	}
	return nil
}

// touchLocked stamps the current time as lastModified inside an open
// transaction.
func touchLocked(ctx context.Context, tx *sql.Tx) error {
	return setMeta(ctx, tx, "lastModified", fmt.Sprintf("%d", time.Now().UnixMilli()))
}

func validCollection(name string) bool {
	for _, c := range budgetsync.CollectionNames {
		if c == name {
			return true
		}
	}
	return false
}

// recordID extracts the record's own id field, falling back to a
// positional id for records without one.
func recordID(data json.RawMessage, collection string, position int) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.ID != "" {
		return probe.ID
	}
	return fmt.Sprintf("%s_%d", collection, position)
}
