// Package sqlitedoc implements a self-hosted sync provider backed by a
// SQLite document table. It speaks the same encrypted document layout
// as the cloud provider, so a shared database file (or a server-side
// mount) can stand in for Firestore entirely.
package sqlitedoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/crypto"
	budgetsync "github.com/thef4tdaddy/violet-vault-sub015/internal/sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    budget_id     TEXT NOT NULL,
    doc_id        TEXT NOT NULL,
    envelope      TEXT NOT NULL,
    last_modified INTEGER NOT NULL DEFAULT 0,
    is_chunk      INTEGER NOT NULL DEFAULT 0,
    updated_at    INTEGER NOT NULL,
    PRIMARY KEY (budget_id, doc_id)
);
`

const mainDocID = "main"

var errNotInitialized = errors.New("sqlitedoc: provider not initialized")

// Provider is a sync.Provider over a SQLite document store.
type Provider struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	budgetID string
	engine   *budgetsync.Engine
}

// Open creates or opens the document database at path.
func Open(path string, logger *log.Logger) (*Provider, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlitedoc: create directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("sqlitedoc: open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlitedoc: ping database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("sqlitedoc: apply %q: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlitedoc: initialize schema: %w", err)
	}
	return &Provider{conn: conn, path: path, logger: logger}, nil
}

// Initialize binds the provider to a budget scope and key.
func (p *Provider) Initialize(_ context.Context, budgetID string, key *crypto.Key) error {
	if budgetID == "" {
		return errors.New("sqlitedoc: budget id must not be empty")
	}
	if key == nil {
		return errors.New("sqlitedoc: key must not be nil")
	}
	p.budgetID = budgetID
	p.engine = budgetsync.NewEngine(&backend{provider: p}, budgetID, key)
	p.logger.Printf("initialized for %s at %s", budgetID, p.path)
	return nil
}

// SetChunkThreshold overrides the chunking limit.
func (p *Provider) SetChunkThreshold(n int) {
	if p.engine != nil {
		p.engine.SetChunkThreshold(n)
	}
}

// Save runs one bidirectional sync cycle.
func (p *Provider) Save(ctx context.Context, local *budgetsync.Snapshot) *budgetsync.SaveResult {
	if p.engine == nil {
		return &budgetsync.SaveResult{
			Err: budgetsync.NewSyncError(budgetsync.ErrorUnknown, errNotInitialized),
		}
	}
	return p.engine.Save(ctx, local)
}

// Load fetches and decrypts the current remote snapshot.
func (p *Provider) Load(ctx context.Context) *budgetsync.LoadResult {
	if p.engine == nil {
		return &budgetsync.LoadResult{
			Err: budgetsync.NewSyncError(budgetsync.ErrorUnknown, errNotInitialized),
		}
	}
	return p.engine.Load(ctx)
}

// Close closes the document database.
func (p *Provider) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

// backend adapts the document table to sync.DocumentBackend.
type backend struct {
	provider *Provider
}

func (b *backend) put(ctx context.Context, docID string, env *crypto.Envelope, lastModified int64, isChunk bool) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sqlitedoc: marshal envelope: %w", err)
	}
	chunk := 0
	if isChunk {
		chunk = 1
	}
	_, err = b.provider.conn.ExecContext(ctx, `
		INSERT INTO documents (budget_id, doc_id, envelope, last_modified, is_chunk, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(budget_id, doc_id) DO UPDATE SET
			envelope = excluded.envelope,
			last_modified = excluded.last_modified,
			is_chunk = excluded.is_chunk,
			updated_at = excluded.updated_at`,
		b.provider.budgetID, docID, string(raw), lastModified, chunk, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlitedoc: put %s: %w", docID, err)
	}
	return nil
}

func (b *backend) PutMain(ctx context.Context, env *crypto.Envelope, lastModified int64) error {
	return b.put(ctx, mainDocID, env, lastModified, false)
}

func (b *backend) GetMain(ctx context.Context) (*crypto.Envelope, int64, error) {
	var raw string
	var lastModified int64
	err := b.provider.conn.QueryRowContext(ctx,
		"SELECT envelope, last_modified FROM documents WHERE budget_id = ? AND doc_id = ?",
		b.provider.budgetID, mainDocID).Scan(&raw, &lastModified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, budgetsync.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("sqlitedoc: get main: %w", err)
	}

	var env crypto.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, 0, fmt.Errorf("sqlitedoc: decode envelope: %w", err)
	}
	return &env, lastModified, nil
}

func (b *backend) PutChunks(ctx context.Context, docs []budgetsync.ChunkDocument) error {
	for _, doc := range docs {
		if err := b.put(ctx, doc.ID, doc.Envelope, doc.Timestamp, true); err != nil {
			return err
		}
	}
	return nil
}

func (b *backend) ListChunks(ctx context.Context) ([]budgetsync.StoredChunk, error) {
	rows, err := b.provider.conn.QueryContext(ctx,
		"SELECT doc_id, envelope FROM documents WHERE budget_id = ? AND is_chunk = 1",
		b.provider.budgetID)
	if err != nil {
		return nil, fmt.Errorf("sqlitedoc: list chunks: %w", err)
	}
	defer rows.Close()

	var out []budgetsync.StoredChunk
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("sqlitedoc: scan chunk: %w", err)
		}
		var env crypto.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("sqlitedoc: decode chunk %s: %w", id, err)
		}
		out = append(out, budgetsync.StoredChunk{ID: id, Envelope: &env})
	}
	return out, rows.Err()
}

func (b *backend) PruneChunks(ctx context.Context, keep map[string]int) error {
	rows, err := b.provider.conn.QueryContext(ctx,
		"SELECT doc_id FROM documents WHERE budget_id = ? AND is_chunk = 1",
		b.provider.budgetID)
	if err != nil {
		return fmt.Errorf("sqlitedoc: list chunks: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		field, index, err := budgetsync.ParseChunkID(id)
		if err != nil {
			stale = append(stale, id)
			continue
		}
		if n, ok := keep[field]; !ok || index >= n {
			stale = append(stale, id)
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, id := range stale {
		if _, err := b.provider.conn.ExecContext(ctx,
			"DELETE FROM documents WHERE budget_id = ? AND doc_id = ?",
			b.provider.budgetID, id); err != nil {
			return fmt.Errorf("sqlitedoc: prune %s: %w", id, err)
		}
	}
	return nil
}

// Categorize maps storage failures onto sync error categories. A file
// backed provider mostly fails as unknown; timeouts and lock
// contention read as transient network-class failures so callers
// retry.
func (b *backend) Categorize(err error) budgetsync.ErrorCategory {
	switch {
	case err == nil:
		return budgetsync.ErrorUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return budgetsync.ErrorNetwork
	case strings.Contains(err.Error(), "database is locked"),
		strings.Contains(err.Error(), "busy"):
		return budgetsync.ErrorNetwork
	case strings.Contains(err.Error(), "disk full"),
		strings.Contains(err.Error(), "database or disk is full"):
		return budgetsync.ErrorQuota
	default:
		return budgetsync.ErrorUnknown
	}
}

func (b *backend) Close() error { return b.provider.Close() }
