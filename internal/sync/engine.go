package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/crypto"
)

// ErrNotFound is returned by DocumentBackend.GetMain when the scope has
// no main document yet.
var ErrNotFound = errors.New("sync: document not found")

// ChunkDocument is an encrypted chunk ready for storage.
type ChunkDocument struct {
	ID        string
	Field     string
	Index     int
	BudgetID  string
	Envelope  *crypto.Envelope
	Timestamp int64
}

// StoredChunk is an encrypted chunk as read back from storage.
type StoredChunk struct {
	ID       string
	Envelope *crypto.Envelope
}

// DocumentBackend is the storage transport behind an Engine. It moves
// opaque envelopes; it never sees plaintext or key material.
type DocumentBackend interface {
	// PutMain stores the main document envelope. lastModified is the
	// snapshot timestamp, duplicated outside the ciphertext so remote
	// peers can compare without decrypting.
	PutMain(ctx context.Context, env *crypto.Envelope, lastModified int64) error

	// GetMain returns the main document envelope and its plaintext
	// timestamp, or ErrNotFound.
	GetMain(ctx context.Context) (*crypto.Envelope, int64, error)

	// PutChunks stores chunk documents, overwriting any with the same id.
	PutChunks(ctx context.Context, docs []ChunkDocument) error

	// ListChunks returns every stored chunk document for the scope.
	ListChunks(ctx context.Context) ([]StoredChunk, error)

	// PruneChunks deletes chunk documents whose parsed index falls at
	// or beyond keep[field], and all chunks for fields absent from keep.
	PruneChunks(ctx context.Context, keep map[string]int) error

	// Categorize maps a backend error onto an ErrorCategory.
	Categorize(err error) ErrorCategory

	Close() error
}

// Engine implements the full snapshot save/load flow over any
// DocumentBackend: direction decision, chunk planning, per-document
// encryption and reassembly. Provider implementations embed one and
// supply only the transport.
type Engine struct {
	backend  DocumentBackend
	budgetID string
	key      *crypto.Key
	// threshold is the chunking record limit, overridable in tests.
	threshold int
	now       func() int64
}

// NewEngine binds a backend to a budget scope and key.
func NewEngine(backend DocumentBackend, budgetID string, key *crypto.Key) *Engine {
	return &Engine{
		backend:   backend,
		budgetID:  budgetID,
		key:       key,
		threshold: DefaultChunkThreshold,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetChunkThreshold overrides the chunking limit. Zero or negative
// restores the default.
func (e *Engine) SetChunkThreshold(n int) {
	if n <= 0 {
		n = DefaultChunkThreshold
	}
	e.threshold = n
}

func (e *Engine) failSave(err error) *SaveResult {
	return &SaveResult{Err: NewSyncError(e.backend.Categorize(err), err)}
}

func (e *Engine) failLoad(err error) *LoadResult {
	return &LoadResult{Err: NewSyncError(e.backend.Categorize(err), err)}
}

// Save runs one bidirectional cycle against the backend.
func (e *Engine) Save(ctx context.Context, local *Snapshot) *SaveResult {
	if local == nil {
		return &SaveResult{Err: NewSyncError(ErrorUnknown, errors.New("sync: nil local snapshot"))}
	}

	remote, err := e.loadRemote(ctx)
	if err != nil {
		return e.failSave(err)
	}

	switch DecideDirection(local, remote) {
	case DirectionDownload:
		return &SaveResult{
			Success:    true,
			Direction:  DirectionDownload,
			Timestamp:  remote.LastModified,
			Downloaded: remote,
		}
	case DirectionNone:
		return &SaveResult{
			Success:   true,
			Direction: DirectionNone,
			Timestamp: local.LastModified,
		}
	}
	return e.upload(ctx, local)
}

// Load fetches and decrypts the current remote snapshot. A missing
// main document is a successful load with nil Data.
func (e *Engine) Load(ctx context.Context) *LoadResult {
	remote, err := e.loadRemote(ctx)
	if err != nil {
		return e.failLoad(err)
	}
	if remote == nil {
		return &LoadResult{Success: true}
	}
	return &LoadResult{Success: true, Timestamp: remote.LastModified, Data: remote}
}

func (e *Engine) upload(ctx context.Context, local *Snapshot) *SaveResult {
	plan := PlanUpload(local, e.threshold)

	mainEnv, err := crypto.EncryptWithKey(e.key, plan.Main)
	if err != nil {
		return e.failSave(err)
	}

	now := e.now()
	docs := make([]ChunkDocument, 0, len(plan.Chunks))
	for _, c := range plan.Chunks {
		env, err := crypto.EncryptWithKey(e.key, c.Records)
		if err != nil {
			return e.failSave(err)
		}
		docs = append(docs, ChunkDocument{
			ID:        c.ID,
			Field:     c.Field,
			Index:     c.Index,
			BudgetID:  e.budgetID,
			Envelope:  env,
			Timestamp: now,
		})
	}

	// Chunks land before the main document so a reader that sees the
	// new markers always finds the chunks they point at.
	if len(docs) > 0 {
		if err := e.backend.PutChunks(ctx, docs); err != nil {
			return e.failSave(err)
		}
	}
	if err := e.backend.PutMain(ctx, mainEnv, local.LastModified); err != nil {
		return e.failSave(err)
	}
	if err := e.backend.PruneChunks(ctx, plan.ChunkCounts); err != nil {
		return e.failSave(err)
	}

	return &SaveResult{
		Success:   true,
		Direction: DirectionUpload,
		Timestamp: local.LastModified,
	}
}

// loadRemote fetches, decrypts and reassembles the remote snapshot.
// Returns nil with no error when the scope has no main document.
func (e *Engine) loadRemote(ctx context.Context) (*Snapshot, error) {
	env, lastModified, err := e.backend.GetMain(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw map[string]json.RawMessage
	if err := crypto.DecryptWithKey(e.key, env, &raw); err != nil {
		return nil, err
	}

	snap, chunked, err := DecodeMain(raw)
	if err != nil {
		return nil, err
	}
	if snap.LastModified == 0 {
		snap.LastModified = lastModified
	}
	if len(chunked) == 0 {
		return snap, nil
	}

	stored, err := e.backend.ListChunks(ctx)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(stored))
	for _, sc := range stored {
		field, index, err := ParseChunkID(sc.ID)
		if err != nil {
			return nil, err
		}
		if _, want := chunked[field]; !want {
			continue
		}
		var records []json.RawMessage
		if err := crypto.DecryptWithKey(e.key, sc.Envelope, &records); err != nil {
			return nil, fmt.Errorf("sync: chunk %s: %w", sc.ID, err)
		}
		chunks = append(chunks, Chunk{ID: sc.ID, Field: field, Index: index, Records: records})
	}
	if err := Reassemble(snap, chunked, chunks); err != nil {
		return nil, err
	}
	return snap, nil
}
