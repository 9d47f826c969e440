// Package firestore implements the cloud sync provider over Google
// Cloud Firestore. Budget documents live at budgets/{budgetId} with
// chunk documents in a chunks subcollection; everything stored is an
// AES-GCM envelope, so the backend never holds plaintext.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	gfirestore "cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/crypto"
	budgetsync "github.com/thef4tdaddy/violet-vault-sub015/internal/sync"
)

const (
	budgetsCollection = "budgets"
	chunksCollection  = "chunks"

	// docType tags uploaded documents so older clients can tell an
	// orchestrated snapshot from legacy layouts.
	docType = "orchestrated"
)

var errNotInitialized = errors.New("firestore: provider not initialized")

// Config holds Firestore connection settings.
type Config struct {
	// ProjectID is the GCP project (required).
	ProjectID string

	// CredentialsFile is a service account JSON path. Empty uses
	// application default credentials.
	CredentialsFile string

	Logger *log.Logger
}

// Provider is a sync.Provider over Firestore.
type Provider struct {
	client *gfirestore.Client
	logger *log.Logger

	budgetID string
	engine   *budgetsync.Engine
}

// New connects to Firestore. The caller must Close the provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore: project id must not be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gfirestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: connect: %w", err)
	}
	return &Provider{client: client, logger: logger}, nil
}

// Initialize binds the provider to a budget scope and key.
func (p *Provider) Initialize(_ context.Context, budgetID string, key *crypto.Key) error {
	if budgetID == "" {
		return errors.New("firestore: budget id must not be empty")
	}
	if key == nil {
		return errors.New("firestore: key must not be nil")
	}
	p.budgetID = budgetID
	p.engine = budgetsync.NewEngine(&backend{provider: p}, budgetID, key)
	p.logger.Printf("initialized for %s", budgetID)
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

// Close releases the Firestore client.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// wireMetadata is the Firestore shape of an envelope's metadata block.
type wireMetadata struct {
	Optimized        bool    `firestore:"optimized"`
	OriginalSize     int     `firestore:"originalSize"`
	CompressedSize   int     `firestore:"compressedSize"`
	EncryptedSize    int     `firestore:"encryptedSize"`
	CompressionRatio float64 `firestore:"compressionRatio"`
}

// mainDoc is the budgets/{budgetId} document: the envelope fields at
// the top level plus a plaintext _metadata block peers can compare
// without decrypting.
type mainDoc struct {
	Data     []byte       `firestore:"data"`
	IV       []byte       `firestore:"iv"`
	Metadata wireMetadata `firestore:"metadata"`
	Meta     docMeta      `firestore:"_metadata"`
}

type docMeta struct {
	Version      string `firestore:"version"`
	Type         string `firestore:"type"`
	LastModified int64  `firestore:"lastModified"`
	BudgetID     string `firestore:"budgetId"`
}

// chunkDoc is a budgets/{budgetId}/chunks/{chunkId} document, the same
// envelope shape plus chunk bookkeeping.
type chunkDoc struct {
	Data      []byte       `firestore:"data"`
	IV        []byte       `firestore:"iv"`
	Metadata  wireMetadata `firestore:"metadata"`
	BudgetID  string       `firestore:"budgetId"`
	ChunkID   string       `firestore:"chunkId"`
	Field     string       `firestore:"field"`
	Index     int          `firestore:"index"`
	Timestamp int64        `firestore:"timestamp"`
}

func toWireMeta(m crypto.EnvelopeMetadata) wireMetadata {
	return wireMetadata{
		Optimized:        m.Optimized,
		OriginalSize:     m.OriginalSize,
		CompressedSize:   m.CompressedSize,
		EncryptedSize:    m.EncryptedSize,
		CompressionRatio: m.CompressionRatio,
	}
}

func fromWireMeta(w wireMetadata) crypto.EnvelopeMetadata {
	return crypto.EnvelopeMetadata{
		Optimized:        w.Optimized,
		OriginalSize:     w.OriginalSize,
		CompressedSize:   w.CompressedSize,
		EncryptedSize:    w.EncryptedSize,
		CompressionRatio: w.CompressionRatio,
	}
}

// backend adapts Firestore to sync.DocumentBackend.
type backend struct {
	provider *Provider
}

func (b *backend) mainRef() *gfirestore.DocumentRef {
	return b.provider.client.Collection(budgetsCollection).Doc(b.provider.budgetID)
}

func (b *backend) chunksRef() *gfirestore.CollectionRef {
	return b.mainRef().Collection(chunksCollection)
}

func (b *backend) PutMain(ctx context.Context, env *crypto.Envelope, lastModified int64) error {
	_, err := b.mainRef().Set(ctx, mainDoc{
		Data:     env.Data,
		IV:       env.IV,
		Metadata: toWireMeta(env.Metadata),
		Meta: docMeta{
			Version:      budgetsync.SyncVersion,
			Type:         docType,
			LastModified: lastModified,
			BudgetID:     b.provider.budgetID,
		},
	})
	if err != nil {
		return fmt.Errorf("firestore: put main: %w", err)
	}
	return nil
}

func (b *backend) GetMain(ctx context.Context) (*crypto.Envelope, int64, error) {
	snap, err := b.mainRef().Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, 0, budgetsync.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("firestore: get main: %w", err)
	}

	var doc mainDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, 0, fmt.Errorf("firestore: decode main: %w", err)
	}
	env := &crypto.Envelope{Data: doc.Data, IV: doc.IV, Metadata: fromWireMeta(doc.Metadata)}
	return env, doc.Meta.LastModified, nil
}

func (b *backend) PutChunks(ctx context.Context, docs []budgetsync.ChunkDocument) error {
	bw := b.provider.client.BulkWriter(ctx)
	for _, doc := range docs {
		_, err := bw.Set(b.chunksRef().Doc(doc.ID), chunkDoc{
			Data:      doc.Envelope.Data,
			IV:        doc.Envelope.IV,
			Metadata:  toWireMeta(doc.Envelope.Metadata),
			BudgetID:  doc.BudgetID,
			ChunkID:   doc.ID,
			Field:     doc.Field,
			Index:     doc.Index,
			Timestamp: doc.Timestamp,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("firestore: put chunk %s: %w", doc.ID, err)
		}
	}
	bw.End()
	return nil
}

func (b *backend) ListChunks(ctx context.Context) ([]budgetsync.StoredChunk, error) {
	iter := b.chunksRef().Documents(ctx)
	defer iter.Stop()

	var out []budgetsync.StoredChunk
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore: list chunks: %w", err)
		}
		var doc chunkDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore: decode chunk %s: %w", snap.Ref.ID, err)
		}
		out = append(out, budgetsync.StoredChunk{
			ID:       snap.Ref.ID,
			Envelope: &crypto.Envelope{Data: doc.Data, IV: doc.IV, Metadata: fromWireMeta(doc.Metadata)},
		})
	}
	return out, nil
}

func (b *backend) PruneChunks(ctx context.Context, keep map[string]int) error {
	iter := b.chunksRef().Documents(ctx)
	defer iter.Stop()

	var stale []*gfirestore.DocumentRef
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return fmt.Errorf("firestore: list chunks: %w", err)
		}
		field, index, err := budgetsync.ParseChunkID(snap.Ref.ID)
		if err != nil {
			stale = append(stale, snap.Ref)
			continue
		}
		if n, ok := keep[field]; !ok || index >= n {
			stale = append(stale, snap.Ref)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	bw := b.provider.client.BulkWriter(ctx)
	for _, ref := range stale {
		if _, err := bw.Delete(ref); err != nil {
			bw.End()
			return fmt.Errorf("firestore: prune chunk %s: %w", ref.ID, err)
		}
	}
	bw.End()
	b.provider.logger.Printf("pruned %d stale chunk documents", len(stale))
	return nil
}

// Categorize maps gRPC status codes onto sync error categories.
func (b *backend) Categorize(err error) budgetsync.ErrorCategory {
	if err == nil {
		return budgetsync.ErrorUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return budgetsync.ErrorNetwork
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
		return budgetsync.ErrorNetwork
	case codes.Unauthenticated, codes.PermissionDenied:
		return budgetsync.ErrorAuth
	case codes.ResourceExhausted:
		return budgetsync.ErrorQuota
	default:
		return budgetsync.ErrorUnknown
	}
}

func (b *backend) Close() error { return b.provider.Close() }
