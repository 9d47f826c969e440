package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/crypto"
)

// memBackend is an in-memory DocumentBackend for engine tests.
type memBackend struct {
	main         *crypto.Envelope
	mainModified int64
	chunks       map[string]*crypto.Envelope

	failWith error
	puts     int
}

func newMemBackend() *memBackend {
	return &memBackend{chunks: make(map[string]*crypto.Envelope)}
}

func (b *memBackend) PutMain(_ context.Context, env *crypto.Envelope, lastModified int64) error {
	if b.failWith != nil {
		return b.failWith
	}
	b.main = env
	b.mainModified = lastModified
	b.puts++
	return nil
}

func (b *memBackend) GetMain(context.Context) (*crypto.Envelope, int64, error) {
	if b.failWith != nil {
		return nil, 0, b.failWith
	}
	if b.main == nil {
		return nil, 0, ErrNotFound
	}
	return b.main, b.mainModified, nil
}

func (b *memBackend) PutChunks(_ context.Context, docs []ChunkDocument) error {
	if b.failWith != nil {
		return b.failWith
	}
	for _, d := range docs {
		b.chunks[d.ID] = d.Envelope
	}
	return nil
}

func (b *memBackend) ListChunks(context.Context) ([]StoredChunk, error) {
	if b.failWith != nil {
		return nil, b.failWith
	}
	out := make([]StoredChunk, 0, len(b.chunks))
	for id, env := range b.chunks {
		out = append(out, StoredChunk{ID: id, Envelope: env})
	}
	return out, nil
}

func (b *memBackend) PruneChunks(_ context.Context, keep map[string]int) error {
	if b.failWith != nil {
		return b.failWith
	}
	for id := range b.chunks {
		field, index, err := ParseChunkID(id)
		if err != nil {
			continue
		}
		if n, ok := keep[field]; !ok || index >= n {
			delete(b.chunks, id)
		}
	}
	return nil
}

func (b *memBackend) Categorize(error) ErrorCategory { return ErrorNetwork }

func (b *memBackend) Close() error { return nil }

func testEngine(t *testing.T) (*Engine, *memBackend) {
	t.Helper()
	key, err := crypto.DeriveKey("engine-test-password")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b := newMemBackend()
	return NewEngine(b, "budget_0123456789abcdef", key), b
}

func TestEngineFirstUpload(t *testing.T) {
	e, b := testEngine(t)
	local := &Snapshot{Envelopes: makeRecords(20), LastModified: 1000}

	res := e.Save(context.Background(), local)
	if !res.Success || res.Err != nil {
		t.Fatalf("Save failed: %+v", res.Err)
	}
	if res.Direction != DirectionUpload {
		t.Errorf("direction = %s, want upload", res.Direction)
	}
	if b.main == nil || b.mainModified != 1000 {
		t.Errorf("main not stored, lastModified=%d", b.mainModified)
	}
	if len(b.chunks) != 0 {
		t.Errorf("small snapshot produced %d chunks", len(b.chunks))
	}
}

func TestEngineChunkedRoundTrip(t *testing.T) {
	e, b := testEngine(t)
	local := &Snapshot{
		Transactions:   makeRecords(1200),
		Bills:          makeRecords(30),
		UnassignedCash: 99.5,
		LastModified:   5000,
	}

	if res := e.Save(context.Background(), local); !res.Success {
		t.Fatalf("Save: %+v", res.Err)
	}
	if len(b.chunks) != 3 {
		t.Fatalf("stored %d chunk docs, want 3", len(b.chunks))
	}

	load := e.Load(context.Background())
	if !load.Success || load.Data == nil {
		t.Fatalf("Load: %+v", load.Err)
	}
	got := load.Data
	if len(got.Transactions) != 1200 || len(got.Bills) != 30 {
		t.Errorf("loaded %d transactions, %d bills", len(got.Transactions), len(got.Bills))
	}
	if got.UnassignedCash != 99.5 || got.LastModified != 5000 {
		t.Errorf("scalars mismatch: %+v", got)
	}
}

func TestEngineShrinkPrunesStaleChunks(t *testing.T) {
	e, b := testEngine(t)
	ctx := context.Background()

	if res := e.Save(ctx, &Snapshot{Transactions: makeRecords(1600), LastModified: 1}); !res.Success {
		t.Fatalf("first Save: %+v", res.Err)
	}
	if len(b.chunks) != 4 {
		t.Fatalf("first upload stored %d chunks, want 4", len(b.chunks))
	}

	if res := e.Save(ctx, &Snapshot{Transactions: makeRecords(600), LastModified: 2}); !res.Success {
		t.Fatalf("second Save: %+v", res.Err)
	}
	if len(b.chunks) != 2 {
		t.Errorf("after shrink %d chunks remain, want 2", len(b.chunks))
	}

	load := e.Load(ctx)
	if !load.Success || len(load.Data.Transactions) != 600 {
		t.Fatalf("Load after shrink: %+v", load.Err)
	}
}

func TestEngineDownloadWhenRemoteNewer(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	remote := &Snapshot{Debts: makeRecords(8), LastModified: 2000}
	if res := e.Save(ctx, remote); !res.Success {
		t.Fatalf("seed Save: %+v", res.Err)
	}

	local := &Snapshot{Debts: makeRecords(3), LastModified: 1500}
	res := e.Save(ctx, local)
	if !res.Success {
		t.Fatalf("Save: %+v", res.Err)
	}
	if res.Direction != DirectionDownload {
		t.Fatalf("direction = %s, want download", res.Direction)
	}
	if res.Downloaded == nil || len(res.Downloaded.Debts) != 8 {
		t.Errorf("downloaded snapshot missing: %+v", res.Downloaded)
	}
	if res.Timestamp != 2000 {
		t.Errorf("timestamp = %d, want 2000", res.Timestamp)
	}
}

func TestEngineEmptyLocalDefersToRemote(t *testing.T) {
	e, _ := testEngine(t)
	ctx := context.Background()

	if res := e.Save(ctx, &Snapshot{Bills: makeRecords(5), LastModified: 100}); !res.Success {
		t.Fatalf("seed Save: %+v", res.Err)
	}

	// Fresh device with a newer clock but no data must not clobber
	// the remote.
	res := e.Save(ctx, &Snapshot{LastModified: 9999})
	if res.Direction != DirectionDownload {
		t.Fatalf("direction = %s, want download", res.Direction)
	}
	if len(res.Downloaded.Bills) != 5 {
		t.Errorf("downloaded %d bills, want 5", len(res.Downloaded.Bills))
	}
}

func TestEngineEqualTimestampsNoOp(t *testing.T) {
	e, b := testEngine(t)
	ctx := context.Background()

	snap := &Snapshot{Bills: makeRecords(5), LastModified: 100}
	if res := e.Save(ctx, snap); !res.Success {
		t.Fatalf("seed Save: %+v", res.Err)
	}
	puts := b.puts

	res := e.Save(ctx, snap)
	if !res.Success || res.Direction != DirectionNone {
		t.Fatalf("got %+v, want no-op", res)
	}
	if b.puts != puts {
		t.Error("no-op cycle wrote the main document")
	}
}

func TestEngineLoadEmptyRemote(t *testing.T) {
	e, _ := testEngine(t)
	res := e.Load(context.Background())
	if !res.Success || res.Data != nil {
		t.Errorf("empty remote Load = %+v", res)
	}
}

func TestEngineBackendFailureCategorized(t *testing.T) {
	e, b := testEngine(t)
	b.failWith = errors.New("connection refused")

	res := e.Save(context.Background(), &Snapshot{LastModified: 1})
	if res.Success || res.Err == nil {
		t.Fatal("expected failed result")
	}
	if res.Err.Category != ErrorNetwork {
		t.Errorf("category = %s, want network", res.Err.Category)
	}
	if !errors.Is(res.Err, b.failWith) {
		t.Error("cause not preserved through SyncError")
	}

	load := e.Load(context.Background())
	if load.Success || load.Err == nil {
		t.Error("expected failed load result")
	}
}

func TestEngineWrongKeyFails(t *testing.T) {
	key1, _ := crypto.DeriveKey("password-one")
	key2, _ := crypto.DeriveKey("password-two")
	b := newMemBackend()

	e1 := NewEngine(b, "budget_0123456789abcdef", key1)
	if res := e1.Save(context.Background(), &Snapshot{Bills: makeRecords(2), LastModified: 1}); !res.Success {
		t.Fatalf("seed Save: %+v", res.Err)
	}

	e2 := NewEngine(b, "budget_0123456789abcdef", key2)
	res := e2.Load(context.Background())
	if res.Success {
		t.Fatal("load with wrong key succeeded")
	}
}
