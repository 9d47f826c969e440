package sync

import (
	"encoding/json"
	"fmt"
	"testing"
)

func makeRecords(n int) []json.RawMessage {
	records := make([]json.RawMessage, n)
	for i := range records {
		records[i] = json.RawMessage(fmt.Sprintf(`{"id":"rec_%d"}`, i))
	}
	return records
}

func TestChunkID(t *testing.T) {
	cases := []struct {
		field string
		index int
		want  string
	}{
		{"transactions", 0, "transactions_chunk_000"},
		{"transactions", 7, "transactions_chunk_007"},
		{"envelopes", 123, "envelopes_chunk_123"},
		{"paycheckHistory", 1000, "paycheckHistory_chunk_1000"},
	}
	for _, c := range cases {
		if got := ChunkID(c.field, c.index); got != c.want {
			t.Errorf("ChunkID(%q, %d) = %q, want %q", c.field, c.index, got, c.want)
		}
		field, index, err := ParseChunkID(c.want)
		if err != nil {
			t.Errorf("ParseChunkID(%q): %v", c.want, err)
		}
		if field != c.field || index != c.index {
			t.Errorf("ParseChunkID(%q) = %q, %d", c.want, field, index)
		}
	}
}

func TestParseChunkIDMalformed(t *testing.T) {
	for _, id := range []string{"", "transactions", "_chunk_001", "transactions_chunk_", "transactions_chunk_x", "transactions_chunk_-1"} {
		if _, _, err := ParseChunkID(id); err == nil {
			t.Errorf("ParseChunkID(%q) succeeded, want error", id)
		}
	}
}

func TestPlanUploadSmallCollectionsInline(t *testing.T) {
	snap := &Snapshot{
		Envelopes:    makeRecords(10),
		Transactions: makeRecords(500),
		LastModified: 1234,
	}
	plan := PlanUpload(snap, DefaultChunkThreshold)

	if len(plan.Chunks) != 0 {
		t.Fatalf("got %d chunks for at-threshold collections, want 0", len(plan.Chunks))
	}
	inline, ok := plan.Main["transactions"].([]json.RawMessage)
	if !ok || len(inline) != 500 {
		t.Errorf("transactions not inlined: %T", plan.Main["transactions"])
	}
	if _, ok := plan.Main["bills"].([]json.RawMessage); !ok {
		t.Error("empty collection missing from main payload")
	}
}

func TestPlanUploadSplitsLargeCollection(t *testing.T) {
	snap := &Snapshot{Transactions: makeRecords(1200)}
	plan := PlanUpload(snap, 500)

	marker, ok := plan.Main["transactions"].(chunkMarker)
	if !ok {
		t.Fatalf("main payload transactions = %T, want marker", plan.Main["transactions"])
	}
	if !marker.Chunked || marker.Count != 1200 {
		t.Errorf("marker = %+v", marker)
	}

	if len(plan.Chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(plan.Chunks))
	}
	wantSizes := []int{500, 500, 200}
	for i, c := range plan.Chunks {
		if c.ID != ChunkID("transactions", i) {
			t.Errorf("chunk %d id = %q", i, c.ID)
		}
		if len(c.Records) != wantSizes[i] {
			t.Errorf("chunk %d has %d records, want %d", i, len(c.Records), wantSizes[i])
		}
	}
	if plan.ChunkCounts["transactions"] != 3 {
		t.Errorf("ChunkCounts = %v", plan.ChunkCounts)
	}

	// First record of the last chunk is record 1000.
	var rec struct {
		ID string `json:"id"`
	}
	json.Unmarshal(plan.Chunks[2].Records[0], &rec)
	if rec.ID != "rec_1000" {
		t.Errorf("last chunk starts at %q, want rec_1000", rec.ID)
	}
}

func TestPlanDecodeRoundTrip(t *testing.T) {
	snap := &Snapshot{
		Envelopes:      makeRecords(3),
		Transactions:   makeRecords(1100),
		Bills:          makeRecords(501),
		UnassignedCash: 250.75,
		ActualBalance:  -12.5,
		LastModified:   987654321,
	}
	plan := PlanUpload(snap, 500)

	// Simulate the encrypt/decrypt boundary with a JSON round trip.
	packed, err := json.Marshal(plan.Main)
	if err != nil {
		t.Fatalf("marshal main: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(packed, &raw); err != nil {
		t.Fatalf("unmarshal main: %v", err)
	}

	decoded, chunked, err := DecodeMain(raw)
	if err != nil {
		t.Fatalf("DecodeMain: %v", err)
	}
	if decoded.UnassignedCash != 250.75 || decoded.ActualBalance != -12.5 ||
		decoded.LastModified != 987654321 {
		t.Errorf("scalars mismatch: %+v", decoded)
	}
	if len(decoded.Envelopes) != 3 {
		t.Errorf("inline envelopes = %d, want 3", len(decoded.Envelopes))
	}
	if chunked["transactions"] != 1100 || chunked["bills"] != 501 {
		t.Errorf("chunked map = %v", chunked)
	}

	if err := Reassemble(decoded, chunked, plan.Chunks); err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if len(decoded.Transactions) != 1100 || len(decoded.Bills) != 501 {
		t.Errorf("reassembled %d transactions, %d bills",
			len(decoded.Transactions), len(decoded.Bills))
	}
}

func TestReassembleSortsNumerically(t *testing.T) {
	// Chunks delivered out of order, including index 10 which sorts
	// before 2 as a string.
	var chunks []Chunk
	total := 0
	for _, i := range []int{10, 0, 7, 3, 1, 9, 5, 2, 8, 6, 4} {
		recs := makeRecords(2)
		recs[0] = json.RawMessage(fmt.Sprintf(`{"chunk":%d}`, i))
		chunks = append(chunks, Chunk{
			ID: ChunkID("transactions", i), Field: "transactions", Index: i, Records: recs,
		})
		total += 2
	}

	snap := &Snapshot{}
	if err := Reassemble(snap, map[string]int{"transactions": total}, chunks); err != nil {
		t.Fatalf("Reassemble: %v", err)
	}

	for i := 0; i < 11; i++ {
		var rec struct {
			Chunk int `json:"chunk"`
		}
		json.Unmarshal(snap.Transactions[i*2], &rec)
		if rec.Chunk != i {
			t.Fatalf("position %d came from chunk %d, want %d", i*2, rec.Chunk, i)
		}
	}
}

func TestReassembleMissingChunk(t *testing.T) {
	chunks := []Chunk{
		{ID: ChunkID("bills", 0), Field: "bills", Index: 0, Records: makeRecords(500)},
		{ID: ChunkID("bills", 2), Field: "bills", Index: 2, Records: makeRecords(100)},
	}
	snap := &Snapshot{}
	if err := Reassemble(snap, map[string]int{"bills": 1100}, chunks); err == nil {
		t.Fatal("expected error for missing chunk 1")
	}
}

func TestReassembleCountMismatch(t *testing.T) {
	chunks := []Chunk{
		{ID: ChunkID("bills", 0), Field: "bills", Index: 0, Records: makeRecords(400)},
	}
	snap := &Snapshot{}
	if err := Reassemble(snap, map[string]int{"bills": 500}, chunks); err == nil {
		t.Fatal("expected error for record count mismatch")
	}
}

func TestReassembleIgnoresStaleChunks(t *testing.T) {
	// A previous upload left a chunk for a collection that is now
	// inline, plus a trailing chunk past the current count.
	chunks := []Chunk{
		{ID: ChunkID("debts", 0), Field: "debts", Index: 0, Records: makeRecords(500)},
		{ID: ChunkID("bills", 0), Field: "bills", Index: 0, Records: makeRecords(500)},
		{ID: ChunkID("bills", 1), Field: "bills", Index: 1, Records: makeRecords(100)},
		{ID: ChunkID("bills", 2), Field: "bills", Index: 2, Records: makeRecords(500)},
	}
	snap := &Snapshot{}
	if err := Reassemble(snap, map[string]int{"bills": 600}, chunks); err != nil {
		t.Fatalf("Reassemble: %v", err)
	}
	if len(snap.Bills) != 600 {
		t.Errorf("bills = %d, want 600", len(snap.Bills))
	}
	if len(snap.Debts) != 0 {
		t.Error("stale debts chunk was applied")
	}
}
