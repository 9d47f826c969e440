package sync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultChunkThreshold is the record count above which a collection
// is split out of the main document into chunk documents. It doubles
// as the chunk size, keeping every encrypted document comfortably
// under backend size limits.
const DefaultChunkThreshold = 500

const chunkIDSep = "_chunk_"

// ChunkID builds the document id for chunk index of a collection.
// Indexes are zero padded so lexicographic listings match numeric
// order, but reassembly never relies on that.
func ChunkID(field string, index int) string {
	return fmt.Sprintf("%s%s%03d", field, chunkIDSep, index)
}

// ParseChunkID splits a chunk document id into its collection name and
// numeric index.
func ParseChunkID(id string) (field string, index int, err error) {
	i := strings.LastIndex(id, chunkIDSep)
	if i < 1 {
		return "", 0, fmt.Errorf("sync: malformed chunk id %q", id)
	}
	field = id[:i]
	index, err = strconv.Atoi(id[i+len(chunkIDSep):])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("sync: malformed chunk id %q", id)
	}
	return field, index, nil
}

// Chunk is one slice of an oversized collection, destined for its own
// encrypted document.
type Chunk struct {
	ID      string
	Field   string
	Index   int
	Records []json.RawMessage
}

// chunkMarker replaces a chunked collection inside the main document.
type chunkMarker struct {
	Chunked bool `json:"_chunked"`
	Count   int  `json:"count"`
}

// Plan is the split of a snapshot into a main payload plus zero or
// more chunks. Main is the plaintext for the main document; each Chunk
// encrypts separately.
type Plan struct {
	Main map[string]any
	// Chunks holds the overflow slices for every collection whose
	// record count exceeded the threshold.
	Chunks []Chunk
	// ChunkCounts maps each chunked collection to its chunk document
	// count, for pruning stale documents left by a previous, larger
	// upload.
	ChunkCounts map[string]int
}

// PlanUpload splits snap at the given threshold. Collections at or
// under the threshold inline into the main payload; larger ones are
// replaced by a marker and emitted as chunks of at most threshold
// records each.
func PlanUpload(snap *Snapshot, threshold int) *Plan {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	plan := &Plan{
		Main: map[string]any{
			"unassignedCash": snap.UnassignedCash,
			"actualBalance":  snap.ActualBalance,
			"lastModified":   snap.LastModified,
			"syncVersion":    SyncVersion,
		},
		ChunkCounts: make(map[string]int),
	}

	for _, name := range CollectionNames {
		records, _ := snap.Collection(name)
		if len(records) <= threshold {
			if records == nil {
				records = []json.RawMessage{}
			}
			plan.Main[name] = records
			continue
		}

		plan.Main[name] = chunkMarker{Chunked: true, Count: len(records)}
		n := 0
		for start := 0; start < len(records); start += threshold {
			end := start + threshold
			if end > len(records) {
				end = len(records)
			}
			plan.Chunks = append(plan.Chunks, Chunk{
				ID:      ChunkID(name, n),
				Field:   name,
				Index:   n,
				Records: records[start:end],
			})
			n++
		}
		plan.ChunkCounts[name] = n
	}
	return plan
}

// DecodeMain rebuilds a snapshot from a decrypted main payload.
// Collections marked as chunked come back empty in the snapshot;
// the second return value maps each one to its expected record count
// so the caller knows which chunk documents to fetch and verify.
func DecodeMain(raw map[string]json.RawMessage) (*Snapshot, map[string]int, error) {
	snap := &Snapshot{SyncVersion: SyncVersion}
	chunked := make(map[string]int)

	for _, name := range CollectionNames {
		field, ok := raw[name]
		if !ok {
			continue
		}
		var marker chunkMarker
		if err := json.Unmarshal(field, &marker); err == nil && marker.Chunked {
			chunked[name] = marker.Count
			continue
		}
		var records []json.RawMessage
		if err := json.Unmarshal(field, &records); err != nil {
			return nil, nil, fmt.Errorf("sync: collection %s: %w", name, err)
		}
		snap.SetCollection(name, records)
	}

	if err := decodeScalar(raw, "unassignedCash", &snap.UnassignedCash); err != nil {
		return nil, nil, err
	}
	if err := decodeScalar(raw, "actualBalance", &snap.ActualBalance); err != nil {
		return nil, nil, err
	}
	if err := decodeScalar(raw, "lastModified", &snap.LastModified); err != nil {
		return nil, nil, err
	}
	if v, ok := raw["syncVersion"]; ok {
		if err := json.Unmarshal(v, &snap.SyncVersion); err != nil {
			return nil, nil, fmt.Errorf("sync: syncVersion: %w", err)
		}
	}
	return snap, chunked, nil
}

func decodeScalar(raw map[string]json.RawMessage, key string, out any) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return fmt.Errorf("sync: %s: %w", key, err)
	}
	return nil
}

// Reassemble merges decrypted chunks back into snap. expected is the
// chunked-collection map from DecodeMain. Chunks are ordered by their
// parsed numeric index, never by arrival or id string order, and the
// merged record count must match the marker count exactly. Chunks for
// collections the main document does not mark as chunked are stale
// leftovers and are ignored.
func Reassemble(snap *Snapshot, expected map[string]int, chunks []Chunk) error {
	byField := make(map[string][]Chunk)
	for _, c := range chunks {
		if _, ok := expected[c.Field]; !ok {
			continue
		}
		byField[c.Field] = append(byField[c.Field], c)
	}

	for field, count := range expected {
		parts := byField[field]
		sort.Slice(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })

		records := make([]json.RawMessage, 0, count)
		for i, part := range parts {
			if part.Index != i {
				return fmt.Errorf("sync: collection %s missing chunk %d", field, i)
			}
			records = append(records, part.Records...)
			// Trailing chunks past the marker count are stale leftovers
			// from an earlier, larger upload.
			if len(records) >= count {
				break
			}
		}
		if len(records) != count {
			return fmt.Errorf("sync: collection %s reassembled %d records, marker says %d",
				field, len(records), count)
		}
		snap.SetCollection(field, records)
	}
	return nil
}
