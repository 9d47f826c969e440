package sync

import (
	"context"
	"fmt"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/crypto"
)

// Direction is the outcome of comparing local and remote timestamps.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
	// DirectionNone means local and remote carry the same timestamp
	// and the cycle is a no-op.
	DirectionNone Direction = "none"
)

// ErrorCategory classifies provider failures for retry and display
// decisions.
type ErrorCategory string

const (
	ErrorNetwork ErrorCategory = "network"
	ErrorAuth    ErrorCategory = "auth"
	ErrorQuota   ErrorCategory = "quota"
	ErrorUnknown ErrorCategory = "unknown"
)

// SyncError is a categorized provider failure. Providers return it
// inside results instead of panicking or surfacing raw transport
// errors.
type SyncError struct {
	Category ErrorCategory
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync: %s error: %v", e.Category, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError wraps err under the given category.
func NewSyncError(cat ErrorCategory, err error) *SyncError {
	return &SyncError{Category: cat, Err: err}
}

// SaveResult reports the outcome of a Save cycle. When the cycle
// resolved to a download, Downloaded carries the remote snapshot for
// the caller to apply locally.
type SaveResult struct {
	Success    bool
	Direction  Direction
	Timestamp  int64
	Downloaded *Snapshot
	Err        *SyncError
}

// LoadResult reports the outcome of a Load. Data is nil when the
// remote holds no snapshot for the scope.
type LoadResult struct {
	Success   bool
	Timestamp int64
	Data      *Snapshot
	Err       *SyncError
}

// Provider moves encrypted snapshots to and from a remote backend.
// Implementations never return plain errors from Save or Load; every
// failure is categorized inside the result so a sync cycle cannot
// crash its caller.
type Provider interface {
	// Initialize binds the provider to a budget scope and its
	// encryption key. Must be called before Save or Load.
	Initialize(ctx context.Context, budgetID string, key *crypto.Key) error

	// Save runs a full bidirectional cycle: load remote, decide
	// direction against local, then upload local or return the remote
	// snapshot for download.
	Save(ctx context.Context, local *Snapshot) *SaveResult

	// Load fetches and decrypts the current remote snapshot.
	Load(ctx context.Context) *LoadResult

	// Close releases backend resources.
	Close() error
}

// DecideDirection compares a local snapshot to the remote one. A nil
// remote means nothing was ever uploaded. An empty local store defers
// to any non-empty remote regardless of timestamps, so a fresh device
// never clobbers existing cloud data.
func DecideDirection(local, remote *Snapshot) Direction {
	if remote == nil {
		return DirectionUpload
	}
	if local.Empty() && !remote.Empty() {
		return DirectionDownload
	}
	switch {
	case remote.LastModified > local.LastModified:
		return DirectionDownload
	case local.LastModified > remote.LastModified:
		return DirectionUpload
	}
	return DirectionNone
}
