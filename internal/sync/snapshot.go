// Package sync implements the encrypted budget sync core: the snapshot
// model, the provider contract, record chunking and the orchestrator
// that drives scheduled and on-demand sync cycles.
package sync

import "encoding/json"

// SyncVersion tags every uploaded snapshot so incompatible future
// formats can be detected before decryption output is trusted.
const SyncVersion = "2.0"

// Collection names in canonical order. Chunk documents and the local
// store both key off these.
const (
	CollectionEnvelopes       = "envelopes"
	CollectionTransactions    = "transactions"
	CollectionBills           = "bills"
	CollectionDebts           = "debts"
	CollectionPaycheckHistory = "paycheckHistory"
)

// CollectionNames lists every record collection in upload order.
var CollectionNames = []string{
	CollectionEnvelopes,
	CollectionTransactions,
	CollectionBills,
	CollectionDebts,
	CollectionPaycheckHistory,
}

// Snapshot is the complete budget state that moves between the local
// store and a remote provider. Records are opaque JSON documents; the
// sync layer never inspects their contents.
type Snapshot struct {
	Envelopes       []json.RawMessage `json:"envelopes"`
	Transactions    []json.RawMessage `json:"transactions"`
	Bills           []json.RawMessage `json:"bills"`
	Debts           []json.RawMessage `json:"debts"`
	PaycheckHistory []json.RawMessage `json:"paycheckHistory"`

	UnassignedCash float64 `json:"unassignedCash"`
	ActualBalance  float64 `json:"actualBalance"`

	// LastModified is epoch milliseconds of the last local edit.
	LastModified int64  `json:"lastModified"`
	SyncVersion  string `json:"syncVersion"`
}

// Collection returns the named record collection, or false for an
// unknown name.
func (s *Snapshot) Collection(name string) ([]json.RawMessage, bool) {
	switch name {
	case CollectionEnvelopes:
		return s.Envelopes, true
	case CollectionTransactions:
		return s.Transactions, true
	case CollectionBills:
		return s.Bills, true
	case CollectionDebts:
		return s.Debts, true
	case CollectionPaycheckHistory:
		return s.PaycheckHistory, true
	}
	return nil, false
}

// SetCollection replaces the named record collection. Unknown names
// are ignored and reported as false.
func (s *Snapshot) SetCollection(name string, records []json.RawMessage) bool {
	switch name {
	case CollectionEnvelopes:
		s.Envelopes = records
	case CollectionTransactions:
		s.Transactions = records
	case CollectionBills:
		s.Bills = records
	case CollectionDebts:
		s.Debts = records
	case CollectionPaycheckHistory:
		s.PaycheckHistory = records
	default:
		return false
	}
	return true
}

// RecordCount returns the total number of records across all
// collections.
func (s *Snapshot) RecordCount() int {
	n := 0
	for _, name := range CollectionNames {
		recs, _ := s.Collection(name)
		n += len(recs)
	}
	return n
}

// Empty reports whether the snapshot holds no records in any
// collection. Scalar fields do not count; an "empty" budget with a
// cash balance is still empty for direction decisions.
func (s *Snapshot) Empty() bool {
	return s.RecordCount() == 0
}
