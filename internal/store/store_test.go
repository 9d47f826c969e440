package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	budgetsync "github.com/thef4tdaddy/violet-vault-sub015/internal/sync"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "budget.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutFetchRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []string{
		`{"id":"env_1","name":"groceries","amount":120.5}`,
		`{"id":"env_2","name":"rent","amount":1850}`,
	}
	for _, rec := range records {
		var probe struct {
			ID string `json:"id"`
		}
		json.Unmarshal([]byte(rec), &probe)
		if err := s.PutRecord(ctx, budgetsync.CollectionEnvelopes, probe.ID, json.RawMessage(rec)); err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
	}
	if err := s.PutRecord(ctx, budgetsync.CollectionBills, "bill_1", json.RawMessage(`{"id":"bill_1"}`)); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if err := s.SetBalances(ctx, 300.25, -18.5); err != nil {
		t.Fatalf("SetBalances: %v", err)
	}

	snap, err := s.FetchSnapshot(ctx)
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if len(snap.Envelopes) != 2 || len(snap.Bills) != 1 {
		t.Errorf("snapshot has %d envelopes, %d bills", len(snap.Envelopes), len(snap.Bills))
	}
	if snap.UnassignedCash != 300.25 || snap.ActualBalance != -18.5 {
		t.Errorf("balances = %g, %g", snap.UnassignedCash, snap.ActualBalance)
	}
	if snap.LastModified == 0 {
		t.Error("lastModified not stamped")
	}

	// Insertion order survives the round trip.
	var first struct {
		Name string `json:"name"`
	}
	json.Unmarshal(snap.Envelopes[0], &first)
	if first.Name != "groceries" {
		t.Errorf("first envelope = %q, want groceries", first.Name)
	}
}

func TestTouchBumpsLastModified(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	before, err := s.LastModified(ctx)
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if err := s.Touch(ctx); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	after, err := s.LastModified(ctx)
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if after <= before {
		t.Errorf("lastModified %d not past %d", after, before)
	}
}

func TestPutRecordUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutRecord(ctx, budgetsync.CollectionDebts, "debt_1", json.RawMessage(`{"id":"debt_1","balance":100}`)); err != nil {
		t.Fatalf("PutRecord: %v", err)
	}
	if err := s.PutRecord(ctx, budgetsync.CollectionDebts, "debt_1", json.RawMessage(`{"id":"debt_1","balance":50}`)); err != nil {
		t.Fatalf("PutRecord update: %v", err)
	}

	snap, _ := s.FetchSnapshot(ctx)
	if len(snap.Debts) != 1 {
		t.Fatalf("upsert duplicated: %d records", len(snap.Debts))
	}
	var debt struct {
		Balance float64 `json:"balance"`
	}
	json.Unmarshal(snap.Debts[0], &debt)
	if debt.Balance != 50 {
		t.Errorf("balance = %g, want 50", debt.Balance)
	}
}

func TestPutRecordValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutRecord(ctx, "savings", "x", json.RawMessage(`{}`)); err == nil {
		t.Error("unknown collection accepted")
	}
	if err := s.PutRecord(ctx, budgetsync.CollectionBills, "", json.RawMessage(`{}`)); err == nil {
		t.Error("empty id accepted")
	}
	if err := s.PutRecord(ctx, budgetsync.CollectionBills, "b", json.RawMessage(`{broken`)); err == nil {
		t.Error("invalid JSON accepted")
	}
}

func TestDeleteRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PutRecord(ctx, budgetsync.CollectionBills, "bill_1", json.RawMessage(`{"id":"bill_1"}`))
	before, _ := s.LastModified(ctx)

	if err := s.DeleteRecord(ctx, budgetsync.CollectionBills, "bill_1"); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}
	snap, _ := s.FetchSnapshot(ctx)
	if len(snap.Bills) != 0 {
		t.Error("record not deleted")
	}
	after, _ := s.LastModified(ctx)
	if after < before {
		t.Error("delete did not bump lastModified")
	}

	// Deleting a missing record is a no-op, not an error.
	if err := s.DeleteRecord(ctx, budgetsync.CollectionBills, "bill_1"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestApplySnapshotReplacesState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.PutRecord(ctx, budgetsync.CollectionEnvelopes, "old_1", json.RawMessage(`{"id":"old_1"}`))
	s.PutRecord(ctx, budgetsync.CollectionDebts, "old_2", json.RawMessage(`{"id":"old_2"}`))

	incoming := &budgetsync.Snapshot{
		UnassignedCash: 77,
		LastModified:   123456789,
		SyncVersion:    budgetsync.SyncVersion,
	}
	for i := 0; i < 600; i++ {
		incoming.Transactions = append(incoming.Transactions,
			json.RawMessage(fmt.Sprintf(`{"id":"txn_%d","amount":%d}`, i, i)))
	}

	if err := s.ApplySnapshot(ctx, incoming); err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}

	snap, err := s.FetchSnapshot(ctx)
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if len(snap.Envelopes) != 0 || len(snap.Debts) != 0 {
		t.Error("stale records survived apply")
	}
	if len(snap.Transactions) != 600 {
		t.Errorf("transactions = %d, want 600", len(snap.Transactions))
	}
	if snap.UnassignedCash != 77 {
		t.Errorf("unassignedCash = %g", snap.UnassignedCash)
	}
	// The remote timestamp is preserved, not replaced by apply time.
	if snap.LastModified != 123456789 {
		t.Errorf("lastModified = %d, want 123456789", snap.LastModified)
	}

	// Download order is preserved.
	var first struct {
		ID string `json:"id"`
	}
	json.Unmarshal(snap.Transactions[0], &first)
	if first.ID != "txn_0" {
		t.Errorf("first transaction = %q", first.ID)
	}
}

func TestFreshStoreSnapshotEmpty(t *testing.T) {
	s := openTestStore(t)
	snap, err := s.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if !snap.Empty() || snap.LastModified != 0 {
		t.Errorf("fresh snapshot = %+v", snap)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "budget.db")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	s.PutRecord(ctx, budgetsync.CollectionPaycheckHistory, "pay_1", json.RawMessage(`{"id":"pay_1"}`))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	snap, _ := s2.FetchSnapshot(ctx)
	if len(snap.PaycheckHistory) != 1 {
		t.Errorf("records lost across reopen: %d", len(snap.PaycheckHistory))
	}
}
