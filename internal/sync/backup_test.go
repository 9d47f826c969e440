package sync

import (
	"testing"
	"time"
)

func TestBackupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	snap := &Snapshot{
		Envelopes:      makeRecords(12),
		UnassignedCash: 55.25,
		LastModified:   time.Now().UnixMilli(),
		SyncVersion:    SyncVersion,
	}

	path, err := WriteBackup(dir, snap, 5)
	if err != nil {
		t.Fatalf("WriteBackup: %v", err)
	}

	got, err := ReadBackup(path)
	if err != nil {
		t.Fatalf("ReadBackup: %v", err)
	}
	if len(got.Envelopes) != 12 || got.UnassignedCash != 55.25 ||
		got.LastModified != snap.LastModified {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestBackupPruning(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 7; i++ {
		if _, err := WriteBackup(dir, &Snapshot{LastModified: int64(i)}, 3); err != nil {
			t.Fatalf("WriteBackup %d: %v", i, err)
		}
		// Distinct filenames need distinct millisecond timestamps.
		time.Sleep(2 * time.Millisecond)
	}

	backups, err := ListBackups(dir)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("kept %d backups, want 3", len(backups))
	}

	// Newest first; the latest write survives.
	got, err := ReadBackup(backups[0])
	if err != nil {
		t.Fatalf("ReadBackup: %v", err)
	}
	if got.LastModified != 6 {
		t.Errorf("newest backup LastModified = %d, want 6", got.LastModified)
	}
}

func TestReadBackupMissing(t *testing.T) {
	if _, err := ReadBackup(t.TempDir() + "/nope.json.gz"); err == nil {
		t.Error("expected error for missing backup")
	}
}
