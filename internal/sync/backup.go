package sync

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultBackupKeep is how many pre-sync backups survive pruning.
const DefaultBackupKeep = 10

const backupTimeLayout = "20060102T150405.000"

// WriteBackup stores a gzipped JSON copy of snap under dir and prunes
// the oldest backups beyond keep. Returns the path of the new backup.
// Backups are plaintext on local disk, written before a sync cycle so
// a bad merge can be undone by hand.
func WriteBackup(dir string, snap *Snapshot, keep int) (string, error) {
	if keep <= 0 {
		keep = DefaultBackupKeep
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("sync: backup dir: %w", err)
	}

	name := fmt.Sprintf("backup_%s.json.gz", time.Now().UTC().Format(backupTimeLayout))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("sync: backup create: %w", err)
	}
	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	if err := enc.Encode(snap); err != nil {
		zw.Close()
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("sync: backup encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("sync: backup flush: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("sync: backup close: %w", err)
	}

	pruneBackups(dir, keep)
	return path, nil
}

// ReadBackup loads a backup file written by WriteBackup.
func ReadBackup(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sync: backup open: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("sync: backup read: %w", err)
	}
	defer zr.Close()

	var snap Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, fmt.Errorf("sync: backup decode: %w", err)
	}
	return &snap, nil
}

// ListBackups returns backup paths under dir, newest first.
func ListBackups(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "backup_*.json.gz"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches, nil
}

// pruneBackups removes everything past the newest keep backups.
// Best effort; a failed remove only means an extra file on disk.
func pruneBackups(dir string, keep int) {
	matches, err := ListBackups(dir)
	if err != nil || len(matches) <= keep {
		return
	}
	for _, path := range matches[keep:] {
		os.Remove(path)
	}
}
