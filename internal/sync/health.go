package sync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// healthHistorySize bounds the in-memory record of recent sync
// attempts.
const healthHistorySize = 50

// slowSyncThreshold marks an attempt as slow in its record.
const slowSyncThreshold = 10 * time.Second

// SyncRecord is one completed or in-flight sync attempt.
type SyncRecord struct {
	ID        string
	Type      string
	Started   time.Time
	Completed time.Time
	Duration  time.Duration
	Success   bool
	Slow      bool
	Error     string
	Category  ErrorCategory
}

// HealthState classifies the overall sync health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is an aggregate view over the recent attempt history.
type HealthStatus struct {
	State           HealthState
	Issues          []string
	TotalAttempts   int64
	TotalFailures   int64
	RecentAttempts  int
	RecentFailures  int
	RecentSlow      int
	LastSuccess     time.Time
	LastFailure     time.Time
	LastError       string
	ConsecutiveFail int
}

// HealthMonitor records sync attempts in a fixed-size ring. Safe for
// concurrent use.
type HealthMonitor struct {
	mu      sync.Mutex
	records []SyncRecord
	open    map[string]int
	status  HealthStatus
	seq     atomic.Int64
}

// NewHealthMonitor returns an empty monitor.
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{open: make(map[string]int)}
}

// RecordStart registers a new attempt and returns its id for the
// matching RecordSuccess or RecordFailure call.
func (h *HealthMonitor) RecordStart(syncType string) string {
	id := fmt.Sprintf("sync_%d_%d", time.Now().UnixMilli(), h.seq.Add(1))

	h.mu.Lock()
	defer h.mu.Unlock()
	h.status.TotalAttempts++
	h.push(SyncRecord{ID: id, Type: syncType, Started: time.Now()})
	return id
}

// RecordSuccess completes the attempt id as successful.
func (h *HealthMonitor) RecordSuccess(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.complete(id)
	if rec == nil {
		return
	}
	rec.Success = true
	h.status.LastSuccess = rec.Completed
	h.status.ConsecutiveFail = 0
}

// RecordFailure completes the attempt id as failed.
func (h *HealthMonitor) RecordFailure(id string, category ErrorCategory, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.complete(id)
	if rec == nil {
		return
	}
	rec.Category = category
	if err != nil {
		rec.Error = err.Error()
	}
	h.status.TotalFailures++
	h.status.LastFailure = rec.Completed
	h.status.LastError = rec.Error
	h.status.ConsecutiveFail++
}

// Status returns the aggregate counters plus recent-window tallies.
func (h *HealthMonitor) Status() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.status
	for _, rec := range h.records {
		if rec.Completed.IsZero() {
			continue
		}
		st.RecentAttempts++
		if !rec.Success {
			st.RecentFailures++
		}
		if rec.Slow {
			st.RecentSlow++
		}
	}

	switch {
	case st.ConsecutiveFail >= 5:
		st.State = HealthUnhealthy
		st.Issues = append(st.Issues, fmt.Sprintf("%d consecutive failures", st.ConsecutiveFail))
	case st.RecentAttempts > 0 && st.RecentFailures*2 > st.RecentAttempts:
		st.State = HealthUnhealthy
		st.Issues = append(st.Issues, fmt.Sprintf("%d of last %d syncs failed", st.RecentFailures, st.RecentAttempts))
	case st.RecentFailures > 0 || st.RecentSlow > 0:
		st.State = HealthDegraded
		if st.RecentFailures > 0 {
			st.Issues = append(st.Issues, fmt.Sprintf("%d recent failures", st.RecentFailures))
		}
		if st.RecentSlow > 0 {
			st.Issues = append(st.Issues, fmt.Sprintf("%d slow syncs", st.RecentSlow))
		}
	default:
		st.State = HealthHealthy
	}
	return st
}

// Recent returns a copy of the attempt history, oldest first.
func (h *HealthMonitor) Recent() []SyncRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SyncRecord, len(h.records))
	copy(out, h.records)
	return out
}

// push appends rec, evicting the oldest record past the ring size.
// Caller holds the lock.
func (h *HealthMonitor) push(rec SyncRecord) {
	h.records = append(h.records, rec)
	if len(h.records) > healthHistorySize {
		drop := len(h.records) - healthHistorySize
		h.records = append(h.records[:0], h.records[drop:]...)
		for id, idx := range h.open {
			if idx < drop {
				delete(h.open, id)
			} else {
				h.open[id] = idx - drop
			}
		}
	}
	h.open[rec.ID] = len(h.records) - 1
}

// complete stamps the end of attempt id and returns its record, or nil
// if the record was evicted. Caller holds the lock.
func (h *HealthMonitor) complete(id string) *SyncRecord {
	idx, ok := h.open[id]
	if !ok {
		return nil
	}
	delete(h.open, id)
	rec := &h.records[idx]
	rec.Completed = time.Now()
	rec.Duration = rec.Completed.Sub(rec.Started)
	rec.Slow = rec.Duration >= slowSyncThreshold
	return rec
}
