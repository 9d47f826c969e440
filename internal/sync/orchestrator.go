package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thef4tdaddy/violet-vault-sub015/internal/signal"
)

// Priority selects the debounce window for a scheduled sync.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// LocalStore is the orchestrator's view of local budget state.
type LocalStore interface {
	// FetchSnapshot assembles the full current budget state.
	FetchSnapshot(ctx context.Context) (*Snapshot, error)

	// ApplySnapshot atomically replaces local state with a downloaded
	// snapshot.
	ApplySnapshot(ctx context.Context, snap *Snapshot) error
}

// Signaler is the orchestrator's view of the signaling client. A nil
// Signaler disables signaling entirely.
type Signaler interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(t signal.Type, meta *signal.Metadata) error
	OnSignal(fn func(signal.Message)) func()
}

// Options tunes orchestrator scheduling. Zero values take defaults.
type Options struct {
	// HighDebounce delays high priority syncs (default 1s).
	HighDebounce time.Duration
	// NormalDebounce delays normal priority syncs (default 10s).
	NormalDebounce time.Duration
	// Interval between periodic background syncs (default 5m).
	Interval time.Duration
	// Timeout bounds one sync cycle end to end (default 60s).
	Timeout time.Duration

	// BackupDir enables pre-sync local backups when non-empty.
	BackupDir string
	// BackupKeep bounds retained backups (default 10).
	BackupKeep int

	Logger *log.Logger
}

const (
	defaultHighDebounce   = 1 * time.Second
	defaultNormalDebounce = 10 * time.Second
	defaultSyncInterval   = 5 * time.Minute
	defaultSyncTimeout    = 60 * time.Second
)

// Result reports one sync cycle to the caller.
type Result struct {
	Success   bool
	Direction Direction
	Timestamp int64
	// Skipped is set when the cycle never ran, with Reason explaining
	// why (not running, already in progress).
	Skipped bool
	Reason  string
	Err     *SyncError
}

// Orchestrator drives the sync lifecycle: debounced change-triggered
// syncs, a periodic background sync, signal-triggered syncs from other
// devices, health records and pre-sync backups. Cycles run strictly
// one at a time on a single worker goroutine.
type Orchestrator struct {
	store    LocalStore
	provider Provider
	signaler Signaler
	health   *HealthMonitor
	opts     Options
	logger   *log.Logger

	mu            sync.Mutex
	running       bool
	debounceTimer *time.Timer
	unsubscribe   func()

	inProgress atomic.Bool
	jobs       chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewOrchestrator wires an orchestrator. signaler may be nil.
func NewOrchestrator(store LocalStore, provider Provider, signaler Signaler, opts Options) *Orchestrator {
	if opts.HighDebounce <= 0 {
		opts.HighDebounce = defaultHighDebounce
	}
	if opts.NormalDebounce <= 0 {
		opts.NormalDebounce = defaultNormalDebounce
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultSyncInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSyncTimeout
	}
	if opts.BackupKeep <= 0 {
		opts.BackupKeep = DefaultBackupKeep
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Orchestrator{
		store:    store,
		provider: provider,
		signaler: signaler,
		health:   NewHealthMonitor(),
		opts:     opts,
		logger:   logger,
	}
}

// Health exposes the attempt history monitor.
func (o *Orchestrator) Health() *HealthMonitor { return o.health }

// Running reports whether Start has been called without a matching
// Stop.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Start launches the worker and the periodic sync, connects signaling
// and subscribes to remote change signals. Idempotent while running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	workerCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.jobs = make(chan struct{}, 1)
	o.running = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.worker(workerCtx)

	if o.signaler != nil {
		if err := o.signaler.Connect(ctx); err != nil {
			// Signaling is advisory; sync still works without it.
			o.logger.Printf("signaling connect failed: %v", err)
		}
		unsub := o.signaler.OnSignal(func(msg signal.Message) {
			switch msg.Type {
			case signal.TypeDataChanged, signal.TypeSyncRequired:
				o.logger.Printf("remote %s signal, scheduling sync", msg.Type)
				o.ScheduleSync(PriorityHigh)
			}
		})
		o.mu.Lock()
		o.unsubscribe = unsub
		o.mu.Unlock()
	}

	o.logger.Printf("orchestrator started (interval %s)", o.opts.Interval)
	return nil
}

// Stop cancels pending timers, disconnects signaling and waits for an
// in-flight cycle to finish naturally. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
		o.debounceTimer = nil
	}
	unsub := o.unsubscribe
	o.unsubscribe = nil
	cancel := o.cancel
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if o.signaler != nil {
		o.signaler.Disconnect()
	}
	cancel()
	o.wg.Wait()
	o.logger.Printf("orchestrator stopped")
}

// ScheduleSync requests a sync after the priority's debounce window.
// Another request inside the window restarts the timer, collapsing
// bursts of edits into one cycle. No-op unless running.
func (o *Orchestrator) ScheduleSync(priority Priority) {
	delay := o.opts.NormalDebounce
	if priority == PriorityHigh {
		delay = o.opts.HighDebounce
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceTimer = time.AfterFunc(delay, o.enqueue)
}

// enqueue hands a job to the worker. A full buffer means a cycle is
// already queued and the request collapses into it.
func (o *Orchestrator) enqueue() {
	o.mu.Lock()
	jobs := o.jobs
	running := o.running
	o.mu.Unlock()
	if !running {
		return
	}
	select {
	case jobs <- struct{}{}:
	default:
	}
}

// worker is the single consumer of the job queue, so cycles never
// overlap even when the debounce timer, the periodic ticker and a
// manual ForceSync all fire together.
func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.enqueue()
		case <-o.jobs:
			// Cycles outlive Stop by design; Stop waits for them.
			res := o.ForceSync(context.Background())
			if res.Err != nil {
				o.logger.Printf("sync failed (%s): %v", res.Err.Category, res.Err.Err)
			}
		}
	}
}

// ForceSync runs one full cycle immediately, bypassing debounce. Only
// one cycle runs at a time; a concurrent call returns a skipped
// result instead of queueing.
func (o *Orchestrator) ForceSync(ctx context.Context) (res *Result) {
	if !o.inProgress.CompareAndSwap(false, true) {
		return &Result{Skipped: true, Reason: "sync already in progress"}
	}
	defer o.inProgress.Store(false)

	id := o.health.RecordStart("orchestrated")
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("sync panic: %v", r)
			o.health.RecordFailure(id, ErrorUnknown, err)
			res = &Result{Err: NewSyncError(ErrorUnknown, err)}
		}
	}()

	ctx, cancelTimeout := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancelTimeout()

	local, err := o.store.FetchSnapshot(ctx)
	if err != nil {
		o.health.RecordFailure(id, ErrorUnknown, err)
		return &Result{Err: NewSyncError(ErrorUnknown, fmt.Errorf("fetch local snapshot: %w", err))}
	}

	if o.opts.BackupDir != "" {
		if _, err := WriteBackup(o.opts.BackupDir, local, o.opts.BackupKeep); err != nil {
			// A failed backup never blocks the sync itself.
			o.logger.Printf("pre-sync backup failed: %v", err)
		}
	}

	save := o.provider.Save(ctx, local)
	if save.Err != nil {
		o.health.RecordFailure(id, save.Err.Category, save.Err)
		return &Result{Err: save.Err}
	}

	if save.Direction == DirectionDownload && save.Downloaded != nil {
		if err := o.store.ApplySnapshot(ctx, save.Downloaded); err != nil {
			syncErr := NewSyncError(ErrorUnknown, fmt.Errorf("apply downloaded snapshot: %w", err))
			o.health.RecordFailure(id, syncErr.Category, syncErr)
			return &Result{Err: syncErr}
		}
	}

	o.health.RecordSuccess(id)
	o.logger.Printf("sync complete: %s at %d", save.Direction, save.Timestamp)

	if save.Direction == DirectionUpload {
		o.notifyPeers()
	}
	return &Result{
		Success:   true,
		Direction: save.Direction,
		Timestamp: save.Timestamp,
	}
}

// notifyPeers broadcasts data_changed after a successful upload so
// other devices pull promptly instead of waiting out their interval.
func (o *Orchestrator) notifyPeers() {
	if o.signaler == nil {
		return
	}
	if err := o.signaler.Send(signal.TypeDataChanged, nil); err != nil &&
		!errors.Is(err, signal.ErrNotConnected) {
		o.logger.Printf("data_changed broadcast failed: %v", err)
	}
}
