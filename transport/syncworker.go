package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/events"
	"github.com/yeti47/chunkvault/segments"
	"github.com/yeti47/chunkvault/settings"
	"github.com/yeti47/chunkvault/syncqueue"
)

const (
	DefaultBatchSize   = 10
	DefaultConcurrency = 2
	DefaultInterval    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Evictor runs a storage eviction pass. sessions.Service satisfies it.
type Evictor interface {
	Evict(ctx context.Context, fraction float64) segments.EvictionResult
}

// Observer receives upload outcomes and queue depth. metrics.Metrics satisfies it.
type Observer interface {
	ObserveUpload(success bool, duration time.Duration)
	SetQueueDepth(status string, n int)
}

type WorkerDependencies struct {
	Queue     syncqueue.Queue
	Segments  segments.Store
	Uploader  Uploader
	Settings  settings.SettingsProvider[settings.Settings]
	Evictor   Evictor
	Observer  Observer
	Publisher events.Publisher
}

type WorkerOptions struct {
	BatchSize   int
	Concurrency int
	Interval    time.Duration
	// MaxAttempts bounds automatic retries of recoverable failures. Items that
	// reach it stay failed until requeued by hand.
	MaxAttempts    int
	TargetFraction float64
	// SyncingLease is how long an item may stay syncing before the loop hands it
	// back to pending. Defaults to syncqueue.DefaultSyncingLease.
	SyncingLease time.Duration
}

// RunResult summarizes one pass over the queue.
type RunResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Retrying  int `json:"retrying"`
	Orphaned  int `json:"orphaned"`
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeFailed
	outcomeRetrying
	outcomeOrphaned
)

// SyncWorker drains the sync queue into the remote through an Uploader.
type SyncWorker struct {
	deps   WorkerDependencies
	opts   WorkerOptions
	logger logging.Logger

	runMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyncWorker(deps WorkerDependencies, logger logging.Logger, opts WorkerOptions) *SyncWorker {
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.TargetFraction <= 0 || opts.TargetFraction > 1 {
		opts.TargetFraction = segments.DefaultTargetFraction
	}
	if opts.SyncingLease <= 0 {
		opts.SyncingLease = syncqueue.DefaultSyncingLease
	}
	return &SyncWorker{deps: deps, opts: opts, logger: logging.OrNop(logger)}
}

// RunOnce draws one batch and uploads it. Per-item failures are recorded on the
// queue and counted; only failures of the queue itself are returned.
func (w *SyncWorker) RunOnce(ctx context.Context) (RunResult, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	var result RunResult

	batch, err := w.deps.Queue.DequeueBatch(ctx, w.opts.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to draw sync batch: %w", err)
	}
	if len(batch) == 0 {
		w.reportDepth(ctx)
		return result, nil
	}

	pattern := settings.DefaultRemotePathPattern
	if w.deps.Settings != nil {
		if p := w.deps.Settings.GetSettings().RemotePathPattern; p != "" {
			pattern = p
		}
	}

	var resultMu sync.Mutex
	var firstErr error

	p := pool.New().WithMaxGoroutines(w.opts.Concurrency)
	for _, item := range batch {
		p.Go(func() {
			out, err := w.syncItem(ctx, item, pattern)

			resultMu.Lock()
			defer resultMu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if out == outcomeOrphaned {
				result.Orphaned++
				return
			}
			result.Attempted++
			switch out {
			case outcomeSynced:
				result.Synced++
			case outcomeFailed:
				result.Failed++
			case outcomeRetrying:
				result.Retrying++
			}
		})
	}
	p.Wait()

	w.logger.Info("Sync pass finished",
		"attempted", result.Attempted,
		"synced", result.Synced,
		"failed", result.Failed,
		"retrying", result.Retrying,
		"orphaned", result.Orphaned)
	w.reportDepth(ctx)
	return result, firstErr
}

func (w *SyncWorker) syncItem(ctx context.Context, item *syncqueue.Item, pattern string) (outcome, error) {
	if err := w.deps.Queue.MarkSyncing(ctx, item.ID); err != nil {
		if syncqueue.IsNotFoundError(err) {
			return outcomeOrphaned, nil
		}
		return 0, err
	}

	segment, err := w.deps.Segments.Get(ctx, item.SegmentID)
	if segments.IsNotFoundError(err) {
		w.logger.Warn("Segment vanished before upload", "item_id", item.ID, "segment_id", item.SegmentID)
		if err := w.deps.Queue.RemoveForSegment(ctx, item.SegmentID); err != nil {
			return 0, err
		}
		return outcomeOrphaned, nil
	}
	if err != nil {
		return w.fail(ctx, item, err)
	}

	remotePath := RemotePath(pattern, &segment.SegmentInfo)
	started := time.Now()
	uploadErr := w.deps.Uploader.Upload(ctx, segment, remotePath)
	if w.deps.Observer != nil {
		w.deps.Observer.ObserveUpload(uploadErr == nil, time.Since(started))
	}
	if uploadErr != nil {
		return w.fail(ctx, item, uploadErr)
	}

	if err := w.deps.Queue.MarkSynced(context.WithoutCancel(ctx), item.ID); err != nil {
		return 0, err
	}
	w.deps.Publisher.Publish(events.NewSegmentSyncedEvent(item.SegmentID, remotePath, item.Attempts+1))
	return outcomeSynced, nil
}

// fail records the failure and puts recoverable items back in line until they
// run out of attempts. Attempts cut short by cancellation always go back in line.
// The bookkeeping outlives ctx so an interrupted item never stays syncing.
func (w *SyncWorker) fail(ctx context.Context, item *syncqueue.Item, cause error) (outcome, error) {
	interrupted := ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)

	if err := w.deps.Queue.MarkFailed(ctx, item.ID, cause.Error()); err != nil {
		return 0, err
	}

	attempts := item.Attempts + 1
	if interrupted || (IsRecoverableUploadError(cause) && attempts < w.opts.MaxAttempts) {
		if _, err := w.deps.Queue.Requeue(ctx, item.ID); err != nil {
			return 0, err
		}
		w.logger.Warn("Upload failed, will retry",
			"segment_id", item.SegmentID, "attempts", attempts, "error", cause)
		return outcomeRetrying, nil
	}

	w.deps.Publisher.Publish(events.NewErrorEvent(events.KindSyncError, "",
		fmt.Errorf("segment %s: %w", item.SegmentID, cause)))
	return outcomeFailed, nil
}

func (w *SyncWorker) reportDepth(ctx context.Context) {
	if w.deps.Observer == nil {
		return
	}
	for _, status := range []syncqueue.Status{syncqueue.StatusPending, syncqueue.StatusSyncing, syncqueue.StatusFailed} {
		n, err := w.deps.Queue.Count(ctx, status)
		if err != nil {
			w.logger.Warn("Failed to count queue items", "status", status, "error", err)
			return
		}
		w.deps.Observer.SetQueueDepth(string(status), n)
	}
}

// Start runs a sync pass and an eviction check every interval until Stop.
// Items left syncing by a previous run are released first.
func (w *SyncWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	w.releaseSyncing(ctx, 0)

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go w.loop(ctx, w.done)
	w.logger.Info("Sync worker started", "interval", w.opts.Interval, "batch_size", w.opts.BatchSize,
		"concurrency", w.opts.Concurrency)
}

func (w *SyncWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *SyncWorker) releaseSyncing(ctx context.Context, olderThan time.Duration) {
	n, err := w.deps.Queue.ReleaseSyncing(ctx, olderThan)
	if err != nil {
		w.logger.Warn("Failed to release abandoned sync items", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("Released abandoned sync items", "count", n)
	}
}

func (w *SyncWorker) tick(ctx context.Context) {
	if w.deps.Uploader != nil {
		w.releaseSyncing(ctx, w.opts.SyncingLease)
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Sync pass failed", "error", err)
		}
	}
	if w.deps.Evictor != nil {
		w.deps.Evictor.Evict(ctx, w.opts.TargetFraction)
	}
}

// Stop ends the loop and waits for an in-flight pass to return.
func (w *SyncWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.logger.Info("Sync worker stopped")
}
