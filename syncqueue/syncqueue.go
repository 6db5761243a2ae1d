package syncqueue

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yeti47/chunkvault/ccc/db"
	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/segments"
)

// Queue is the priority ordered outbox of segments awaiting remote delivery.
type Queue interface {
	// Enqueue adds a pending item for the segment and marks the segment Queued.
	// It is a no-op returning the existing item while one is pending or syncing.
	// A syncing item whose lease has expired is treated like a failed one.
	Enqueue(ctx context.Context, segmentID string, priority int) (*Item, error)
	// DequeueBatch returns up to limit pending items, highest priority first, oldest
	// first within a priority. Items whose segment no longer exists are dropped.
	DequeueBatch(ctx context.Context, limit int) ([]*Item, error)
	// MarkSyncing claims the item for one delivery attempt.
	MarkSyncing(ctx context.Context, id string) error
	// MarkSynced removes the item and marks the segment Synced.
	MarkSynced(ctx context.Context, id string) error
	// MarkFailed records a failed attempt with its reason and increments attempts.
	MarkFailed(ctx context.Context, id string, reason string) error
	// FailedItems lists failed items in dequeue order.
	FailedItems(ctx context.Context) ([]*Item, error)
	// Requeue moves a failed item, or a syncing item past its lease, back to pending.
	Requeue(ctx context.Context, id string) (*Item, error)
	// ReleaseSyncing moves syncing items not touched for at least olderThan back to
	// pending and returns how many were released. Zero releases all of them.
	ReleaseSyncing(ctx context.Context, olderThan time.Duration) (int, error)
	// Get returns the item with the given id.
	Get(ctx context.Context, id string) (*Item, error)
	// Count returns the number of items in the given status.
	Count(ctx context.Context, status Status) (int, error)
	// RemoveForSegment deletes the item of a segment, if any.
	RemoveForSegment(ctx context.Context, segmentID string) error
}

// DefaultSyncingLease is how long an item may stay syncing before it is
// considered abandoned by an interrupted delivery.
const DefaultSyncingLease = 10 * time.Minute

// Options configures a SQLiteSyncQueue.
type Options struct {
	Now func() time.Time
	// SyncingLease defaults to DefaultSyncingLease.
	SyncingLease time.Duration
}

// SQLiteSyncQueue implements Queue on a sync_queue table next to the segments table.
type SQLiteSyncQueue struct {
	db       *sql.DB
	segments segments.Store
	logger   logging.Logger
	now      func() time.Time
	lease    time.Duration

	// serializes check-then-write sequences such as Enqueue
	mu sync.Mutex
}

// NewSQLiteSyncQueue creates the queue table if needed. Segment states are kept
// in step through segmentStore.
func NewSQLiteSyncQueue(database *sql.DB, segmentStore segments.Store, logger logging.Logger, opts Options) (*SQLiteSyncQueue, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SyncingLease <= 0 {
		opts.SyncingLease = DefaultSyncingLease
	}
	q := &SQLiteSyncQueue{
		db:       database,
		segments: segmentStore,
		logger:   logging.OrNop(logger),
		now:      opts.Now,
		lease:    opts.SyncingLease,
	}
	if err := q.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return q, nil
}

func (q *SQLiteSyncQueue) createTables() error {
	createQueueTable := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		segment_id TEXT NOT NULL,
		priority INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		created_at_ns INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_segment ON sync_queue (segment_id);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue (status, priority DESC, created_at_ns ASC);`

	_, err := q.db.Exec(createQueueTable)
	return err
}

const itemColumns = `id, segment_id, priority, attempts, status, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	item := &Item{}
	var status, createdAt, updatedAt string
	if err := row.Scan(&item.ID, &item.SegmentID, &item.Priority, &item.Attempts, &status,
		&item.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if item.CreatedAt, err = db.StringToTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if item.UpdatedAt, err = db.StringToTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	item.Status = Status(status)
	return item, nil
}

func (q *SQLiteSyncQueue) queryItems(ctx context.Context, query string, args ...any) ([]*Item, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewPersistenceError("query", err)
	}
	defer rows.Close()

	items := []*Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, NewPersistenceError("scan", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, NewPersistenceError("query", err)
	}
	return items, nil
}

// Get returns the item with the given id or a NotFoundError.
func (q *SQLiteSyncQueue) Get(ctx context.Context, id string) (*Item, error) {
	item, err := scanItem(q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, NewNotFoundError(id)
		}
		return nil, NewPersistenceError("get", err)
	}
	return item, nil
}

func (q *SQLiteSyncQueue) getBySegment(ctx context.Context, segmentID string) (*Item, error) {
	item, err := scanItem(q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE segment_id = ?`, segmentID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, NewPersistenceError("get by segment", err)
	}
	return item, nil
}

// Enqueue adds a pending item for the segment, or revives its failed or abandoned
// item, and marks the segment Queued.
func (q *SQLiteSyncQueue) Enqueue(ctx context.Context, segmentID string, priority int) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.segments.GetInfo(ctx, segmentID); err != nil {
		return nil, err
	}

	existing, err := q.getBySegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active() && !q.leaseExpired(existing) {
		q.logger.Debug("Segment already queued", "segment_id", segmentID, "item_id", existing.ID)
		return existing, nil
	}

	now := q.now().UTC()
	var item *Item

	if existing != nil {
		// a failed or abandoned item is reused so the segment keeps a single row
		_, err = q.db.ExecContext(ctx,
			`UPDATE sync_queue SET status = ?, priority = ?, last_error = '', updated_at = ? WHERE id = ?`,
			string(StatusPending), priority, db.TimeToString(now), existing.ID)
		if err != nil {
			return nil, NewPersistenceError("enqueue", err)
		}
		existing.Status = StatusPending
		existing.Priority = priority
		existing.LastError = ""
		existing.UpdatedAt = now
		item = existing
	} else {
		item = &Item{
			ID:        uuid.New().String(),
			SegmentID: segmentID,
			Priority:  priority,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, segment_id, priority, attempts, status, last_error, created_at, created_at_ns, updated_at)
		VALUES (?, ?, ?, 0, ?, '', ?, ?, ?)`,
			item.ID, item.SegmentID, item.Priority, string(item.Status),
			db.TimeToString(now), now.UnixNano(), db.TimeToString(now))
		if err != nil {
			return nil, NewPersistenceError("enqueue", err)
		}
	}

	if err := q.setSegmentState(ctx, segmentID, segments.SyncQueued); err != nil {
		if existing == nil {
			if _, delErr := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID); delErr != nil {
				q.logger.Error("Failed to roll back queue item", "item_id", item.ID, "error", delErr)
			}
		}
		return nil, err
	}

	q.logger.Info("Segment enqueued for sync", "segment_id", segmentID, "item_id", item.ID, "priority", priority)
	return item, nil
}

// DequeueBatch returns up to limit pending items in priority order without
// changing their status. Orphaned items found on the way are deleted.
func (q *SQLiteSyncQueue) DequeueBatch(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		return []*Item{}, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	query := `SELECT ` + itemColumns + ` FROM sync_queue WHERE status = ?
		ORDER BY priority DESC, created_at_ns ASC, id ASC LIMIT ? OFFSET ?`

	batch := make([]*Item, 0, limit)
	for len(batch) < limit {
		want := limit - len(batch)
		// kept items stay pending, so they occupy the first len(batch) rows
		candidates, err := q.queryItems(ctx, query, string(StatusPending), want, len(batch))
		if err != nil {
			return nil, err
		}

		for _, item := range candidates {
			_, err := q.segments.GetInfo(ctx, item.SegmentID)
			if segments.IsNotFoundError(err) {
				q.logger.Warn("Dropping orphaned queue item", "item_id", item.ID, "segment_id", item.SegmentID)
				if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID); err != nil {
					return nil, NewPersistenceError("drop orphan", err)
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			batch = append(batch, item)
		}

		if len(candidates) < want {
			break
		}
	}
	return batch, nil
}

// MarkSyncing moves the item and its segment to syncing and starts its lease.
func (q *SQLiteSyncQueue) MarkSyncing(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.setStatus(ctx, id, StatusSyncing, item.Attempts, item.LastError); err != nil {
		return err
	}
	return q.setSegmentStateIfExists(ctx, item.SegmentID, segments.SyncSyncing)
}

// MarkSynced marks the segment Synced and removes the item.
func (q *SQLiteSyncQueue) MarkSynced(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := q.setSegmentStateIfExists(ctx, item.SegmentID, segments.SyncSynced); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return NewPersistenceError("mark synced", err)
	}

	q.logger.Info("Segment synced", "segment_id", item.SegmentID, "item_id", id, "attempts", item.Attempts+1)
	return nil
}

// MarkFailed moves the item to failed, records reason and counts the attempt.
func (q *SQLiteSyncQueue) MarkFailed(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := q.setStatus(ctx, id, StatusFailed, item.Attempts+1, reason); err != nil {
		return err
	}

	q.logger.Warn("Segment sync failed", "segment_id", item.SegmentID, "item_id", id,
		"attempts", item.Attempts+1, "reason", reason)
	return q.setSegmentStateIfExists(ctx, item.SegmentID, segments.SyncFailed)
}

// FailedItems lists failed items, highest priority first.
func (q *SQLiteSyncQueue) FailedItems(ctx context.Context) ([]*Item, error) {
	return q.queryItems(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE status = ?
		ORDER BY priority DESC, created_at_ns ASC, id ASC`, string(StatusFailed))
}

// Requeue moves a failed item back to pending and clears its last error. A
// syncing item is accepted once its lease has expired.
func (q *SQLiteSyncQueue) Requeue(ctx context.Context, id string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusFailed && !(item.Status == StatusSyncing && q.leaseExpired(item)) {
		return nil, NewInvalidStateError(id, item.Status, "requeue")
	}

	if err := q.release(ctx, item); err != nil {
		return nil, err
	}
	return q.Get(ctx, id)
}

// ReleaseSyncing returns syncing items idle for at least olderThan to pending.
// Their attempts are left unchanged.
func (q *SQLiteSyncQueue) ReleaseSyncing(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	syncing, err := q.queryItems(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE status = ?`, string(StatusSyncing))
	if err != nil {
		return 0, err
	}

	now := q.now()
	released := 0
	for _, item := range syncing {
		if now.Sub(item.UpdatedAt) < olderThan {
			continue
		}
		if err := q.release(ctx, item); err != nil {
			return released, err
		}
		released++
		q.logger.Warn("Released abandoned sync item", "item_id", item.ID, "segment_id", item.SegmentID)
	}
	return released, nil
}

func (q *SQLiteSyncQueue) release(ctx context.Context, item *Item) error {
	if err := q.setStatus(ctx, item.ID, StatusPending, item.Attempts, ""); err != nil {
		return err
	}
	return q.setSegmentStateIfExists(ctx, item.SegmentID, segments.SyncQueued)
}

func (q *SQLiteSyncQueue) leaseExpired(item *Item) bool {
	return item.Status == StatusSyncing && q.now().Sub(item.UpdatedAt) >= q.lease
}

// Count returns the number of items in status.
func (q *SQLiteSyncQueue) Count(ctx context.Context, status Status) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, NewPersistenceError("count", err)
	}
	return n, nil
}

// RemoveForSegment deletes the segment's item. A segment without one is not an error.
func (q *SQLiteSyncQueue) RemoveForSegment(ctx context.Context, segmentID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE segment_id = ?`, segmentID); err != nil {
		return NewPersistenceError("remove", err)
	}
	return nil
}

func (q *SQLiteSyncQueue) setStatus(ctx context.Context, id string, status Status, attempts int, lastError string) error {
	result, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), attempts, lastError, db.TimeToString(q.now()), id)
	if err != nil {
		return NewPersistenceError("update status", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewPersistenceError("update status", err)
	}
	if affected == 0 {
		return NewNotFoundError(id)
	}
	return nil
}

func (q *SQLiteSyncQueue) setSegmentState(ctx context.Context, segmentID string, state segments.SyncState) error {
	_, err := q.segments.Update(ctx, segmentID, segments.Update{SyncState: &state})
	return err
}

// setSegmentStateIfExists tolerates a segment deleted while its item was in flight.
func (q *SQLiteSyncQueue) setSegmentStateIfExists(ctx context.Context, segmentID string, state segments.SyncState) error {
	err := q.setSegmentState(ctx, segmentID, state)
	if segments.IsNotFoundError(err) {
		q.logger.Debug("Segment gone, skipping state update", "segment_id", segmentID, "state", state)
		return nil
	}
	return err
}
