package segments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yeti47/chunkvault/ccc/db"
	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/settings"
)

const criticalPercent = 90

// Store is the durable home of segments and their payloads.
type Store interface {
	// Create assigns id and timestamps and persists the segment with sync state Local.
	Create(ctx context.Context, segment NewSegment) (*Segment, error)
	// Get returns the segment including its payload.
	Get(ctx context.Context, id string) (*Segment, error)
	// GetInfo returns the segment without its payload.
	GetInfo(ctx context.Context, id string) (*SegmentInfo, error)
	// List returns at most query.Limit segments, newest first, plus the total match count.
	List(ctx context.Context, query Query) ([]*SegmentInfo, int, error)
	// Update merges display name, tags and sync state and refreshes LastModified.
	Update(ctx context.Context, id string, update Update) (*SegmentInfo, error)
	// Delete removes the segment and its payload, or fails with NotFound.
	Delete(ctx context.Context, id string) error
	// DeleteIfSynced removes the segment only while its sync state is Synced and
	// reports whether it did.
	DeleteIfSynced(ctx context.Context, id string) (bool, error)
	// UsedBytes sums SizeBytes over all stored segments.
	UsedBytes(ctx context.Context) (int64, error)
	// CapacityInfo reports usage against the configured capacity.
	CapacityInfo(ctx context.Context) (CapacityInfo, error)
	// ListOldestSynced returns synced segments, oldest first.
	ListOldestSynced(ctx context.Context, limit int) ([]*SegmentInfo, error)
	// CountBySyncState returns the number of segments per sync state.
	CountBySyncState(ctx context.Context) (map[SyncState]int, error)
}

// StoreOptions configures a SQLiteStore. The zero value stores plaintext without a cache.
type StoreOptions struct {
	Codec PayloadCodec
	// WarningPercent is the usage at which CapacityInfo reports a warning. Default 75.
	WarningPercent int
	// Cache holds decoded payloads for repeated reads. Nil disables caching.
	Cache PayloadCache
	Now   func() time.Time
}

// SQLiteStore implements Store on database/sql with either sqlite driver.
type SQLiteStore struct {
	db             *sql.DB
	logger         logging.Logger
	settings       settings.SettingsProvider[settings.Settings]
	codec          PayloadCodec
	cache          PayloadCache
	warningPercent int
	now            func() time.Time
}

// NewSQLiteStore creates the segments table if needed. Capacity is read from
// provider on every call, so settings changes apply immediately.
func NewSQLiteStore(database *sql.DB, provider settings.SettingsProvider[settings.Settings], logger logging.Logger, opts StoreOptions) (*SQLiteStore, error) {
	if opts.Codec == nil {
		opts.Codec = PlainCodec
	}
	if opts.WarningPercent <= 0 {
		opts.WarningPercent = 75
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &SQLiteStore{
		db:             database,
		logger:         logging.OrNop(logger),
		settings:       provider,
		codec:          opts.Codec,
		cache:          opts.Cache,
		warningPercent: opts.WarningPercent,
		now:            opts.Now,
	}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	createSegmentsTable := `
	CREATE TABLE IF NOT EXISTS segments (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		created_at_ns INTEGER NOT NULL,
		last_modified TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		duration_seconds REAL NOT NULL,
		display_name TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		sync_state TEXT NOT NULL,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_segments_created ON segments (created_at_ns);
	CREATE INDEX IF NOT EXISTS idx_segments_sync_state ON segments (sync_state, created_at_ns);
	CREATE INDEX IF NOT EXISTS idx_segments_session ON segments (session_id, sequence_number);`

	_, err := s.db.Exec(createSegmentsTable)
	return err
}

const infoColumns = `id, session_id, sequence_number, created_at, last_modified, mime_type,
	size_bytes, duration_seconds, display_name, tags, sync_state`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInfo(row rowScanner, extra ...any) (*SegmentInfo, error) {
	info := &SegmentInfo{}
	var createdAt, lastModified, tagsJSON, syncState string

	dest := []any{
		&info.ID, &info.SessionID, &info.SequenceNumber, &createdAt, &lastModified, &info.MimeType,
		&info.SizeBytes, &info.DurationSeconds, &info.DisplayName, &tagsJSON, &syncState,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	var err error
	if info.CreatedAt, err = db.StringToTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if info.LastModified, err = db.StringToTime(lastModified); err != nil {
		return nil, fmt.Errorf("failed to parse last_modified: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &info.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	if info.Tags == nil {
		info.Tags = []string{}
	}
	info.SyncState = SyncState(syncState)
	return info, nil
}

// Create validates and stores a new segment with sync state Local. The payload is
// encoded by the configured codec; SizeBytes is the plaintext length.
func (s *SQLiteStore) Create(ctx context.Context, segment NewSegment) (*Segment, error) {
	if len(segment.Payload) == 0 {
		return nil, NewValidationError("payload", "must not be empty")
	}
	if segment.MimeType == "" {
		return nil, NewValidationError("mime_type", "must not be empty")
	}

	tags, err := NormalizeTags(segment.Tags)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	name := segment.DisplayName
	if strings.TrimSpace(name) == "" {
		name = DefaultDisplayName(now, segment.SequenceNumber)
	}
	if name, err = normalizeDisplayName(name); err != nil {
		return nil, err
	}

	stored, err := s.codec.Encode(segment.Payload)
	if err != nil {
		return nil, NewPersistenceError("encode payload", err)
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, NewPersistenceError("encode tags", err)
	}

	created := &Segment{
		SegmentInfo: SegmentInfo{
			ID:              uuid.New().String(),
			SessionID:       segment.SessionID,
			SequenceNumber:  segment.SequenceNumber,
			CreatedAt:       now,
			LastModified:    now,
			MimeType:        segment.MimeType,
			SizeBytes:       int64(len(segment.Payload)),
			DurationSeconds: segment.Duration.Seconds(),
			DisplayName:     name,
			Tags:            tags,
			SyncState:       SyncLocal,
		},
		Payload: segment.Payload,
	}

	query := `
	INSERT INTO segments (id, session_id, sequence_number, created_at, created_at_ns, last_modified, mime_type,
		size_bytes, duration_seconds, display_name, tags, sync_state, payload)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		created.ID, created.SessionID, created.SequenceNumber,
		db.TimeToString(now), now.UnixNano(), db.TimeToString(now),
		created.MimeType, created.SizeBytes, created.DurationSeconds,
		created.DisplayName, string(tagsJSON), string(created.SyncState), stored,
	)
	if err != nil {
		return nil, NewPersistenceError("create", err)
	}

	s.logger.Debug("Segment stored", "segment_id", created.ID, "size_bytes", created.SizeBytes)
	return created, nil
}

// Get returns the segment with its decoded payload, or a NotFoundError.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Segment, error) {
	if s.cache != nil {
		if payload, ok := s.cache.Get(id); ok {
			info, err := s.GetInfo(ctx, id)
			if err != nil {
				if IsNotFoundError(err) {
					s.cache.Delete(id)
				}
				return nil, err
			}
			return &Segment{SegmentInfo: *info, Payload: payload}, nil
		}
	}

	query := `SELECT ` + infoColumns + `, payload FROM segments WHERE id = ?`

	var stored []byte
	info, err := scanInfo(s.db.QueryRowContext(ctx, query, id), &stored)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, NewNotFoundError(id)
		}
		return nil, NewPersistenceError("get", err)
	}

	payload, err := s.codec.Decode(stored)
	if err != nil {
		return nil, NewPersistenceError("decode payload", err)
	}
	if s.cache != nil {
		s.cache.Set(id, payload)
	}
	return &Segment{SegmentInfo: *info, Payload: payload}, nil
}

// GetInfo returns the segment metadata without reading the payload.
func (s *SQLiteStore) GetInfo(ctx context.Context, id string) (*SegmentInfo, error) {
	query := `SELECT ` + infoColumns + ` FROM segments WHERE id = ?`

	info, err := scanInfo(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, NewNotFoundError(id)
		}
		return nil, NewPersistenceError("get", err)
	}
	return info, nil
}

// List returns a page of segments matching query, newest first, and the total
// number of matches. A non-positive Limit means DefaultListLimit.
func (s *SQLiteStore) List(ctx context.Context, query Query) ([]*SegmentInfo, int, error) {
	where, args := buildConditions(query)

	var total int
	countQuery := "SELECT COUNT(*) FROM segments" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, NewPersistenceError("count", err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	listQuery := "SELECT " + infoColumns + " FROM segments" + where +
		" ORDER BY created_at_ns DESC, sequence_number DESC LIMIT ?"
	listArgs := append(append([]any{}, args...), limit)
	if query.Offset > 0 {
		listQuery += " OFFSET ?"
		listArgs = append(listArgs, query.Offset)
	}

	infos, err := s.queryInfos(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	return infos, total, nil
}

func buildConditions(query Query) (string, []any) {
	var conditions []string
	var args []any

	if query.SyncState != nil {
		conditions = append(conditions, "sync_state = ?")
		args = append(args, string(*query.SyncState))
	}
	if query.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, query.SessionID)
	}
	if tag := strings.TrimPrefix(strings.TrimSpace(query.Tag), "#"); tag != "" {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM json_each(segments.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (s *SQLiteStore) queryInfos(ctx context.Context, query string, args ...any) ([]*SegmentInfo, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewPersistenceError("list", err)
	}
	defer rows.Close()

	infos := []*SegmentInfo{}
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, NewPersistenceError("scan", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, NewPersistenceError("list", err)
	}
	return infos, nil
}

// Update merges the non-nil fields of update and refreshes LastModified.
// CreatedAt never changes.
func (s *SQLiteStore) Update(ctx context.Context, id string, update Update) (*SegmentInfo, error) {
	var sets []string
	var args []any

	if update.DisplayName != nil {
		name, err := normalizeDisplayName(*update.DisplayName)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "display_name = ?")
		args = append(args, name)
	}
	if update.Tags != nil {
		tags, err := NormalizeTags(*update.Tags)
		if err != nil {
			return nil, err
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return nil, NewPersistenceError("encode tags", err)
		}
		sets = append(sets, "tags = ?")
		args = append(args, string(tagsJSON))
	}
	if update.SyncState != nil {
		state, err := ParseSyncState(string(*update.SyncState))
		if err != nil {
			return nil, err
		}
		sets = append(sets, "sync_state = ?")
		args = append(args, string(state))
	}

	sets = append(sets, "last_modified = ?")
	args = append(args, db.TimeToString(s.now()), id)

	query := "UPDATE segments SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, NewPersistenceError("update", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, NewPersistenceError("update", err)
	}
	if affected == 0 {
		return nil, NewNotFoundError(id)
	}

	return s.GetInfo(ctx, id)
}

// Delete removes the segment and its payload. Deleting an unknown id fails with
// a NotFoundError.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if s.cache != nil {
		s.cache.Delete(id)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE id = ?`, id)
	if err != nil {
		return NewPersistenceError("delete", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return NewPersistenceError("delete", err)
	}
	if affected == 0 {
		return NewNotFoundError(id)
	}
	return nil
}

// DeleteIfSynced deletes the segment in one statement guarded by sync_state, so a
// segment that left Synced after being listed is kept. It reports false for such
// segments and for unknown ids.
func (s *SQLiteStore) DeleteIfSynced(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE id = ? AND sync_state = ?`, id, string(SyncSynced))
	if err != nil {
		return false, NewPersistenceError("delete synced", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, NewPersistenceError("delete synced", err)
	}
	if affected == 0 {
		return false, nil
	}
	if s.cache != nil {
		s.cache.Delete(id)
	}
	return true, nil
}

// UsedBytes sums SizeBytes over committed segments.
func (s *SQLiteStore) UsedBytes(ctx context.Context) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes), 0) FROM segments`).Scan(&used)
	if err != nil {
		return 0, NewPersistenceError("used bytes", err)
	}
	return used, nil
}

// CapacityInfo reports usage against the capacity in the current settings.
func (s *SQLiteStore) CapacityInfo(ctx context.Context) (CapacityInfo, error) {
	used, err := s.UsedBytes(ctx)
	if err != nil {
		return CapacityInfo{}, err
	}
	return NewCapacityInfo(used, s.settings.GetSettings().StorageCapacityBytes, s.warningPercent), nil
}

// NewCapacityInfo computes percentUsed = round(used / capacity * 100) and the
// warning and critical flags.
func NewCapacityInfo(used, capacity int64, warningPercent int) CapacityInfo {
	info := CapacityInfo{UsedBytes: used, CapacityBytes: capacity}
	if capacity > 0 {
		info.PercentUsed = int(math.Round(float64(used) / float64(capacity) * 100))
	}
	info.Warning = info.PercentUsed >= warningPercent
	info.Critical = info.PercentUsed >= criticalPercent
	return info
}

// ListOldestSynced returns up to limit synced segments, oldest CreatedAt first.
func (s *SQLiteStore) ListOldestSynced(ctx context.Context, limit int) ([]*SegmentInfo, error) {
	if limit <= 0 {
		limit = 1
	}
	query := "SELECT " + infoColumns + " FROM segments WHERE sync_state = ? ORDER BY created_at_ns ASC, sequence_number ASC LIMIT ?"
	return s.queryInfos(ctx, query, string(SyncSynced), limit)
}

// CountBySyncState returns the number of segments per sync state, with every
// state present.
func (s *SQLiteStore) CountBySyncState(ctx context.Context) (map[SyncState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sync_state, COUNT(*) FROM segments GROUP BY sync_state`)
	if err != nil {
		return nil, NewPersistenceError("count by state", err)
	}
	defer rows.Close()

	counts := make(map[SyncState]int, len(AllSyncStates))
	for _, state := range AllSyncStates {
		counts[state] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, NewPersistenceError("count by state", err)
		}
		counts[SyncState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, NewPersistenceError("count by state", err)
	}
	return counts, nil
}
