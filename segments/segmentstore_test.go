package segments

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/yeti47/chunkvault/ccc/db"
	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/settings"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func setupSegmentStoreTest(t *testing.T, capacity int64, opts StoreOptions) (*SQLiteStore, *testClock, func()) {
	return setupSegmentStoreTestWithDriver(t, db.DriverCGO, capacity, opts)
}

func setupSegmentStoreTestWithDriver(t *testing.T, driver string, capacity int64, opts StoreOptions) (*SQLiteStore, *testClock, func()) {
	testDB, err := db.NewInMemoryDBWithDriver(driver)
	if err != nil {
		t.Fatalf("Failed to create in-memory database: %v", err)
	}

	s := settings.Defaults()
	s.StorageCapacityBytes = capacity
	clock := &testClock{now: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clock.Now
	}

	store, err := NewSQLiteStore(testDB, settings.StaticProvider[settings.Settings]{Value: s}, logging.NopLogger, opts)
	if err != nil {
		testDB.Close()
		t.Fatalf("Failed to create segment store: %v", err)
	}

	cleanup := func() {
		testDB.Close()
	}
	return store, clock, cleanup
}

func createTestSegment(seq int, size int) NewSegment {
	return NewSegment{
		SessionID:      "session-1",
		SequenceNumber: seq,
		Payload:        bytes.Repeat([]byte{byte(seq)}, size),
		MimeType:       "audio/webm",
		Duration:       5 * time.Second,
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store, clock, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()
	input := createTestSegment(1, 1200)
	input.Tags = []string{"#meeting", "notes", "meeting"}

	created, err := store.Create(ctx, input)
	if err != nil {
		t.Fatalf("Failed to create segment: %v", err)
	}

	if created.ID == "" {
		t.Fatal("Expected generated ID")
	}
	if created.SyncState != SyncLocal {
		t.Errorf("Expected sync state %s, got %s", SyncLocal, created.SyncState)
	}
	if created.SizeBytes != 1200 {
		t.Errorf("Expected size 1200, got %d", created.SizeBytes)
	}
	if !created.CreatedAt.Equal(clock.now) {
		t.Errorf("Expected createdAt %v, got %v", clock.now, created.CreatedAt)
	}

	retrieved, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Failed to get segment: %v", err)
	}

	if !bytes.Equal(retrieved.Payload, input.Payload) {
		t.Error("Payload mismatch after round trip")
	}
	if retrieved.SizeBytes != int64(len(retrieved.Payload)) {
		t.Errorf("Expected sizeBytes %d to equal payload length %d", retrieved.SizeBytes, len(retrieved.Payload))
	}
	if retrieved.SequenceNumber != 1 || retrieved.SessionID != "session-1" {
		t.Errorf("Unexpected identity: session %s seq %d", retrieved.SessionID, retrieved.SequenceNumber)
	}
	if retrieved.DurationSeconds != 5 {
		t.Errorf("Expected duration 5s, got %v", retrieved.DurationSeconds)
	}
	if len(retrieved.Tags) != 2 || retrieved.Tags[0] != "meeting" || retrieved.Tags[1] != "notes" {
		t.Errorf("Expected tags [meeting notes], got %v", retrieved.Tags)
	}

	expectedName := DefaultDisplayName(clock.now, 1)
	if retrieved.DisplayName != expectedName {
		t.Errorf("Expected display name %s, got %s", expectedName, retrieved.DisplayName)
	}
}

func TestSQLiteStore_CreateRejectsEmptyPayload(t *testing.T) {
	store, _, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{})
	defer cleanup()

	_, err := store.Create(context.Background(), createTestSegment(1, 0))
	if !IsValidationError(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	store, _, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !IsNotFoundError(err) {
		t.Errorf("Expected NotFound from Get, got %v", err)
	}
	if _, err := store.GetInfo(ctx, "missing"); !IsNotFoundError(err) {
		t.Errorf("Expected NotFound from GetInfo, got %v", err)
	}
	name := "x"
	if _, err := store.Update(ctx, "missing", Update{DisplayName: &name}); !IsNotFoundError(err) {
		t.Errorf("Expected NotFound from Update, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); !IsNotFoundError(err) {
		t.Errorf("Expected NotFound from Delete, got %v", err)
	}
}

func TestSQLiteStore_UsedBytesTracksCreatesAndDeletes(t *testing.T) {
	store, _, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()
	var ids []string
	for i := 1; i <= 5; i++ {
		created, err := store.Create(ctx, createTestSegment(i, i*100))
		if err != nil {
			t.Fatalf("Failed to create segment %d: %v", i, err)
		}
		ids = append(ids, created.ID)
	}

	used, err := store.UsedBytes(ctx)
	if err != nil {
		t.Fatalf("UsedBytes failed: %v", err)
	}
	if used != 1500 {
		t.Errorf("Expected 1500 used bytes, got %d", used)
	}

	// delete segments 2 and 4
	for _, id := range []string{ids[1], ids[3]} {
		if err := store.Delete(ctx, id); err != nil {
			t.Fatalf("Failed to delete %s: %v", id, err)
		}
	}

	used, err = store.UsedBytes(ctx)
	if err != nil {
		t.Fatalf("UsedBytes failed: %v", err)
	}
	if used != 900 {
		t.Errorf("Expected 900 used bytes, got %d", used)
	}
}

func TestSQLiteStore_RenameThenTagPreservesCreatedAt(t *testing.T) {
	store, clock, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()
	created, err := store.Create(ctx, createTestSegment(1, 500))
	if err != nil {
		t.Fatalf("Failed to create segment: %v", err)
	}

	clock.Advance(time.Minute)
	name := "Standup"
	renamed, err := store.Update(ctx, created.ID, Update{DisplayName: &name})
	if err != nil {
		t.Fatalf("Failed to rename: %v", err)
	}
	if renamed.DisplayName != "Standup" {
		t.Errorf("Expected display name Standup, got %s", renamed.DisplayName)
	}
	if !renamed.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("Expected createdAt %v to be preserved, got %v", created.CreatedAt, renamed.CreatedAt)
	}
	if !renamed.LastModified.After(created.LastModified) {
		t.Errorf("Expected lastModified to advance, got %v", renamed.LastModified)
	}

	clock.Advance(time.Minute)
	tags := []string{"#team", "daily"}
	tagged, err := store.Update(ctx, created.ID, Update{Tags: &tags})
	if err != nil {
		t.Fatalf("Failed to tag: %v", err)
	}
	if !tagged.LastModified.After(renamed.LastModified) {
		t.Errorf("Expected lastModified to advance again, got %v", tagged.LastModified)
	}
	if !tagged.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("Expected createdAt %v to be preserved, got %v", created.CreatedAt, tagged.CreatedAt)
	}
	if tagged.DisplayName != "Standup" {
		t.Errorf("Expected tag update to keep display name, got %s", tagged.DisplayName)
	}
	if len(tagged.Tags) != 2 || tagged.Tags[0] != "team" {
		t.Errorf("Expected tags [team daily], got %v", tagged.Tags)
	}

	full, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Failed to get segment: %v", err)
	}
	if full.SizeBytes != 500 || len(full.Payload) != 500 {
		t.Errorf("Expected payload and size to be unchanged, got size %d payload %d", full.SizeBytes, len(full.Payload))
	}
}

func TestSQLiteStore_UpdateValidation(t *testing.T) {
	store, _, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()
	created, err := store.Create(ctx, createTestSegment(1, 10))
	if err != nil {
		t.Fatalf("Failed to create segment: %v", err)
	}

	blank := "   "
	if _, err := store.Update(ctx, created.ID, Update{DisplayName: &blank}); !IsValidationError(err) {
		t.Errorf("Expected validation error for blank name, got %v", err)
	}

	bad := []string{"two words"}
	if _, err := store.Update(ctx, created.ID, Update{Tags: &bad}); !IsValidationError(err) {
		t.Errorf("Expected validation error for tag with whitespace, got %v", err)
	}

	state := SyncState("bogus")
	if _, err := store.Update(ctx, created.ID, Update{SyncState: &state}); !IsValidationError(err) {
		t.Errorf("Expected validation error for unknown sync state, got %v", err)
	}
}

func TestSQLiteStore_ListOrderingAndFilters(t *testing.T) {
	store, clock, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()
	var ids []string
	for i := 1; i <= 4; i++ {
		seg := createTestSegment(i, 10)
		if i%2 == 0 {
			seg.Tags = []string{"even"}
		}
		created, err := store.Create(ctx, seg)
		if err != nil {
			t.Fatalf("Failed to create segment %d: %v", i, err)
		}
		ids = append(ids, created.ID)
		clock.Advance(time.Second)
	}

	synced := SyncSynced
	if _, err := store.Update(ctx, ids[0], Update{SyncState: &synced}); err != nil {
		t.Fatalf("Failed to mark synced: %v", err)
	}

	all, total, err := store.List(ctx, Query{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 4 || len(all) != 4 {
		t.Fatalf("Expected 4 segments, got %d (total %d)", len(all), total)
	}
	if all[0].ID != ids[3] || all[3].ID != ids[0] {
		t.Errorf("Expected newest first ordering")
	}

	page, total, err := store.List(ctx, Query{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if total != 4 || len(page) != 2 || page[0].ID != ids[2] {
		t.Errorf("Unexpected page: total %d len %d", total, len(page))
	}

	tagged, total, err := store.List(ctx, Query{Tag: "#even"})
	if err != nil {
		t.Fatalf("List by tag failed: %v", err)
	}
	if total != 2 || len(tagged) != 2 {
		t.Errorf("Expected 2 tagged segments, got %d", total)
	}

	bySync, total, err := store.List(ctx, Query{SyncState: &synced})
	if err != nil {
		t.Fatalf("List by state failed: %v", err)
	}
	if total != 1 || bySync[0].ID != ids[0] {
		t.Errorf("Expected only the synced segment, got %d", total)
	}

	none, total, err := store.List(ctx, Query{SessionID: "other"})
	if err != nil {
		t.Fatalf("List by session failed: %v", err)
	}
	if total != 0 || len(none) != 0 {
		t.Errorf("Expected no segments for unknown session, got %d", total)
	}
}

func TestSQLiteStore_ListOldestSyncedAndCounts(t *testing.T) {
	store, clock, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()
	synced := SyncSynced
	var ids []string
	for i := 1; i <= 3; i++ {
		created, err := store.Create(ctx, createTestSegment(i, 10))
		if err != nil {
			t.Fatalf("Failed to create segment: %v", err)
		}
		ids = append(ids, created.ID)
		clock.Advance(time.Second)
	}
	for _, id := range ids[1:] {
		if _, err := store.Update(ctx, id, Update{SyncState: &synced}); err != nil {
			t.Fatalf("Failed to mark synced: %v", err)
		}
	}

	oldest, err := store.ListOldestSynced(ctx, 10)
	if err != nil {
		t.Fatalf("ListOldestSynced failed: %v", err)
	}
	if len(oldest) != 2 || oldest[0].ID != ids[1] || oldest[1].ID != ids[2] {
		t.Errorf("Expected synced segments oldest first, got %d", len(oldest))
	}

	counts, err := store.CountBySyncState(ctx)
	if err != nil {
		t.Fatalf("CountBySyncState failed: %v", err)
	}
	if counts[SyncLocal] != 1 || counts[SyncSynced] != 2 || counts[SyncFailed] != 0 {
		t.Errorf("Unexpected counts: %v", counts)
	}
}

func TestSQLiteStore_CapacityInfo(t *testing.T) {
	store, _, cleanup := setupSegmentStoreTest(t, 1000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()
	if _, err := store.Create(ctx, createTestSegment(1, 800)); err != nil {
		t.Fatalf("Failed to create segment: %v", err)
	}

	info, err := store.CapacityInfo(ctx)
	if err != nil {
		t.Fatalf("CapacityInfo failed: %v", err)
	}
	if info.PercentUsed != 80 {
		t.Errorf("Expected 80 percent used, got %d", info.PercentUsed)
	}
	if !info.Warning || info.Critical {
		t.Errorf("Expected warning without critical, got %+v", info)
	}

	if _, err := store.Create(ctx, createTestSegment(2, 150)); err != nil {
		t.Fatalf("Failed to create segment: %v", err)
	}
	info, err = store.CapacityInfo(ctx)
	if err != nil {
		t.Fatalf("CapacityInfo failed: %v", err)
	}
	if !info.Critical {
		t.Errorf("Expected critical at %d percent", info.PercentUsed)
	}
}

func TestNewCapacityInfo_ZeroCapacity(t *testing.T) {
	info := NewCapacityInfo(100, 0, 75)
	if info.PercentUsed != 0 || info.Warning {
		t.Errorf("Expected no usage figures with zero capacity, got %+v", info)
	}
}

func TestSQLiteStore_AESCodec(t *testing.T) {
	codec, err := NewAESPayloadCodec("s3cret")
	if err != nil {
		t.Fatalf("Failed to create codec: %v", err)
	}
	store, _, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{Codec: codec})
	defer cleanup()

	ctx := context.Background()
	input := createTestSegment(1, 256)
	created, err := store.Create(ctx, input)
	if err != nil {
		t.Fatalf("Failed to create segment: %v", err)
	}

	var raw []byte
	if err := store.db.QueryRowContext(ctx, `SELECT payload FROM segments WHERE id = ?`, created.ID).Scan(&raw); err != nil {
		t.Fatalf("Failed to read raw payload: %v", err)
	}
	if bytes.Equal(raw, input.Payload) {
		t.Error("Expected stored payload to be encrypted")
	}

	retrieved, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Failed to get segment: %v", err)
	}
	if !bytes.Equal(retrieved.Payload, input.Payload) {
		t.Error("Expected decrypted payload to match input")
	}
	// size is accounted on the plain payload
	if retrieved.SizeBytes != 256 {
		t.Errorf("Expected size 256, got %d", retrieved.SizeBytes)
	}
}

func TestSQLiteStore_PureGoDriver(t *testing.T) {
	store, _, cleanup := setupSegmentStoreTestWithDriver(t, db.DriverPureGo, 1_000_000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		seg := createTestSegment(i, 100)
		seg.Tags = []string{fmt.Sprintf("t%d", i)}
		if _, err := store.Create(ctx, seg); err != nil {
			t.Fatalf("Failed to create segment: %v", err)
		}
	}

	used, err := store.UsedBytes(ctx)
	if err != nil {
		t.Fatalf("UsedBytes failed: %v", err)
	}
	if used != 300 {
		t.Errorf("Expected 300 used bytes, got %d", used)
	}

	tagged, total, err := store.List(ctx, Query{Tag: "t2"})
	if err != nil {
		t.Fatalf("List by tag failed: %v", err)
	}
	if total != 1 || tagged[0].SequenceNumber != 2 {
		t.Errorf("Expected segment 2 for tag t2, got total %d", total)
	}
}

func TestAESPayloadCodec_WrongSecret(t *testing.T) {
	codec, _ := NewAESPayloadCodec("right")
	other, _ := NewAESPayloadCodec("wrong")

	stored, err := codec.Encode([]byte("hello"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := other.Decode(stored); err == nil {
		t.Error("Expected decode with the wrong secret to fail")
	}
	if _, err := NewAESPayloadCodec(""); err == nil {
		t.Error("Expected empty secret to be rejected")
	}
}

func TestNormalizeTags(t *testing.T) {
	tags, err := ParseTags("#a  b #a  #")
	if err != nil {
		t.Fatalf("ParseTags failed: %v", err)
	}
	if len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Errorf("Expected [a b], got %v", tags)
	}

	long := make([]byte, MaxTagLength+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := NormalizeTags([]string{string(long)}); !IsValidationError(err) {
		t.Errorf("Expected validation error for long tag, got %v", err)
	}
}

func TestParseSyncState(t *testing.T) {
	state, err := ParseSyncState(" Synced ")
	if err != nil || state != SyncSynced {
		t.Errorf("Expected synced, got %s (%v)", state, err)
	}
	if _, err := ParseSyncState("nope"); err == nil {
		t.Error("Expected unknown state to fail")
	}
}

func TestSQLiteStore_DeleteIfSynced(t *testing.T) {
	store, _, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{})
	defer cleanup()

	ctx := context.Background()
	local, _ := store.Create(ctx, createTestSegment(1, 100))
	synced, _ := store.Create(ctx, createTestSegment(2, 100))
	state := SyncSynced
	if _, err := store.Update(ctx, synced.ID, Update{SyncState: &state}); err != nil {
		t.Fatalf("Failed to mark synced: %v", err)
	}

	deleted, err := store.DeleteIfSynced(ctx, local.ID)
	if err != nil {
		t.Fatalf("DeleteIfSynced failed: %v", err)
	}
	if deleted {
		t.Error("Expected local segment not to be deleted")
	}
	if _, err := store.GetInfo(ctx, local.ID); err != nil {
		t.Errorf("Expected local segment to remain, got %v", err)
	}

	deleted, err = store.DeleteIfSynced(ctx, synced.ID)
	if err != nil {
		t.Fatalf("DeleteIfSynced failed: %v", err)
	}
	if !deleted {
		t.Error("Expected synced segment to be deleted")
	}
	if _, err := store.GetInfo(ctx, synced.ID); !IsNotFoundError(err) {
		t.Errorf("Expected not found after delete, got %v", err)
	}

	deleted, err = store.DeleteIfSynced(ctx, "missing")
	if err != nil || deleted {
		t.Errorf("Expected missing id to report false without error, got %v, %v", deleted, err)
	}
}
