package segments

import (
	"bytes"
	"context"
	"testing"

	"github.com/yeti47/chunkvault/ccc/logging"
)

func TestPayloadCache_BasicOperations(t *testing.T) {
	cache := NewPayloadCache(1024, logging.NopLogger)

	if _, ok := cache.Get("seg-1"); ok {
		t.Error("Expected miss on empty cache")
	}

	cache.Set("seg-1", []byte("payload"))
	got, ok := cache.Get("seg-1")
	if !ok {
		t.Fatal("Expected hit after Set")
	}
	if string(got) != "payload" {
		t.Errorf("Expected payload, got %q", got)
	}

	// Returned slices are copies.
	got[0] = 'X'
	again, _ := cache.Get("seg-1")
	if string(again) != "payload" {
		t.Errorf("Expected cached bytes to be unaffected, got %q", again)
	}

	cache.Delete("seg-1")
	if _, ok := cache.Get("seg-1"); ok {
		t.Error("Expected miss after Delete")
	}

	stats := cache.Stats()
	if stats.Hits != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 2 {
		t.Errorf("Expected 2 misses, got %d", stats.Misses)
	}
	if stats.Entries != 0 || stats.SizeBytes != 0 {
		t.Errorf("Expected empty cache, got %d entries and %d bytes", stats.Entries, stats.SizeBytes)
	}
}

func TestPayloadCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewPayloadCache(30, logging.NopLogger)

	cache.Set("a", bytes.Repeat([]byte{'a'}, 10))
	cache.Set("b", bytes.Repeat([]byte{'b'}, 10))
	cache.Set("c", bytes.Repeat([]byte{'c'}, 10))

	// touch a so b becomes the oldest
	cache.Get("a")
	cache.Set("d", bytes.Repeat([]byte{'d'}, 10))

	if _, ok := cache.Get("b"); ok {
		t.Error("Expected b to be evicted")
	}
	for _, id := range []string{"a", "c", "d"} {
		if _, ok := cache.Get(id); !ok {
			t.Errorf("Expected %s to remain cached", id)
		}
	}

	stats := cache.Stats()
	if stats.Evictions != 1 {
		t.Errorf("Expected 1 eviction, got %d", stats.Evictions)
	}
	if stats.SizeBytes != 30 {
		t.Errorf("Expected 30 cached bytes, got %d", stats.SizeBytes)
	}
}

func TestPayloadCache_SkipsOversizedAndEmpty(t *testing.T) {
	cache := NewPayloadCache(8, logging.NopLogger)

	cache.Set("big", bytes.Repeat([]byte{'x'}, 9))
	cache.Set("empty", nil)

	if stats := cache.Stats(); stats.Entries != 0 {
		t.Errorf("Expected no entries, got %d", stats.Entries)
	}
}

func TestPayloadCache_ReplaceUpdatesSize(t *testing.T) {
	cache := NewPayloadCache(100, logging.NopLogger)

	cache.Set("seg-1", bytes.Repeat([]byte{'x'}, 40))
	cache.Set("seg-1", bytes.Repeat([]byte{'y'}, 10))

	stats := cache.Stats()
	if stats.Entries != 1 {
		t.Errorf("Expected 1 entry, got %d", stats.Entries)
	}
	if stats.SizeBytes != 10 {
		t.Errorf("Expected 10 cached bytes, got %d", stats.SizeBytes)
	}
}

func TestSQLiteStore_PayloadCache(t *testing.T) {
	cache := NewPayloadCache(1 << 20, logging.NopLogger)
	store, _, cleanup := setupSegmentStoreTest(t, 1_000_000, StoreOptions{Cache: cache})
	defer cleanup()

	ctx := context.Background()
	created, err := store.Create(ctx, createTestSegment(1, 500))
	if err != nil {
		t.Fatalf("Failed to create segment: %v", err)
	}

	for i := 0; i < 2; i++ {
		segment, err := store.Get(ctx, created.ID)
		if err != nil {
			t.Fatalf("Failed to get segment: %v", err)
		}
		if len(segment.Payload) != 500 {
			t.Errorf("Expected 500 payload bytes, got %d", len(segment.Payload))
		}
		if segment.ID != created.ID {
			t.Errorf("Expected ID %s, got %s", created.ID, segment.ID)
		}
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got %d and %d", stats.Hits, stats.Misses)
	}

	if err := store.Delete(ctx, created.ID); err != nil {
		t.Fatalf("Failed to delete segment: %v", err)
	}
	if cache.Stats().Entries != 0 {
		t.Error("Expected delete to drop the cached payload")
	}
	if _, err := store.Get(ctx, created.ID); !IsNotFoundError(err) {
		t.Errorf("Expected not found after delete, got %v", err)
	}
}
