package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yeti47/chunkvault/capture"
	"github.com/yeti47/chunkvault/ccc/db"
	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/events"
	"github.com/yeti47/chunkvault/recording"
	"github.com/yeti47/chunkvault/segments"
	"github.com/yeti47/chunkvault/settings"
	"github.com/yeti47/chunkvault/syncqueue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTimers struct {
	mu    sync.Mutex
	funcs []func()
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

func (f *fakeTimers) AfterFunc(d time.Duration, fn func()) recording.Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs = append(f.funcs, fn)
	return fakeTimer{}
}

func (f *fakeTimers) FireAll() {
	f.mu.Lock()
	due := f.funcs
	f.funcs = nil
	f.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

type collectingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *collectingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *collectingPublisher) ofType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (p *collectingPublisher) errorKinds() []events.ErrorKind {
	var kinds []events.ErrorKind
	for _, e := range p.ofType(events.TypeError) {
		kinds = append(kinds, e.(events.ErrorEvent).Kind)
	}
	return kinds
}

type serviceFixture struct {
	service  *Service
	source   *capture.MockSource
	clock    *fakeClock
	timers   *fakeTimers
	settings *settings.SQLiteStore
	segments *segments.SQLiteStore
	queue    *syncqueue.SQLiteSyncQueue
	pub      *collectingPublisher
}

func setupServiceTest(t *testing.T, segmentStore func(segments.Store) segments.Store) (*serviceFixture, func()) {
	testDB, err := db.NewInMemoryDB()
	if err != nil {
		t.Fatalf("Failed to create in-memory database: %v", err)
	}

	settingsStore, err := settings.NewSQLiteStore(testDB, logging.NopLogger)
	if err != nil {
		testDB.Close()
		t.Fatalf("Failed to create settings store: %v", err)
	}
	segmentsStore, err := segments.NewSQLiteStore(testDB, settingsStore, logging.NopLogger, segments.StoreOptions{})
	if err != nil {
		testDB.Close()
		t.Fatalf("Failed to create segment store: %v", err)
	}
	queue, err := syncqueue.NewSQLiteSyncQueue(testDB, segmentsStore, logging.NopLogger, syncqueue.Options{})
	if err != nil {
		testDB.Close()
		t.Fatalf("Failed to create sync queue: %v", err)
	}

	f := &serviceFixture{
		source:   capture.NewMockSource("audio/webm"),
		clock:    &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		timers:   &fakeTimers{},
		settings: settingsStore,
		segments: segmentsStore,
		queue:    queue,
		pub:      &collectingPublisher{},
	}

	var store segments.Store = segmentsStore
	if segmentStore != nil {
		store = segmentStore(segmentsStore)
	}

	f.service = NewService(Dependencies{
		Source:    f.source,
		Settings:  settingsStore,
		Segments:  store,
		Queue:     queue,
		Eviction:  segments.NewEvictionPolicy(store, nil, f.pub, nil),
		Publisher: f.pub,
	}, logging.NopLogger, Options{
		Segmenter: recording.Options{
			DisableTimers: true,
			Now:           f.clock.Now,
			AfterFunc:     f.timers.AfterFunc,
		},
	})

	cleanup := func() {
		f.service.Close(context.Background())
		testDB.Close()
	}
	return f, cleanup
}

func TestService_RecordsAndQueuesSegments(t *testing.T) {
	f, cleanup := setupServiceTest(t, nil)
	defer cleanup()

	ctx := context.Background()
	sessionID, err := f.service.StartSession(ctx, 5)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	chunk := make([]byte, 1000)
	for i := 0; i < 6; i++ {
		f.clock.Advance(time.Second)
		if err := f.source.Last().Emit(chunk); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}
	f.service.Segmenter().CheckBoundary()
	f.timers.FireAll()

	f.clock.Advance(2 * time.Second)
	if err := f.source.Last().Emit(chunk); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	summary, err := f.service.StopSession(ctx)
	if err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	if summary.TotalSegments != 2 {
		t.Fatalf("Expected 2 segments, got %d", summary.TotalSegments)
	}

	stored, total, err := f.service.ListSegments(ctx, segments.Query{SessionID: sessionID})
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	if total != 2 {
		t.Fatalf("Expected 2 stored segments, got %d", total)
	}
	for _, info := range stored {
		if info.SyncState != segments.SyncQueued {
			t.Errorf("Expected auto-enqueued segment, got state %s", info.SyncState)
		}
	}

	pending, err := f.queue.Count(ctx, syncqueue.StatusPending)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if pending != 2 {
		t.Errorf("Expected 2 pending queue items, got %d", pending)
	}

	items, _ := f.service.PendingItems(ctx, 10)
	if len(items) != 2 || items[0].Priority != settings.DefaultSyncPriority {
		t.Errorf("Expected items at the settings priority, got %+v", items)
	}

	completed := f.pub.ofType(events.TypeSegmentCompleted)
	if len(completed) != 2 {
		t.Fatalf("Expected 2 segment completed events, got %d", len(completed))
	}
	first := completed[0].(events.SegmentCompletedEvent)
	if first.SequenceNumber != 1 || !first.Queued || first.SizeBytes != 6000 {
		t.Errorf("Unexpected first completion: %+v", first)
	}
	if len(f.pub.ofType(events.TypeCapacity)) == 0 {
		t.Error("Expected capacity events after storing")
	}
}

func TestService_AutoEnqueueDisabled(t *testing.T) {
	f, cleanup := setupServiceTest(t, nil)
	defer cleanup()

	ctx := context.Background()
	off := false
	if _, err := f.service.UpdateSettings(ctx, settings.Partial{AutoEnqueue: &off}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	err := f.service.HandleSegment(ctx, &recording.CompletedSegment{
		SessionID:      "s1",
		SequenceNumber: 1,
		Data:           []byte("abc"),
		MimeType:       "audio/webm",
		StartedAt:      f.clock.Now(),
		EndedAt:        f.clock.Now().Add(time.Second),
	})
	if err != nil {
		t.Fatalf("HandleSegment failed: %v", err)
	}

	infos, _, _ := f.service.ListSegments(ctx, segments.Query{})
	if len(infos) != 1 || infos[0].SyncState != segments.SyncLocal {
		t.Fatalf("Expected one local segment, got %+v", infos)
	}
	if n, _ := f.queue.Count(ctx, syncqueue.StatusPending); n != 0 {
		t.Errorf("Expected no queue items, got %d", n)
	}
}

func TestService_StartWhileActive(t *testing.T) {
	f, cleanup := setupServiceTest(t, nil)
	defer cleanup()

	ctx := context.Background()
	if _, err := f.service.StartSession(ctx, 0); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := f.service.StartSession(ctx, 0); !errors.Is(err, recording.ErrAlreadyActive) {
		t.Errorf("Expected ErrAlreadyActive, got %v", err)
	}
	if status := f.service.Status(); status.State != "capturing" || status.TargetSeconds != 60 {
		t.Errorf("Expected capturing at the default 60s target, got %+v", status)
	}
}

func TestService_CaptureUnavailable(t *testing.T) {
	f, cleanup := setupServiceTest(t, nil)
	defer cleanup()

	f.source.OpenErr = errors.New("permission denied")

	_, err := f.service.StartSession(context.Background(), 5)
	if !recording.IsCaptureUnavailableError(err) {
		t.Fatalf("Expected capture unavailable, got %v", err)
	}
	kinds := f.pub.errorKinds()
	if len(kinds) != 1 || kinds[0] != events.KindCaptureUnavailable {
		t.Errorf("Expected one capture_unavailable event, got %v", kinds)
	}
	if f.service.Status().State != "idle" {
		t.Errorf("Expected idle, got %s", f.service.Status().State)
	}
}

type failingCreateStore struct {
	segments.Store
}

func (s *failingCreateStore) Create(ctx context.Context, segment segments.NewSegment) (*segments.Segment, error) {
	return nil, segments.NewPersistenceError("create", errors.New("disk full"))
}

func TestService_PersistenceErrorIsSurfaced(t *testing.T) {
	f, cleanup := setupServiceTest(t, func(s segments.Store) segments.Store {
		return &failingCreateStore{Store: s}
	})
	defer cleanup()

	err := f.service.HandleSegment(context.Background(), &recording.CompletedSegment{
		SessionID:      "s1",
		SequenceNumber: 1,
		Data:           []byte("abc"),
		MimeType:       "audio/webm",
	})
	if !segments.IsPersistenceError(err) {
		t.Fatalf("Expected persistence error, got %v", err)
	}

	kinds := f.pub.errorKinds()
	if len(kinds) != 1 || kinds[0] != events.KindPersistenceError {
		t.Errorf("Expected one persistence_error event, got %v", kinds)
	}
	if len(f.pub.ofType(events.TypeSegmentCompleted)) != 0 {
		t.Error("Expected no completion event for an unsaved segment")
	}
}

func TestService_DeleteSegmentConfirmation(t *testing.T) {
	f, cleanup := setupServiceTest(t, nil)
	defer cleanup()

	ctx := context.Background()
	err := f.service.HandleSegment(ctx, &recording.CompletedSegment{
		SessionID: "s1", SequenceNumber: 1, Data: []byte("abc"), MimeType: "audio/webm",
	})
	if err != nil {
		t.Fatalf("HandleSegment failed: %v", err)
	}
	infos, _, _ := f.service.ListSegments(ctx, segments.Query{})
	id := infos[0].ID

	if err := f.service.DeleteSegment(ctx, id, false); !IsConfirmationRequiredError(err) {
		t.Fatalf("Expected confirmation required, got %v", err)
	}
	if err := f.service.DeleteSegment(ctx, id, true); err != nil {
		t.Fatalf("DeleteSegment failed: %v", err)
	}
	if _, err := f.service.GetSegmentInfo(ctx, id); !segments.IsNotFoundError(err) {
		t.Errorf("Expected segment gone, got %v", err)
	}
	if n, _ := f.queue.Count(ctx, syncqueue.StatusPending); n != 0 {
		t.Errorf("Expected queue item removed with the segment, got %d", n)
	}
	if err := f.service.DeleteSegment(ctx, id, true); !segments.IsNotFoundError(err) {
		t.Errorf("Expected NotFound on second delete, got %v", err)
	}
}

func TestService_UpdateSettingsPushesToSegmenter(t *testing.T) {
	f, cleanup := setupServiceTest(t, nil)
	defer cleanup()

	ctx := context.Background()
	if _, err := f.service.SetTargetDuration(ctx, 120); err != nil {
		t.Fatalf("SetTargetDuration failed: %v", err)
	}
	if _, err := f.service.SetOverlapDuration(ctx, 5000); err != nil {
		t.Fatalf("SetOverlapDuration failed: %v", err)
	}

	current := f.service.Settings()
	if current.TargetSegmentSeconds != 60 {
		t.Errorf("Expected target clamped to 60, got %d", current.TargetSegmentSeconds)
	}
	if current.OverlapMillis != 2000 {
		t.Errorf("Expected overlap clamped to 2000, got %d", current.OverlapMillis)
	}

	status := f.service.Status()
	if status.TargetSeconds != 60 || status.OverlapMillis != 2000 {
		t.Errorf("Expected segmenter to see new values, got %+v", status)
	}
}

func TestService_LoweringCapacityEvicts(t *testing.T) {
	f, cleanup := setupServiceTest(t, nil)
	defer cleanup()

	ctx := context.Background()
	off := false
	if _, err := f.service.UpdateSettings(ctx, settings.Partial{AutoEnqueue: &off}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	synced := segments.SyncSynced
	for i := 1; i <= 4; i++ {
		err := f.service.HandleSegment(ctx, &recording.CompletedSegment{
			SessionID: "s1", SequenceNumber: i, Data: make([]byte, 1000), MimeType: "audio/webm",
		})
		if err != nil {
			t.Fatalf("HandleSegment failed: %v", err)
		}
	}
	infos, _, _ := f.service.ListSegments(ctx, segments.Query{})
	for _, info := range infos {
		if _, err := f.service.UpdateSegment(ctx, info.ID, segments.Update{SyncState: &synced}); err != nil {
			t.Fatalf("UpdateSegment failed: %v", err)
		}
	}

	capacity := int64(2000)
	if _, err := f.service.UpdateSettings(ctx, settings.Partial{StorageCapacityBytes: &capacity}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}

	info, err := f.service.StorageInfo(ctx)
	if err != nil {
		t.Fatalf("StorageInfo failed: %v", err)
	}
	if info.UsedBytes != 1000 {
		t.Errorf("Expected eviction down to 1000 bytes (70%% of 2000 rounds to 1400), got %d", info.UsedBytes)
	}
	if info.Counts[segments.SyncSynced] != 1 {
		t.Errorf("Expected 1 synced segment left, got %d", info.Counts[segments.SyncSynced])
	}
	if len(f.pub.ofType(events.TypeSegmentEvicted)) != 3 {
		t.Errorf("Expected 3 eviction events, got %d", len(f.pub.ofType(events.TypeSegmentEvicted)))
	}
}

func TestService_UnrelatedSettingsKeepSessionTarget(t *testing.T) {
	f, cleanup := setupServiceTest(t, nil)
	defer cleanup()

	ctx := context.Background()
	if _, err := f.service.StartSession(ctx, 20); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	capacity := int64(50_000_000)
	if _, err := f.service.UpdateSettings(ctx, settings.Partial{StorageCapacityBytes: &capacity}); err != nil {
		t.Fatalf("UpdateSettings failed: %v", err)
	}
	if status := f.service.Status(); status.TargetSeconds != 20 {
		t.Errorf("Expected session target 20s to survive a capacity change, got %v", status.TargetSeconds)
	}

	if _, err := f.service.SetTargetDuration(ctx, 30); err != nil {
		t.Fatalf("SetTargetDuration failed: %v", err)
	}
	if status := f.service.Status(); status.TargetSeconds != 30 {
		t.Errorf("Expected explicit target change to apply, got %v", status.TargetSeconds)
	}
}
