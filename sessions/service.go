package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/yeti47/chunkvault/capture"
	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/events"
	"github.com/yeti47/chunkvault/recording"
	"github.com/yeti47/chunkvault/segments"
	"github.com/yeti47/chunkvault/settings"
	"github.com/yeti47/chunkvault/syncqueue"
)

const DefaultStopTimeout = 10 * time.Second

type Dependencies struct {
	Source    capture.Source
	Settings  settings.Store
	Segments  segments.Store
	Queue     syncqueue.Queue
	Eviction  segments.EvictionPolicy
	Publisher events.Publisher
}

type Options struct {
	// TargetFraction is what eviction reduces usage to. Default 0.7.
	TargetFraction float64
	// StopTimeout bounds how long StopSession waits for the capture to acknowledge.
	StopTimeout time.Duration
	Segmenter   recording.Options
}

// Status is the UI-facing view of the recorder.
type Status struct {
	State          string    `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	TargetSeconds  float64   `json:"target_seconds"`
	OverlapMillis  int64     `json:"overlap_ms"`
	Segments       int       `json:"segments"`
	StartedAt      time.Time `json:"started_at,omitzero"`
}

type StorageInfo struct {
	segments.CapacityInfo
	Counts map[segments.SyncState]int `json:"counts"`
}

// Service owns the segmenter and receives every segment it completes: the segment
// is stored, optionally queued for sync, and the storage budget is enforced.
type Service struct {
	settings  settings.Store
	segments  segments.Store
	queue     syncqueue.Queue
	eviction  segments.EvictionPolicy
	publisher events.Publisher
	logger    logging.Logger
	opts      Options

	segmenter *recording.Segmenter
}

func NewService(deps Dependencies, logger logging.Logger, opts Options) *Service {
	logger = logging.OrNop(logger)
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher
	}
	if opts.TargetFraction <= 0 || opts.TargetFraction > 1 {
		opts.TargetFraction = segments.DefaultTargetFraction
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}

	s := &Service{
		settings:  deps.Settings,
		segments:  deps.Segments,
		queue:     deps.Queue,
		eviction:  deps.Eviction,
		publisher: deps.Publisher,
		logger:    logger,
		opts:      opts,
	}
	s.segmenter = recording.NewSegmenter(deps.Source, s, deps.Publisher, logger, opts.Segmenter)

	current := deps.Settings.GetSettings()
	s.segmenter.SetTargetDuration(current.TargetDuration())
	s.segmenter.SetOverlapDuration(current.OverlapDuration())
	return s
}

// Segmenter exposes the underlying segmenter, mainly for callers driving boundaries manually.
func (s *Service) Segmenter() *recording.Segmenter {
	return s.segmenter
}

// StartSession begins recording. A non-positive targetSeconds uses the settings value.
func (s *Service) StartSession(ctx context.Context, targetSeconds int) (string, error) {
	current := s.settings.GetSettings()
	target := current.TargetDuration()
	if targetSeconds > 0 {
		target = time.Duration(targetSeconds) * time.Second
	}
	s.segmenter.SetOverlapDuration(current.OverlapDuration())

	sessionID, err := s.segmenter.Start(ctx, target)
	if err != nil {
		switch {
		case recording.IsCaptureUnavailableError(err):
			s.publisher.Publish(events.NewErrorEvent(events.KindCaptureUnavailable, "", err))
		case recording.IsCaptureError(err):
			s.publisher.Publish(events.NewErrorEvent(events.KindCaptureError, "", err))
		}
		return "", err
	}
	return sessionID, nil
}

// StopSession stops recording and waits until the final segments are stored.
func (s *Service) StopSession(ctx context.Context) (recording.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
	defer cancel()
	return s.segmenter.Stop(ctx)
}

func (s *Service) Status() Status {
	snap := s.segmenter.Snapshot()
	status := Status{
		State:          snap.State.String(),
		SessionID:      snap.SessionID,
		ElapsedSeconds: snap.Elapsed.Seconds(),
		TargetSeconds:  snap.Target.Seconds(),
		OverlapMillis:  snap.Overlap.Milliseconds(),
		Segments:       snap.Segments,
		StartedAt:      snap.StartedAt,
	}
	return status
}

// SetTargetDuration persists the target and applies it from the next boundary check.
func (s *Service) SetTargetDuration(ctx context.Context, seconds int) (settings.Settings, error) {
	return s.UpdateSettings(ctx, settings.Partial{TargetSegmentSeconds: &seconds})
}

// SetOverlapDuration persists the overlap and applies it to future handoffs.
func (s *Service) SetOverlapDuration(ctx context.Context, millis int) (settings.Settings, error) {
	return s.UpdateSettings(ctx, settings.Partial{OverlapMillis: &millis})
}

func (s *Service) Settings() settings.Settings {
	return s.settings.GetSettings()
}

// UpdateSettings stores the merged settings and pushes recording parameters to the
// segmenter. A lowered capacity triggers an eviction pass.
func (s *Service) UpdateSettings(ctx context.Context, partial settings.Partial) (settings.Settings, error) {
	before := s.settings.GetSettings()

	updated, err := s.settings.Update(ctx, partial)
	if err != nil {
		return settings.Settings{}, err
	}

	// only fields present in partial; a session keeps its own target otherwise
	if partial.TargetSegmentSeconds != nil {
		s.segmenter.SetTargetDuration(updated.TargetDuration())
	}
	if partial.OverlapMillis != nil {
		s.segmenter.SetOverlapDuration(updated.OverlapDuration())
	}

	if updated.StorageCapacityBytes < before.StorageCapacityBytes {
		s.Evict(ctx, s.opts.TargetFraction)
	}
	return updated, nil
}

// HandleSegment stores a segment completed by the segmenter.
func (s *Service) HandleSegment(ctx context.Context, completed *recording.CompletedSegment) error {
	current := s.settings.GetSettings()

	stored, err := s.segments.Create(ctx, segments.NewSegment{
		SessionID:      completed.SessionID,
		SequenceNumber: completed.SequenceNumber,
		Payload:        completed.Data,
		MimeType:       completed.MimeType,
		Duration:       completed.Duration(),
	})
	if err != nil {
		s.logger.Error("Failed to store segment",
			"session_id", completed.SessionID,
			"sequence_number", completed.SequenceNumber,
			"error", err)
		s.publisher.Publish(events.NewErrorEvent(events.KindPersistenceError, completed.SessionID, err))
		return err
	}

	queued := false
	if current.AutoEnqueue && s.queue != nil {
		if _, err := s.queue.Enqueue(ctx, stored.ID, current.SyncPriority); err != nil {
			s.logger.Error("Failed to enqueue segment", "segment_id", stored.ID, "error", err)
			s.publisher.Publish(events.NewErrorEvent(events.KindPersistenceError, completed.SessionID, err))
		} else {
			queued = true
		}
	}

	s.logger.Info("Segment stored",
		"session_id", stored.SessionID,
		"segment_id", stored.ID,
		"sequence_number", stored.SequenceNumber,
		"size_bytes", stored.SizeBytes,
		"queued", queued)
	s.publisher.Publish(events.NewSegmentCompletedEvent(stored.SessionID, stored.ID, stored.DisplayName,
		stored.SequenceNumber, stored.SizeBytes, stored.DurationSeconds, queued))

	s.Evict(ctx, s.opts.TargetFraction)
	return nil
}

// Evict runs an eviction pass and publishes the resulting capacity.
func (s *Service) Evict(ctx context.Context, fraction float64) segments.EvictionResult {
	var result segments.EvictionResult
	if s.eviction != nil {
		result = s.eviction.MaybeEvict(ctx, fraction)
		if result.Err != nil {
			s.logger.Warn("Eviction pass incomplete",
				"evicted", len(result.Evicted),
				"reclaimed_bytes", result.ReclaimedBytes,
				"error", result.Err)
		}
	}
	s.publishCapacity(ctx)
	return result
}

func (s *Service) publishCapacity(ctx context.Context) {
	info, err := s.segments.CapacityInfo(ctx)
	if err != nil {
		s.logger.Warn("Failed to read capacity", "error", err)
		return
	}
	s.publisher.Publish(events.NewCapacityEvent(info.UsedBytes, info.CapacityBytes, info.PercentUsed, info.Warning, info.Critical))
}

func (s *Service) ListSegments(ctx context.Context, query segments.Query) ([]*segments.SegmentInfo, int, error) {
	return s.segments.List(ctx, query)
}

func (s *Service) GetSegment(ctx context.Context, id string) (*segments.Segment, error) {
	return s.segments.Get(ctx, id)
}

func (s *Service) GetSegmentInfo(ctx context.Context, id string) (*segments.SegmentInfo, error) {
	return s.segments.GetInfo(ctx, id)
}

func (s *Service) UpdateSegment(ctx context.Context, id string, update segments.Update) (*segments.SegmentInfo, error) {
	return s.segments.Update(ctx, id, update)
}

// DeleteSegment removes a segment and its queue item. With delete confirmation
// enabled, confirmed must be true.
func (s *Service) DeleteSegment(ctx context.Context, id string, confirmed bool) error {
	if s.settings.GetSettings().ConfirmDelete && !confirmed {
		return NewConfirmationRequiredError(id)
	}

	if err := s.segments.Delete(ctx, id); err != nil {
		return err
	}
	if s.queue != nil {
		if err := s.queue.RemoveForSegment(ctx, id); err != nil {
			// the orphan is dropped on the next dequeue anyway
			s.logger.Warn("Failed to remove queue item of deleted segment", "segment_id", id, "error", err)
		}
	}

	s.logger.Info("Segment deleted", "segment_id", id)
	s.publishCapacity(ctx)
	return nil
}

func (s *Service) StorageInfo(ctx context.Context) (StorageInfo, error) {
	info, err := s.segments.CapacityInfo(ctx)
	if err != nil {
		return StorageInfo{}, err
	}
	counts, err := s.segments.CountBySyncState(ctx)
	if err != nil {
		return StorageInfo{}, err
	}
	return StorageInfo{CapacityInfo: info, Counts: counts}, nil
}

// ErrQueueDisabled is returned by the queue operations when no sync queue is configured.
var ErrQueueDisabled = errors.New("sync queue is not configured")

// Enqueue queues a segment for sync. A nil priority uses the default.
func (s *Service) Enqueue(ctx context.Context, segmentID string, priority *int) (*syncqueue.Item, error) {
	if s.queue == nil {
		return nil, ErrQueueDisabled
	}
	p := syncqueue.DefaultPriority
	if priority != nil {
		p = *priority
	}
	return s.queue.Enqueue(ctx, segmentID, p)
}

func (s *Service) PendingItems(ctx context.Context, limit int) ([]*syncqueue.Item, error) {
	if s.queue == nil {
		return nil, ErrQueueDisabled
	}
	return s.queue.DequeueBatch(ctx, limit)
}

func (s *Service) FailedItems(ctx context.Context) ([]*syncqueue.Item, error) {
	if s.queue == nil {
		return nil, ErrQueueDisabled
	}
	return s.queue.FailedItems(ctx)
}

func (s *Service) Requeue(ctx context.Context, itemID string) (*syncqueue.Item, error) {
	if s.queue == nil {
		return nil, ErrQueueDisabled
	}
	return s.queue.Requeue(ctx, itemID)
}

// Close stops an active session and releases the segmenter.
func (s *Service) Close(ctx context.Context) {
	if s.segmenter.State() != recording.StateIdle {
		if _, err := s.StopSession(ctx); err != nil && !errors.Is(err, recording.ErrNotActive) {
			s.logger.Warn("Session ended with error during shutdown", "error", err)
		}
	}
	s.segmenter.Close()
}
