package recording

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yeti47/chunkvault/capture"
	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/events"
	"github.com/yeti47/chunkvault/settings"
)

const (
	DefaultProgressInterval = 100 * time.Millisecond
	DefaultCheckInterval    = 500 * time.Millisecond
)

// Timer is the part of *time.Timer the segmenter needs.
type Timer interface {
	Stop() bool
}

type Options struct {
	// MinTarget and MaxTarget bound the target duration. Zero means the settings defaults.
	MinTarget time.Duration
	MaxTarget time.Duration
	// ProgressInterval is the cadence of progress events, CheckInterval that of boundary checks.
	ProgressInterval time.Duration
	CheckInterval    time.Duration
	// DisableTimers turns off the internal tickers; boundaries are then driven by CheckBoundary.
	DisableTimers bool
	Now           func() time.Time
	AfterFunc     func(d time.Duration, f func()) Timer
}

func (o Options) withDefaults() Options {
	if o.MinTarget <= 0 {
		o.MinTarget = settings.MinTargetDuration
	}
	if o.MaxTarget <= 0 {
		o.MaxTarget = settings.MaxTargetDuration
	}
	if o.MaxTarget < o.MinTarget {
		o.MaxTarget = o.MinTarget
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	return o
}

// segmentBuffer accumulates the bytes of one capture instance. Every instance feeds
// exactly one segment.
type segmentBuffer struct {
	instance      capture.Instance
	startedAt     time.Time
	endedAt       time.Time
	data          bytes.Buffer
	stopRequested bool
	stopAcked     bool
}

type stopWaiter struct {
	done    chan struct{}
	summary Summary
}

// Segmenter turns a capture session into a sequence of duration-bounded segments.
// At every boundary a new capture instance is started right away and the previous
// one is kept running for the overlap window before it is stopped, so no audio is
// lost while the capture restarts. All state changes happen under mu; capture events
// from each instance are pumped through it by a dedicated goroutine.
type Segmenter struct {
	source    capture.Source
	publisher events.Publisher
	logger    logging.Logger
	opts      Options
	deliverer *deliverer

	mu               sync.Mutex
	state            State
	target           time.Duration
	overlap          time.Duration
	sessionID        string
	sessionStart     time.Time
	stopAt           time.Time
	seq              int
	active           *segmentBuffer
	closing          *segmentBuffer
	overlapTimer     Timer
	boundaryDeferred bool
	tickerStop       chan struct{}
	waiter           *stopWaiter
	pending          []events.Event
}

func NewSegmenter(source capture.Source, sink SegmentSink, publisher events.Publisher, logger logging.Logger, opts Options) *Segmenter {
	logger = logging.OrNop(logger)
	if publisher == nil {
		publisher = events.NopPublisher
	}
	opts = opts.withDefaults()

	s := &Segmenter{
		source:    source,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		deliverer: newDeliverer(sink, logger),
		state:     StateIdle,
		overlap:   settings.DefaultOverlapMillis * time.Millisecond,
	}
	s.target = s.clampTarget(settings.DefaultTargetSeconds * time.Second)
	return s
}

// Start begins a session. A zero target keeps the current target duration.
func (s *Segmenter) Start(ctx context.Context, target time.Duration) (string, error) {
	s.mu.Lock()

	if s.state != StateIdle {
		s.mu.Unlock()
		return "", ErrAlreadyActive
	}
	if target > 0 {
		s.target = s.clampTarget(target)
	}

	inst, err := s.source.Open(ctx)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("Capture unavailable", "error", err)
		return "", NewCaptureUnavailableError(err)
	}
	ch, err := inst.Start()
	if err != nil {
		s.releaseInstance(inst)
		s.mu.Unlock()
		s.logger.Error("Failed to start capture", "error", err)
		return "", NewCaptureError("", "start", err)
	}

	now := s.opts.Now()
	s.sessionID = uuid.New().String()
	s.sessionStart = now
	s.stopAt = time.Time{}
	s.seq = 0
	s.active = &segmentBuffer{instance: inst, startedAt: now}
	s.closing = nil
	s.boundaryDeferred = false
	s.waiter = nil
	s.state = StateCapturing

	go s.pump(s.active, ch)
	s.startTickersLocked()

	s.logger.Info("Recording session started",
		"session_id", s.sessionID,
		"target", s.target.String(),
		"overlap", s.overlap.String())
	s.pending = append(s.pending, events.NewSessionStartedEvent(s.sessionID, s.target, s.overlap))

	sessionID := s.sessionID
	s.unlockAndFlush()
	return sessionID, nil
}

// Stop ends the session, finalizing whatever was captured as the last segment(s).
// It blocks until the capture has acknowledged the stop and the segments have been
// handed to the sink, or until ctx is done, in which case buffered bytes are
// finalized without waiting further.
func (s *Segmenter) Stop(ctx context.Context) (Summary, error) {
	s.mu.Lock()

	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return Summary{}, ErrNotActive
	case StateStopping:
		waiter := s.waiter
		s.mu.Unlock()
		return s.awaitStop(ctx, waiter)
	}

	now := s.opts.Now()
	s.state = StateStopping
	s.stopAt = now
	s.boundaryDeferred = false
	s.cancelOverlapTimerLocked()
	s.stopTickersLocked()

	waiter := &stopWaiter{done: make(chan struct{})}
	s.waiter = waiter

	if s.closing != nil {
		s.requestStopLocked(s.closing)
	}
	s.active.endedAt = now
	s.requestStopLocked(s.active)

	// a failed Stop counts as acknowledged, so this may already finish the session
	s.completeStopIfReadyLocked()

	s.unlockAndFlush()
	return s.awaitStop(ctx, waiter)
}

func (s *Segmenter) awaitStop(ctx context.Context, waiter *stopWaiter) (Summary, error) {
	select {
	case <-waiter.done:
	case <-ctx.Done():
		s.mu.Lock()
		if s.state == StateStopping && s.waiter == waiter {
			s.logger.Warn("Capture did not acknowledge stop in time, finalizing buffered data",
				"session_id", s.sessionID)
			if s.closing != nil {
				s.closing.stopAcked = true
			}
			if s.active != nil {
				s.active.stopAcked = true
			}
			s.completeStopIfReadyLocked()
		}
		s.unlockAndFlush()
		<-waiter.done
	}

	if err := s.deliverer.waitIdle(ctx); err != nil {
		s.logger.Warn("Segments still pending delivery after stop", "error", err)
	}

	return waiter.summary, waiter.summary.Err
}

// SetTargetDuration clamps d and applies it from the next boundary check on.
func (s *Segmenter) SetTargetDuration(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = s.clampTarget(d)
	return s.target
}

// SetOverlapDuration clamps d to [0, 2s] and applies it to future handoffs.
func (s *Segmenter) SetOverlapDuration(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlap = settings.ClampOverlap(d)
	return s.overlap
}

func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Segmenter) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:   s.state,
		Target:  s.target,
		Overlap: s.overlap,
	}
	if s.state == StateIdle {
		return snap
	}
	snap.SessionID = s.sessionID
	snap.Segments = s.seq
	snap.StartedAt = s.sessionStart
	if s.active != nil {
		snap.Elapsed = s.opts.Now().Sub(s.active.startedAt)
	}
	return snap
}

// CheckBoundary runs one boundary check. The internal ticker calls it every
// CheckInterval; it is exported for callers that drive the clock themselves.
func (s *Segmenter) CheckBoundary() {
	s.mu.Lock()
	s.checkBoundaryLocked(s.opts.Now())
	s.unlockAndFlush()
}

// Close releases the delivery goroutine. The segmenter must be idle.
func (s *Segmenter) Close() {
	s.deliverer.close()
}

func (s *Segmenter) clampTarget(d time.Duration) time.Duration {
	if d < s.opts.MinTarget {
		return s.opts.MinTarget
	}
	if d > s.opts.MaxTarget {
		return s.opts.MaxTarget
	}
	return d
}

func (s *Segmenter) pump(buf *segmentBuffer, ch <-chan capture.Event) {
	for ev := range ch {
		s.handleEvent(buf, ev)
	}
}

func (s *Segmenter) handleEvent(buf *segmentBuffer, ev capture.Event) {
	s.mu.Lock()
	defer s.unlockAndFlush()

	if buf != s.active && buf != s.closing {
		// instance was abandoned by an abort or a forced stop
		return
	}

	switch ev.Kind {
	case capture.EventData:
		buf.data.Write(ev.Data)

	case capture.EventStopped:
		buf.stopAcked = true
		if !buf.stopRequested {
			s.abortLocked(NewCaptureError(s.sessionID, "capture", errors.New("capture instance stopped unexpectedly")))
			return
		}
		s.onStopAckedLocked(buf)

	case capture.EventError:
		err := ev.Err
		if err == nil {
			err = errors.New("unknown capture failure")
		}
		s.abortLocked(NewCaptureError(s.sessionID, "capture", err))
	}
}

func (s *Segmenter) onStopAckedLocked(buf *segmentBuffer) {
	switch s.state {
	case StateHandoff:
		if buf != s.closing {
			return
		}
		s.finalizeLocked(buf)
		s.closing = nil
		s.state = StateCapturing

		if s.boundaryDeferred {
			s.boundaryDeferred = false
			s.checkBoundaryLocked(s.opts.Now())
		}

	case StateStopping:
		s.completeStopIfReadyLocked()
	}
}

func (s *Segmenter) checkBoundaryLocked(now time.Time) {
	switch s.state {
	case StateCapturing:
	case StateHandoff:
		if now.Sub(s.active.startedAt) >= s.target {
			s.boundaryDeferred = true
		}
		return
	default:
		return
	}

	if now.Sub(s.active.startedAt) < s.target {
		return
	}
	s.handoffLocked(now)
}

// releaseInstance gives back an instance that failed to start.
func (s *Segmenter) releaseInstance(inst capture.Instance) {
	if err := inst.Stop(); err != nil {
		s.logger.Warn("Failed to release capture instance", "instance_id", inst.ID(), "error", err)
	}
}

func (s *Segmenter) handoffLocked(now time.Time) {
	old := s.active

	if err := old.instance.RequestFlush(); err != nil {
		s.logger.Warn("Flush request failed", "session_id", s.sessionID, "error", err)
	}

	inst, err := s.source.Open(context.Background())
	if err != nil {
		s.abortLocked(NewCaptureError(s.sessionID, "handoff", err))
		return
	}
	ch, err := inst.Start()
	if err != nil {
		s.releaseInstance(inst)
		s.abortLocked(NewCaptureError(s.sessionID, "handoff", err))
		return
	}

	old.endedAt = now
	s.closing = old
	s.active = &segmentBuffer{instance: inst, startedAt: now}
	s.state = StateHandoff
	go s.pump(s.active, ch)

	s.logger.Debug("Segment boundary reached",
		"session_id", s.sessionID,
		"elapsed", now.Sub(old.startedAt).String(),
		"overlap", s.overlap.String())

	if s.overlap <= 0 {
		s.requestStopLocked(old)
		if old.stopAcked {
			s.onStopAckedLocked(old)
		}
		return
	}
	s.overlapTimer = s.opts.AfterFunc(s.overlap, func() { s.overlapElapsed(old) })
}

func (s *Segmenter) overlapElapsed(old *segmentBuffer) {
	s.mu.Lock()
	defer s.unlockAndFlush()

	if s.state != StateHandoff || s.closing != old {
		return
	}
	s.overlapTimer = nil
	s.requestStopLocked(old)
	if old.stopAcked {
		s.onStopAckedLocked(old)
	}
}

// requestStopLocked asks the instance to stop. When the instance refuses, it will
// never acknowledge, so the buffer is treated as acknowledged right away.
func (s *Segmenter) requestStopLocked(buf *segmentBuffer) {
	if buf.stopRequested {
		return
	}
	buf.stopRequested = true
	if err := buf.instance.Stop(); err != nil {
		s.logger.Warn("Capture instance refused to stop",
			"session_id", s.sessionID,
			"instance_id", buf.instance.ID(),
			"error", err)
		buf.stopAcked = true
	}
}

// completeStopIfReadyLocked finalizes the closing segment, then the active one, as
// soon as each has been acknowledged, and ends the session once both are done.
func (s *Segmenter) completeStopIfReadyLocked() {
	if s.state != StateStopping {
		return
	}
	if s.closing != nil {
		if !s.closing.stopAcked {
			return
		}
		s.finalizeLocked(s.closing)
		s.closing = nil
	}
	if s.active != nil {
		if !s.active.stopAcked {
			return
		}
		s.finalizeLocked(s.active)
		s.active = nil
	}
	s.finishLocked(nil)
}

func (s *Segmenter) finalizeLocked(buf *segmentBuffer) {
	if buf.data.Len() == 0 {
		s.logger.Debug("Skipping empty segment", "session_id", s.sessionID, "instance_id", buf.instance.ID())
		return
	}

	endedAt := buf.endedAt
	if endedAt.IsZero() {
		endedAt = s.opts.Now()
	}

	s.seq++
	data := make([]byte, buf.data.Len())
	copy(data, buf.data.Bytes())

	segment := &CompletedSegment{
		SessionID:      s.sessionID,
		SequenceNumber: s.seq,
		Data:           data,
		MimeType:       buf.instance.MimeType(),
		StartedAt:      buf.startedAt,
		EndedAt:        endedAt,
	}

	s.logger.Info("Segment finalized",
		"session_id", s.sessionID,
		"sequence_number", segment.SequenceNumber,
		"size_bytes", len(data),
		"duration", segment.Duration().String())

	s.deliverer.enqueue(segment)
}

// abortLocked tears the session down after a capture failure. Buffered bytes are
// discarded; segments finalized earlier are kept.
func (s *Segmenter) abortLocked(err error) {
	s.logger.Error("Recording session aborted", "session_id", s.sessionID, "error", err)

	s.cancelOverlapTimerLocked()
	s.stopTickersLocked()

	for _, buf := range []*segmentBuffer{s.closing, s.active} {
		if buf == nil {
			continue
		}
		if buf.data.Len() > 0 {
			s.logger.Warn("Discarding partial segment",
				"session_id", s.sessionID,
				"instance_id", buf.instance.ID(),
				"size_bytes", buf.data.Len())
		}
		if !buf.stopRequested && !buf.stopAcked {
			buf.stopRequested = true
			_ = buf.instance.Stop()
		}
	}
	s.closing = nil
	s.active = nil

	if s.state != StateStopping {
		s.stopAt = s.opts.Now()
	}

	s.pending = append(s.pending, events.NewErrorEvent(events.KindCaptureError, s.sessionID, err))
	s.finishLocked(err)
}

func (s *Segmenter) finishLocked(err error) {
	summary := Summary{
		SessionID:     s.sessionID,
		TotalSegments: s.seq,
		TotalDuration: s.stopAt.Sub(s.sessionStart),
		Aborted:       err != nil,
		Err:           err,
	}

	s.state = StateIdle
	s.boundaryDeferred = false

	s.logger.Info("Recording session ended",
		"session_id", summary.SessionID,
		"segments", summary.TotalSegments,
		"duration", summary.TotalDuration.String(),
		"aborted", summary.Aborted)
	s.pending = append(s.pending, events.NewSessionSummaryEvent(
		summary.SessionID, summary.TotalSegments, summary.TotalDuration, summary.Aborted))

	if s.waiter != nil {
		s.waiter.summary = summary
		close(s.waiter.done)
		s.waiter = nil
	}
}

func (s *Segmenter) cancelOverlapTimerLocked() {
	if s.overlapTimer != nil {
		s.overlapTimer.Stop()
		s.overlapTimer = nil
	}
}

func (s *Segmenter) startTickersLocked() {
	if s.opts.DisableTimers {
		return
	}
	stop := make(chan struct{})
	s.tickerStop = stop
	go s.tick(stop)
}

func (s *Segmenter) stopTickersLocked() {
	if s.tickerStop != nil {
		close(s.tickerStop)
		s.tickerStop = nil
	}
}

func (s *Segmenter) tick(stop <-chan struct{}) {
	progress := time.NewTicker(s.opts.ProgressInterval)
	defer progress.Stop()
	check := time.NewTicker(s.opts.CheckInterval)
	defer check.Stop()

	for {
		select {
		case <-stop:
			return
		case <-progress.C:
			s.publishProgress()
		case <-check.C:
			s.CheckBoundary()
		}
	}
}

func (s *Segmenter) publishProgress() {
	s.mu.Lock()
	if (s.state == StateCapturing || s.state == StateHandoff) && s.active != nil {
		elapsed := s.opts.Now().Sub(s.active.startedAt)
		s.pending = append(s.pending, events.NewProgressEvent(s.sessionID, elapsed, s.target))
	}
	s.unlockAndFlush()
}

// unlockAndFlush releases mu and publishes the events queued while it was held,
// so listeners may call back into the segmenter.
func (s *Segmenter) unlockAndFlush() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, e := range pending {
		s.publisher.Publish(e)
	}
}
