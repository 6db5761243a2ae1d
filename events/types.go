package events

import "time"

// Event is anything published on the Bus.
type Event interface {
	EventType() string
	Timestamp() time.Time
}

const (
	TypeSessionStarted   = "session.started"
	TypeProgress         = "session.progress"
	TypeSessionSummary   = "session.summary"
	TypeSegmentCompleted = "segment.completed"
	TypeSegmentEvicted   = "segment.evicted"
	TypeSegmentSynced    = "segment.synced"
	TypeCapacity         = "storage.capacity"
	TypeError            = "error"
)

// ErrorKind tags an ErrorEvent for the interface layer.
type ErrorKind string

const (
	KindCaptureUnavailable ErrorKind = "capture_unavailable"
	KindCaptureError       ErrorKind = "capture_error"
	KindPersistenceError   ErrorKind = "persistence_error"
	KindNotFound           ErrorKind = "not_found"
	KindCapacityExceeded   ErrorKind = "capacity_exceeded"
	KindSyncError          ErrorKind = "sync_error"
)

type baseEvent struct {
	At time.Time `json:"at"`
}

func (e baseEvent) Timestamp() time.Time { return e.At }

func newBase() baseEvent {
	return baseEvent{At: time.Now()}
}

type SessionStartedEvent struct {
	baseEvent
	SessionID string        `json:"session_id"`
	Target    time.Duration `json:"target"`
	Overlap   time.Duration `json:"overlap"`
}

func NewSessionStartedEvent(sessionID string, target, overlap time.Duration) SessionStartedEvent {
	return SessionStartedEvent{baseEvent: newBase(), SessionID: sessionID, Target: target, Overlap: overlap}
}

func (SessionStartedEvent) EventType() string { return TypeSessionStarted }

// ProgressEvent is the display-only timer tick while capturing.
type ProgressEvent struct {
	baseEvent
	SessionID string        `json:"session_id"`
	Elapsed   time.Duration `json:"elapsed"`
	Target    time.Duration `json:"target"`
	Remaining time.Duration `json:"remaining"`
}

func NewProgressEvent(sessionID string, elapsed, target time.Duration) ProgressEvent {
	remaining := target - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return ProgressEvent{
		baseEvent: newBase(),
		SessionID: sessionID,
		Elapsed:   elapsed,
		Target:    target,
		Remaining: remaining,
	}
}

func (ProgressEvent) EventType() string { return TypeProgress }

type SessionSummaryEvent struct {
	baseEvent
	SessionID     string        `json:"session_id"`
	TotalSegments int           `json:"total_segments"`
	TotalDuration time.Duration `json:"total_duration"`
	Aborted       bool          `json:"aborted"`
}

func NewSessionSummaryEvent(sessionID string, segments int, total time.Duration, aborted bool) SessionSummaryEvent {
	return SessionSummaryEvent{
		baseEvent:     newBase(),
		SessionID:     sessionID,
		TotalSegments: segments,
		TotalDuration: total,
		Aborted:       aborted,
	}
}

func (SessionSummaryEvent) EventType() string { return TypeSessionSummary }

// SegmentCompletedEvent is published once a segment has been stored.
type SegmentCompletedEvent struct {
	baseEvent
	SessionID      string  `json:"session_id"`
	SegmentID      string  `json:"segment_id"`
	SequenceNumber int     `json:"sequence_number"`
	DisplayName    string  `json:"display_name"`
	SizeBytes      int64   `json:"size_bytes"`
	Duration       float64 `json:"duration_seconds"`
	Queued         bool    `json:"queued"`
}

func NewSegmentCompletedEvent(sessionID, segmentID, name string, seq int, size int64, duration float64, queued bool) SegmentCompletedEvent {
	return SegmentCompletedEvent{
		baseEvent:      newBase(),
		SessionID:      sessionID,
		SegmentID:      segmentID,
		SequenceNumber: seq,
		DisplayName:    name,
		SizeBytes:      size,
		Duration:       duration,
		Queued:         queued,
	}
}

func (SegmentCompletedEvent) EventType() string { return TypeSegmentCompleted }

type SegmentEvictedEvent struct {
	baseEvent
	SegmentID string `json:"segment_id"`
	SizeBytes int64  `json:"size_bytes"`
}

func NewSegmentEvictedEvent(segmentID string, size int64) SegmentEvictedEvent {
	return SegmentEvictedEvent{baseEvent: newBase(), SegmentID: segmentID, SizeBytes: size}
}

func (SegmentEvictedEvent) EventType() string { return TypeSegmentEvicted }

// SegmentSyncedEvent is published after the remote accepted a segment.
type SegmentSyncedEvent struct {
	baseEvent
	SegmentID  string `json:"segment_id"`
	RemotePath string `json:"remote_path"`
	Attempts   int    `json:"attempts"`
}

func NewSegmentSyncedEvent(segmentID, remotePath string, attempts int) SegmentSyncedEvent {
	return SegmentSyncedEvent{baseEvent: newBase(), SegmentID: segmentID, RemotePath: remotePath, Attempts: attempts}
}

func (SegmentSyncedEvent) EventType() string { return TypeSegmentSynced }

// CapacityEvent reports storage usage after a create or an eviction pass.
type CapacityEvent struct {
	baseEvent
	UsedBytes     int64 `json:"used_bytes"`
	CapacityBytes int64 `json:"capacity_bytes"`
	PercentUsed   int   `json:"percent_used"`
	Warning       bool  `json:"warning"`
	Critical      bool  `json:"critical"`
}

func NewCapacityEvent(used, capacity int64, percent int, warning, critical bool) CapacityEvent {
	return CapacityEvent{
		baseEvent:     newBase(),
		UsedBytes:     used,
		CapacityBytes: capacity,
		PercentUsed:   percent,
		Warning:       warning,
		Critical:      critical,
	}
}

func (CapacityEvent) EventType() string { return TypeCapacity }

// ErrorEvent carries a failure category and a human readable reason.
type ErrorEvent struct {
	baseEvent
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
}

func NewErrorEvent(kind ErrorKind, sessionID string, err error) ErrorEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return ErrorEvent{baseEvent: newBase(), Kind: kind, Message: msg, SessionID: sessionID}
}

func (ErrorEvent) EventType() string { return TypeError }
