package recording

import (
	"context"
	"time"
)

type State int

const (
	StateIdle State = iota
	StateCapturing
	StateHandoff
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateHandoff:
		return "handoff"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// CompletedSegment is the finalized byte blob of one segment, ready to be stored.
type CompletedSegment struct {
	SessionID      string
	SequenceNumber int
	Data           []byte
	MimeType       string
	StartedAt      time.Time
	EndedAt        time.Time
}

func (c *CompletedSegment) Duration() time.Duration {
	return c.EndedAt.Sub(c.StartedAt)
}

// SegmentSink receives finalized segments, one at a time, in sequence order.
type SegmentSink interface {
	HandleSegment(ctx context.Context, segment *CompletedSegment) error
}

// SinkFunc adapts a function to SegmentSink.
type SinkFunc func(ctx context.Context, segment *CompletedSegment) error

func (f SinkFunc) HandleSegment(ctx context.Context, segment *CompletedSegment) error {
	return f(ctx, segment)
}

// Summary describes a finished session.
type Summary struct {
	SessionID     string
	TotalSegments int
	TotalDuration time.Duration
	Aborted       bool
	Err           error
}

// Snapshot is a point-in-time view of the segmenter for display.
type Snapshot struct {
	State     State
	SessionID string
	Elapsed   time.Duration
	Target    time.Duration
	Overlap   time.Duration
	Segments  int
	StartedAt time.Time
}
