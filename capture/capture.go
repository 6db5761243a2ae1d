// Package capture defines the boundary to the audio capture primitive: something that
// can be opened, started, asked to flush, and stopped, and that delivers encoded
// bytes asynchronously while running.
package capture

import (
	"context"
	"time"
)

type EventKind int

const (
	// EventData carries a fragment of encoded audio.
	EventData EventKind = iota
	// EventStopped acknowledges a Stop request. No events follow it.
	EventStopped
	// EventError reports a device or process failure. No events follow it.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventStopped:
		return "stopped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind EventKind
	Data []byte
	Err  error
	At   time.Time
}

// Source hands out capture instances. Open fails with an *UnavailableError when the
// device or encoder cannot be acquired.
type Source interface {
	Open(ctx context.Context) (Instance, error)
}

// Instance is one running capture. The channel returned by Start is closed after an
// EventStopped or EventError has been delivered. Stop triggers one last data delivery
// followed by EventStopped and must not block on the consumer. Stop on an instance
// that never started releases it; a later Start fails with ErrStopped.
type Instance interface {
	ID() string
	MimeType() string
	Start() (<-chan Event, error)
	RequestFlush() error
	Stop() error
}
