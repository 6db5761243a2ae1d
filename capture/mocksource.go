package capture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockSource produces synthetic instances. With AutoInterval set, every started
// instance emits AutoChunk on that interval; otherwise data is pushed with Emit.
type MockSource struct {
	Mime         string
	OpenErr      error
	StartErr     error
	AutoInterval time.Duration
	AutoChunk    []byte
	// FinalChunk is delivered between a Stop request and its acknowledgement.
	FinalChunk []byte
	// HoldStop leaves acknowledgement to an explicit AckStop call.
	HoldStop bool

	mu        sync.Mutex
	instances []*MockInstance
}

func NewMockSource(mime string) *MockSource {
	return &MockSource{Mime: mime}
}

func (s *MockSource) Open(ctx context.Context) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.OpenErr != nil {
		return nil, NewUnavailableError("mock open failed", s.OpenErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewUnavailableError("open cancelled", err)
	}

	inst := &MockInstance{
		id:         uuid.New().String(),
		mime:       s.Mime,
		startErr:   s.StartErr,
		interval:   s.AutoInterval,
		chunk:      s.AutoChunk,
		finalChunk: s.FinalChunk,
		holdStop:   s.HoldStop,
	}
	s.instances = append(s.instances, inst)
	return inst, nil
}

// Instances returns every instance opened so far, oldest first.
func (s *MockSource) Instances() []*MockInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MockInstance, len(s.instances))
	copy(out, s.instances)
	return out
}

// Last returns the most recently opened instance, or nil.
func (s *MockSource) Last() *MockInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.instances) == 0 {
		return nil
	}
	return s.instances[len(s.instances)-1]
}

type MockInstance struct {
	id         string
	mime       string
	startErr   error
	interval   time.Duration
	chunk      []byte
	finalChunk []byte
	holdStop   bool

	mu            sync.Mutex
	events        chan Event
	started       bool
	closed        bool
	stopRequested bool
	flushes       int
	done          chan struct{}
}

func (m *MockInstance) ID() string       { return m.id }
func (m *MockInstance) MimeType() string { return m.mime }

func (m *MockInstance) Start() (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startErr != nil {
		return nil, m.startErr
	}
	if m.closed {
		return nil, ErrStopped
	}
	if m.started {
		return nil, ErrAlreadyStarted
	}
	m.started = true
	m.events = make(chan Event, 1024)
	m.done = make(chan struct{})

	if m.interval > 0 {
		go m.autoEmit()
	}
	return m.events, nil
}

func (m *MockInstance) autoEmit() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			if !m.stopRequested && !m.closed {
				m.send(Event{Kind: EventData, Data: m.chunk, At: time.Now()})
			}
			m.mu.Unlock()
		}
	}
}

// send must be called with m.mu held.
func (m *MockInstance) send(e Event) {
	select {
	case m.events <- e:
	default:
		// buffer full; drop like a lagging device would
	}
}

// Emit pushes a data fragment. It fails once the instance has closed.
func (m *MockInstance) Emit(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	if m.closed {
		return ErrStopped
	}
	m.send(Event{Kind: EventData, Data: data, At: time.Now()})
	return nil
}

// Fail delivers an error event and closes the instance.
func (m *MockInstance) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.closed {
		return
	}
	m.send(Event{Kind: EventError, Err: err, At: time.Now()})
	m.closeLocked()
}

func (m *MockInstance) RequestFlush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return ErrNotStarted
	}
	m.flushes++
	return nil
}

func (m *MockInstance) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		m.stopRequested = true
		m.closed = true
		return nil
	}
	if m.stopRequested || m.closed {
		return nil
	}
	m.stopRequested = true
	if len(m.finalChunk) > 0 {
		m.send(Event{Kind: EventData, Data: m.finalChunk, At: time.Now()})
	}
	if !m.holdStop {
		m.ackLocked()
	}
	return nil
}

// AckStop acknowledges a held Stop request.
func (m *MockInstance) AckStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.ackLocked()
}

func (m *MockInstance) ackLocked() {
	m.send(Event{Kind: EventStopped, At: time.Now()})
	m.closeLocked()
}

func (m *MockInstance) closeLocked() {
	m.closed = true
	close(m.done)
	close(m.events)
}

// StopRequested reports whether Stop has been called.
func (m *MockInstance) StopRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopRequested
}

func (m *MockInstance) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockInstance) FlushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}
