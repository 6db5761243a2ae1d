package recording

import (
	"context"
	"sync"

	"github.com/yeti47/chunkvault/ccc/logging"
)

// deliverer hands segments to the sink on a single goroutine, in the order they
// were queued. Queueing never blocks the caller.
type deliverer struct {
	sink   SegmentSink
	logger logging.Logger

	mu      sync.Mutex
	queue   []*CompletedSegment
	busy    bool
	wake    chan struct{}
	idle    chan struct{}
	closing chan struct{}
	wg      sync.WaitGroup
}

func newDeliverer(sink SegmentSink, logger logging.Logger) *deliverer {
	d := &deliverer{
		sink:    sink,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *deliverer) enqueue(segment *CompletedSegment) {
	d.mu.Lock()
	d.queue = append(d.queue, segment)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *deliverer) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closing:
			d.drainAll()
			return
		case <-d.wake:
			d.drainAll()
		}
	}
}

func (d *deliverer) drainAll() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.busy = false
			if d.idle != nil {
				close(d.idle)
				d.idle = nil
			}
			d.mu.Unlock()
			return
		}
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.busy = true
		d.mu.Unlock()

		if err := d.sink.HandleSegment(context.Background(), next); err != nil {
			d.logger.Error("Segment sink failed",
				"session_id", next.SessionID,
				"sequence_number", next.SequenceNumber,
				"error", err)
		}
	}
}

// waitIdle blocks until every queued segment has been handed to the sink.
func (d *deliverer) waitIdle(ctx context.Context) error {
	d.mu.Lock()
	if len(d.queue) == 0 && !d.busy {
		d.mu.Unlock()
		return nil
	}
	if d.idle == nil {
		d.idle = make(chan struct{})
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *deliverer) close() {
	close(d.closing)
	d.wg.Wait()
}
