package event

import (
	"context"
	"fmt"
	"sync"

	"swotrace/internal/common"
	"swotrace/internal/trc"
)

// Policy selects what a ChanSink does when its queue is full.
type Policy int

const (
	// Block waits for room, holding up the decode loop.
	Block Policy = iota
	// Drop discards the event and counts it. The count is reported as an
	// EventsDropped diagnostic once the queue has room again.
	Drop
)

func (p Policy) String() string {
	if p == Drop {
		return "drop"
	}
	return "block"
}

// Record carries either an event or a diagnostic through a ChanSink.
type Record struct {
	Event      *Event
	Diagnostic *Diagnostic
}

// ChanSink hands records to a consumer goroutine through a bounded queue.
// The consumer must read C until it is closed.
type ChanSink struct {
	ch     chan Record
	policy Policy

	mu         sync.Mutex
	dropped    uint64 // total records dropped
	unreported uint64 // dropped since the last EventsDropped diagnostic
	closed     bool
}

// NewChanSink creates a sink with a queue of size records.
func NewChanSink(size int, policy Policy) *ChanSink {
	if size < 0 {
		size = 0
	}
	return &ChanSink{ch: make(chan Record, size), policy: policy}
}

// C returns the record queue. It is closed by Close.
func (s *ChanSink) C() <-chan Record { return s.ch }

// Dropped returns the number of records dropped so far.
func (s *ChanSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *ChanSink) Event(ctx context.Context, ev Event) error {
	return s.put(ctx, Record{Event: &ev})
}

func (s *ChanSink) Diagnostic(d Diagnostic) {
	_ = s.put(context.Background(), Record{Diagnostic: &d})
}

func (s *ChanSink) put(ctx context.Context, rec Record) error {
	if s.policy == Block {
		select {
		case s.ch <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case s.ch <- rec:
		s.reportDropped(false)
	default:
		s.mu.Lock()
		s.dropped++
		s.unreported++
		s.mu.Unlock()
	}
	return nil
}

// reportDropped queues an EventsDropped diagnostic for records dropped since
// the last one. Unless wait is set it gives up when the queue is full.
func (s *ChanSink) reportDropped(wait bool) {
	s.mu.Lock()
	n := s.unreported
	s.unreported = 0
	s.mu.Unlock()
	if n == 0 {
		return
	}

	err := common.NewErrorMsg(trc.ErrSevWarn, trc.ErrEventsDropped,
		fmt.Sprintf("%d records dropped by full sink queue", n))
	d := NewDiagnostic(common.DiagEventsDropped, err, 0, n)
	rec := Record{Diagnostic: &d}
	if wait {
		s.ch <- rec
		return
	}
	select {
	case s.ch <- rec:
	default:
		s.mu.Lock()
		s.unreported += n
		s.mu.Unlock()
	}
}

// Close reports any outstanding drop count and closes the queue. It must be
// called once, after the last Event or Diagnostic call returns.
func (s *ChanSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.reportDropped(true)
	close(s.ch)
}
