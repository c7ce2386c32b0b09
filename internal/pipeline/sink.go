package pipeline

import (
	"context"
	"sync"

	"swotrace/internal/event"
	"swotrace/internal/metrics"
)

// countingSink counts deliveries in the session metrics. mu is set when
// several channel workers share it.
type countingSink struct {
	mu      *sync.Mutex
	next    event.Sink
	metrics *metrics.Collector
}

func (s *countingSink) Event(ctx context.Context, ev event.Event) error {
	if s.mu != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	if err := s.next.Event(ctx, ev); err != nil {
		return err
	}
	s.metrics.IncEventsOut()
	return nil
}

func (s *countingSink) Diagnostic(d event.Diagnostic) {
	if s.mu != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	s.metrics.IncDiagnostic(d.Kind)
	s.next.Diagnostic(d)
}

// forward drains the sink queue into out until the queue is closed. After
// the first delivery failure the session is cancelled and further events
// are discarded; the queue is still drained so its producer never blocks.
func forward(ctx context.Context, q *event.ChanSink, out event.Sink, cancel context.CancelFunc) error {
	var sinkErr error
	for rec := range q.C() {
		switch {
		case rec.Diagnostic != nil:
			out.Diagnostic(*rec.Diagnostic)
		case rec.Event != nil && sinkErr == nil:
			if err := out.Event(ctx, *rec.Event); err != nil {
				sinkErr = err
				cancel()
			}
		}
	}
	return sinkErr
}
