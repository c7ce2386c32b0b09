package event

import (
	"context"
	"errors"
	"sync"
)

// Collector keeps everything it receives in memory.
type Collector struct {
	mu          sync.Mutex
	events      []Event
	diagnostics []Diagnostic
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Event(_ context.Context, ev Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *Collector) Diagnostic(d Diagnostic) {
	c.mu.Lock()
	c.diagnostics = append(c.diagnostics, d)
	c.mu.Unlock()
}

// Events returns a copy of the events received so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Diagnostics returns a copy of the diagnostics received so far.
func (c *Collector) Diagnostics() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Diagnostic(nil), c.diagnostics...)
}

// ChannelEvents returns the events of one trace channel in arrival order.
func (c *Collector) ChannelEvents(ch uint8) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Channel == ch {
			out = append(out, ev)
		}
	}
	return out
}

// Tee delivers to every sink in order.
type Tee []Sink

func (t Tee) Event(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range t {
		if err := s.Event(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Diagnostic(d Diagnostic) {
	for _, s := range t {
		s.Diagnostic(d)
	}
}

// Funcs adapts a pair of functions to a Sink. Nil functions discard.
type Funcs struct {
	OnEvent      func(ctx context.Context, ev Event) error
	OnDiagnostic func(d Diagnostic)
}

func (f Funcs) Event(ctx context.Context, ev Event) error {
	if f.OnEvent == nil {
		return nil
	}
	return f.OnEvent(ctx, ev)
}

func (f Funcs) Diagnostic(d Diagnostic) {
	if f.OnDiagnostic != nil {
		f.OnDiagnostic(d)
	}
}
