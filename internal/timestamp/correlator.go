// Package timestamp turns ITM packets into time-stamped events, tracking the
// local and global timestamp state of one trace channel.
package timestamp

import (
	"context"
	"fmt"

	"swotrace/internal/common"
	"swotrace/internal/config"
	"swotrace/internal/event"
	"swotrace/internal/itm"
	"swotrace/internal/trc"
)

// global timestamp bits replaced by a GTS1 packet, by payload length
var globalTSLowMask = []uint64{
	0x00000007F, // [ 6:0]
	0x000003FFF, // [13:0]
	0x0001FFFFF, // [20:0]
	0x003FFFFFF, // [25:0]
}

// Config holds the clock parameters of a channel.
type Config struct {
	TickPeriodNs       uint64
	GlobalTickPeriodNs uint64
	Prescale           uint32
	Precision          config.Precision
	MaxPending         int
}

// ConfigFrom extracts the correlator settings from a session configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		TickPeriodNs:       c.TickPeriodNs,
		GlobalTickPeriodNs: c.GlobalTickNs(),
		Prescale:           c.TSPrescale,
		Precision:          c.TimestampPrecision,
		MaxPending:         c.MaxPendingEvents,
	}
}

// Context is the timestamp state of one channel.
type Context struct {
	// Ticks is the local timestamp count with the prescaler applied.
	Ticks uint64
	// Resolved is set once any local or global timestamp has been seen.
	Resolved bool

	Global      uint64 // assembled global timestamp
	HasGlobal   bool
	AnchorTicks uint64 // Ticks when Global was completed
	NeedGTS2    bool   // the next GTS1 cannot complete Global on its own
	ClockChange bool

	Page     uint8 // stimulus port page
	Overflow bool  // the next stimulus event follows an overflow
}

// Stats are the correlator counters.
type Stats struct {
	Events     uint64
	Deferred   uint64
	Ambiguous  uint64 // events released without a following timestamp
	MaxPending int
}

// Correlator stamps the packets of one channel and delivers the resulting
// events to a sink. It is not safe for concurrent use.
type Correlator struct {
	channel uint8
	cfg     Config
	sink    event.Sink
	logger  common.Logger

	tc      Context
	pending []event.Event
	stats   Stats

	// Floor mode events delivered before the clock was known
	unresolved    uint64
	unresolvedIdx trc.Index
}

// NewCorrelator creates a correlator for a channel.
func NewCorrelator(channel uint8, cfg Config, sink event.Sink, logger common.Logger) *Correlator {
	if cfg.TickPeriodNs == 0 {
		cfg.TickPeriodNs = 1
	}
	if cfg.GlobalTickPeriodNs == 0 {
		cfg.GlobalTickPeriodNs = cfg.TickPeriodNs
	}
	if cfg.Prescale == 0 {
		cfg.Prescale = 1
	}
	if cfg.MaxPending < 1 {
		cfg.MaxPending = config.Default().MaxPendingEvents
	}
	if logger == nil {
		logger = common.NewNoOpLogger()
	}
	return &Correlator{
		channel: channel,
		cfg:     cfg,
		sink:    sink,
		logger:  logger,
		tc:      Context{NeedGTS2: true},
	}
}

// Context returns a copy of the channel's timestamp state.
func (c *Correlator) Context() Context { return c.tc }

// Pending returns the number of events waiting for a timestamp.
func (c *Correlator) Pending() int { return len(c.pending) }

// Stats returns a copy of the counters.
func (c *Correlator) Stats() Stats { return c.stats }

// Process consumes one packet. The only error is a sink delivery failure.
func (c *Correlator) Process(ctx context.Context, p *itm.Packet) error {
	switch p.Type {
	case itm.PktTSLocal:
		return c.localTS(ctx, p)

	case itm.PktTSGlobal1:
		if p.ValSz < 1 || int(p.ValSz) > len(globalTSLowMask) {
			return nil
		}
		if !c.tc.NeedGTS2 {
			c.tc.NeedGTS2 = p.Wrap()
		}
		c.tc.ClockChange = c.tc.ClockChange || p.ClockChange()
		c.tc.Global &^= globalTSLowMask[p.ValSz-1]
		c.tc.Global |= uint64(p.Value)
		if c.tc.NeedGTS2 {
			return nil
		}
		return c.anchor(ctx, p)

	case itm.PktTSGlobal2:
		c.tc.Global &= globalTSLowMask[3]
		c.tc.Global |= p.GetExtValue() << 26
		c.tc.NeedGTS2 = false
		return c.anchor(ctx, p)

	case itm.PktAsync:
		c.resync(p)
		return c.deliver(ctx, c.newEvent(event.KindSync, p, func(ev *event.Event) {
			ev.Lost = p.Lost
		}))

	case itm.PktOverflow:
		c.tc.Overflow = true
		return c.deliver(ctx, c.newEvent(event.KindOverflow, p, nil))

	case itm.PktSWIT:
		return c.deliver(ctx, c.newEvent(event.KindSoftware, p, func(ev *event.Event) {
			ev.Port = uint16(c.tc.Page)*32 + uint16(p.Port())
			c.stimulus(ev, p)
		}))

	case itm.PktDWT:
		return c.deliver(ctx, c.newEvent(event.KindHardware, p, func(ev *event.Event) {
			info := p.DWT()
			ev.Port = uint16(p.Discriminator())
			ev.DWT = &info
			c.stimulus(ev, p)
		}))

	case itm.PktExtension:
		if p.IsStimPage() {
			c.tc.Page = uint8(p.Value & 0x7)
			return nil
		}
		return c.deliver(ctx, c.newEvent(event.KindExtension, p, func(ev *event.Event) {
			if p.ExtHW() {
				ev.TC = 1
			}
		}))
	}
	return nil
}

// Flush releases events still waiting for a timestamp at end of stream.
func (c *Correlator) Flush(ctx context.Context) error {
	c.reportUnresolved()
	return c.releasePending(ctx, "end of stream")
}

func (c *Correlator) newEvent(kind event.Kind, p *itm.Packet, fill func(*event.Event)) event.Event {
	ev := event.Event{
		Channel: c.channel,
		Kind:    kind,
		Value:   p.Value,
		Size:    p.ValSz,
		Index:   p.Index,
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

func (c *Correlator) stimulus(ev *event.Event, p *itm.Packet) {
	ev.Payload = append([]byte(nil), p.Payload()...)
	if c.tc.Overflow {
		ev.Overflow = true
		c.tc.Overflow = false
	}
}

// resync drops a half received global timestamp and the stimulus page.
// The local clock carries on.
func (c *Correlator) resync(p *itm.Packet) {
	c.tc.NeedGTS2 = true
	c.tc.ClockChange = false
	c.tc.Page = 0

	if p.Lost > 0 {
		d := event.NewDiagnostic(common.DiagSyncAcquired, nil, p.Lost, 0)
		d.Channel = c.channel
		d.Index = p.Index
		c.sink.Diagnostic(d)
	}
}

func (c *Correlator) localTS(ctx context.Context, p *itm.Packet) error {
	c.reportUnresolved()
	c.tc.Ticks += uint64(p.Delta()) * uint64(c.cfg.Prescale)
	c.tc.Resolved = true

	ts := c.now(event.Exact)
	for i := range c.pending {
		c.pending[i].Time = ts
	}
	if err := c.emitPending(ctx); err != nil {
		return err
	}

	ev := c.newEvent(event.KindLocalTimestamp, p, func(ev *event.Event) {
		ev.TC = uint8(p.TSKind())
	})
	ev.Time = ts
	return c.emit(ctx, ev)
}

func (c *Correlator) anchor(ctx context.Context, p *itm.Packet) error {
	c.reportUnresolved()
	c.tc.HasGlobal = true
	c.tc.AnchorTicks = c.tc.Ticks
	c.tc.Resolved = true

	ev := c.newEvent(event.KindGlobalTimestamp, p, func(ev *event.Event) {
		ev.Value = uint32(c.tc.Global)
		if c.tc.ClockChange {
			ev.TC = 1
		}
	})
	if c.tc.ClockChange {
		c.logger.Logf(common.SeverityInfo, "timestamp: chan %02x: global timestamp clock changed", c.channel)
		c.tc.ClockChange = false
	}
	return c.deliver(ctx, ev)
}

// now returns the current time with the given status.
func (c *Correlator) now(status event.Status) event.Timestamp {
	if !c.tc.Resolved {
		return event.Timestamp{Status: event.Unresolved}
	}
	ts := event.Timestamp{
		Ticks:  c.tc.Ticks,
		Nanos:  c.tc.Ticks * c.cfg.TickPeriodNs,
		Status: status,
	}
	if c.tc.HasGlobal {
		ts.HasGlobal = true
		ts.Global = c.tc.Global
		ts.GlobalNanos = c.tc.Global*c.cfg.GlobalTickPeriodNs + (c.tc.Ticks-c.tc.AnchorTicks)*c.cfg.TickPeriodNs
	}
	return ts
}

// deliver stamps an event immediately or defers it to the next local
// timestamp, depending on the precision.
func (c *Correlator) deliver(ctx context.Context, ev event.Event) error {
	if c.cfg.Precision == config.PrecisionFloor {
		ev.Time = c.now(event.Floor)
		if ev.Time.Status == event.Unresolved {
			if c.unresolved == 0 {
				c.unresolvedIdx = ev.Index
			}
			c.unresolved++
		}
		return c.emit(ctx, ev)
	}

	if len(c.pending) >= c.cfg.MaxPending {
		if err := c.releasePending(ctx, "pending event buffer full"); err != nil {
			return err
		}
	}
	c.pending = append(c.pending, ev)
	c.stats.Deferred++
	if len(c.pending) > c.stats.MaxPending {
		c.stats.MaxPending = len(c.pending)
	}
	return nil
}

// releasePending stamps the deferred events with the last known time and
// reports them as ambiguous.
func (c *Correlator) releasePending(ctx context.Context, reason string) error {
	n := len(c.pending)
	if n == 0 {
		return nil
	}

	err := common.NewErrorWithIdxChanMsg(trc.ErrSevWarn, trc.ErrTimestampAmbiguous, c.pending[0].Index, c.channel,
		fmt.Sprintf("%s: %d events released without a following timestamp", reason, n))
	c.logger.Error(err)
	c.sink.Diagnostic(event.NewDiagnostic(common.DiagTimestampAmbiguity, err, 0, uint64(n)))
	c.stats.Ambiguous += uint64(n)

	ts := c.now(event.Floor)
	for i := range c.pending {
		c.pending[i].Time = ts
	}
	return c.emitPending(ctx)
}

// reportUnresolved reports the Floor mode events stamped before the first
// timestamp, once for the whole run of them.
func (c *Correlator) reportUnresolved() {
	if c.unresolved == 0 {
		return
	}
	err := common.NewErrorWithIdxChanMsg(trc.ErrSevWarn, trc.ErrTimestampAmbiguous, c.unresolvedIdx, c.channel,
		fmt.Sprintf("%d events delivered before the first timestamp", c.unresolved))
	c.logger.Error(err)
	c.sink.Diagnostic(event.NewDiagnostic(common.DiagTimestampAmbiguity, err, 0, c.unresolved))
	c.stats.Ambiguous += c.unresolved
	c.unresolved = 0
}

func (c *Correlator) emitPending(ctx context.Context) error {
	for i, ev := range c.pending {
		if err := c.emit(ctx, ev); err != nil {
			c.pending = append(c.pending[:0], c.pending[i+1:]...)
			return err
		}
	}
	clear(c.pending)
	c.pending = c.pending[:0]
	return nil
}

func (c *Correlator) emit(ctx context.Context, ev event.Event) error {
	c.stats.Events++
	return c.sink.Event(ctx, ev)
}
