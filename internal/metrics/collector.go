// Package metrics collects decode session counters and exposes them to
// Prometheus.
//
// The session publishes component statistics into a Collector between input
// chunks; diagnostics are counted live. Readers only ever see Snapshots.
package metrics

import (
	"sort"
	"sync"

	"swotrace/internal/common"
)

// FrontEnd holds the deframer counters.
type FrontEnd struct {
	BytesIn       uint64
	BytesOut      uint64
	Frames        uint64
	PaddingBytes  uint64
	SyncBytes     uint64
	UnsyncedBytes uint64
	DroppedBytes  uint64
	FramingErrors uint64
	BadFrames     uint64
}

// Channel holds the decoder and correlator counters of one channel.
type Channel struct {
	Channel        uint8
	BytesIn        uint64
	Packets        uint64
	Syncs          uint64
	Overflows      uint64
	SWITPackets    uint64
	DWTPackets     uint64
	Timestamps     uint64
	BytesLost      uint64
	ProtocolErrors uint64
	Events         uint64
	Ambiguous      uint64
	MaxPending     int
}

// Snapshot is a point in time copy of the session counters.
type Snapshot struct {
	FrontEnd    FrontEnd
	Channels    []Channel // sorted by channel
	Diagnostics map[string]uint64
	EventsOut   uint64
}

// Channel returns the counters for ch, if the channel has been seen.
func (s Snapshot) Channel(ch uint8) (Channel, bool) {
	for _, c := range s.Channels {
		if c.Channel == ch {
			return c, true
		}
	}
	return Channel{}, false
}

// Collector accumulates session metrics. It is safe for concurrent use and
// all methods accept a nil receiver.
type Collector struct {
	mu          sync.Mutex
	frontEnd    FrontEnd
	channels    map[uint8]Channel
	diagnostics map[common.DiagKind]uint64
	eventsOut   uint64
}

func NewCollector() *Collector {
	return &Collector{
		channels:    make(map[uint8]Channel),
		diagnostics: make(map[common.DiagKind]uint64),
	}
}

// SetFrontEnd replaces the deframer counters.
func (c *Collector) SetFrontEnd(fe FrontEnd) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.frontEnd = fe
	c.mu.Unlock()
}

// SetChannel replaces the counters of one channel.
func (c *Collector) SetChannel(ch Channel) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.channels[ch.Channel] = ch
	c.mu.Unlock()
}

// IncDiagnostic counts a reported diagnostic.
func (c *Collector) IncDiagnostic(kind common.DiagKind) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.diagnostics[kind]++
	c.mu.Unlock()
}

// IncEventsOut counts an event delivered to the sink.
func (c *Collector) IncEventsOut() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsOut++
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{Diagnostics: map[string]uint64{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		FrontEnd:    c.frontEnd,
		Channels:    make([]Channel, 0, len(c.channels)),
		Diagnostics: make(map[string]uint64, len(c.diagnostics)),
		EventsOut:   c.eventsOut,
	}
	for _, ch := range c.channels {
		s.Channels = append(s.Channels, ch)
	}
	sort.Slice(s.Channels, func(i, j int) bool { return s.Channels[i].Channel < s.Channels[j].Channel })
	for k, v := range c.diagnostics {
		s.Diagnostics[k.String()] = v
	}
	return s
}
