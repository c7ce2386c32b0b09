// Package event defines the decoded trace events and diagnostics produced by
// a decode session, and the Sink they are delivered to.
package event

import (
	"context"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"swotrace/internal/common"
	"swotrace/internal/dwt"
	"swotrace/internal/trc"
)

// Kind is the event type.
type Kind int

const (
	KindSoftware Kind = iota
	KindHardware
	KindLocalTimestamp
	KindGlobalTimestamp
	KindOverflow
	KindExtension
	KindSync
)

var kindNames = []string{"software", "hardware", "local_ts", "global_ts", "overflow", "extension", "sync"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", s)
}

// EncodeMsgpack writes the kind by name.
func (k Kind) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeString(k.String())
}

// DecodeMsgpack reads a kind written by EncodeMsgpack.
func (k *Kind) DecodeMsgpack(dec *msgpack.Decoder) error {
	s, err := dec.DecodeString()
	if err != nil {
		return err
	}
	*k, err = ParseKind(s)
	return err
}

// Status says how a timestamp was obtained.
type Status int

const (
	// Unresolved: no timestamp was known when the event was released.
	Unresolved Status = iota
	// Floor: stamped with the last timestamp seen before the event.
	Floor
	// Exact: stamped with the timestamp that followed the event.
	Exact
)

func (s Status) String() string {
	switch s {
	case Floor:
		return "floor"
	case Exact:
		return "exact"
	default:
		return "unresolved"
	}
}

// Timestamp is the time attached to an event. Ticks and Nanos count from the
// start of the session. The global fields are valid when HasGlobal is set.
type Timestamp struct {
	Ticks       uint64 `msgpack:"ticks"`
	Nanos       uint64 `msgpack:"nanos"`
	Global      uint64 `msgpack:"global,omitempty"`
	GlobalNanos uint64 `msgpack:"global_nanos,omitempty"`
	HasGlobal   bool   `msgpack:"has_global,omitempty"`
	Status      Status `msgpack:"status"`
}

func (t Timestamp) String() string {
	if t.Status == Unresolved {
		return "?"
	}
	s := fmt.Sprintf("%d", t.Ticks)
	if t.Status == Floor {
		s = "<=" + s
	}
	return s
}

// Event is one decoded trace event. It is immutable once produced: Payload
// is owned by the event.
type Event struct {
	Time    Timestamp `msgpack:"time"`
	Channel uint8     `msgpack:"channel"`
	// Port is the stimulus port including the page offset for software
	// events, the discriminator for hardware events.
	Port    uint16 `msgpack:"port"`
	Kind    Kind   `msgpack:"kind"`
	Payload []byte `msgpack:"payload,omitempty"`
	Value   uint32 `msgpack:"value"`
	Size    uint8  `msgpack:"size"`
	// TC is the relationship field of a local timestamp. It is 1 for a
	// global timestamp after a clock change and for a hardware extension.
	TC  uint8     `msgpack:"tc,omitempty"`
	DWT *dwt.Info `msgpack:"dwt,omitempty"`
	// Lost is the number of bytes discarded before a sync event.
	Lost uint64 `msgpack:"lost,omitempty"`
	// Overflow marks the first event after an ITM overflow packet.
	Overflow bool      `msgpack:"overflow,omitempty"`
	Index    trc.Index `msgpack:"index"`
}

func (e Event) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] ch %02x %s", e.Time, e.Channel, e.Kind)
	switch e.Kind {
	case KindSoftware:
		fmt.Fprintf(&sb, " port %d size %d value 0x%0*X", e.Port, e.Size, int(e.Size)*2, e.Value)
	case KindHardware:
		if e.DWT != nil {
			fmt.Fprintf(&sb, " %s", e.DWT)
		}
	case KindLocalTimestamp:
		fmt.Fprintf(&sb, " delta %d tc %d", e.Value, e.TC)
	case KindGlobalTimestamp:
		fmt.Fprintf(&sb, " global 0x%X", e.Time.Global)
	case KindExtension:
		fmt.Fprintf(&sb, " value 0x%X", e.Value)
	case KindSync:
		if e.Lost > 0 {
			fmt.Fprintf(&sb, " lost %d", e.Lost)
		}
	}
	if e.Overflow {
		sb.WriteString(" (after overflow)")
	}
	return sb.String()
}

// Diagnostic reports a non-fatal condition. It is delivered alongside
// events, never instead of them.
type Diagnostic struct {
	Kind     common.DiagKind
	Severity trc.ErrSeverity
	Channel  uint8
	Index    trc.Index
	// Lost is the number of trace bytes discarded.
	Lost uint64
	// Count is the number of events affected.
	Count uint64
	Err   *common.Error
}

// NewDiagnostic builds a diagnostic from a decode error.
func NewDiagnostic(kind common.DiagKind, err *common.Error, lost, count uint64) Diagnostic {
	d := Diagnostic{
		Kind:     kind,
		Severity: kind.Severity(),
		Channel:  trc.BadChannel,
		Index:    trc.BadIndex,
		Lost:     lost,
		Count:    count,
		Err:      err,
	}
	if err != nil {
		d.Severity = err.Sev
		d.Channel = err.ChanID
		d.Index = err.Idx
	}
	return d
}

func (d Diagnostic) String() string {
	s := fmt.Sprintf("%s %s", d.Severity, d.Kind)
	if d.Channel != trc.BadChannel {
		s += fmt.Sprintf(" ch %02x", d.Channel)
	}
	if d.Lost > 0 {
		s += fmt.Sprintf(" lost %d bytes", d.Lost)
	}
	if d.Count > 0 {
		s += fmt.Sprintf(" count %d", d.Count)
	}
	if d.Err != nil && d.Err.Message != "" {
		s += ": " + d.Err.Message
	}
	return s
}

// Sink receives events and diagnostics. Event may block to apply
// backpressure and returns an error only when delivery is impossible, which
// ends the session.
type Sink interface {
	Event(ctx context.Context, ev Event) error
	Diagnostic(d Diagnostic)
}
