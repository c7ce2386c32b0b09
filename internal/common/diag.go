package common

import "swotrace/internal/trc"

// DiagKind classifies a non-fatal condition reported alongside decoded events.
type DiagKind int

const (
	DiagFramingError DiagKind = iota
	DiagProtocolError
	DiagIncompletePacket
	DiagTimestampAmbiguity
	DiagEventsDropped
	DiagSyncAcquired
)

func (k DiagKind) String() string {
	switch k {
	case DiagFramingError:
		return "FramingError"
	case DiagProtocolError:
		return "ProtocolError"
	case DiagIncompletePacket:
		return "IncompletePacket"
	case DiagTimestampAmbiguity:
		return "TimestampAmbiguity"
	case DiagEventsDropped:
		return "EventsDropped"
	case DiagSyncAcquired:
		return "SyncAcquired"
	default:
		return "Unknown"
	}
}

// Severity returns the default severity for diagnostics of this kind.
func (k DiagKind) Severity() trc.ErrSeverity {
	switch k {
	case DiagSyncAcquired:
		return trc.ErrSevInfo
	case DiagIncompletePacket, DiagTimestampAmbiguity:
		return trc.ErrSevWarn
	default:
		return trc.ErrSevError
	}
}
