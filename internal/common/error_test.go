package common

import (
	"errors"
	"testing"

	"swotrace/internal/trc"
)

func TestErrorStrings(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "Invalid SevNone",
			err:      NewError(trc.ErrSevNone, trc.OK),
			expected: "INTERNAL ERROR: Invalid Error Object",
		},
		{
			name:     "Invalid Sev Out of Bounds",
			err:      NewError(trc.ErrSeverity(99), trc.OK),
			expected: "INTERNAL ERROR: Invalid Error Object",
		},
		{
			name:     "Error Basic",
			err:      NewError(trc.ErrSevError, trc.ErrFail),
			expected: "ERROR:0x0001 (ERR_FAIL) [General failure.]; ",
		},
		{
			name:     "Error with msg",
			err:      NewErrorMsg(trc.ErrSevError, trc.ErrInvalidID, "Custom message here"),
			expected: "ERROR:0x0003 (ERR_INVALID_ID) [Invalid trace source ID.]; Custom message here",
		},
		{
			name:     "Warn with Idx Chan Msg",
			err:      NewErrorWithIdxChanMsg(trc.ErrSevWarn, trc.ErrIncompletePacket, 10, 0x22, "2 bytes pending"),
			expected: "WARN :0x000a (ERR_INCOMPLETE_PACKET) [Trace ended mid-packet]; TrcIdx=10; Chan=22; 2 bytes pending",
		},
		{
			name:     "Unknown error code",
			err:      NewError(trc.ErrSevError, 9999),
			expected: "ERROR:0x270f (unknown); ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorIsMatchesCode(t *testing.T) {
	err := NewErrorWithIdxChanMsg(trc.ErrSevError, trc.ErrInvalidPcktHdr, 3, 1, "reserved header 0x84")
	wrapped := errors.Join(errors.New("context"), err)

	if !errors.Is(wrapped, NewError(trc.ErrSevError, trc.ErrInvalidPcktHdr)) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(wrapped, NewError(trc.ErrSevError, trc.ErrBadPacketSeq)) {
		t.Error("errors.Is matched a different code")
	}
}

func TestDiagKindSeverity(t *testing.T) {
	tests := []struct {
		kind DiagKind
		name string
		sev  trc.ErrSeverity
	}{
		{DiagFramingError, "FramingError", trc.ErrSevError},
		{DiagProtocolError, "ProtocolError", trc.ErrSevError},
		{DiagIncompletePacket, "IncompletePacket", trc.ErrSevWarn},
		{DiagTimestampAmbiguity, "TimestampAmbiguity", trc.ErrSevWarn},
		{DiagEventsDropped, "EventsDropped", trc.ErrSevError},
		{DiagSyncAcquired, "SyncAcquired", trc.ErrSevInfo},
	}
	for _, tt := range tests {
		if tt.kind.String() != tt.name {
			t.Errorf("String() = %s, want %s", tt.kind, tt.name)
		}
		if tt.kind.Severity() != tt.sev {
			t.Errorf("%s Severity() = %v, want %v", tt.name, tt.kind.Severity(), tt.sev)
		}
	}
}
