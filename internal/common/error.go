package common

import (
	"fmt"
	"strings"

	"swotrace/internal/trc"
)

// Error represents a decode error or diagnostic condition, tagged with the
// stream position and channel at which it was detected.
type Error struct {
	Code    trc.Err
	Sev     trc.ErrSeverity
	Idx     trc.Index
	ChanID  uint8
	Message string
}

func NewError(sev trc.ErrSeverity, code trc.Err) *Error {
	return &Error{
		Code:   code,
		Sev:    sev,
		Idx:    trc.BadIndex,
		ChanID: trc.BadChannel,
	}
}

func NewErrorMsg(sev trc.ErrSeverity, code trc.Err, msg string) *Error {
	return &Error{
		Code:    code,
		Sev:     sev,
		Idx:     trc.BadIndex,
		ChanID:  trc.BadChannel,
		Message: msg,
	}
}

func NewErrorWithIdxChanMsg(sev trc.ErrSeverity, code trc.Err, idx trc.Index, chanID uint8, msg string) *Error {
	return &Error{
		Code:    code,
		Sev:     sev,
		Idx:     idx,
		ChanID:  chanID,
		Message: msg,
	}
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	var sb strings.Builder

	switch e.Sev {
	case trc.ErrSevError:
		sb.WriteString("ERROR:")
	case trc.ErrSevWarn:
		sb.WriteString("WARN :")
	case trc.ErrSevInfo:
		sb.WriteString("INFO :")
	default:
		return "INTERNAL ERROR: Invalid Error Object"
	}

	sb.WriteString(fmt.Sprintf("0x%04x ", e.Code))

	if desc, ok := errorCodeDesc[e.Code]; ok {
		sb.WriteString(fmt.Sprintf("(%s) [%s]; ", desc.name, desc.msg))
	} else {
		sb.WriteString("(unknown); ")
	}

	if e.Idx != trc.BadIndex {
		sb.WriteString(fmt.Sprintf("TrcIdx=%d; ", e.Idx))
	}

	if e.ChanID != trc.BadChannel {
		sb.WriteString(fmt.Sprintf("Chan=%02x; ", e.ChanID))
	}

	sb.WriteString(e.Message)
	return sb.String()
}

// Is lets errors.Is match on the error code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeName returns the symbolic name of an error code.
func CodeName(code trc.Err) string {
	if desc, ok := errorCodeDesc[code]; ok {
		return desc.name
	}
	return "UNKNOWN"
}

type errDesc struct {
	name string
	msg  string
}

var errorCodeDesc = map[trc.Err]errDesc{
	trc.OK:                    {"OK", "No Error."},
	trc.ErrFail:               {"ERR_FAIL", "General failure."},
	trc.ErrNotInit:            {"ERR_NOT_INIT", "Component not initialised."},
	trc.ErrInvalidID:          {"ERR_INVALID_ID", "Invalid trace source ID."},
	trc.ErrInvalidParamVal:    {"ERR_INVALID_PARAM_VAL", "Invalid value parameter passed to component."},
	trc.ErrFileError:          {"ERR_FILE_ERROR", "File access error"},
	trc.ErrDfrmtrBadFhsync:    {"ERR_DFMTR_BAD_FHSYNC", "Bad frame or half frame sync in trace deformatter"},
	trc.ErrFramingAux:         {"ERR_FRAMING_AUX", "Malformed TPIU frame auxiliary byte"},
	trc.ErrBadPacketSeq:       {"ERR_BAD_PACKET_SEQ", "Bad packet sequence"},
	trc.ErrInvalidPcktHdr:     {"ERR_INVALID_PCKT_HDR", "Invalid packet header"},
	trc.ErrIncompletePacket:   {"ERR_INCOMPLETE_PACKET", "Trace ended mid-packet"},
	trc.ErrTimestampAmbiguous: {"ERR_TIMESTAMP_AMBIGUOUS", "Events released without a resolved timestamp"},
	trc.ErrEventsDropped:      {"ERR_EVENTS_DROPPED", "Event sink could not keep up, events dropped"},
	trc.ErrOflowChecksum:      {"ERR_OFLOW_CHECKSUM", "Orbflow frame checksum mismatch"},
	trc.ErrOflowFrame:         {"ERR_OFLOW_FRAME", "Malformed COBS or orbflow frame"},
	trc.ErrSourceFailed:       {"ERR_SOURCE_FAILED", "Trace byte source failed"},
	trc.ErrLast:               {"ERR_LAST", "No error - error code end marker"},
}
