package oflow

import (
	"fmt"

	"swotrace/internal/common"
	"swotrace/internal/trc"
)

const (
	streamLen   = 1
	checksumLen = 1
	overheadLen = streamLen + checksumLen
	// MinFrameLen is a stream byte, one payload byte and the checksum.
	MinFrameLen = overheadLen + 1
	// MaxFrameLen bounds a frame including its overhead.
	MaxFrameLen = overheadLen + MaxPacketLen
)

// Frame is one decoded orbflow frame.
type Frame struct {
	Stream  uint8
	Payload []byte
}

// DecodeFrame checks a COBS packet and splits it into stream and payload.
// The payload aliases pkt.
func DecodeFrame(pkt []byte) (Frame, *common.Error) {
	if len(pkt) < MinFrameLen {
		return Frame{}, common.NewErrorMsg(trc.ErrSevError, trc.ErrOflowFrame,
			fmt.Sprintf("frame too short (%d bytes)", len(pkt)))
	}
	if len(pkt) > MaxFrameLen {
		return Frame{}, common.NewErrorMsg(trc.ErrSevError, trc.ErrOflowFrame,
			fmt.Sprintf("frame too long (%d bytes)", len(pkt)))
	}

	// the two's complement checksum makes the byte sum zero
	var sum byte
	for _, b := range pkt {
		sum += b
	}
	if sum != 0 {
		return Frame{}, common.NewErrorMsg(trc.ErrSevError, trc.ErrOflowChecksum,
			fmt.Sprintf("bad checksum on stream %d frame (sum 0x%02X)", pkt[0], sum))
	}

	return Frame{Stream: pkt[0], Payload: pkt[streamLen : len(pkt)-checksumLen]}, nil
}

// EncodeFrame builds the COBS encoded frame for a payload on a stream.
func EncodeFrame(stream uint8, payload []byte) []byte {
	pkt := make([]byte, 0, len(payload)+overheadLen)
	pkt = append(pkt, stream)
	pkt = append(pkt, payload...)

	var sum byte
	for _, b := range pkt {
		sum += b
	}
	pkt = append(pkt, -sum)
	return EncodeCOBS(pkt)
}
