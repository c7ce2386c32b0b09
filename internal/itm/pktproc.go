// Package itm decodes ITM/DWT trace byte streams into protocol packets.
//
// Header encodings follow ARMv7-M (DDI0403E) Appendix D and ARMv8-M
// (DDI0553B) Appendix F.
package itm

import (
	"fmt"

	"swotrace/internal/common"
	"swotrace/internal/trc"
)

// ErrorHandler receives protocol errors together with the number of bytes
// discarded because of them. Decoding always continues.
type ErrorHandler func(err *common.Error, lost uint64)

// Stats are the decoder counters.
type Stats struct {
	BytesIn        uint64
	Packets        uint64
	Syncs          uint64
	Overflows      uint64
	SWITPackets    uint64
	DWTPackets     uint64
	Timestamps     uint64
	Extensions     uint64
	BytesLost      uint64
	ProtocolErrors uint64
	TPIUSyncs      uint64
}

// Decoder converts one channel's byte stream into ITM packets.
// A Decoder owns all of its state and is not safe for concurrent use.
type Decoder struct {
	channel     uint8
	requireSync bool
	logger      common.Logger
	onError     ErrorHandler

	state       LockState
	currPacket  Packet
	packetData  []byte
	packetIndex trc.Index
	currPktFn   func() (bool, *common.Error)

	zeroRun    int    // consecutive zero bytes ending at the last byte
	heldZeros  int    // zero bytes not yet counted as lost while unlocked
	asyncZeros int    // zero bytes in the async packet being assembled
	lost       uint64 // bytes discarded since the last sync or lock

	stats Stats
}

// NewDecoder creates a decoder for a channel. With requireSync the decoder
// discards input until the first sync packet, otherwise it assumes the first
// byte is a packet header.
func NewDecoder(channel uint8, requireSync bool, logger common.Logger) *Decoder {
	if logger == nil {
		logger = common.NewNoOpLogger()
	}
	d := &Decoder{
		channel:     channel,
		requireSync: requireSync,
		logger:      logger,
		packetData:  make([]byte, 0, 8),
	}
	d.initProcessorState()
	return d
}

// SetErrorHandler attaches the receiver for protocol errors.
func (d *Decoder) SetErrorHandler(h ErrorHandler) {
	d.onError = h
}

// Channel returns the channel the decoder was created for.
func (d *Decoder) Channel() uint8 { return d.channel }

// State returns the current lock state.
func (d *Decoder) State() LockState { return d.state }

// Pending returns the number of bytes of the packet being assembled.
func (d *Decoder) Pending() int { return len(d.packetData) }

// Stats returns a copy of the decoder counters.
func (d *Decoder) Stats() Stats { return d.stats }

func (d *Decoder) initProcessorState() {
	if d.requireSync {
		d.state = StateUnsynced
	} else {
		d.state = StateLocked
	}
	d.zeroRun = 0
	d.heldZeros = 0
	d.lost = 0
	d.initNextPacket()
}

func (d *Decoder) initNextPacket() {
	d.packetData = d.packetData[:0]
	d.currPacket.InitPacket()
	d.currPktFn = nil
}

// Reset returns the decoder to its initial state. Counters are kept.
func (d *Decoder) Reset() {
	d.initProcessorState()
}

// Write feeds a block of bytes starting at stream index idx.
func (d *Decoder) Write(data []byte, idx trc.Index, emit func(Packet)) {
	for i, b := range data {
		d.Feed(b, idx+trc.Index(i), emit)
	}
}

// Feed processes one byte at stream index idx. Completed packets are passed
// to emit in the order their final byte arrives.
func (d *Decoder) Feed(b byte, idx trc.Index, emit func(Packet)) {
	d.stats.BytesIn++

	prevZeros := d.zeroRun
	if b == 0x00 {
		d.zeroRun++
	} else {
		d.zeroRun = 0
	}

	if b == 0x80 && prevZeros >= syncZeroBytes {
		d.syncFound(idx, prevZeros, emit)
		return
	}

	if d.state != StateLocked {
		// zeros are held back as a possible sync start
		if b == 0x00 {
			d.heldZeros++
		} else {
			d.discard(uint64(d.heldZeros) + 1)
			d.heldZeros = 0
		}
		return
	}

	if len(d.packetData) == 0 {
		d.packetIndex = idx
		d.currPacket.InitPacket()
	}
	d.packetData = append(d.packetData, b)

	var done bool
	var err *common.Error
	if len(d.packetData) == 1 {
		done, err = d.itmProcessHdr()
	} else {
		done, err = d.currPktFn()
	}

	if err != nil {
		d.protocolError(err)
		return
	}
	if done {
		d.outputPacket(emit)
	}
}

func (d *Decoder) outputPacket(emit func(Packet)) {
	pkt := d.currPacket
	pkt.Index = d.packetIndex
	pkt.Raw = append([]byte(nil), d.packetData...)

	d.stats.Packets++
	switch pkt.Type {
	case PktOverflow:
		d.stats.Overflows++
	case PktSWIT:
		d.stats.SWITPackets++
	case PktDWT:
		d.stats.DWTPackets++
	case PktTSLocal, PktTSGlobal1, PktTSGlobal2:
		d.stats.Timestamps++
	case PktExtension:
		d.stats.Extensions++
	}

	d.initNextPacket()
	emit(pkt)
}

func (d *Decoder) badSequenceError(msg string) *common.Error {
	d.currPacket.UpdateErrType(PktBadSequence)
	return common.NewErrorWithIdxChanMsg(trc.ErrSevError, trc.ErrBadPacketSeq, d.packetIndex, d.channel, msg)
}

func (d *Decoder) reservedHdrError(msg string) *common.Error {
	d.currPacket.SetPacketType(PktReserved)
	return common.NewErrorWithIdxChanMsg(trc.ErrSevError, trc.ErrInvalidPcktHdr, d.packetIndex, d.channel, msg)
}

func (d *Decoder) itmProcessHdr() (bool, *common.Error) {
	b := d.packetData[0]

	switch {
	case b&0x03 != 0x00: // Stimulus packets
		if b&0x04 != 0 {
			d.currPacket.SetPacketType(PktDWT)
		} else {
			d.currPacket.SetPacketType(PktSWIT)
		}
		d.currPacket.SetSrcID((b >> 3) & 0x1F)
		d.currPktFn = d.itmPktData
		return false, nil

	case b&0x0F == 0x00:
		switch {
		case b == 0x00:
			d.currPacket.SetPacketType(PktAsync)
			d.asyncZeros = 1
			d.currPktFn = d.itmPktAsync
			return false, nil
		case b == 0x70:
			d.currPacket.SetPacketType(PktOverflow)
			return true, nil
		case b&0x80 == 0:
			// format 2: 3 bit delta in the header
			d.currPacket.SetPacketType(PktTSLocal)
			d.currPacket.SetSrcID(uint8(TSSync))
			d.currPacket.SetValue(uint32((b>>4)&0x7), 0)
			return true, nil
		case b&0xC0 == 0xC0:
			d.currPacket.SetPacketType(PktTSLocal)
			d.currPacket.SetSrcID((b >> 4) & 0x3)
			d.currPktFn = d.itmPktLocalTS
			return false, nil
		}
		return false, d.reservedHdrError(fmt.Sprintf("reserved header 0x%02X", b))

	case b&0x0B == 0x08:
		d.currPacket.SetPacketType(PktExtension)
		if b&0x80 == 0 {
			d.setExtension()
			return true, nil
		}
		d.currPktFn = d.itmPktExtension
		return false, nil

	case b == 0x94:
		d.currPacket.SetPacketType(PktTSGlobal1)
		d.currPktFn = d.itmPktGlobalTS1
		return false, nil

	case b == 0xB4:
		d.currPacket.SetPacketType(PktTSGlobal2)
		d.currPktFn = d.itmPktGlobalTS2
		return false, nil
	}
	return false, d.reservedHdrError(fmt.Sprintf("reserved header 0x%02X", b))
}

func (d *Decoder) itmPktData() (bool, *common.Error) {
	hdr := d.packetData[0]
	payloadBytesReq := int(hdr & 0x3)
	payloadBytesGot := len(d.packetData) - 1

	if payloadBytesReq == 3 {
		payloadBytesReq = 4
	}

	// FF FF FF 7F is a TPIU frame sync, so the link is framed but being decoded raw
	if hdr == 0xFF && payloadBytesGot == 3 &&
		d.packetData[1] == 0xFF && d.packetData[2] == 0xFF && d.packetData[3] == 0x7F {
		d.stats.TPIUSyncs++
		d.currPacket.UpdateErrType(PktBadSequence)
		return false, common.NewErrorWithIdxChanMsg(trc.ErrSevError, trc.ErrDfrmtrBadFhsync, d.packetIndex, d.channel,
			"TPIU frame sync in ITM stream")
	}

	if payloadBytesGot < payloadBytesReq {
		return false, nil
	}

	value := uint32(d.packetData[1])
	if payloadBytesReq >= 2 {
		value |= uint32(d.packetData[2]) << 8
	}
	if payloadBytesReq == 4 {
		value |= uint32(d.packetData[3]) << 16
		value |= uint32(d.packetData[4]) << 24
	}
	d.currPacket.SetValue(value, uint8(payloadBytesReq))
	return true, nil
}

// contByteDone checks the latest continuation byte. limit is the maximum
// packet size including the header.
func (d *Decoder) contByteDone(limit int, name string) (bool, *common.Error) {
	last := d.packetData[len(d.packetData)-1]
	if last&0x80 == 0 {
		return true, nil
	}
	if len(d.packetData) >= limit {
		return false, d.badSequenceError(name + " packet: Payload continuation value too long")
	}
	return false, nil
}

func (d *Decoder) extractContVal32() uint32 {
	var value uint32
	shift := 0
	for _, b := range d.packetData[1:] {
		value |= uint32(b&0x7F) << shift
		shift += 7
	}
	return value
}

func (d *Decoder) extractContVal64() uint64 {
	var value uint64
	shift := 0
	for _, b := range d.packetData[1:] {
		value |= uint64(b&0x7F) << shift
		shift += 7
	}
	return value
}

func (d *Decoder) itmPktLocalTS() (bool, *common.Error) {
	const pktSizeLimit = 5
	done, err := d.contByteDone(pktSizeLimit, "Local TS")
	if done {
		d.currPacket.SetValue(d.extractContVal32(), uint8(len(d.packetData)-1))
	}
	return done, err
}

func (d *Decoder) itmPktGlobalTS1() (bool, *common.Error) {
	const pktSizeLimit = 5
	done, err := d.contByteDone(pktSizeLimit, "GTS1")
	if !done {
		return false, err
	}

	value := d.extractContVal32()
	if len(d.packetData) == pktSizeLimit {
		// 4th payload byte carries ClkCh in bit 5 and Wrap in bit 6
		b := d.packetData[4]
		d.currPacket.SetSrcID((b >> 5) & 0x3)
		value &= 0x03FFFFFF
	}
	d.currPacket.SetValue(value, uint8(len(d.packetData)-1))
	return true, nil
}

func (d *Decoder) itmPktGlobalTS2() (bool, *common.Error) {
	const pktSizeLimit = 7
	done, err := d.contByteDone(pktSizeLimit, "GTS2")
	if !done {
		return false, err
	}

	if len(d.packetData) <= 5 {
		d.currPacket.SetValue(d.extractContVal32(), uint8(len(d.packetData)-1))
	} else {
		d.currPacket.SetExtValue(d.extractContVal64()&0x3FFFFFFFFF, uint8(len(d.packetData)-1))
	}
	return true, nil
}

func (d *Decoder) itmPktExtension() (bool, *common.Error) {
	const pktSizeLimit = 5
	if len(d.packetData) == pktSizeLimit {
		d.setExtension()
		return true, nil
	}
	done, err := d.contByteDone(pktSizeLimit, "Extension")
	if done {
		d.setExtension()
	}
	return done, err
}

func (d *Decoder) setExtension() {
	hdr := d.packetData[0]
	payloadBytes := len(d.packetData) - 1

	srcIDVal := extBitLength[payloadBytes]
	if hdr&0x4 != 0 {
		srcIDVal |= 0x80
	}
	d.currPacket.SetSrcID(srcIDVal)

	value := uint32((hdr >> 4) & 0x7)
	shift := 3
	for i, b := range d.packetData[1:] {
		if i < 3 {
			b &= 0x7F
		}
		value |= uint32(b) << shift
		shift += 7
	}
	d.currPacket.SetValue(value, uint8(payloadBytes))
}

func (d *Decoder) itmPktAsync() (bool, *common.Error) {
	// 0x80 after enough zeros is caught in Feed before reaching here
	if d.packetData[len(d.packetData)-1] == 0x00 {
		d.asyncZeros++
		if len(d.packetData) > maxSyncRaw {
			d.packetData = d.packetData[:maxSyncRaw]
		}
		return false, nil
	}
	return false, d.badSequenceError("Async Packet: unexpected none zero value")
}
