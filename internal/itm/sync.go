package itm

import (
	"fmt"

	"swotrace/internal/common"
	"swotrace/internal/trc"
)

// syncZeroBytes is the minimum run of zero bytes before the 0x80 that
// completes a synchronisation packet (47 zero bits then a 1).
const syncZeroBytes = 5

// maxSyncRaw bounds the bytes kept in the Raw field of a sync packet.
const maxSyncRaw = 32

// LockState is the decoder synchronisation state.
type LockState int

const (
	// StateUnsynced: no sync seen since the decoder started.
	StateUnsynced LockState = iota
	// StateSearching: lock was lost, waiting for a sync packet.
	StateSearching
	// StateLocked: packet boundaries are known.
	StateLocked
)

func (s LockState) String() string {
	switch s {
	case StateUnsynced:
		return "Unsynced"
	case StateSearching:
		return "Searching"
	case StateLocked:
		return "Locked"
	default:
		return "Unknown"
	}
}

func (d *Decoder) discard(n uint64) {
	d.lost += n
	d.stats.BytesLost += n
}

// syncFound handles a confirmed sync ending at index idx, preceded by zeros
// zero bytes. It is accepted in every state: any partial packet that is not
// itself part of the zero run is abandoned and counted as lost.
func (d *Decoder) syncFound(idx trc.Index, zeros int, emit func(Packet)) {
	own := d.heldZeros
	if n := len(d.packetData); n > 0 {
		tail := 0
		for i := n - 1; i >= 0 && d.packetData[i] == 0x00 && tail < zeros; i-- {
			tail++
		}
		if abandoned := n - tail; abandoned > 0 {
			d.discard(uint64(abandoned))
			d.logger.Logf(common.SeverityDebug, "itm: chan %02x: sync abandoned %d byte partial packet", d.channel, abandoned)
		}
		own = tail
		if d.currPacket.Type == PktAsync {
			// candidate zeros beyond maxSyncRaw are counted, not stored
			own = d.asyncZeros
		}
	}

	rawZeros := own
	if rawZeros > maxSyncRaw-1 {
		rawZeros = maxSyncRaw - 1
	}
	raw := make([]byte, rawZeros+1)
	raw[rawZeros] = 0x80

	pkt := Packet{
		Type:  PktAsync,
		Lost:  d.lost,
		Index: idx - trc.Index(own),
		Raw:   raw,
	}

	if d.state != StateLocked {
		d.logger.Logf(common.SeverityInfo, "itm: chan %02x: sync acquired, %d bytes lost", d.channel, d.lost)
	}

	d.state = StateLocked
	d.lost = 0
	d.zeroRun = 0
	d.heldZeros = 0
	d.initNextPacket()

	d.stats.Syncs++
	d.stats.Packets++
	emit(pkt)
}

// protocolError drops the packet being assembled and starts searching for sync.
func (d *Decoder) protocolError(err *common.Error) {
	n := uint64(len(d.packetData))
	d.discard(n)
	d.stats.ProtocolErrors++
	d.state = StateSearching
	d.initNextPacket()

	d.logger.Error(err)
	if d.onError != nil {
		d.onError(err, n)
	}
}

// ForceResync abandons any partial packet and waits for the next sync packet.
// It returns the number of bytes abandoned. Calling it again before the
// decoder relocks has no further effect.
func (d *Decoder) ForceResync() uint64 {
	if d.state != StateLocked {
		return 0
	}
	n := uint64(len(d.packetData))
	d.discard(n)
	d.state = StateSearching
	d.initNextPacket()
	return n
}

// Flush ends the stream. A partial packet is discarded and reported as
// incomplete; bytes discarded while unsynchronised are reported as lost.
func (d *Decoder) Flush() {
	if n := len(d.packetData); n > 0 {
		d.discard(uint64(n))
		err := common.NewErrorWithIdxChanMsg(trc.ErrSevWarn, trc.ErrIncompletePacket, d.packetIndex, d.channel,
			fmt.Sprintf("%s packet incomplete at end of stream, %d bytes discarded", d.currPacket.Type, n))
		d.initNextPacket()
		d.report(err, uint64(n))
	}

	if d.state != StateLocked {
		if d.heldZeros > 0 {
			d.discard(uint64(d.heldZeros))
			d.heldZeros = 0
		}
		if d.lost > 0 {
			err := common.NewErrorWithIdxChanMsg(trc.ErrSevWarn, trc.ErrBadPacketSeq, trc.BadIndex, d.channel,
				fmt.Sprintf("end of stream while %s, %d bytes discarded", d.state, d.lost))
			lost := d.lost
			d.lost = 0
			d.report(err, lost)
		}
	}
}

func (d *Decoder) report(err *common.Error, lost uint64) {
	d.logger.Error(err)
	if d.onError != nil {
		d.onError(err, lost)
	}
}
