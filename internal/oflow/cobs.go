// Package oflow unpacks orbflow streams: COBS packetised frames, each
// carrying a stream number, a payload and a checksum.
package oflow

// Sentinel ends every COBS packet.
const Sentinel byte = 0x00

// MaxPacketLen bounds a decoded COBS packet.
const MaxPacketLen = 8192

type cobsState int

const (
	cobsIdle     cobsState = iota // waiting for the first code byte
	cobsRxing                     // inside a packet
	cobsFlushing                  // discarding until the next sentinel
)

// COBSStats are the packetiser counters.
type COBSStats struct {
	InBytes   uint64 // bytes fed in
	GoodBytes uint64 // bytes delivered in complete packets
	BadBytes  uint64 // bytes discarded
	Packets   uint64 // packets delivered
	TooLong   uint64 // packets discarded for exceeding MaxPacketLen
}

// COBS reassembles packets from a COBS encoded byte stream. After an error
// it resynchronises at the next sentinel.
type COBS struct {
	state    cobsState
	rxc      byte // bytes left in the current run
	maxCount bool // current run was a full 0xFF run with no implied zero
	buf      []byte
	stats    COBSStats
}

func NewCOBS() *COBS {
	return &COBS{buf: make([]byte, 0, 256)}
}

// Stats returns a copy of the counters.
func (c *COBS) Stats() COBSStats { return c.stats }

// Pending returns the number of decoded bytes of the packet in progress.
func (c *COBS) Pending() int { return len(c.buf) }

// Reset discards the packet in progress and returns its length.
func (c *COBS) Reset() int {
	n := len(c.buf)
	c.stats.BadBytes += uint64(n)
	c.buf = c.buf[:0]
	c.state = cobsIdle
	return n
}

// Write feeds bytes and calls emit with each completed packet. The packet
// slice is only valid during the call.
func (c *COBS) Write(data []byte, emit func(pkt []byte)) {
	for _, b := range data {
		c.Feed(b, emit)
	}
}

// Feed processes one byte.
func (c *COBS) Feed(b byte, emit func(pkt []byte)) {
	c.stats.InBytes++

	switch c.state {
	case cobsIdle:
		if b != Sentinel {
			c.startRun(b)
			c.state = cobsRxing
		}

	case cobsRxing:
		c.rxc--
		if c.rxc != 0 {
			if b == Sentinel {
				// sentinel inside a run: the packet is truncated
				c.stats.BadBytes += uint64(len(c.buf))
				c.buf = c.buf[:0]
				c.state = cobsIdle
				return
			}
			c.store(b)
			return
		}

		if b == Sentinel {
			c.stats.Packets++
			c.stats.GoodBytes += uint64(len(c.buf))
			c.state = cobsIdle
			emit(c.buf)
			c.buf = c.buf[:0]
			return
		}
		if !c.maxCount {
			c.store(Sentinel)
		}
		c.startRun(b)

	case cobsFlushing:
		if b == Sentinel {
			c.state = cobsIdle
		} else {
			c.stats.BadBytes++
		}
	}
}

func (c *COBS) startRun(code byte) {
	c.rxc = code
	c.maxCount = code == 0xFF
}

func (c *COBS) store(b byte) {
	if len(c.buf) >= MaxPacketLen {
		c.stats.BadBytes += uint64(len(c.buf))
		c.stats.TooLong++
		c.buf = c.buf[:0]
		c.state = cobsFlushing
		return
	}
	c.buf = append(c.buf, b)
}

// EncodeCOBS stuffs a packet and appends the sentinel.
func EncodeCOBS(pkt []byte) []byte {
	out := make([]byte, 0, len(pkt)+len(pkt)/254+2)
	codeIdx := len(out)
	out = append(out, 0)
	code := byte(1)

	for _, b := range pkt {
		if b == Sentinel {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return append(out, Sentinel)
}
