package oflow

import (
	"swotrace/internal/common"
	"swotrace/internal/tpiu"
	"swotrace/internal/trc"
)

// Stats are the orbflow deframer counters.
type Stats struct {
	COBS      COBSStats
	Frames    uint64 // frames accepted
	BadFrames uint64 // frames rejected by length or checksum
	BytesOut  uint64 // payload bytes emitted
	Filtered  uint64 // payload bytes for disabled streams
}

// ErrorHandler receives rejected frames. Decoding always continues.
type ErrorHandler func(err *common.Error)

// Deframer turns an orbflow byte stream into stream tagged bytes. The stream
// number becomes the channel of each byte.
type Deframer struct {
	cobs     *COBS
	enabled  [256]bool
	idx      trc.Index // index of the next input byte
	frameIdx trc.Index // index of the first byte of the current packet
	logger   common.Logger
	onError  ErrorHandler
	stats    Stats
}

// NewDeframer creates a deframer. A non-empty streams list restricts the
// streams that are emitted.
func NewDeframer(streams []uint8, logger common.Logger) *Deframer {
	if logger == nil {
		logger = common.NewNoOpLogger()
	}
	d := &Deframer{cobs: NewCOBS(), logger: logger}
	for i := range d.enabled {
		d.enabled[i] = len(streams) == 0
	}
	for _, s := range streams {
		d.enabled[s] = true
	}
	return d
}

func (d *Deframer) SetErrorHandler(h ErrorHandler) {
	d.onError = h
}

// Stats returns a copy of the counters.
func (d *Deframer) Stats() Stats {
	st := d.stats
	st.COBS = d.cobs.Stats()
	return st
}

// Flush discards a trailing partial packet and returns its length.
func (d *Deframer) Flush() int {
	n := d.cobs.Reset()
	if n > 0 {
		d.logger.Logf(common.SeverityDebug, "oflow: discarded %d bytes of partial frame", n)
	}
	return n
}

// Write feeds a block of bytes.
func (d *Deframer) Write(data []byte, emit func(tpiu.TaggedByte)) {
	for _, b := range data {
		d.Feed(b, emit)
	}
}

// Feed processes one input byte. Payload bytes carry the index of their
// frame's first encoded byte plus their offset in the payload.
func (d *Deframer) Feed(b byte, emit func(tpiu.TaggedByte)) {
	idx := d.idx
	d.idx++
	if d.cobs.state == cobsIdle {
		d.frameIdx = idx
	}
	d.cobs.Feed(b, func(pkt []byte) {
		d.frame(pkt, emit)
	})
}

func (d *Deframer) frame(pkt []byte, emit func(tpiu.TaggedByte)) {
	f, err := DecodeFrame(pkt)
	if err != nil {
		err.Idx = d.frameIdx
		d.stats.BadFrames++
		d.logger.Error(err)
		if d.onError != nil {
			d.onError(err)
		}
		return
	}

	d.stats.Frames++
	if !d.enabled[f.Stream] {
		d.stats.Filtered += uint64(len(f.Payload))
		return
	}
	base := d.frameIdx + streamLen + 1
	for i, b := range f.Payload {
		d.stats.BytesOut++
		emit(tpiu.TaggedByte{Channel: f.Stream, Value: b, Index: base + trc.Index(i)})
	}
}
