// Package tpiu removes TPIU (CoreSight formatter) framing from a trace byte
// stream and tags each payload byte with its trace source ID.
package tpiu

import (
	"fmt"

	"swotrace/internal/common"
	"swotrace/internal/trc"
)

// TaggedByte is one trace byte with the source channel it belongs to.
type TaggedByte struct {
	Channel uint8
	Value   byte
	Index   trc.Index // offset of the byte in the input stream
}

// Config selects the deframer behaviour.
type Config struct {
	// Framing enables 16 byte TPIU frame decoding. When false every byte is
	// passed through on channel 0.
	Framing bool
	// Sync discards input until the first FSYNC is seen.
	Sync bool
	// Channels lists the source IDs to emit. Empty emits every valid ID.
	// ID 0 is only emitted when listed explicitly.
	Channels []uint8
}

// Stats are the deframer counters.
type Stats struct {
	BytesIn       uint64 // bytes fed to the deframer
	BytesOut      uint64 // bytes emitted to channels
	Frames        uint64 // complete frames unpacked
	PaddingBytes  uint64 // bytes routed to the null source ID 0
	SyncBytes     uint64 // FSYNC/HSYNC bytes stripped
	UnsyncedBytes uint64 // bytes discarded while searching for FSYNC
	DroppedBytes  uint64 // bytes for unknown, reserved or filtered IDs, and partial frames
	FramingErrors uint64 // frames with inconsistent ID/aux bytes
}

// ErrorHandler receives framing errors. Decoding always continues.
type ErrorHandler func(err *common.Error)

// Deframer turns a raw trace stream into channel tagged bytes.
// A Deframer is not safe for concurrent use.
type Deframer struct {
	cfg       Config
	chEnabled [trc.MaxChannels]bool
	onError   ErrorHandler
	logger    common.Logger

	// state
	idx       trc.Index // index of the next input byte
	synced    bool
	syncShift uint32 // last 4 bytes while searching for FSYNC
	currID    uint8

	frame    [trc.FrameSize]byte
	frameIdx [trc.FrameSize]trc.Index
	nFrame   int

	stats Stats
}

// NewDeframer creates a deframer for the given configuration.
func NewDeframer(cfg Config, logger common.Logger) *Deframer {
	if logger == nil {
		logger = common.NewNoOpLogger()
	}
	d := &Deframer{cfg: cfg, logger: logger}
	if len(cfg.Channels) == 0 {
		for id := range d.chEnabled {
			d.chEnabled[id] = trc.IsValidSrcID(uint8(id))
		}
	} else {
		for _, id := range cfg.Channels {
			if int(id) < trc.MaxChannels {
				d.chEnabled[id] = true
			}
		}
	}
	d.resetStateParams()
	return d
}

// SetErrorHandler attaches the receiver for framing errors.
func (d *Deframer) SetErrorHandler(h ErrorHandler) {
	d.onError = h
}

// Framing reports whether TPIU frame decoding is enabled.
func (d *Deframer) Framing() bool { return d.cfg.Framing }

// Stats returns a copy of the current counters.
func (d *Deframer) Stats() Stats { return d.stats }

func (d *Deframer) resetStateParams() {
	d.synced = !d.cfg.Sync
	d.syncShift = 0
	d.currID = trc.BadChannel
	d.nFrame = 0
}

// Reset drops any partial frame and, if configured, waits for a new FSYNC.
// The stream index and counters are kept.
func (d *Deframer) Reset() {
	d.dropPartialFrame()
	d.resetStateParams()
}

// Flush discards a trailing partial frame at end of stream and returns the
// number of bytes discarded.
func (d *Deframer) Flush() int {
	return d.dropPartialFrame()
}

func (d *Deframer) dropPartialFrame() int {
	n := d.nFrame
	if n > 0 {
		d.stats.DroppedBytes += uint64(n)
		d.logger.Logf(common.SeverityDebug, "tpiu: discarded %d bytes of partial frame", n)
	}
	d.nFrame = 0
	return n
}

// Write feeds a block of bytes through the deframer.
func (d *Deframer) Write(data []byte, emit func(TaggedByte)) {
	for _, b := range data {
		d.Feed(b, emit)
	}
}

// Feed processes one input byte, calling emit for each payload byte it completes.
func (d *Deframer) Feed(b byte, emit func(TaggedByte)) {
	idx := d.idx
	d.idx++
	d.stats.BytesIn++

	if !d.cfg.Framing {
		d.stats.BytesOut++
		emit(TaggedByte{Channel: 0, Value: b, Index: idx})
		return
	}

	if !d.synced {
		d.syncShift = d.syncShift>>8 | uint32(b)<<24
		d.stats.UnsyncedBytes++
		if d.syncShift == trc.FsyncPattern {
			// the FSYNC itself was counted as unsynced, move it to sync bytes
			d.stats.UnsyncedBytes -= 4
			d.stats.SyncBytes += 4
			d.synced = true
			d.logger.Logf(common.SeverityDebug, "tpiu: frame sync at index %d", idx)
		}
		return
	}

	d.frame[d.nFrame] = b
	d.frameIdx[d.nFrame] = idx
	d.nFrame++

	if d.nFrame%2 != 0 {
		return
	}

	if d.nFrame >= 4 && d.isFsyncAt(d.nFrame-4) {
		if lost := d.nFrame - 4; lost > 0 {
			d.stats.DroppedBytes += uint64(lost)
			d.framingError(d.frameIdx[0], fmt.Sprintf("FSYNC inside frame, %d bytes discarded", lost))
		}
		d.stats.SyncBytes += 4
		d.nFrame = 0
		return
	}

	if d.isHsyncAt(d.nFrame - 2) {
		d.stats.SyncBytes += 2
		d.nFrame -= 2
		return
	}

	if d.nFrame == trc.FrameSize {
		d.unpackFrame(emit)
		d.nFrame = 0
	}
}

func (d *Deframer) isFsyncAt(i int) bool {
	return d.frame[i] == 0xFF && d.frame[i+1] == 0xFF && d.frame[i+2] == 0xFF && d.frame[i+3] == 0x7F
}

func (d *Deframer) isHsyncAt(i int) bool {
	return d.frame[i] == 0xFF && d.frame[i+1] == 0x7F
}

func (d *Deframer) framingError(idx trc.Index, msg string) {
	err := common.NewErrorWithIdxChanMsg(trc.ErrSevError, trc.ErrFramingAux, idx, d.currID, msg)
	d.logger.Error(err)
	if d.onError != nil {
		d.onError(err)
	}
}
