package tpiu

import (
	"fmt"

	"swotrace/internal/trc"
)

// unpackFrame splits a complete 16 byte frame into per ID data bytes.
//
// Even bytes 0..14 are either an ID change (LSB set, ID in bits [7:1]) or a
// data byte whose LSB is held in bit i/2 of the aux byte 15. Odd bytes are
// always data. An ID change with its aux bit set applies after the following
// odd byte, which still belongs to the previous ID.
func (d *Deframer) unpackFrame(emit func(TaggedByte)) {
	aux := d.frame[trc.FrameAuxIndex]
	frameFlagBit := uint8(0x1)
	badFrame := false

	d.stats.Frames++

	for i := 0; i < 14; i += 2 {
		prevIDandIDChange := false
		flag := frameFlagBit&aux != 0

		if d.frame[i]&0x1 != 0 {
			newSrcID := (d.frame[i] >> 1) & 0x7F
			if newSrcID != d.currID {
				prevIDandIDChange = flag
				if prevIDandIDChange {
					d.output(d.currID, d.frame[i+1], d.frameIdx[i+1], emit)
				}
				d.currID = newSrcID
			} else if flag {
				badFrame = true
				d.framingError(d.frameIdx[i], fmt.Sprintf("delayed ID flag on unchanged ID 0x%02x at frame byte %d", newSrcID, i))
			}
			if newSrcID >= 0x70 {
				badFrame = true
				d.framingError(d.frameIdx[i], fmt.Sprintf("reserved source ID 0x%02x", newSrcID))
			}
		} else {
			b := d.frame[i]
			if flag {
				b |= 0x1
			}
			d.output(d.currID, b, d.frameIdx[i], emit)
		}

		if !prevIDandIDChange {
			d.output(d.currID, d.frame[i+1], d.frameIdx[i+1], emit)
		}

		frameFlagBit <<= 1
	}

	// byte 14 has no paired data byte, an ID here applies to the next frame
	if d.frame[14]&0x1 != 0 {
		if aux&0x80 != 0 {
			badFrame = true
			d.framingError(d.frameIdx[14], "aux bit 7 set with ID in frame byte 14")
		}
		d.currID = (d.frame[14] >> 1) & 0x7F
		if d.currID >= 0x70 {
			badFrame = true
			d.framingError(d.frameIdx[14], fmt.Sprintf("reserved source ID 0x%02x", d.currID))
		}
	} else {
		b := d.frame[14]
		if aux&0x80 != 0 {
			b |= 0x1
		}
		d.output(d.currID, b, d.frameIdx[14], emit)
	}

	if badFrame {
		d.stats.FramingErrors++
	}
}

func (d *Deframer) output(id uint8, b byte, idx trc.Index, emit func(TaggedByte)) {
	switch {
	case id == 0 && !d.chEnabled[0]:
		d.stats.PaddingBytes++
	case int(id) >= trc.MaxChannels || !d.chEnabled[id]:
		d.stats.DroppedBytes++
	default:
		d.stats.BytesOut++
		emit(TaggedByte{Channel: id, Value: b, Index: idx})
	}
}
