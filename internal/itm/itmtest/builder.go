// Package itmtest encodes ITM packets into byte streams for tests.
package itmtest

import (
	"fmt"

	"swotrace/internal/itm"
)

// Builder accumulates an encoded ITM stream.
type Builder struct {
	data []byte
}

// Bytes returns the encoded stream.
func (b *Builder) Bytes() []byte { return b.data }

// Len returns the number of bytes encoded so far.
func (b *Builder) Len() int { return len(b.data) }

func (b *Builder) AddBytes(v ...byte) *Builder {
	b.data = append(b.data, v...)
	return b
}

func (b *Builder) AddAsync() *Builder {
	return b.AddBytes(0x00, 0x00, 0x00, 0x00, 0x00, 0x80)
}

func (b *Builder) AddOverflow() *Builder {
	return b.AddBytes(0x70)
}

// AddSWIT adds a software stimulus packet. size is the payload length 1, 2 or 4.
func (b *Builder) AddSWIT(port uint8, val uint32, size uint8) *Builder {
	return b.Add(SWIT(port, val, size))
}

// AddDWT adds a hardware source packet. size is the payload length 1, 2 or 4.
func (b *Builder) AddDWT(disc uint8, val uint32, size uint8) *Builder {
	return b.Add(DWT(disc, val, size))
}

// AddLTS adds a format 1 local timestamp with n continuation bytes.
func (b *Builder) AddLTS(tc itm.TSKind, delta uint32, n uint8) *Builder {
	return b.Add(LTS(tc, delta, n))
}

// AddLTSSync adds a format 2 local timestamp with a 3 bit delta.
func (b *Builder) AddLTSSync(delta uint8) *Builder {
	return b.Add(LTSSync(delta))
}

func (b *Builder) AddGTS1(val uint32, n uint8, wrap, clkCh bool) *Builder {
	return b.Add(GTS1(val, n, wrap, clkCh))
}

func (b *Builder) AddGTS2(val uint64, n uint8) *Builder {
	return b.Add(GTS2(val, n))
}

// AddExtension adds an extension packet with n continuation bytes.
func (b *Builder) AddExtension(hw bool, val uint32, n uint8) *Builder {
	return b.Add(Extension(hw, val, n))
}

// AddStimPage adds the extension packet selecting a stimulus port page.
func (b *Builder) AddStimPage(page uint8) *Builder {
	return b.Add(Extension(false, uint32(page&0x7), 0))
}

// Add encodes packets and appends them. It panics on packets that have no
// encoding, which is a bug in the test.
func (b *Builder) Add(pkts ...itm.Packet) *Builder {
	for _, p := range pkts {
		enc, err := Encode(p)
		if err != nil {
			panic(err)
		}
		b.data = append(b.data, enc...)
	}
	return b
}

// Encode returns the wire bytes of a packet.
func Encode(p itm.Packet) ([]byte, error) {
	switch p.Type {
	case itm.PktAsync:
		return []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x80}, nil

	case itm.PktOverflow:
		return []byte{0x70}, nil

	case itm.PktSWIT, itm.PktDWT:
		var code uint8
		switch p.ValSz {
		case 1:
			code = 1
		case 2:
			code = 2
		case 4:
			code = 3
		default:
			return nil, fmt.Errorf("itmtest: bad stimulus payload size %d", p.ValSz)
		}
		hdr := (p.SrcID&0x1F)<<3 | code
		if p.Type == itm.PktDWT {
			hdr |= 0x04
		}
		out := []byte{hdr}
		for i := uint8(0); i < p.ValSz; i++ {
			out = append(out, byte(p.Value>>(8*i)))
		}
		return out, nil

	case itm.PktTSLocal:
		if p.ValSz == 0 {
			if p.Value < 1 || p.Value > 6 {
				return nil, fmt.Errorf("itmtest: format 2 delta %d out of range", p.Value)
			}
			return []byte{byte(p.Value&0x7) << 4}, nil
		}
		if p.ValSz > 4 {
			return nil, fmt.Errorf("itmtest: local timestamp too long (%d)", p.ValSz)
		}
		out := []byte{0xC0 | (p.SrcID&0x3)<<4}
		return appendCont(out, uint64(p.Value), p.ValSz), nil

	case itm.PktTSGlobal1:
		if p.ValSz < 1 || p.ValSz > 4 {
			return nil, fmt.Errorf("itmtest: bad GTS1 size %d", p.ValSz)
		}
		out := appendCont([]byte{0x94}, uint64(p.Value), p.ValSz)
		if p.ValSz == 4 {
			last := len(out) - 1
			out[last] = out[last]&0x1F | (p.SrcID&0x3)<<5
		}
		return out, nil

	case itm.PktTSGlobal2:
		if p.ValSz < 1 || p.ValSz > 6 {
			return nil, fmt.Errorf("itmtest: bad GTS2 size %d", p.ValSz)
		}
		return appendCont([]byte{0xB4}, p.GetExtValue(), p.ValSz), nil

	case itm.PktExtension:
		if p.ValSz > 4 {
			return nil, fmt.Errorf("itmtest: extension too long (%d)", p.ValSz)
		}
		hdr := byte(0x08) | byte(p.Value&0x7)<<4
		if p.SrcID&0x80 != 0 {
			hdr |= 0x04
		}
		if p.ValSz == 0 {
			return []byte{hdr}, nil
		}
		if p.ValSz < 4 {
			return appendCont([]byte{hdr | 0x80}, uint64(p.Value>>3), p.ValSz), nil
		}
		// the last payload byte carries value bits [31:24] whole
		out := appendCont([]byte{hdr | 0x80}, uint64(p.Value>>3), 3)
		out[3] |= 0x80
		return append(out, byte(p.Value>>24)), nil
	}
	return nil, fmt.Errorf("itmtest: cannot encode %s packet", p.Type)
}

// appendCont adds n continuation bytes carrying 7 value bits each.
func appendCont(out []byte, val uint64, n uint8) []byte {
	for i := uint8(0); i < n; i++ {
		b := byte(val & 0x7F)
		if i < n-1 {
			b |= 0x80
		}
		out = append(out, b)
		val >>= 7
	}
	return out
}
