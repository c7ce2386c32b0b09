package itmtest

import "swotrace/internal/itm"

// Packet constructors produce the values the decoder reports, minus Index
// and Raw.

func Async(lost uint64) itm.Packet {
	return itm.Packet{Type: itm.PktAsync, Lost: lost}
}

func Overflow() itm.Packet {
	return itm.Packet{Type: itm.PktOverflow}
}

func SWIT(port uint8, val uint32, size uint8) itm.Packet {
	return itm.Packet{Type: itm.PktSWIT, SrcID: port & 0x1F, Value: sizeMask(val, size), ValSz: size}
}

func DWT(disc uint8, val uint32, size uint8) itm.Packet {
	return itm.Packet{Type: itm.PktDWT, SrcID: disc & 0x1F, Value: sizeMask(val, size), ValSz: size}
}

func LTS(tc itm.TSKind, delta uint32, n uint8) itm.Packet {
	return itm.Packet{Type: itm.PktTSLocal, SrcID: uint8(tc) & 0x3, Value: contMask32(delta, n), ValSz: n}
}

func LTSSync(delta uint8) itm.Packet {
	return itm.Packet{Type: itm.PktTSLocal, SrcID: uint8(itm.TSSync), Value: uint32(delta & 0x7)}
}

func GTS1(val uint32, n uint8, wrap, clkCh bool) itm.Packet {
	p := itm.Packet{Type: itm.PktTSGlobal1, Value: contMask32(val, n), ValSz: n}
	if n == 4 {
		p.Value &= 0x03FFFFFF
		if wrap {
			p.SrcID |= 0x2
		}
		if clkCh {
			p.SrcID |= 0x1
		}
	}
	return p
}

func GTS2(val uint64, n uint8) itm.Packet {
	p := itm.Packet{Type: itm.PktTSGlobal2}
	if n <= 4 {
		p.SetValue(contMask32(uint32(val), n), n)
	} else {
		p.SetExtValue(val&(uint64(1)<<(7*uint(n))-1)&0x3FFFFFFFFF, n)
	}
	return p
}

func Extension(hw bool, val uint32, n uint8) itm.Packet {
	bits := []uint8{3, 10, 17, 24, 32}[n]
	p := itm.Packet{Type: itm.PktExtension, SrcID: bits, Value: val & (uint32(1)<<bits - 1), ValSz: n}
	if hw {
		p.SrcID |= 0x80
	}
	return p
}

func sizeMask(val uint32, size uint8) uint32 {
	switch size {
	case 1:
		return val & 0xFF
	case 2:
		return val & 0xFFFF
	}
	return val
}

func contMask32(val uint32, n uint8) uint32 {
	if n >= 4 {
		return val & 0x0FFFFFFF
	}
	return val & (uint32(1)<<(7*uint(n)) - 1)
}
