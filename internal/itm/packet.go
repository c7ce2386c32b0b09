package itm

import (
	"fmt"

	"swotrace/internal/dwt"
	"swotrace/internal/trc"
)

// PktType represents the ITM packet type.
type PktType int

const (
	PktUnknown PktType = iota

	/* valid packet types */
	PktAsync     /**< sync packet */
	PktOverflow  /**< overflow packet */
	PktSWIT      /**< Software stimulus packet */
	PktDWT       /**< DWT hardware stimulus packet */
	PktTSLocal   /**< Timestamp packet using local timestamp source */
	PktTSGlobal1 /**< Timestamp packet bits [25:0] from the global timestamp source */
	PktTSGlobal2 /**< Timestamp packet bits [63:26] or [47:26] from the global timestamp source */
	PktExtension /**< Extension packet */

	/* packet errors */
	PktBadSequence
	PktReserved
)

// TSKind is the TC field of a local timestamp packet: the relationship
// between the timestamp and the packets it follows.
type TSKind uint8

const (
	TSSync        TSKind = 0 // timestamp synchronous to data
	TSDelayed     TSKind = 1 // timestamp delayed relative to data
	TSDataDelayed TSKind = 2 // data delayed relative to timestamp
	TSBothDelayed TSKind = 3 // both delayed
)

func (k TSKind) String() string {
	switch k {
	case TSSync:
		return "TS Sync"
	case TSDelayed:
		return "TS Delay"
	case TSDataDelayed:
		return "TS Pkt Delay"
	default:
		return "TS Pkt and TS Delay"
	}
}

// extension value bit count by payload byte count; the 4th payload byte
// has no continuation flag and carries 8 value bits
var extBitLength = []uint8{3, 10, 17, 24, 32}

// Packet is one decoded ITM/DWT protocol unit.
type Packet struct {
	Type PktType
	/**! Source ID uses:
		 - SWIT: value of source port [4:0],
	     - DWT: value of discriminator   [4:0],
		 - LTS: TC flags for Local TS pkt [1:0],
		 - GTS1: clk wrap [1] / freq change [0] bits,
		 - Ext: Src SW(0)/HW(1) [7], value bit count [5:0],
	*/
	SrcID   uint8
	Value   uint32  // packet data payload - interpretation depends on type
	ValSz   uint8   // number of payload bytes following the header
	ValExt  uint8   // value bits [39:32] of a long GTS2 packet
	ErrType PktType // initial type of packet if type indicates bad sequence

	Lost  uint64    // Async: bytes discarded since the previous sync or lock
	Index trc.Index // stream index of the first packet byte
	Raw   []byte    // packet bytes as received
}

// InitPacket initializes packet to clean state.
func (p *Packet) InitPacket() {
	*p = Packet{Type: PktUnknown, ErrType: PktUnknown}
}

// SetPacketType sets the packet type.
func (p *Packet) SetPacketType(pktType PktType) {
	p.Type = pktType
}

// UpdateErrType marks the packet as an error, keeping the original type.
func (p *Packet) UpdateErrType(errType PktType) {
	p.ErrType = p.Type
	p.Type = errType
}

// SetSrcID sets the packet source ID.
func (p *Packet) SetSrcID(srcID uint8) {
	p.SrcID = srcID
}

// SetValue sets the packet payload value.
func (p *Packet) SetValue(val uint32, valSzBytes uint8) {
	p.Value = val
	p.ValSz = valSzBytes
}

// SetExtValue sets a value wider than 32 bits.
func (p *Packet) SetExtValue(extVal uint64, valSzBytes uint8) {
	p.Value = uint32(extVal & 0xFFFFFFFF)
	p.ValExt = uint8((extVal >> 32) & 0xFF)
	p.ValSz = valSzBytes
}

// GetExtValue gets the value including any extended bits.
func (p *Packet) GetExtValue() uint64 {
	return uint64(p.Value) | (uint64(p.ValExt) << 32)
}

// IsBadPacket returns true if the packet type indicates a bad sequence or reserved protocol.
func (p *Packet) IsBadPacket() bool {
	return p.Type >= PktBadSequence
}

// Port is the stimulus port of a SWIT packet (before page adjustment).
func (p *Packet) Port() uint8 { return p.SrcID & 0x1F }

// Discriminator is the DWT source of a hardware packet.
func (p *Packet) Discriminator() uint8 { return p.SrcID & 0x1F }

// TSKind is the TC field of a local timestamp packet.
func (p *Packet) TSKind() TSKind { return TSKind(p.SrcID & 0x3) }

// Delta is the tick delta of a local timestamp packet.
func (p *Packet) Delta() uint32 { return p.Value }

// Wrap reports the GTS1 wrap flag: a GTS2 follows.
func (p *Packet) Wrap() bool { return p.SrcID&0x2 != 0 }

// ClockChange reports the GTS1 clock change flag.
func (p *Packet) ClockChange() bool { return p.SrcID&0x1 != 0 }

// ExtHW reports the SH bit of an extension packet.
func (p *Packet) ExtHW() bool { return p.SrcID&0x80 != 0 }

// ExtBits is the number of valid value bits in an extension packet.
func (p *Packet) ExtBits() uint8 { return p.SrcID & 0x3F }

// IsStimPage reports whether the packet is a stimulus port page extension.
func (p *Packet) IsStimPage() bool {
	return p.Type == PktExtension && !p.ExtHW() && p.ValSz == 0
}

// Payload returns the payload bytes of a SWIT or DWT packet.
func (p *Packet) Payload() []byte {
	if len(p.Raw) < 1 {
		return nil
	}
	return p.Raw[1:]
}

// DWT interprets the payload of a hardware source packet.
func (p *Packet) DWT() dwt.Info {
	return dwt.Interpret(p.Discriminator(), p.Value, p.ValSz)
}

// String provides a string representation of the packet.
func (p *Packet) String() string {
	name, desc := p.Type.nameAndDesc()
	str := fmt.Sprintf("%s:%s", name, desc)

	switch p.Type {
	case PktAsync:
		if p.Lost > 0 {
			str += fmt.Sprintf("; %d bytes lost", p.Lost)
		}
	case PktSWIT:
		str += fmt.Sprintf("; %v; Port 0x%02X; Data 0x%08X", p.valSizeStr(), p.Port(), p.Value)
	case PktDWT:
		str += fmt.Sprintf("; %v; %s", p.valSizeStr(), p.DWT())
	case PktTSLocal:
		str += fmt.Sprintf("; TC %s; TS = 0x%07X", p.TSKind(), p.Value)
	case PktTSGlobal1:
		str += fmt.Sprintf("; TS 25:0  0x%07X", p.Value)
		if p.Wrap() {
			str += "; Wrap"
		}
		if p.ClockChange() {
			str += "; ClkCh"
		}
	case PktTSGlobal2:
		str += fmt.Sprintf("; TS 63:26 0x%010X", p.GetExtValue())
	case PktExtension:
		src := "SW"
		if p.ExtHW() {
			src = "HW"
		}
		str += fmt.Sprintf("; Src %s; Bits %d; Val 0x%08X", src, p.ExtBits(), p.Value)
	case PktBadSequence:
		name, _ = p.ErrType.nameAndDesc()
		str += fmt.Sprintf("[%s]", name)
	}
	return str
}

func (t PktType) String() string {
	name, _ := t.nameAndDesc()
	return name
}

func (t PktType) nameAndDesc() (string, string) {
	switch t {
	case PktAsync:
		return "ASYNC", "Alignment synchronisation packet"
	case PktOverflow:
		return "OVERFLOW", "Overflow packet"
	case PktSWIT:
		return "SWIT", "Software stimulus packet"
	case PktDWT:
		return "DWT", "Hardware stimulus packet"
	case PktTSLocal:
		return "TS_L", "Local timestamp packet"
	case PktTSGlobal1:
		return "TS_G1", "Global timestamp packet 1"
	case PktTSGlobal2:
		return "TS_G2", "Global timestamp packet 2"
	case PktExtension:
		return "EXTENSION", "Extension packet"
	case PktBadSequence:
		return "BAD_SEQUENCE", "Invalid sequence in packet"
	case PktReserved:
		return "RESERVED", "Reserved packet header"
	default:
		return "UNKNOWN", "Unknown Packet Type"
	}
}

func (p *Packet) valSizeStr() string {
	switch p.ValSz {
	case 1:
		return "8 bit"
	case 2:
		return "16 bit"
	case 4:
		return "32 bit"
	default:
		return "Unsized"
	}
}
