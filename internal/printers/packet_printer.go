package printers

import (
	"fmt"
	"io"
	"strings"

	"swotrace/internal/itm"
)

// PacketPrinter lists raw ITM packets as the decoder produces them.
type PacketPrinter struct {
	*ItemPrinter
	showRaw bool
}

// NewPacketPrinter creates a packet lister writing to writer.
func NewPacketPrinter(writer io.Writer) *PacketPrinter {
	return &PacketPrinter{
		ItemPrinter: NewItemPrinter(writer),
		showRaw:     true,
	}
}

// NewPacketPrinterWith creates a packet lister sharing the output of
// another printer, so lines from both never interleave.
func NewPacketPrinterWith(item *ItemPrinter) *PacketPrinter {
	return &PacketPrinter{ItemPrinter: item, showRaw: true}
}

// SetShowRaw turns the raw byte column on or off.
func (p *PacketPrinter) SetShowRaw(show bool) { p.showRaw = show }

// PacketIn prints one decoded packet of a channel.
func (p *PacketPrinter) PacketIn(ch uint8, pkt *itm.Packet) {
	if p.IsMuted() {
		return
	}

	var sb strings.Builder
	sb.WriteString(p.prefix(uint64(pkt.Index), ch))
	if p.showRaw {
		sb.WriteString("[")
		for _, b := range pkt.Raw {
			fmt.Fprintf(&sb, "0x%02x ", b)
		}
		sb.WriteString("]; ")
	}
	sb.WriteString(pkt.String())
	sb.WriteString("\n")
	_ = p.ItemPrintLine(sb.String())
}
