package printers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"swotrace/internal/common"
	"swotrace/internal/event"
	"swotrace/internal/trc"
)

// EventPrinter is an event sink printing one line per event or diagnostic.
type EventPrinter struct {
	*ItemPrinter

	showDiagnostics bool
	kinds           map[event.Kind]bool // nil prints every kind

	statsMu      sync.Mutex
	collectStats bool
	eventCounts  map[event.Kind]uint64
	diagCounts   map[common.DiagKind]uint64
}

// NewEventPrinter creates an event printer writing to writer.
func NewEventPrinter(writer io.Writer) *EventPrinter {
	return &EventPrinter{
		ItemPrinter:     NewItemPrinter(writer),
		showDiagnostics: true,
		eventCounts:     make(map[event.Kind]uint64),
		diagCounts:      make(map[common.DiagKind]uint64),
	}
}

// SetShowDiagnostics turns diagnostic lines on or off.
func (p *EventPrinter) SetShowDiagnostics(show bool) { p.showDiagnostics = show }

// SetKinds restricts the printed events to the given kinds. Empty prints all.
func (p *EventPrinter) SetKinds(kinds ...event.Kind) {
	if len(kinds) == 0 {
		p.kinds = nil
		return
	}
	p.kinds = make(map[event.Kind]bool, len(kinds))
	for _, k := range kinds {
		p.kinds[k] = true
	}
}

// SetCollectStats turns on statistics collection.
func (p *EventPrinter) SetCollectStats() { p.collectStats = true }

// Event implements event.Sink. It fails only when the output fails.
func (p *EventPrinter) Event(_ context.Context, ev event.Event) error {
	if p.collectStats {
		p.statsMu.Lock()
		p.eventCounts[ev.Kind]++
		p.statsMu.Unlock()
	}
	if p.IsMuted() || (p.kinds != nil && !p.kinds[ev.Kind]) {
		return nil
	}
	return p.ItemPrintLine(p.prefix(uint64(ev.Index), ev.Channel) + ev.String() + "\n")
}

// Diagnostic implements event.Sink.
func (p *EventPrinter) Diagnostic(d event.Diagnostic) {
	if p.collectStats {
		p.statsMu.Lock()
		p.diagCounts[d.Kind]++
		p.statsMu.Unlock()
	}
	if p.IsMuted() || !p.showDiagnostics {
		return
	}

	var sb strings.Builder
	if !p.IDPrintMuted() {
		if d.Index != trc.BadIndex {
			fmt.Fprintf(&sb, "Idx:%d; ", d.Index)
		}
		if d.Channel != trc.BadChannel {
			fmt.Fprintf(&sb, "ID:%x; ", d.Channel)
		}
	}
	sb.WriteString("DIAG: ")
	sb.WriteString(d.String())
	sb.WriteString("\n")
	_ = p.ItemPrintLine(sb.String())
}

// PrintStats outputs counts of the events and diagnostics processed.
func (p *EventPrinter) PrintStats() error {
	p.statsMu.Lock()
	var sb strings.Builder
	sb.WriteString("Events processed:-\n")
	for k := event.KindSoftware; k <= event.KindSync; k++ {
		fmt.Fprintf(&sb, "%s : %d\n", k, p.eventCounts[k])
	}
	sb.WriteString("Diagnostics:-\n")
	for k := common.DiagFramingError; k <= common.DiagSyncAcquired; k++ {
		fmt.Fprintf(&sb, "%s : %d\n", k, p.diagCounts[k])
	}
	p.statsMu.Unlock()

	sb.WriteString("\n")
	return p.ItemPrintLine(sb.String())
}
