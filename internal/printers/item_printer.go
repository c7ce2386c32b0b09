// Package printers renders decoded trace as line oriented text.
package printers

import (
	"fmt"
	"io"
	"sync"

	"swotrace/internal/common"
)

// ItemPrinter is the output shared by the printers. Lines may arrive from
// several channel workers, so writes are serialised.
type ItemPrinter struct {
	mu          sync.Mutex
	writer      io.Writer
	logger      common.Logger
	muted       bool
	idPrintMute bool
	err         error
}

// NewItemPrinter constructs an ItemPrinter using the given io.Writer.
func NewItemPrinter(writer io.Writer) *ItemPrinter {
	return &ItemPrinter{
		writer: writer,
	}
}

// SetMessageLogger copies every printed line to the logger at info level.
func (p *ItemPrinter) SetMessageLogger(logger common.Logger) {
	p.logger = logger
}

// ItemPrintLine writes the given line. The first write error is kept and
// later output is discarded.
func (p *ItemPrinter) ItemPrintLine(msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.writer != nil {
		if _, err := io.WriteString(p.writer, msg); err != nil {
			p.err = fmt.Errorf("printer output: %w", err)
			return p.err
		}
	}
	if p.logger != nil {
		p.logger.Info(msg)
	}
	return nil
}

// Err returns the first write error.
func (p *ItemPrinter) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// SetMute sets the printer to mute (avoids output).
func (p *ItemPrinter) SetMute(mute bool) { p.muted = mute }

// IsMuted returns true if the printer is muted.
func (p *ItemPrinter) IsMuted() bool { return p.muted }

// MuteIDPrint mutes or unmutes printing the index and channel on each line.
func (p *ItemPrinter) MuteIDPrint(mute bool) { p.idPrintMute = mute }

// IDPrintMuted returns whether index and channel printing is muted.
func (p *ItemPrinter) IDPrintMuted() bool { return p.idPrintMute }

func (p *ItemPrinter) prefix(idx uint64, ch uint8) string {
	if p.idPrintMute {
		return ""
	}
	return fmt.Sprintf("Idx:%d; ID:%x; ", idx, ch)
}
