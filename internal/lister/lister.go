// Package lister runs a complete decode from a byte source to printed or
// serialised output.
package lister

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"swotrace/internal/common"
	"swotrace/internal/config"
	"swotrace/internal/event"
	"swotrace/internal/metrics"
	"swotrace/internal/pipeline"
	"swotrace/internal/printers"
	"swotrace/internal/source"
)

// Output formats.
const (
	FormatText    = "text"
	FormatMsgpack = "msgpack"
)

// Config holds the lister options that are not part of the decode
// configuration.
type Config struct {
	Source      string   // source spec, see source.Parse
	Format      string   // FormatText or FormatMsgpack
	Packets     bool     // list raw packets ahead of events (text only)
	Kinds       []string // event kinds to print, empty prints all
	Quiet       bool     // omit diagnostic lines
	Stats       bool     // print counters at the end
	NoTimePrint bool

	// Resync forces a resynchronisation each time it receives.
	Resync <-chan struct{}

	OutputWriter io.Writer
}

// Run decodes cfg.Source with the session configuration sc.
func Run(ctx context.Context, cfg Config, sc *config.Config, logger common.Logger) error {
	w := cfg.OutputWriter
	if w == nil {
		w = os.Stdout
	}
	if logger == nil {
		logger = common.NewNoOpLogger()
	}
	if cfg.Format == "" {
		cfg.Format = FormatText
	}

	spec, err := source.Parse(cfg.Source)
	if err != nil {
		return fmt.Errorf("bad source: %w", err)
	}

	var sink event.Sink
	var text *printers.EventPrinter
	var mp *event.MsgpackWriter
	switch cfg.Format {
	case FormatText:
		text = printers.NewEventPrinter(w)
		text.SetShowDiagnostics(!cfg.Quiet)
		if cfg.Stats {
			text.SetCollectStats()
		}
		kinds := make([]event.Kind, 0, len(cfg.Kinds))
		for _, name := range cfg.Kinds {
			k, err := event.ParseKind(strings.TrimSpace(name))
			if err != nil {
				return err
			}
			kinds = append(kinds, k)
		}
		text.SetKinds(kinds...)
		sink = text
	case FormatMsgpack:
		mp = event.NewMsgpackWriter(w)
		sink = mp
	default:
		return fmt.Errorf("unknown output format %q", cfg.Format)
	}

	m := metrics.NewCollector()
	if sc.Metrics.Listen != "" {
		srv := metrics.NewServer(sc.Metrics.Listen, "", metrics.NewRegistry(m), logger)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(context.Background()); err != nil {
				logger.Error(err)
			}
		}()
	}

	sess, err := pipeline.NewSession(*sc, sink, logger, m)
	if err != nil {
		return err
	}
	if cfg.Packets && text != nil {
		pp := printers.NewPacketPrinterWith(text.ItemPrinter)
		sess.SetPacketMonitor(pp.PacketIn)
	}

	rc, err := source.Open(ctx, spec, logger)
	if err != nil {
		return err
	}
	defer rc.Close()

	if text != nil {
		fmt.Fprintln(w, "SWO Trace Lister: ITM/DWT decode")
		fmt.Fprintln(w, "--------------------------------")
		fmt.Fprintf(w, "Using %s as trace source\n", spec)
	}

	if cfg.Resync != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-cfg.Resync:
					sess.Resync()
				case <-done:
					return
				}
			}
		}()
	}

	start := time.Now()
	runErr := sess.Run(ctx, rc)
	elapsed := time.Since(start)

	snap := sess.Snapshot()
	logger.Logf(common.SeverityInfo, "decoded %d bytes into %d events on %d channels in %s",
		snap.FrontEnd.BytesIn, snap.EventsOut, len(snap.Channels), elapsed)

	if text != nil {
		if cfg.Stats {
			if err := text.PrintStats(); err != nil {
				return err
			}
			printSnapshot(w, snap)
		}
		if !cfg.NoTimePrint {
			fmt.Fprintf(w, "Trace decode complete: %s\n", elapsed)
		}
	}
	if mp != nil && mp.Err() != nil {
		return mp.Err()
	}
	return runErr
}

func printSnapshot(w io.Writer, s metrics.Snapshot) {
	fe := s.FrontEnd
	fmt.Fprintf(w, "Input: %d bytes; frames %d; framing errors %d; dropped %d\n",
		fe.BytesIn, fe.Frames, fe.FramingErrors+fe.BadFrames, fe.DroppedBytes+fe.UnsyncedBytes)
	for _, c := range s.Channels {
		fmt.Fprintf(w, "Channel %02x: %d bytes; %d packets; %d syncs; %d overflows; %d lost; %d protocol errors; %d events\n",
			c.Channel, c.BytesIn, c.Packets, c.Syncs, c.Overflows, c.BytesLost, c.ProtocolErrors, c.Events)
	}
}
