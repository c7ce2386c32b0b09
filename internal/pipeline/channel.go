package pipeline

import (
	"context"
	"fmt"

	"swotrace/internal/common"
	"swotrace/internal/config"
	"swotrace/internal/event"
	"swotrace/internal/itm"
	"swotrace/internal/metrics"
	"swotrace/internal/timestamp"
	"swotrace/internal/tpiu"
	"swotrace/internal/trc"
)

// workerQueue is the number of batches a channel worker may have queued.
const workerQueue = 8

// batch is the input of a channel for one chunk of the byte source.
type batch struct {
	data   []tpiu.TaggedByte
	resync bool // force a resync before the data
}

// channel is the decode state of one trace channel. It is owned by the
// session loop, or by its worker in parallel mode.
type channel struct {
	id      uint8
	dec     *itm.Decoder
	corr    *timestamp.Correlator
	sink    event.Sink
	logger  common.Logger
	metrics *metrics.Collector

	buf     []tpiu.TaggedByte // routed since the last dispatch
	pkts    []itm.Packet
	collect func(itm.Packet)
	monitor PacketMonitor

	in           chan batch
	flushOnClose bool
}

func newChannel(id uint8, cfg *config.Config, sink event.Sink, logger common.Logger, m *metrics.Collector) *channel {
	logger = logger.With("channel", id)
	ch := &channel{
		id:      id,
		sink:    sink,
		logger:  logger,
		metrics: m,
		dec:     itm.NewDecoder(id, cfg.RequireSync, logger),
		corr:    timestamp.NewCorrelator(id, timestamp.ConfigFrom(cfg), sink, logger),
	}
	ch.collect = func(p itm.Packet) { ch.pkts = append(ch.pkts, p) }
	ch.dec.SetErrorHandler(ch.decodeError)
	return ch
}

// run is the worker loop of a channel in parallel mode. It drains its
// queue until the session closes it, even after a delivery failed.
func (ch *channel) run(ctx context.Context) error {
	var err error
	for b := range ch.in {
		if err == nil {
			err = ch.apply(ctx, b)
		}
	}
	if err == nil && ch.flushOnClose {
		err = ch.flush(ctx)
	}
	return err
}

func (ch *channel) apply(ctx context.Context, b batch) error {
	if b.resync {
		if n := ch.dec.ForceResync(); n > 0 {
			ch.logger.Logf(common.SeverityDebug, "resync abandoned %d byte partial packet", n)
		}
	}

	for _, tb := range b.data {
		ch.pkts = ch.pkts[:0]
		ch.dec.Feed(tb.Value, tb.Index, ch.collect)
		for i := range ch.pkts {
			if ch.monitor != nil {
				ch.monitor(ch.id, &ch.pkts[i])
			}
			if err := ch.corr.Process(ctx, &ch.pkts[i]); err != nil {
				return fmt.Errorf("channel %02x: %w", ch.id, err)
			}
		}
	}
	ch.publish()
	return nil
}

func (ch *channel) flush(ctx context.Context) error {
	ch.dec.Flush()
	err := ch.corr.Flush(ctx)
	ch.publish()
	if err != nil {
		return fmt.Errorf("channel %02x: %w", ch.id, err)
	}
	return nil
}

func (ch *channel) decodeError(err *common.Error, lost uint64) {
	ch.sink.Diagnostic(event.NewDiagnostic(diagKind(err.Code), err, lost, 0))
}

// diagKind maps a decoder error code to its diagnostic kind.
func diagKind(code trc.Err) common.DiagKind {
	switch code {
	case trc.ErrIncompletePacket:
		return common.DiagIncompletePacket
	case trc.ErrFramingAux, trc.ErrOflowChecksum, trc.ErrOflowFrame:
		return common.DiagFramingError
	case trc.ErrTimestampAmbiguous:
		return common.DiagTimestampAmbiguity
	case trc.ErrEventsDropped:
		return common.DiagEventsDropped
	default:
		return common.DiagProtocolError
	}
}

func (ch *channel) publish() {
	ds := ch.dec.Stats()
	cs := ch.corr.Stats()
	ch.metrics.SetChannel(metrics.Channel{
		Channel:        ch.id,
		BytesIn:        ds.BytesIn,
		Packets:        ds.Packets,
		Syncs:          ds.Syncs,
		Overflows:      ds.Overflows,
		SWITPackets:    ds.SWITPackets,
		DWTPackets:     ds.DWTPackets,
		Timestamps:     ds.Timestamps,
		BytesLost:      ds.BytesLost,
		ProtocolErrors: ds.ProtocolErrors,
		Events:         cs.Events,
		Ambiguous:      cs.Ambiguous,
		MaxPending:     cs.MaxPending,
	})
}
