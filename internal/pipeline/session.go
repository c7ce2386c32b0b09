// Package pipeline wires a deframer, the per-channel packet decoders and
// timestamp correlators of a decode session to an event sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"swotrace/internal/common"
	"swotrace/internal/config"
	"swotrace/internal/event"
	"swotrace/internal/itm"
	"swotrace/internal/metrics"
	"swotrace/internal/oflow"
	"swotrace/internal/tpiu"
	"swotrace/internal/trc"
)

// readChunk is the size of a single read from the byte source.
const readChunk = 4096

// frontEnd turns the raw input into channel tagged bytes.
type frontEnd interface {
	Write(data []byte, emit func(tpiu.TaggedByte))
	Flush() int
}

// PacketMonitor receives every packet a channel decodes, before it is
// correlated. In parallel mode it is called from several goroutines.
type PacketMonitor func(ch uint8, p *itm.Packet)

// Session decodes one trace source. Run must be called once; Resync and
// Snapshot may be called from any goroutine.
type Session struct {
	cfg     config.Config
	out     event.Sink
	sink    event.Sink // what the channels deliver to
	logger  common.Logger
	metrics *metrics.Collector

	front frontEnd
	tpiu  *tpiu.Deframer
	oflow *oflow.Deframer

	channels map[uint8]*channel
	order    []uint8          // channels in creation order
	refused  map[uint8]uint64 // bytes for channels past ChannelCount

	workers *errgroup.Group // set in parallel mode
	wctx    context.Context // cancelled when a worker fails
	dctx    context.Context // delivery context, not cancelled by the run

	monitor PacketMonitor

	resync  atomic.Bool
	started bool
}

// NewSession validates cfg and builds a session delivering to sink. A nil
// collector is replaced by a private one.
func NewSession(cfg config.Config, sink event.Sink, logger common.Logger, m *metrics.Collector) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.New("pipeline: nil sink")
	}
	if logger == nil {
		logger = common.NewNoOpLogger()
	}
	if m == nil {
		m = metrics.NewCollector()
	}

	s := &Session{
		cfg:      cfg,
		out:      sink,
		logger:   logger,
		metrics:  m,
		channels: make(map[uint8]*channel),
		refused:  make(map[uint8]uint64),
	}

	if cfg.OFLOW {
		d := oflow.NewDeframer(cfg.Channels, logger)
		d.SetErrorHandler(s.framingError)
		s.oflow = d
		s.front = d
	} else {
		d := tpiu.NewDeframer(tpiu.Config{
			Framing:  cfg.TPIUFraming,
			Sync:     cfg.TPIUSync,
			Channels: cfg.Channels,
		}, logger)
		d.SetErrorHandler(s.framingError)
		s.tpiu = d
		s.front = d
	}
	return s, nil
}

// SetPacketMonitor installs a packet monitor. It must be called before Run.
func (s *Session) SetPacketMonitor(m PacketMonitor) {
	s.monitor = m
}

// Resync forces every channel decoder to search for the next sync packet.
// It takes effect before the next input chunk is decoded.
func (s *Session) Resync() {
	s.resync.Store(true)
}

// Snapshot returns the session counters.
func (s *Session) Snapshot() metrics.Snapshot {
	return s.metrics.Snapshot()
}

// Run decodes r until it reports io.EOF, the context is cancelled or the
// sink fails. At end of input partial packets are reported and pending
// events are released. Read errors and cancellation end the input the same
// way: everything already read is decoded and flushed before Run returns.
// Only a sink failure skips the flush.
func (s *Session) Run(ctx context.Context, r io.Reader) error {
	if s.started {
		return errors.New("pipeline: session already run")
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.dctx = context.WithoutCancel(ctx)

	direct := &countingSink{next: s.out, metrics: s.metrics}
	var queue *event.ChanSink
	var fwdErr error
	fwdDone := make(chan struct{})
	if s.cfg.SinkQueue > 0 {
		policy := event.Block
		if s.cfg.DropOnBackpressure {
			policy = event.Drop
		}
		queue = event.NewChanSink(s.cfg.SinkQueue, policy)
		s.sink = queue
		go func() {
			defer close(fwdDone)
			fwdErr = forward(s.dctx, queue, direct, cancel)
		}()
	} else {
		close(fwdDone)
		if s.cfg.ParallelChannels {
			direct.mu = new(sync.Mutex)
		}
		s.sink = direct
	}

	s.wctx = ctx
	if s.cfg.ParallelChannels {
		s.workers, s.wctx = errgroup.WithContext(ctx)
	}

	flush, err := s.decode(ctx, r)
	cerr := s.closeChannels(flush)

	if queue != nil {
		queue.Close()
	}
	<-fwdDone
	s.publishFrontEnd()

	s.logger.Logf(common.SeverityDebug, "session finished: %d channels, %d events",
		len(s.order), s.metrics.Snapshot().EventsOut)
	return firstError(fwdErr, cerr, err)
}

// decode reads and dispatches input. The flag reports whether the input
// ended, so channels must be flushed. It is false only after a channel
// failed to deliver.
func (s *Session) decode(ctx context.Context, r io.Reader) (bool, error) {
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			s.endOfStream()
			return true, err
		}
		if err := s.wctx.Err(); err != nil {
			return false, err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			s.front.Write(buf[:n], s.route)
			if err := s.dispatch(); err != nil {
				return false, err
			}
			s.publishFrontEnd()
		}

		if rerr == io.EOF {
			s.endOfStream()
			return true, nil
		}
		if rerr != nil {
			s.endOfStream()
			// a source closed by cancellation reports its own error
			if err := ctx.Err(); err != nil {
				return true, err
			}
			return true, fmt.Errorf("reading trace source: %w", rerr)
		}
	}
}

// route collects a deframed byte for its channel.
func (s *Session) route(tb tpiu.TaggedByte) {
	ch := s.channels[tb.Channel]
	if ch == nil {
		if ch = s.open(tb.Channel); ch == nil {
			s.refused[tb.Channel]++
			return
		}
	}
	ch.buf = append(ch.buf, tb)
}

// open creates the decode state of a new channel, or returns nil when the
// channel limit has been reached.
func (s *Session) open(id uint8) *channel {
	if len(s.channels) >= s.cfg.ChannelCount {
		if s.refused[id] == 0 {
			s.logger.Logf(common.SeverityWarning, "channel %02x ignored: limit of %d channels reached", id, s.cfg.ChannelCount)
		}
		return nil
	}

	ch := newChannel(id, &s.cfg, s.sink, s.logger, s.metrics)
	ch.monitor = s.monitor
	s.channels[id] = ch
	s.order = append(s.order, id)
	s.logger.Logf(common.SeverityDebug, "channel %02x opened", id)

	if s.workers != nil {
		ch.in = make(chan batch, workerQueue)
		s.workers.Go(func() error {
			return ch.run(s.dctx)
		})
	}
	return ch
}

// dispatch hands each channel the bytes routed to it since the last call.
// Workers always drain their queue, so a send only waits for backpressure.
func (s *Session) dispatch() error {
	resync := s.resync.Swap(false)
	if resync {
		s.logger.Info("forced resynchronisation")
	}

	for _, id := range s.order {
		ch := s.channels[id]
		if len(ch.buf) == 0 && !resync {
			continue
		}
		b := batch{data: ch.buf, resync: resync}

		if s.workers == nil {
			err := ch.apply(s.dctx, b)
			ch.buf = ch.buf[:0]
			if err != nil {
				return err
			}
			continue
		}

		ch.in <- b
		ch.buf = nil
	}
	return nil
}

// closeChannels ends every channel, flushing it if the input ended.
func (s *Session) closeChannels(flush bool) error {
	if s.workers == nil {
		if !flush {
			return nil
		}
		for _, id := range s.order {
			if err := s.channels[id].flush(s.dctx); err != nil {
				return err
			}
		}
		return nil
	}

	for _, id := range s.order {
		ch := s.channels[id]
		ch.flushOnClose = flush
		close(ch.in)
	}
	return s.workers.Wait()
}

// endOfStream reports input the front end could not deliver.
func (s *Session) endOfStream() {
	if n := s.front.Flush(); n > 0 {
		err := common.NewErrorWithIdxChanMsg(trc.ErrSevWarn, trc.ErrIncompletePacket, trc.BadIndex, trc.BadChannel,
			fmt.Sprintf("partial frame at end of stream, %d bytes discarded", n))
		s.logger.Error(err)
		s.sink.Diagnostic(event.NewDiagnostic(common.DiagIncompletePacket, err, uint64(n), 0))
	}

	for id, n := range s.refused {
		err := common.NewErrorWithIdxChanMsg(trc.ErrSevError, trc.ErrInvalidID, trc.BadIndex, id,
			fmt.Sprintf("channel limit of %d reached, %d bytes discarded", s.cfg.ChannelCount, n))
		s.logger.Error(err)
		s.sink.Diagnostic(event.NewDiagnostic(common.DiagFramingError, err, n, 0))
	}
}

func (s *Session) framingError(err *common.Error) {
	s.sink.Diagnostic(event.NewDiagnostic(common.DiagFramingError, err, 0, 1))
}

func (s *Session) publishFrontEnd() {
	var fe metrics.FrontEnd
	if s.tpiu != nil {
		st := s.tpiu.Stats()
		fe = metrics.FrontEnd{
			BytesIn:       st.BytesIn,
			BytesOut:      st.BytesOut,
			Frames:        st.Frames,
			PaddingBytes:  st.PaddingBytes,
			SyncBytes:     st.SyncBytes,
			UnsyncedBytes: st.UnsyncedBytes,
			DroppedBytes:  st.DroppedBytes,
			FramingErrors: st.FramingErrors,
		}
	} else {
		st := s.oflow.Stats()
		fe = metrics.FrontEnd{
			BytesIn:      st.COBS.InBytes,
			BytesOut:     st.BytesOut,
			Frames:       st.Frames,
			DroppedBytes: st.Filtered + st.COBS.BadBytes,
			BadFrames:    st.BadFrames,
		}
	}
	s.metrics.SetFrontEnd(fe)
}

// firstError prefers a real failure over the cancellation it caused.
func firstError(errs ...error) error {
	var cancelled error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) {
			if cancelled == nil {
				cancelled = err
			}
			continue
		}
		return err
	}
	return cancelled
}
