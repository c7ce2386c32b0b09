package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swotrace/internal/common"
	"swotrace/internal/config"
	"swotrace/internal/event"
	"swotrace/internal/itm"
	"swotrace/internal/itm/itmtest"
	"swotrace/internal/oflow"
)

func testConfig(precision config.Precision) config.Config {
	cfg := config.Default()
	cfg.TimestampPrecision = precision
	return cfg
}

func run(t *testing.T, cfg config.Config, input []byte) (*Session, *event.Collector) {
	t.Helper()
	sink := event.NewCollector()
	s, err := NewSession(cfg, sink, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background(), bytes.NewReader(input)))
	return s, sink
}

func diagKinds(ds []event.Diagnostic) []common.DiagKind {
	out := make([]common.DiagKind, len(ds))
	for i, d := range ds {
		out[i] = d.Kind
	}
	return out
}

// chunkReader returns one chunk per Read, calling before(i) ahead of chunk i.
type chunkReader struct {
	chunks [][]byte
	next   int
	before func(i int)
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.next >= len(r.chunks) {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	if r.before != nil {
		r.before(r.next)
	}
	n := copy(p, r.chunks[r.next])
	r.next++
	return n, nil
}

func TestSingleSoftwarePacketFloor(t *testing.T) {
	s, sink := run(t, testConfig(config.PrecisionFloor), []byte{0x01, 0xAB})

	evs := sink.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindSoftware, evs[0].Kind)
	assert.Equal(t, uint8(0), evs[0].Channel)
	assert.Equal(t, uint16(0), evs[0].Port)
	assert.Equal(t, uint32(0xAB), evs[0].Value)
	assert.Equal(t, []byte{0xAB}, evs[0].Payload)
	assert.Equal(t, event.Unresolved, evs[0].Time.Status)

	ds := sink.Diagnostics()
	require.Len(t, ds, 1)
	assert.Equal(t, common.DiagTimestampAmbiguity, ds[0].Kind)
	assert.Equal(t, uint64(1), ds[0].Count)

	snap := s.Snapshot()
	ch, ok := snap.Channel(0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ch.SWITPackets)
	assert.Equal(t, uint64(1), snap.EventsOut)
	assert.Equal(t, uint64(2), snap.FrontEnd.BytesIn)
}

func TestSingleSoftwarePacketExactReleasedAtEnd(t *testing.T) {
	_, sink := run(t, testConfig(config.PrecisionExact), []byte{0x01, 0xAB})

	evs := sink.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, event.Unresolved, evs[0].Time.Status)

	ds := sink.Diagnostics()
	require.Len(t, ds, 1)
	assert.Equal(t, common.DiagTimestampAmbiguity, ds[0].Kind)
	assert.Equal(t, uint64(1), ds[0].Count)
}

func TestOverflowCounted(t *testing.T) {
	s, sink := run(t, testConfig(config.PrecisionFloor), []byte{0x70})

	evs := sink.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, event.KindOverflow, evs[0].Kind)

	ch, ok := s.Snapshot().Channel(0)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ch.Overflows)
}

func TestIncompletePacketAtEnd(t *testing.T) {
	s, sink := run(t, testConfig(config.PrecisionFloor), []byte{0x03, 0x01})

	assert.Empty(t, sink.Events())
	ds := sink.Diagnostics()
	require.Len(t, ds, 1)
	assert.Equal(t, common.DiagIncompletePacket, ds[0].Kind)
	assert.Equal(t, uint64(2), ds[0].Lost)
	assert.Equal(t, uint64(1), s.Snapshot().Diagnostics["IncompletePacket"])
}

func TestProtocolErrorThenSync(t *testing.T) {
	b := &itmtest.Builder{}
	b.AddSWIT(1, 0x11, 1).AddBytes(0x84, 0x22).AddAsync().AddSWIT(2, 0x33, 1)
	_, sink := run(t, testConfig(config.PrecisionFloor), b.Bytes())

	assert.Equal(t,
		[]common.DiagKind{common.DiagProtocolError, common.DiagSyncAcquired, common.DiagTimestampAmbiguity},
		diagKinds(sink.Diagnostics()))
	assert.Equal(t, uint64(3), sink.Diagnostics()[2].Count)

	evs := sink.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, uint32(0x11), evs[0].Value)
	assert.Equal(t, event.KindSync, evs[1].Kind)
	assert.Equal(t, uint64(2), evs[1].Lost)
	assert.Equal(t, uint16(2), evs[2].Port)
}

// tpiuFrame carries seven SWIT port 0 packets of 0x41 on source ID 1.
func tpiuFrame() []byte {
	f := []byte{0x03}
	for i := 0; i < 7; i++ {
		f = append(f, 0x01, 0x40) // 0x41 with its LSB moved to the aux byte
	}
	return append(f, 0xFE)
}

func TestTPIUFramedSession(t *testing.T) {
	cfg := testConfig(config.PrecisionFloor)
	cfg.TPIUFraming = true
	s, sink := run(t, cfg, tpiuFrame())

	evs := sink.ChannelEvents(1)
	require.Len(t, evs, 7)
	for _, ev := range evs {
		assert.Equal(t, event.KindSoftware, ev.Kind)
		assert.Equal(t, uint32(0x41), ev.Value)
	}
	assert.Len(t, sink.Events(), 7)

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.FrontEnd.Frames)
	ch, ok := snap.Channel(1)
	require.True(t, ok)
	assert.Equal(t, uint64(7), ch.SWITPackets)
}

func TestTPIUPartialFrameReported(t *testing.T) {
	cfg := testConfig(config.PrecisionFloor)
	cfg.TPIUFraming = true
	_, sink := run(t, cfg, append(tpiuFrame(), 0x03, 0x01, 0x40))

	ds := sink.Diagnostics()
	require.Equal(t, []common.DiagKind{common.DiagIncompletePacket, common.DiagTimestampAmbiguity}, diagKinds(ds))
	assert.Equal(t, uint64(3), ds[0].Lost)
	assert.Equal(t, uint64(7), ds[1].Count)
	assert.Len(t, sink.Events(), 7)
}

// oflowStreams builds random ITM traffic on several orbflow streams,
// interleaved in frames of random size.
func oflowStreams(rng *rand.Rand, streams []uint8, packets int) []byte {
	raw := make(map[uint8][]byte)
	for _, id := range streams {
		b := &itmtest.Builder{}
		b.AddAsync()
		for i := 0; i < packets; i++ {
			switch rng.Intn(6) {
			case 0:
				b.AddSWIT(uint8(rng.Intn(32)), rng.Uint32(), []uint8{1, 2, 4}[rng.Intn(3)])
			case 1:
				b.AddDWT(uint8(rng.Intn(24)), rng.Uint32(), []uint8{1, 2, 4}[rng.Intn(3)])
			case 2:
				b.AddLTSSync(uint8(1 + rng.Intn(6)))
			case 3:
				b.AddOverflow()
			default:
				b.AddSWIT(uint8(rng.Intn(4)), uint32(rng.Intn(256)), 1)
			}
		}
		raw[id] = b.Bytes()
	}

	var out []byte
	for {
		done := true
		for _, id := range streams {
			data := raw[id]
			if len(data) == 0 {
				continue
			}
			done = false
			n := 1 + rng.Intn(40)
			if n > len(data) {
				n = len(data)
			}
			out = append(out, oflow.EncodeFrame(id, data[:n])...)
			raw[id] = data[n:]
		}
		if done {
			return out
		}
	}
}

func channelDiagnostics(ds []event.Diagnostic, ch uint8) []event.Diagnostic {
	var out []event.Diagnostic
	for _, d := range ds {
		if d.Channel == ch {
			out = append(out, d)
		}
	}
	return out
}

func TestParallelMatchesSerial(t *testing.T) {
	streams := []uint8{1, 2, 5}
	input := oflowStreams(rand.New(rand.NewSource(7)), streams, 3000)

	base := testConfig(config.PrecisionExact)
	base.OFLOW = true
	base.MaxPendingEvents = 8

	_, serial := run(t, base, input)

	variants := map[string]func(c *config.Config){
		"parallel":        func(c *config.Config) { c.ParallelChannels = true },
		"queued":          func(c *config.Config) { c.SinkQueue = 16 },
		"parallel queued": func(c *config.Config) { c.ParallelChannels = true; c.SinkQueue = 4 },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			_, got := run(t, cfg, input)

			require.Equal(t, len(serial.Events()), len(got.Events()))
			for _, id := range streams {
				want := serial.ChannelEvents(id)
				require.NotEmpty(t, want)
				if diff := cmp.Diff(want, got.ChannelEvents(id)); diff != "" {
					t.Errorf("channel %d events mismatch (-serial +%s):\n%s", id, name, diff)
				}
				if diff := cmp.Diff(channelDiagnostics(serial.Diagnostics(), id), channelDiagnostics(got.Diagnostics(), id)); diff != "" {
					t.Errorf("channel %d diagnostics mismatch (-serial +%s):\n%s", id, name, diff)
				}
			}
		})
	}
}

func TestChannelLimit(t *testing.T) {
	cfg := testConfig(config.PrecisionFloor)
	cfg.OFLOW = true
	cfg.ChannelCount = 1

	var input []byte
	input = append(input, oflow.EncodeFrame(1, []byte{0x01, 0x41})...)
	input = append(input, oflow.EncodeFrame(2, []byte{0x01, 0x42, 0x01})...)
	input = append(input, oflow.EncodeFrame(1, []byte{0x01, 0x43})...)
	s, sink := run(t, cfg, input)

	assert.Len(t, sink.ChannelEvents(1), 2)
	assert.Empty(t, sink.ChannelEvents(2))

	ds := sink.Diagnostics()
	require.Equal(t, []common.DiagKind{common.DiagFramingError, common.DiagTimestampAmbiguity}, diagKinds(ds))
	assert.Equal(t, uint8(2), ds[0].Channel)
	assert.Equal(t, uint64(3), ds[0].Lost)
	assert.Len(t, s.Snapshot().Channels, 1)
}

func TestOFLOWBadFrameReported(t *testing.T) {
	cfg := testConfig(config.PrecisionFloor)
	cfg.OFLOW = true

	bad := oflow.EncodeFrame(1, []byte{0x01, 0x41})
	bad[2] ^= 0x02
	input := append(bad, oflow.EncodeFrame(1, []byte{0x01, 0x43})...)
	s, sink := run(t, cfg, input)

	evs := sink.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, uint32(0x43), evs[0].Value)

	ds := sink.Diagnostics()
	require.Equal(t, []common.DiagKind{common.DiagFramingError, common.DiagTimestampAmbiguity}, diagKinds(ds))
	assert.Equal(t, uint64(1), s.Snapshot().FrontEnd.BadFrames)
}

func TestForcedResync(t *testing.T) {
	sink := event.NewCollector()
	s, err := NewSession(testConfig(config.PrecisionFloor), sink, nil, nil)
	require.NoError(t, err)

	r := &chunkReader{
		chunks: [][]byte{
			{0x03, 0x01, 0x02},
			{0x01, 0x41, 0x00, 0x00, 0x00, 0x00, 0x00, 0x80, 0x01, 0x42},
		},
		before: func(i int) {
			if i == 1 {
				s.Resync()
			}
		},
	}
	require.NoError(t, s.Run(context.Background(), r))

	evs := sink.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, event.KindSync, evs[0].Kind)
	assert.Equal(t, uint64(5), evs[0].Lost)
	assert.Equal(t, uint32(0x42), evs[1].Value)

	ds := sink.Diagnostics()
	require.Equal(t, []common.DiagKind{common.DiagSyncAcquired, common.DiagTimestampAmbiguity}, diagKinds(ds))
	assert.Equal(t, uint64(5), ds[0].Lost)
	assert.Equal(t, uint64(2), ds[1].Count)
}

func TestReadErrorIsWrapped(t *testing.T) {
	errBoom := errors.New("link down")
	sink := event.NewCollector()
	s, err := NewSession(testConfig(config.PrecisionExact), sink, nil, nil)
	require.NoError(t, err)

	r := &chunkReader{chunks: [][]byte{{0x01, 0x41}}, err: errBoom}
	err = s.Run(context.Background(), r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errBoom))
	assert.Contains(t, err.Error(), "reading trace source")

	// pending events are still released
	assert.Len(t, sink.Events(), 1)
}

func TestSinkErrorStopsSession(t *testing.T) {
	errSink := errors.New("sink closed")
	variants := map[string]func(c *config.Config){
		"serial":   func(c *config.Config) {},
		"parallel": func(c *config.Config) { c.ParallelChannels = true },
		"queued":   func(c *config.Config) { c.SinkQueue = 2 },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(config.PrecisionFloor)
			mutate(&cfg)

			delivered := 0
			sink := event.Funcs{OnEvent: func(context.Context, event.Event) error {
				delivered++
				if delivered == 3 {
					return errSink
				}
				return nil
			}}
			s, err := NewSession(cfg, sink, nil, nil)
			require.NoError(t, err)

			b := &itmtest.Builder{}
			for i := 0; i < 100; i++ {
				b.AddSWIT(1, uint32(i), 1)
			}
			err = s.Run(context.Background(), bytes.NewReader(b.Bytes()))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errSink))
		})
	}
}

func TestDropPolicyCountsDroppedEvents(t *testing.T) {
	cfg := testConfig(config.PrecisionFloor)
	cfg.SinkQueue = 1
	cfg.DropOnBackpressure = true

	gate := make(chan struct{})
	delivered := 0
	var dropped uint64
	sink := event.Funcs{
		OnEvent: func(context.Context, event.Event) error {
			<-gate
			delivered++
			return nil
		},
		OnDiagnostic: func(d event.Diagnostic) {
			if d.Kind == common.DiagEventsDropped {
				dropped += d.Count
			}
		},
	}
	s, err := NewSession(cfg, sink, nil, nil)
	require.NoError(t, err)

	b := &itmtest.Builder{}
	for i := 0; i < 10; i++ {
		b.AddSWIT(1, uint32(i), 1)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), bytes.NewReader(b.Bytes())) }()

	require.Eventually(t, func() bool {
		ch, ok := s.Snapshot().Channel(0)
		return ok && ch.Events == 10
	}, 5*time.Second, time.Millisecond)
	close(gate)
	require.NoError(t, <-done)

	assert.Greater(t, dropped, uint64(0))
	assert.Equal(t, uint64(10), uint64(delivered)+dropped)
}

func TestCancelledContext(t *testing.T) {
	s, err := NewSession(testConfig(config.PrecisionFloor), event.NewCollector(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Run(ctx, bytes.NewReader([]byte{0x01, 0x41}))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCancelFlushesPendingEvents(t *testing.T) {
	variants := map[string]func(c *config.Config){
		"serial":   func(c *config.Config) {},
		"parallel": func(c *config.Config) { c.ParallelChannels = true },
		"queued":   func(c *config.Config) { c.SinkQueue = 2 },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(config.PrecisionExact)
			mutate(&cfg)

			var mu sync.Mutex
			var evs []event.Event
			var ds []event.Diagnostic
			sink := event.Funcs{
				OnEvent: func(ctx context.Context, ev event.Event) error {
					if err := ctx.Err(); err != nil {
						return err
					}
					mu.Lock()
					evs = append(evs, ev)
					mu.Unlock()
					return nil
				},
				OnDiagnostic: func(d event.Diagnostic) {
					mu.Lock()
					ds = append(ds, d)
					mu.Unlock()
				},
			}
			s, err := NewSession(cfg, sink, nil, nil)
			require.NoError(t, err)

			b := &itmtest.Builder{}
			for i := 0; i < 10; i++ {
				b.AddSWIT(1, uint32(i), 1)
			}
			b.AddBytes(0x02, 0x41) // 2 byte SWIT cut short

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			r := &chunkReader{
				chunks: [][]byte{b.Bytes(), {}},
				before: func(i int) {
					if i == 1 {
						cancel()
					}
				},
			}
			err = s.Run(ctx, r)
			assert.ErrorIs(t, err, context.Canceled)

			require.Len(t, evs, 10)
			for i, ev := range evs {
				assert.Equal(t, uint32(i), ev.Value)
				assert.Equal(t, event.Unresolved, ev.Time.Status)
			}
			require.Equal(t, []common.DiagKind{common.DiagIncompletePacket, common.DiagTimestampAmbiguity}, diagKinds(ds))
			assert.Equal(t, uint64(2), ds[0].Lost)
			assert.Equal(t, uint64(10), ds[1].Count)
			assert.Equal(t, uint64(10), s.Snapshot().EventsOut)
		})
	}
}

func TestSessionRunsOnce(t *testing.T) {
	s, sink := run(t, testConfig(config.PrecisionFloor), nil)
	assert.Empty(t, sink.Events())
	assert.Error(t, s.Run(context.Background(), bytes.NewReader(nil)))
}

func TestInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ChannelCount = 0
	_, err := NewSession(cfg, event.NewCollector(), nil, nil)
	assert.True(t, errors.Is(err, config.ErrInvalid))

	_, err = NewSession(config.Default(), nil, nil, nil)
	assert.Error(t, err)
}

func TestPacketMonitor(t *testing.T) {
	sink := event.NewCollector()
	s, err := NewSession(testConfig(config.PrecisionFloor), sink, nil, nil)
	require.NoError(t, err)

	var types []string
	s.SetPacketMonitor(func(ch uint8, p *itm.Packet) {
		types = append(types, p.Type.String())
	})

	b := &itmtest.Builder{}
	b.AddAsync().AddSWIT(0, 0x41, 1).AddLTSSync(2).AddOverflow()
	require.NoError(t, s.Run(context.Background(), bytes.NewReader(b.Bytes())))

	assert.Equal(t, []string{"ASYNC", "SWIT", "TS_L", "OVERFLOW"}, types)
}
