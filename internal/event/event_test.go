package event

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swotrace/internal/common"
	"swotrace/internal/dwt"
	"swotrace/internal/trc"
)

func swEvent(port uint16, val uint32) Event {
	return Event{
		Time:    Timestamp{Ticks: 10, Nanos: 100, Status: Exact},
		Channel: 1,
		Port:    port,
		Kind:    KindSoftware,
		Payload: []byte{byte(val)},
		Value:   val,
		Size:    1,
		Index:   trc.Index(port),
	}
}

func TestKindNames(t *testing.T) {
	for k := KindSoftware; k <= KindSync; k++ {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("bogus")
	assert.Error(t, err)
	assert.Equal(t, "unknown", Kind(42).String())
}

func TestTimestampString(t *testing.T) {
	assert.Equal(t, "?", Timestamp{}.String())
	assert.Equal(t, "<=12", Timestamp{Ticks: 12, Status: Floor}.String())
	assert.Equal(t, "12", Timestamp{Ticks: 12, Status: Exact}.String())
}

func TestEventString(t *testing.T) {
	ev := swEvent(3, 0x41)
	assert.Equal(t, "[10] ch 01 software port 3 size 1 value 0x41", ev.String())

	info := dwt.Interpret(2, 0x08001234, 4)
	hw := Event{Kind: KindHardware, Channel: 1, Time: Timestamp{Ticks: 5, Status: Floor}, DWT: &info, Overflow: true}
	assert.Equal(t, "[<=5] ch 01 hardware PC Sample : PC = 0x08001234 (after overflow)", hw.String())

	sync := Event{Kind: KindSync, Lost: 7}
	assert.Equal(t, "[?] ch 00 sync lost 7", sync.String())
}

func TestNewDiagnostic(t *testing.T) {
	err := common.NewErrorWithIdxChanMsg(trc.ErrSevError, trc.ErrInvalidPcktHdr, 42, 3, "reserved header 0x14")
	d := NewDiagnostic(common.DiagProtocolError, err, 5, 0)

	assert.Equal(t, trc.ErrSevError, d.Severity)
	assert.Equal(t, uint8(3), d.Channel)
	assert.Equal(t, trc.Index(42), d.Index)
	assert.Equal(t, "error ProtocolError ch 03 lost 5 bytes: reserved header 0x14", d.String())

	d = NewDiagnostic(common.DiagTimestampAmbiguity, nil, 0, 9)
	assert.Equal(t, trc.ErrSevWarn, d.Severity)
	assert.Equal(t, trc.BadChannel, d.Channel)
}

func TestCollectorAndTee(t *testing.T) {
	a, b := NewCollector(), NewCollector()
	tee := Tee{a, b}

	ctx := context.Background()
	require.NoError(t, tee.Event(ctx, swEvent(1, 1)))
	require.NoError(t, tee.Event(ctx, Event{Channel: 2, Kind: KindOverflow}))
	tee.Diagnostic(NewDiagnostic(common.DiagSyncAcquired, nil, 3, 0))

	for _, c := range []*Collector{a, b} {
		assert.Len(t, c.Events(), 2)
		assert.Len(t, c.Diagnostics(), 1)
		assert.Len(t, c.ChannelEvents(2), 1)
	}
}

func TestTeeJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := Funcs{OnEvent: func(context.Context, Event) error { return boom }}
	c := NewCollector()

	err := Tee{failing, c}.Event(context.Background(), swEvent(1, 1))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, c.Events(), 1, "later sinks still receive the event")
}

func TestChanSinkBlock(t *testing.T) {
	s := NewChanSink(1, Block)
	ctx := context.Background()
	require.NoError(t, s.Event(ctx, swEvent(1, 1)))

	// queue full: a cancelled context unblocks the call
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err := s.Event(cctx, swEvent(2, 2))
	assert.ErrorIs(t, err, context.Canceled)

	rec := <-s.C()
	require.NotNil(t, rec.Event)
	assert.Equal(t, uint16(1), rec.Event.Port)

	s.Close()
	_, ok := <-s.C()
	assert.False(t, ok)
	assert.Zero(t, s.Dropped())
}

func TestChanSinkDropIsCounted(t *testing.T) {
	s := NewChanSink(2, Drop)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Event(ctx, swEvent(uint16(i), uint32(i))))
	}
	assert.Equal(t, uint64(3), s.Dropped())

	// draining makes room: the next event is followed by the drop report
	<-s.C()
	<-s.C()
	require.NoError(t, s.Event(ctx, swEvent(9, 9)))

	rec := <-s.C()
	require.NotNil(t, rec.Event)
	assert.Equal(t, uint16(9), rec.Event.Port)

	rec = <-s.C()
	require.NotNil(t, rec.Diagnostic)
	assert.Equal(t, common.DiagEventsDropped, rec.Diagnostic.Kind)
	assert.Equal(t, uint64(3), rec.Diagnostic.Count)
	assert.Equal(t, trc.ErrEventsDropped, rec.Diagnostic.Err.Code)
}

func TestChanSinkCloseReportsOutstandingDrops(t *testing.T) {
	s := NewChanSink(1, Drop)
	ctx := context.Background()
	require.NoError(t, s.Event(ctx, swEvent(1, 1)))
	require.NoError(t, s.Event(ctx, swEvent(2, 2)))

	done := make(chan []Record)
	go func() {
		var got []Record
		for rec := range s.C() {
			got = append(got, rec)
		}
		done <- got
	}()
	s.Close()
	got := <-done

	require.Len(t, got, 2)
	require.NotNil(t, got[0].Event)
	require.NotNil(t, got[1].Diagnostic)
	assert.Equal(t, uint64(1), got[1].Diagnostic.Count)
}

func TestMsgpackRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewMsgpackWriter(&buf)
	ctx := context.Background()

	info := dwt.Interpret(1, 0x1010, 2)
	events := []Event{
		swEvent(35, 0x41),
		{
			Time:    Timestamp{Ticks: 20, Nanos: 200, Global: 0x1234, GlobalNanos: 0x1234 * 10, HasGlobal: true, Status: Floor},
			Channel: 1,
			Port:    1,
			Kind:    KindHardware,
			Payload: []byte{0x10, 0x10},
			Value:   0x1010,
			Size:    2,
			DWT:     &info,
			Index:   77,
		},
	}
	for _, ev := range events {
		require.NoError(t, w.Event(ctx, ev))
	}
	derr := common.NewErrorWithIdxChanMsg(trc.ErrSevWarn, trc.ErrIncompletePacket, 80, 1, "SWIT packet incomplete")
	w.Diagnostic(NewDiagnostic(common.DiagIncompletePacket, derr, 2, 0))
	require.NoError(t, w.Err())
	assert.Equal(t, uint64(3), w.Frames())

	r := NewFrameReader(&buf)
	for _, want := range events {
		f, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, FrameEvent, f.Type)
		require.NotNil(t, f.Event)
		assert.Equal(t, want, *f.Event)
	}

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameDiagnostic, f.Type)
	assert.Equal(t, &DiagnosticRecord{
		Kind:     "IncompletePacket",
		Severity: "warn",
		Channel:  1,
		Index:    80,
		Lost:     2,
		Code:     common.CodeName(trc.ErrIncompletePacket),
		Message:  "SWIT packet incomplete",
	}, f.Diagnostic)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFrameReaderTruncated(t *testing.T) {
	var buf bytes.Buffer
	w := NewMsgpackWriter(&buf)
	require.NoError(t, w.Event(context.Background(), swEvent(1, 1)))

	data := buf.Bytes()[:buf.Len()-2]
	_, err := NewFrameReader(bytes.NewReader(data)).Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = NewFrameReader(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})).Next()
	assert.ErrorContains(t, err, "exceeds maximum")
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestMsgpackWriterKeepsFirstError(t *testing.T) {
	w := NewMsgpackWriter(failWriter{})
	w.Diagnostic(NewDiagnostic(common.DiagSyncAcquired, nil, 1, 0))
	require.Error(t, w.Err())

	err := w.Event(context.Background(), swEvent(1, 1))
	assert.ErrorContains(t, err, "disk full")
	assert.Zero(t, w.Frames())
}
