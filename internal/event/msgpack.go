package event

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"swotrace/internal/common"
)

const (
	// LengthPrefixSize is the size of the big-endian frame length prefix.
	LengthPrefixSize = 4
	// MaxFrameSize bounds a single encoded record.
	MaxFrameSize = 1 << 20
)

// Frame type discriminants.
const (
	FrameEvent      = "event"
	FrameDiagnostic = "diagnostic"
)

// DiagnosticRecord is the wire form of a Diagnostic.
type DiagnosticRecord struct {
	Kind     string `msgpack:"kind"`
	Severity string `msgpack:"severity"`
	Channel  uint8  `msgpack:"channel"`
	Index    uint64 `msgpack:"index"`
	Lost     uint64 `msgpack:"lost,omitempty"`
	Count    uint64 `msgpack:"count,omitempty"`
	Code     string `msgpack:"code,omitempty"`
	Message  string `msgpack:"message,omitempty"`
}

// Frame is one record of a msgpack event stream.
type Frame struct {
	Type       string            `msgpack:"type"`
	Event      *Event            `msgpack:"event,omitempty"`
	Diagnostic *DiagnosticRecord `msgpack:"diagnostic,omitempty"`
}

func diagnosticRecord(d Diagnostic) *DiagnosticRecord {
	rec := &DiagnosticRecord{
		Kind:     d.Kind.String(),
		Severity: d.Severity.String(),
		Channel:  d.Channel,
		Index:    uint64(d.Index),
		Lost:     d.Lost,
		Count:    d.Count,
	}
	if d.Err != nil {
		rec.Code = common.CodeName(d.Err.Code)
		rec.Message = d.Err.Message
	}
	return rec
}

// MsgpackWriter writes events and diagnostics as length-prefixed msgpack
// frames. Diagnostic cannot return an error, so the first write error is
// kept, returned by every later Event call and by Err.
type MsgpackWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
	enc *msgpack.Encoder
	err error
	n   uint64
}

func NewMsgpackWriter(w io.Writer) *MsgpackWriter {
	mw := &MsgpackWriter{w: w}
	mw.enc = msgpack.NewEncoder(&mw.buf)
	return mw
}

func (m *MsgpackWriter) Event(_ context.Context, ev Event) error {
	return m.write(&Frame{Type: FrameEvent, Event: &ev})
}

func (m *MsgpackWriter) Diagnostic(d Diagnostic) {
	_ = m.write(&Frame{Type: FrameDiagnostic, Diagnostic: diagnosticRecord(d)})
}

// Frames returns the number of frames written.
func (m *MsgpackWriter) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n
}

// Err returns the first write error.
func (m *MsgpackWriter) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MsgpackWriter) write(f *Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}

	m.buf.Reset()
	if err := m.enc.Encode(f); err != nil {
		m.err = fmt.Errorf("encode %s frame: %w", f.Type, err)
		return m.err
	}

	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(m.buf.Len()))
	if _, err := m.w.Write(prefix[:]); err != nil {
		m.err = fmt.Errorf("write frame: %w", err)
		return m.err
	}
	if _, err := m.w.Write(m.buf.Bytes()); err != nil {
		m.err = fmt.Errorf("write frame: %w", err)
		return m.err
	}
	m.n++
	return nil
}

// FrameReader reads frames written by MsgpackWriter.
type FrameReader struct {
	r io.Reader
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next returns the next frame, or io.EOF at a clean end of stream.
func (fr *FrameReader) Next() (*Frame, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	var f Frame
	if err := msgpack.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}
