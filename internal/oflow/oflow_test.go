package oflow

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swotrace/internal/common"
	"swotrace/internal/tpiu"
	"swotrace/internal/trc"
)

func collectPackets(c *COBS, data []byte) [][]byte {
	var out [][]byte
	c.Write(data, func(pkt []byte) {
		out = append(out, append([]byte(nil), pkt...))
	})
	return out
}

func TestCOBSDecodeSimple(t *testing.T) {
	c := NewCOBS()
	pkts := collectPackets(c, []byte{0x05, 0x11, 0x22, 0x33, 0x44, 0x00})
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, pkts[0])

	st := c.Stats()
	assert.Equal(t, COBSStats{InBytes: 6, GoodBytes: 4, Packets: 1}, st)
}

func TestCOBSEncodeZeros(t *testing.T) {
	enc := EncodeCOBS([]byte{0x11, 0x00, 0x00, 0x22})
	assert.Equal(t, []byte{0x02, 0x11, 0x01, 0x02, 0x22, 0x00}, enc)

	pkts := collectPackets(NewCOBS(), enc)
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{0x11, 0x00, 0x00, 0x22}, pkts[0])
}

func TestCOBSRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(11))

	var stream []byte
	var want [][]byte
	lengths := []int{0, 1, 2, 253, 254, 255, 508, 509, 1000, MaxPacketLen}
	for i, n := range lengths {
		pkt := make([]byte, n)
		if i%2 == 0 {
			// no zeros: exercises the 0xFF runs
			for j := range pkt {
				pkt[j] = byte(1 + r.Intn(255))
			}
		} else {
			r.Read(pkt)
		}
		want = append(want, pkt)
		stream = append(stream, EncodeCOBS(pkt)...)
	}

	got := collectPackets(NewCOBS(), stream)
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, bytes.Equal(want[i], got[i]), "packet %d (len %d)", i, len(want[i]))
	}
}

func TestCOBSSentinelInsideRun(t *testing.T) {
	c := NewCOBS()
	stream := []byte{0x05, 0x11, 0x22, 0x00}
	stream = append(stream, EncodeCOBS([]byte{0x33})...)

	pkts := collectPackets(c, stream)
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{0x33}, pkts[0])
	assert.Equal(t, uint64(2), c.Stats().BadBytes)
}

func TestCOBSTooLong(t *testing.T) {
	c := NewCOBS()
	big := bytes.Repeat([]byte{0x5A}, MaxPacketLen+10)
	stream := EncodeCOBS(big)
	stream = append(stream, EncodeCOBS([]byte{0x01, 0x02})...)

	pkts := collectPackets(c, stream)
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{0x01, 0x02}, pkts[0])

	st := c.Stats()
	assert.Equal(t, uint64(1), st.TooLong)
	assert.NotZero(t, st.BadBytes)
}

func TestCOBSReset(t *testing.T) {
	c := NewCOBS()
	collectPackets(c, []byte{0x05, 0x11, 0x22})
	assert.Equal(t, 2, c.Pending())
	assert.Equal(t, 2, c.Reset())
	assert.Zero(t, c.Pending())

	pkts := collectPackets(c, EncodeCOBS([]byte{0x44}))
	require.Len(t, pkts, 1)
}

func TestDecodeFrame(t *testing.T) {
	pkts := collectPackets(NewCOBS(), EncodeFrame(1, []byte{0x41, 0x42}))
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{0x01, 0x41, 0x42, 0x7C}, pkts[0])

	f, err := DecodeFrame(pkts[0])
	require.Nil(t, err)
	assert.Equal(t, Frame{Stream: 1, Payload: []byte{0x41, 0x42}}, f)

	tests := []struct {
		name string
		pkt  []byte
		code trc.Err
	}{
		{"short", []byte{0x01, 0xFF}, trc.ErrOflowFrame},
		{"bad checksum", []byte{0x01, 0x41, 0x42, 0x7D}, trc.ErrOflowChecksum},
		{"too long", make([]byte, MaxFrameLen+1), trc.ErrOflowFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.pkt)
			require.NotNil(t, err)
			assert.Equal(t, tt.code, err.Code)
		})
	}
}

func TestDeframerStreams(t *testing.T) {
	var stream []byte
	stream = append(stream, EncodeFrame(1, []byte{0x41, 0x42})...)
	stream = append(stream, EncodeFrame(2, []byte{0x01, 0x00, 0x02})...)
	stream = append(stream, EncodeFrame(1, []byte{0x43})...)

	d := NewDeframer(nil, nil)
	var got []tpiu.TaggedByte
	d.Write(stream, func(tb tpiu.TaggedByte) { got = append(got, tb) })

	require.Len(t, got, 6)
	assert.Equal(t, tpiu.TaggedByte{Channel: 1, Value: 0x41, Index: 2}, got[0])
	assert.Equal(t, tpiu.TaggedByte{Channel: 1, Value: 0x42, Index: 3}, got[1])
	assert.Equal(t, []byte{0x01, 0x00, 0x02}, []byte{got[2].Value, got[3].Value, got[4].Value})
	assert.Equal(t, uint8(2), got[3].Channel)
	assert.Equal(t, uint8(1), got[5].Channel)

	st := d.Stats()
	assert.Equal(t, uint64(3), st.Frames)
	assert.Equal(t, uint64(6), st.BytesOut)
	assert.Equal(t, uint64(len(stream)), st.COBS.InBytes)
}

func TestDeframerFilterAndErrors(t *testing.T) {
	bad := EncodeFrame(1, []byte{0x10, 0x20})
	bad[2] ^= 0x01 // corrupt the payload

	var stream []byte
	stream = append(stream, EncodeFrame(3, []byte{0x99})...)
	stream = append(stream, bad...)
	stream = append(stream, EncodeFrame(1, []byte{0x55})...)
	stream = append(stream, 0x04, 0x01) // partial frame

	d := NewDeframer([]uint8{1}, nil)
	var errs []*common.Error
	d.SetErrorHandler(func(err *common.Error) { errs = append(errs, err) })

	var got []tpiu.TaggedByte
	d.Write(stream, func(tb tpiu.TaggedByte) { got = append(got, tb) })

	require.Len(t, got, 1)
	assert.Equal(t, byte(0x55), got[0].Value)

	require.Len(t, errs, 1)
	assert.Equal(t, trc.ErrOflowChecksum, errs[0].Code)
	assert.Equal(t, trc.Index(len(EncodeFrame(3, []byte{0x99}))), errs[0].Idx)

	assert.Equal(t, 1, d.Flush())
	st := d.Stats()
	assert.Equal(t, uint64(1), st.Filtered)
	assert.Equal(t, uint64(1), st.BadFrames)
	assert.Equal(t, uint64(2), st.Frames)
}
