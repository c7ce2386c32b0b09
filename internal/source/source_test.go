package source

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swotrace/internal/common"
	"swotrace/internal/trc"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Spec
	}{
		{"trace.bin", Spec{Kind: File, Address: "trace.bin"}},
		{"-", Spec{Kind: File, Address: "-"}},
		{"file:/tmp/a.swo", Spec{Kind: File, Address: "/tmp/a.swo"}},
		{"tcp:localhost", Spec{Kind: TCP, Address: "localhost:3443"}},
		{"tcp:10.0.0.2:2332", Spec{Kind: TCP, Address: "10.0.0.2:2332"}},
		{"serial:/dev/ttyACM0", Spec{Kind: Serial, Address: "/dev/ttyACM0", Baud: DefaultBaud}},
		{"serial:/dev/ttyUSB1@2000000", Spec{Kind: Serial, Address: "/dev/ttyUSB1", Baud: 2000000}},
		{`C:\traces\a.bin`, Spec{Kind: File, Address: `C:\traces\a.bin`}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"tcp:", "serial:", "serial:/dev/ttyACM0@fast", "serial:/dev/ttyACM0@0"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestSpecString(t *testing.T) {
	assert.Equal(t, "serial:/dev/ttyACM0@9600", Spec{Kind: Serial, Address: "/dev/ttyACM0", Baud: 9600}.String())
	assert.Equal(t, "tcp:h:1", Spec{Kind: TCP, Address: "h:1"}.String())
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin")
	require.NoError(t, os.WriteFile(path, []byte{0x01, 0x41}, 0o644))

	rc, err := Open(context.Background(), Spec{Kind: File, Address: path}, nil)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x41}, data)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(context.Background(), Spec{Kind: File, Address: filepath.Join(t.TempDir(), "none")}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.True(t, errors.Is(err, common.NewError(trc.ErrSevError, trc.ErrFileError)))
}

func TestOpenTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x80})
		conn.Close()
	}()

	rc, err := Open(context.Background(), Spec{Kind: TCP, Address: ln.Addr().String()}, nil)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Len(t, data, 6)
}

func TestCancelClosesSource(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := Open(ctx, Spec{Kind: TCP, Address: ln.Addr().String()}, nil)
	require.NoError(t, err)
	defer rc.Close()
	defer func() {
		if conn := <-accepted; conn != nil {
			conn.Close()
		}
	}()

	readErr := make(chan error, 1)
	go func() {
		_, err := rc.Read(make([]byte, 16))
		readErr <- err
	}()

	cancel()
	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("read not unblocked by cancel")
	}
}

func TestOpenTCPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = Open(context.Background(), Spec{Kind: TCP, Address: addr}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.NewError(trc.ErrSevError, trc.ErrSourceFailed)))
}
