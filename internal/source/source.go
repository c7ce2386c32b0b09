// Package source opens the byte streams a decode session reads: recorded
// trace files, an orbuculum style TCP server or a SWO UART.
package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/term"

	"swotrace/internal/common"
	"swotrace/internal/trc"
)

// Kind is the transport of a source.
type Kind string

const (
	File   Kind = "file"
	TCP    Kind = "tcp"
	Serial Kind = "serial"
)

const (
	// DefaultPort is the orbuculum trace server port.
	DefaultPort = 3443
	// DefaultBaud is used for a serial source without an explicit rate.
	DefaultBaud = 115200

	dialTimeout = 10 * time.Second
)

// Spec describes a source. It is written as "kind:address", for example
// "file:trace.bin", "tcp:localhost:3443" or "serial:/dev/ttyACM0@2000000".
// A spec without a kind is a file path, "-" is standard input.
type Spec struct {
	Kind    Kind
	Address string
	Baud    int
}

func (s Spec) String() string {
	if s.Kind == Serial {
		return fmt.Sprintf("%s:%s@%d", s.Kind, s.Address, s.Baud)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.Address)
}

// Parse reads a source spec.
func Parse(s string) (Spec, error) {
	kind, addr, found := strings.Cut(s, ":")
	if !found {
		return Spec{Kind: File, Address: s}, nil
	}

	switch Kind(kind) {
	case File:
		return Spec{Kind: File, Address: addr}, nil

	case TCP:
		if addr == "" {
			return Spec{}, fmt.Errorf("tcp source needs an address")
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
		}
		return Spec{Kind: TCP, Address: addr}, nil

	case Serial:
		dev, rate, hasRate := strings.Cut(addr, "@")
		if dev == "" {
			return Spec{}, fmt.Errorf("serial source needs a device")
		}
		baud := DefaultBaud
		if hasRate {
			v, err := strconv.Atoi(rate)
			if err != nil || v <= 0 {
				return Spec{}, fmt.Errorf("bad serial baud rate %q", rate)
			}
			baud = v
		}
		return Spec{Kind: Serial, Address: dev, Baud: baud}, nil
	}

	// a path containing a colon, such as a Windows drive letter
	return Spec{Kind: File, Address: s}, nil
}

// Open opens the source. Cancelling ctx closes it, which unblocks a pending
// Read.
func Open(ctx context.Context, spec Spec, logger common.Logger) (io.ReadCloser, error) {
	if logger == nil {
		logger = common.NewNoOpLogger()
	}

	var rc io.ReadCloser
	switch spec.Kind {
	case File:
		if spec.Address == "-" {
			logger.Debug("reading trace from stdin")
			return io.NopCloser(os.Stdin), nil
		}
		f, err := os.Open(spec.Address)
		if err != nil {
			return nil, openError(trc.ErrFileError, spec, err)
		}
		rc = f

	case TCP:
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", spec.Address)
		if err != nil {
			return nil, openError(trc.ErrSourceFailed, spec, err)
		}
		rc = conn

	case Serial:
		t, err := term.Open(spec.Address, term.Speed(spec.Baud), term.RawMode)
		if err != nil {
			return nil, openError(trc.ErrSourceFailed, spec, err)
		}
		rc = t

	default:
		return nil, fmt.Errorf("unknown source kind %q", spec.Kind)
	}

	logger.Logf(common.SeverityInfo, "opened trace source %s", spec)
	return closeOnDone(ctx, rc), nil
}

func openError(code trc.Err, spec Spec, err error) error {
	return fmt.Errorf("%w: %w", common.NewErrorMsg(trc.ErrSevError, code, "open "+spec.String()), err)
}

// cancelCloser closes the underlying source when its context ends.
type cancelCloser struct {
	io.ReadCloser
	once sync.Once
	stop chan struct{}
}

func closeOnDone(ctx context.Context, rc io.ReadCloser) io.ReadCloser {
	c := &cancelCloser{ReadCloser: rc, stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			c.ReadCloser.Close()
		case <-c.stop:
		}
	}()
	return c
}

func (c *cancelCloser) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		err = c.ReadCloser.Close()
	})
	return err
}
