package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"
)

// Ensure SerialTransport implements Transport.
var _ Transport = (*SerialTransport)(nil)

// statusFrameLength is the size of every frame a USB module sends.
const statusFrameLength = 1

// PortOpener opens a serial device. Tests replace it with an in-memory port.
type PortOpener func(path string, mode *serial.Mode) (io.ReadWriteCloser, error)

// openSerialPort opens a real device through go.bug.st/serial.
func openSerialPort(path string, mode *serial.Mode) (io.ReadWriteCloser, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SerialTransport is a USB serial link to a relay module. Inbound bytes are
// framed one byte at a time.
type SerialTransport struct {
	path string
	mode *serial.Mode
	open PortOpener

	portMu sync.RWMutex
	port   io.ReadWriteCloser

	writeMu sync.Mutex

	done *closeOnce
}

// NewSerialTransport creates a transport for the device at path. A zero
// baudRate uses DefaultBaudRate and a nil opener uses serial.Open.
func NewSerialTransport(path string, baudRate int, opener PortOpener) *SerialTransport {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}
	if opener == nil {
		opener = openSerialPort
	}
	return &SerialTransport{
		path: path,
		mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		open: opener,
		done: newCloseOnce(),
	}
}

// Connect opens the serial device.
func (t *SerialTransport) Connect(ctx context.Context) error {
	if t.done.IsClosed() {
		return ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	port, err := t.open(t.path, t.mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrConnectionFailed, t.path, err)
	}

	t.portMu.Lock()
	defer t.portMu.Unlock()
	if t.done.IsClosed() {
		port.Close()
		return ErrTransportClosed
	}
	t.port = port
	return nil
}

// Run delivers one-byte status frames until the port closes.
func (t *SerialTransport) Run(_ context.Context, onData func(frame []byte)) error {
	t.portMu.RLock()
	port := t.port
	t.portMu.RUnlock()
	if port == nil {
		return ErrNotConnected
	}

	framer := newByteLengthFramer(port, statusFrameLength)
	for {
		frame, err := framer.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || t.done.IsClosed() {
				return nil
			}
			return fmt.Errorf("serial read %s: %w", t.path, err)
		}
		onData(frame)
	}
}

// Write sends p to the device.
func (t *SerialTransport) Write(p []byte) error {
	t.portMu.RLock()
	port := t.port
	t.portMu.RUnlock()
	if port == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := port.Write(p); err != nil {
		return fmt.Errorf("serial write %s: %w", t.path, err)
	}
	return nil
}

// Close closes the port. Safe to call more than once.
func (t *SerialTransport) Close() error {
	t.done.Close()

	t.portMu.Lock()
	port := t.port
	t.port = nil
	t.portMu.Unlock()

	if port != nil {
		return port.Close()
	}
	return nil
}

// byteLengthFramer splits a byte stream into fixed-length frames.
type byteLengthFramer struct {
	r      io.Reader
	length int
}

func newByteLengthFramer(r io.Reader, length int) *byteLengthFramer {
	return &byteLengthFramer{r: r, length: length}
}

// Next blocks until a full frame has been read.
func (f *byteLengthFramer) Next() ([]byte, error) {
	frame := make([]byte, f.length)
	if _, err := io.ReadFull(f.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
