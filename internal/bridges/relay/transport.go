package relay

import (
	"context"
	"sync"
	"time"
)

// Transport defaults.
const (
	// defaultWriteTimeout bounds a single write to a module.
	defaultWriteTimeout = 5 * time.Second

	// readBufferSize is the size of the TCP read buffer.
	readBufferSize = 256

	// DefaultBaudRate is the serial speed of the USB relay modules.
	DefaultBaudRate = 9600
)

// Transport is one physical link to one module.
//
// Connect blocks until the link is open or fails; it has no timeout of its
// own and returns early only when ctx is cancelled or Close is called. Run
// then reads until the link closes, passing each inbound frame to onData,
// and returns nil on a clean close. Write sends raw bytes without waiting for
// any acknowledgement from the device.
type Transport interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context, onData func(frame []byte)) error
	Write(p []byte) error
	Close() error
}

// TransportFactory creates the transport for a module. It returns a nil
// Transport for modules that are accepted without a link.
type TransportFactory interface {
	NewTransport(m *Module) (Transport, error)
}

// DefaultTransports opens real TCP sockets and serial ports.
type DefaultTransports struct {
	// BaudRate for serial modules. Default: 9600.
	BaudRate int

	// OpenPort overrides how serial ports are opened. Default: serial.Open.
	OpenPort PortOpener
}

// NewTransport implements TransportFactory.
func (f DefaultTransports) NewTransport(m *Module) (Transport, error) {
	switch m.Endpoint.Kind {
	case KindTCP:
		return NewTCPTransport(m.Endpoint.Address()), nil
	case KindSerial:
		return NewSerialTransport(m.Endpoint.Path, f.BaudRate, f.OpenPort), nil
	default:
		return nil, nil
	}
}

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

func (c *closeOnce) IsClosed() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}
