package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Ensure TCPTransport implements Transport.
var _ Transport = (*TCPTransport)(nil)

// TCPTransport is a TCP socket to an ethernet relay module.
//
// Inbound data is delivered chunk by chunk as read from the socket; the
// ASCII protocol has no framing beyond that.
type TCPTransport struct {
	address      string
	writeTimeout time.Duration
	dialer       net.Dialer

	connMu sync.RWMutex
	conn   net.Conn

	done *closeOnce
}

// NewTCPTransport creates a transport for "host:port". Nothing is dialled
// until Connect.
func NewTCPTransport(address string) *TCPTransport {
	return &TCPTransport{
		address:      address,
		writeTimeout: defaultWriteTimeout,
		done:         newCloseOnce(),
	}
}

// Connect dials the module. There is no connect timeout; cancel ctx or call
// Close to give up.
func (t *TCPTransport) Connect(ctx context.Context) error {
	if t.done.IsClosed() {
		return ErrTransportClosed
	}

	// Close aborts a pending dial through this context.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.done.Done():
			cancel()
		case <-dialCtx.Done():
		}
	}()

	conn, err := t.dialer.DialContext(dialCtx, "tcp", t.address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, t.address, err)
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.done.IsClosed() {
		conn.Close()
		return ErrTransportClosed
	}
	t.conn = conn
	return nil
}

// Run reads from the socket until it closes.
func (t *TCPTransport) Run(_ context.Context, onData func(frame []byte)) error {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			onData(frame)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || t.done.IsClosed() {
				return nil
			}
			return fmt.Errorf("tcp read %s: %w", t.address, err)
		}
	}
}

// Write sends p to the module with a write deadline.
func (t *TCPTransport) Write(p []byte) error {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("tcp write %s: %w", t.address, err)
	}
	return nil
}

// Close shuts the socket and aborts a pending Connect. Safe to call more
// than once.
func (t *TCPTransport) Close() error {
	t.done.Close()

	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
