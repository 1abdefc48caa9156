package relay

import "errors"

// Domain errors for the relay bridge package.
var (
	// ErrMissingProperty is reported when a required module or channel
	// property is empty after trimming.
	ErrMissingProperty = errors.New("relay: missing required property")

	// ErrUnsupportedScheme is reported for connection strings whose scheme
	// is not http, https, tcp or usb.
	ErrUnsupportedScheme = errors.New("relay: invalid communication protocol")

	// ErrBadAddress is reported when a tcp connection string lacks a usable
	// host or port, or a usb connection string lacks a device path.
	ErrBadAddress = errors.New("relay: bad or missing address")

	// ErrInvalidStatusMask is reported when a channel status mask is not an
	// integer in the range 0..255.
	ErrInvalidStatusMask = errors.New("relay: invalid status mask")

	// ErrInvalidCommand is reported when a YAML command is neither a string
	// of byte-sized characters nor a list of integers 0..255.
	ErrInvalidCommand = errors.New("relay: invalid command")

	// ErrDuplicateKey is reported when two channels derive the same key.
	ErrDuplicateKey = errors.New("relay: duplicate channel key")

	// ErrNotConnected is returned when writing to a transport that has no
	// open link.
	ErrNotConnected = errors.New("relay: transport not connected")

	// ErrConnectionFailed is returned when a transport cannot be opened.
	ErrConnectionFailed = errors.New("relay: connection failed")

	// ErrTransportClosed is returned by operations on a closed transport.
	ErrTransportClosed = errors.New("relay: transport closed")

	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("relay: bridge already started")

	// ErrStopped is returned when Start is called after Stop.
	ErrStopped = errors.New("relay: bridge stopped")
)
