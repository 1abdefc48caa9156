package relay

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Kind selects the transport and codec used for a module.
type Kind int

const (
	// KindUnsupported modules (http, https) are accepted but never opened.
	KindUnsupported Kind = iota

	// KindTCP modules speak ASCII tokens over a TCP socket.
	KindTCP

	// KindSerial modules report a status byte over a USB serial port.
	KindSerial
)

// String returns the connection string scheme for the kind.
func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindSerial:
		return "usb"
	default:
		return "unsupported"
	}
}

// Endpoint is a parsed module connection string.
type Endpoint struct {
	Kind   Kind
	Scheme string

	// Host and Port are set for KindTCP.
	Host string
	Port string

	// Path is the serial device for KindSerial.
	Path string
}

// Address returns the dial address or device path of the endpoint.
func (e Endpoint) Address() string {
	switch e.Kind {
	case KindTCP:
		return net.JoinHostPort(e.Host, e.Port)
	case KindSerial:
		return e.Path
	default:
		return ""
	}
}

// ParseConnectionString resolves "<scheme>:<address>" into an Endpoint.
//
// Supported forms:
//   - "tcp:192.168.1.20:17123" (a "//" before the host is accepted)
//   - "usb:/dev/ttyACM0" (everything after the first colon is the path)
//   - "http:..." and "https:..." (accepted, no transport)
//
// Returns ErrUnsupportedScheme for any other scheme and ErrBadAddress when
// the host, port or path is missing.
func ParseConnectionString(cstring string) (Endpoint, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(cstring), ":")
	scheme = strings.ToLower(scheme)

	switch scheme {
	case "http", "https":
		return Endpoint{Kind: KindUnsupported, Scheme: scheme}, nil

	case "tcp":
		fields := strings.Split(rest, ":")
		host := strings.TrimPrefix(fields[0], "//")
		port := ""
		if len(fields) > 1 {
			port = fields[1]
		}
		if host == "" || port == "" {
			return Endpoint{}, fmt.Errorf("%w: bad or missing port/hostname in %q", ErrBadAddress, cstring)
		}
		if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
			return Endpoint{}, fmt.Errorf("%w: bad port %q in %q", ErrBadAddress, port, cstring)
		}
		return Endpoint{Kind: KindTCP, Scheme: scheme, Host: host, Port: port}, nil

	case "usb":
		if rest == "" {
			return Endpoint{}, fmt.Errorf("%w: bad or missing device path in %q", ErrBadAddress, cstring)
		}
		return Endpoint{Kind: KindSerial, Scheme: scheme, Path: rest}, nil

	default:
		return Endpoint{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedScheme, scheme)
	}
}
