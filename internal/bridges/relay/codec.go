package relay

import (
	"bytes"
)

// tcpFailureToken is the response a TCP module sends when it rejects a command.
const tcpFailureToken = "fail"

// ChannelState is a decoded state for one channel.
type ChannelState struct {
	Channel *Channel
	Value   int
}

// Report is the result of decoding one inbound frame.
type Report struct {
	// Failure is set when a TCP module reported a command failure. The
	// protocol does not say which channel failed.
	Failure bool

	// States holds one entry per channel for a serial status report.
	States []ChannelState

	// Suppressed is set for a serial status byte of zero, which yields no
	// states.
	Suppressed bool
}

// Codec encodes channel toggles into wire writes and decodes inbound frames.
// Implementations are stateless; the caller owns the transport.
type Codec interface {
	// Greeting returns the writes to issue as soon as the link opens.
	Greeting(m *Module) [][]byte

	// Toggle returns the ordered writes that switch ch on or off.
	Toggle(m *Module, ch *Channel, on bool) [][]byte

	// Decode interprets one inbound frame from m.
	Decode(m *Module, frame []byte) Report
}

// CodecFor returns the codec for an endpoint kind, or nil for kinds that
// have no transport.
func CodecFor(kind Kind) Codec {
	switch kind {
	case KindTCP:
		return tcpCodec{}
	case KindSerial:
		return serialCodec{}
	default:
		return nil
	}
}

// tcpCodec speaks the ASCII token protocol of the ethernet modules.
type tcpCodec struct{}

func (tcpCodec) Greeting(*Module) [][]byte { return nil }

// Toggle writes the channel's on or off token, then the channel's own
// status command when one is configured.
func (tcpCodec) Toggle(_ *Module, ch *Channel, on bool) [][]byte {
	writes := [][]byte{commandFor(ch, on)}
	if len(ch.StatusCommand) > 0 {
		writes = append(writes, ch.StatusCommand)
	}
	return writes
}

func (tcpCodec) Decode(_ *Module, frame []byte) Report {
	return Report{Failure: IsFailureResponse(frame)}
}

// IsFailureResponse reports whether a TCP chunk is the failure token.
// Surrounding whitespace, such as a trailing CRLF, is ignored.
func IsFailureResponse(frame []byte) bool {
	return string(bytes.TrimSpace(frame)) == tcpFailureToken
}

// serialCodec speaks the single status byte protocol of the USB modules.
type serialCodec struct{}

// Greeting requests an initial status snapshot.
func (serialCodec) Greeting(m *Module) [][]byte {
	if len(m.StatusCommand) == 0 {
		return nil
	}
	return [][]byte{m.StatusCommand}
}

// Toggle writes the channel's on or off bytes, then the module status
// command so the device reports its real state straight after.
func (serialCodec) Toggle(m *Module, ch *Channel, on bool) [][]byte {
	writes := [][]byte{commandFor(ch, on)}
	if len(m.StatusCommand) > 0 {
		writes = append(writes, m.StatusCommand)
	}
	return writes
}

func (serialCodec) Decode(m *Module, frame []byte) Report {
	if len(frame) == 0 || frame[0] == 0 {
		return Report{Suppressed: true}
	}
	return Report{States: DecodeStatus(m.Channels, frame[0])}
}

// DecodeStatus splits a status byte into per-channel states.
//
// Channels are read in order. Each one masks the working byte with its
// StatusMask, then the working byte is shifted right by one, so channel N
// reads bit N with the default mask of 1. Values are 0 or the masked bits.
// A zero status byte still yields one zero state per channel; suppressing
// that report is the codec's decision, not this function's.
func DecodeStatus(channels []*Channel, status byte) []ChannelState {
	states := make([]ChannelState, 0, len(channels))
	working := status
	for _, ch := range channels {
		states = append(states, ChannelState{
			Channel: ch,
			Value:   int(working & ch.StatusMask),
		})
		working >>= 1
	}
	return states
}

func commandFor(ch *Channel, on bool) []byte {
	if on {
		return ch.On
	}
	return ch.Off
}
