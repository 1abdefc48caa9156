package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

// recordingSink implements DeltaSink for testing.
type recordingSink struct {
	mu        sync.Mutex
	deltas    []Delta
	onPublish func(d Delta)
	err       error
}

func (s *recordingSink) Publish(d Delta) error {
	s.mu.Lock()
	s.deltas = append(s.deltas, d)
	hook := s.onPublish
	err := s.err
	s.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return err
}

func (s *recordingSink) Deltas() []Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delta, len(s.deltas))
	copy(out, s.deltas)
	return out
}

// StateDeltas returns the published deltas that carry state values.
func (s *recordingSink) StateDeltas() [][]PathValue {
	var out [][]PathValue
	for _, d := range s.Deltas() {
		values := d.Values()
		if len(values) > 0 && strings.HasSuffix(values[0].Path, ".state") {
			out = append(out, values)
		}
	}
	return out
}

// recordingObserver implements StateObserver for testing.
type recordingObserver struct {
	mu    sync.Mutex
	calls []observedState
}

type observedState struct {
	Key    string
	State  int
	Origin string
}

func (o *recordingObserver) SwitchStateChanged(key string, state int, origin string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, observedState{Key: key, State: state, Origin: origin})
}

func (o *recordingObserver) Calls() []observedState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]observedState, len(o.calls))
	copy(out, o.calls)
	return out
}

// memPort is an in-memory serial port. Feed supplies bytes the device
// "sends"; writes from the bridge are recorded.
type memPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu     sync.Mutex
	writes [][]byte
}

func newMemPort() *memPort {
	r, w := io.Pipe()
	return &memPort{r: r, w: w}
}

func (p *memPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *memPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *memPort) Close() error {
	return p.r.Close()
}

func (p *memPort) Feed(b ...byte) {
	//nolint:errcheck // Pipe write only fails after Close
	p.w.Write(b)
}

func (p *memPort) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *memPort) opener(path string, _ *serial.Mode) (io.ReadWriteCloser, error) {
	return p, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func createTestConfig(modules ...ModuleOptions) *Config {
	cfg := defaultConfig()
	cfg.Modules = modules
	return cfg
}

func serialModule() ModuleOptions {
	return ModuleOptions{
		ID:            "U",
		CString:       "usb:/dev/ttyFAKE0",
		Description:   "saloon",
		StatusCommand: "\x5b",
		Channels: []ChannelOptions{
			{ID: "1", Index: "1", On: "\x65", Off: "\x6f", Name: "Cabin"},
			{ID: "2", Index: "2", On: "\x66", Off: "\x70"},
		},
	}
}

func createTestBridge(t *testing.T, opts BridgeOptions) *Bridge {
	t.Helper()
	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func TestNewBridgeRequiresDependencies(t *testing.T) {
	cfg := createTestConfig()
	source := newFakeSource()
	sink := &recordingSink{}

	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"missing config", BridgeOptions{Source: source, Sink: sink}},
		{"missing source", BridgeOptions{Config: cfg, Sink: sink}},
		{"missing sink", BridgeOptions{Config: cfg, Source: source}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBridgeSerialModule(t *testing.T) {
	port := newMemPort()
	source := newFakeSource()
	sink := &recordingSink{}
	observer := &recordingObserver{}

	b := createTestBridge(t, BridgeOptions{
		Config:     createTestConfig(serialModule()),
		Source:     source,
		Sink:       sink,
		Transports: DefaultTransports{OpenPort: port.opener},
		Observer:   observer,
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The status command is written as soon as the port opens.
	waitFor(t, "greeting", func() bool { return len(port.Writes()) == 1 })
	assertWrites(t, "greeting", port.Writes(), [][]byte{{0x5b}})

	// Toggle: on command then status command, and a state delta.
	source.get("control.relay.U.1").Emit(float64(1))
	waitFor(t, "toggle writes", func() bool { return len(port.Writes()) == 3 })
	assertWrites(t, "toggle", port.Writes()[1:], [][]byte{{0x65}, {0x5b}})

	waitFor(t, "bus state delta", func() bool { return len(sink.StateDeltas()) == 1 })
	bus := sink.StateDeltas()[0]
	if len(bus) != 1 || bus[0].Path != "electrical.switches.U.1.state" || bus[0].Value != 1 {
		t.Errorf("bus delta = %+v", bus)
	}

	// A zero status byte is ignored; 0x02 reports channel 2 on.
	port.Feed(0x00)
	port.Feed(0x02)
	waitFor(t, "device state delta", func() bool { return len(sink.StateDeltas()) == 2 })
	device := sink.StateDeltas()[1]
	if len(device) != 2 {
		t.Fatalf("device delta values = %d, want 2", len(device))
	}
	if device[0].Path != "electrical.switches.U.1.state" || device[0].Value != 0 {
		t.Errorf("device value 0 = %+v", device[0])
	}
	if device[1].Path != "electrical.switches.U.2.state" || device[1].Value != 1 {
		t.Errorf("device value 1 = %+v", device[1])
	}

	states := b.SwitchStates()
	if states["U.1"] != 0 || states["U.2"] != 1 {
		t.Errorf("SwitchStates() = %v", states)
	}

	calls := observer.Calls()
	want := []observedState{
		{Key: "U.1", State: 1, Origin: OriginBus},
		{Key: "U.1", State: 0, Origin: OriginDevice},
		{Key: "U.2", State: 1, Origin: OriginDevice},
	}
	if len(calls) != len(want) {
		t.Fatalf("observer calls = %+v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("observer call %d = %+v, want %+v", i, calls[i], want[i])
		}
	}

	st := b.ModuleStatuses()[0]
	if !st.Operating || !st.Connected || st.FramesRx != 2 || st.CommandsTx != 3 {
		t.Errorf("module status = %+v", st)
	}
	if st.ConnectedSince == nil {
		t.Error("ConnectedSince should be set while connected")
	}
}

func TestBridgePublishesMetaBeforeSubscribing(t *testing.T) {
	port := newMemPort()
	source := newFakeSource()

	var subscribedAtMeta = -1
	sink := &recordingSink{}
	sink.onPublish = func(d Delta) {
		if subscribedAtMeta >= 0 {
			return
		}
		n := 0
		for _, path := range []string{"control.relay.U.1", "control.relay.U.2"} {
			s, _ := source.get(path).counts()
			n += s
		}
		subscribedAtMeta = n
	}

	b := createTestBridge(t, BridgeOptions{
		Config:     createTestConfig(serialModule()),
		Source:     source,
		Sink:       sink,
		Transports: DefaultTransports{OpenPort: port.opener},
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deltas := sink.Deltas()
	if len(deltas) == 0 {
		t.Fatal("no meta delta published")
	}
	meta := deltas[0].Values()
	if len(meta) != 2 || meta[0].Path != "electrical.switches.U.1.meta" || meta[1].Path != "electrical.switches.U.2.meta" {
		t.Errorf("meta delta = %+v", meta)
	}
	if deltas[0].Updates[0].Source.Device != DefaultBridgeID {
		t.Errorf("source = %q", deltas[0].Updates[0].Source.Device)
	}
	if subscribedAtMeta != 0 {
		t.Errorf("subscriptions before meta = %d, want 0", subscribedAtMeta)
	}
}

func TestBridgeUnreachableTCPModule(t *testing.T) {
	// Reserve a port, then free it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	source := newFakeSource()
	sink := &recordingSink{}
	b := createTestBridge(t, BridgeOptions{
		Config: createTestConfig(ModuleOptions{
			ID:      "T",
			CString: "tcp:" + addr,
			Channels: []ChannelOptions{
				{ID: "1", Index: "1", On: "1+", Off: "1-"},
			},
		}),
		Source: source,
		Sink:   sink,
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "connect failure", func() bool { return b.ModuleStatuses()[0].Errors == 1 })

	source.get("control.relay.T.1").Emit(1)
	waitFor(t, "state delta", func() bool { return len(sink.StateDeltas()) == 1 })

	values := sink.StateDeltas()[0]
	if values[0].Path != "electrical.switches.T.1.state" || values[0].Value != 1 {
		t.Errorf("delta = %+v", values)
	}

	st := b.ModuleStatuses()[0]
	if st.Connected || st.CommandsTx != 0 {
		t.Errorf("module status = %+v, want disconnected with no writes", st)
	}
}

// tcpModuleServer accepts one connection and records everything it reads.
type tcpModuleServer struct {
	ln net.Listener

	mu   sync.Mutex
	conn net.Conn
	read bytes.Buffer
}

func newTCPModuleServer(t *testing.T) *tcpModuleServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &tcpModuleServer{ln: ln}
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		buf := make([]byte, 64)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				s.mu.Lock()
				s.read.Write(buf[:n])
				s.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return s
}

func (s *tcpModuleServer) Received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read.String()
}

func (s *tcpModuleServer) Send(data string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("no connection")
	}
	_, err := conn.Write([]byte(data))
	return err
}

func TestBridgeTCPModule(t *testing.T) {
	server := newTCPModuleServer(t)
	source := newFakeSource()
	sink := &recordingSink{}
	logger := &recordingLogger{}

	b := createTestBridge(t, BridgeOptions{
		Config: createTestConfig(ModuleOptions{
			ID:      "T",
			CString: "tcp:" + server.ln.Addr().String(),
			Channels: []ChannelOptions{
				{ID: "1", Index: "1", On: "DOA,1,0", Off: "DOI,1,0", StatusCommand: "DOR,1"},
			},
		}),
		Source: source,
		Sink:   sink,
		Logger: logger,
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "connection", func() bool { return b.ModuleStatuses()[0].Connected })

	source.get("control.relay.T.1").Emit(true)
	waitFor(t, "toggle on the wire", func() bool { return server.Received() == "DOA,1,0DOR,1" })

	source.get("control.relay.T.1").Emit(false)
	waitFor(t, "second toggle", func() bool { return server.Received() == "DOA,1,0DOR,1DOI,1,0DOR,1" })

	if err := server.Send("fail\r\n"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "failure report", func() bool { return b.ModuleStatuses()[0].Failures == 1 })

	if got := logger.count("error", "module command failure"); got != 1 {
		t.Errorf("failure logs = %d, want 1", got)
	}

	// Fail reports carry no state.
	deltas := sink.StateDeltas()
	if len(deltas) != 2 {
		t.Fatalf("state deltas = %d, want 2", len(deltas))
	}
	if deltas[0][0].Value != 1 || deltas[1][0].Value != 0 {
		t.Errorf("states = %v, %v", deltas[0][0].Value, deltas[1][0].Value)
	}
}

func TestBridgeDeduplicatesTriggerValues(t *testing.T) {
	port := newMemPort()
	source := newFakeSource()
	sink := &recordingSink{}

	b := createTestBridge(t, BridgeOptions{
		Config:     createTestConfig(serialModule()),
		Source:     source,
		Sink:       sink,
		Transports: DefaultTransports{OpenPort: port.opener},
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stream := source.get("control.relay.U.2")
	for _, v := range []any{0, 0, 1, 1, 0} {
		stream.Emit(v)
	}

	waitFor(t, "three state deltas", func() bool { return len(sink.StateDeltas()) == 3 })
	time.Sleep(50 * time.Millisecond)

	deltas := sink.StateDeltas()
	if len(deltas) != 3 {
		t.Fatalf("state deltas = %d, want 3", len(deltas))
	}
	for i, want := range []int{0, 1, 0} {
		if deltas[i][0].Value != want {
			t.Errorf("delta %d = %v, want %d", i, deltas[i][0].Value, want)
		}
	}
}

func TestBridgeNotificationTrigger(t *testing.T) {
	port := newMemPort()
	source := newFakeSource()
	sink := &recordingSink{}

	mod := serialModule()
	mod.Channels = mod.Channels[:1]
	mod.Channels[0].Trigger = "notifications.bilge.high"

	b := createTestBridge(t, BridgeOptions{
		Config:     createTestConfig(mod),
		Source:     source,
		Sink:       sink,
		Transports: DefaultTransports{OpenPort: port.opener},
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The notification stream starts at 0.
	waitFor(t, "initial off", func() bool { return len(sink.StateDeltas()) == 1 })
	if v := sink.StateDeltas()[0][0].Value; v != 0 {
		t.Errorf("initial state = %v, want 0", v)
	}

	source.get("notifications.bilge.high").Emit(map[string]any{"state": "alarm"})
	waitFor(t, "alarm on", func() bool { return len(sink.StateDeltas()) == 2 })
	if v := sink.StateDeltas()[1][0].Value; v != 1 {
		t.Errorf("alarm state = %v, want 1", v)
	}
}

func TestBridgeStopIsIdempotent(t *testing.T) {
	port := newMemPort()
	source := newFakeSource()
	sink := &recordingSink{}

	b := createTestBridge(t, BridgeOptions{
		Config:     createTestConfig(serialModule()),
		Source:     source,
		Sink:       sink,
		Transports: DefaultTransports{OpenPort: port.opener},
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	b.Stop()
	b.Stop()

	for _, path := range []string{"control.relay.U.1", "control.relay.U.2"} {
		subs, unsubs := source.get(path).counts()
		if subs != 1 || unsubs != 1 {
			t.Errorf("%s: subscribes = %d, unsubscribes = %d, want 1 and 1", path, subs, unsubs)
		}
	}

	if b.ModuleStatuses()[0].Connected {
		t.Error("module should be disconnected after Stop")
	}

	before := len(sink.Deltas())
	source.get("control.relay.U.1").Emit(1)
	time.Sleep(20 * time.Millisecond)
	if after := len(sink.Deltas()); after != before {
		t.Errorf("deltas after Stop: %d, want %d", after, before)
	}
}

func TestBridgeStartTwice(t *testing.T) {
	b := createTestBridge(t, BridgeOptions{
		Config: createTestConfig(),
		Source: newFakeSource(),
		Sink:   &recordingSink{},
	})

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestBridgeStartAfterStop(t *testing.T) {
	tests := []struct {
		name       string
		startFirst bool
	}{
		{"stopped before start", false},
		{"restarted after stop", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := newFakeSource()
			b := createTestBridge(t, BridgeOptions{
				Config:     createTestConfig(serialModule()),
				Source:     source,
				Sink:       &recordingSink{},
				Transports: DefaultTransports{OpenPort: newMemPort().opener},
			})

			if tt.startFirst {
				if err := b.Start(context.Background()); err != nil {
					t.Fatalf("first Start() error = %v", err)
				}
			}
			b.Stop()

			if err := b.Start(context.Background()); !errors.Is(err, ErrStopped) {
				t.Fatalf("Start() after Stop error = %v, want ErrStopped", err)
			}

			wantSubs := 0
			if tt.startFirst {
				wantSubs = 1
			}
			if subs, _ := source.get("control.relay.U.1").counts(); subs != wantSubs {
				t.Errorf("subscribes = %d, want %d", subs, wantSubs)
			}
		})
	}
}

func TestBridgeDropsTriggerValuesWhenQueueFull(t *testing.T) {
	logger := &recordingLogger{}
	b := createTestBridge(t, BridgeOptions{
		Config: createTestConfig(serialModule()),
		Source: newFakeSource(),
		Sink:   &recordingSink{},
		Logger: logger,
	})

	conn := b.conns[0]
	channel := conn.module.Channels[0]
	for i := 0; i < eventQueueSize; i++ {
		b.events <- event{kind: eventValue, conn: conn, channel: channel, value: 1}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.postValue(event{kind: eventValue, conn: conn, channel: channel, value: 0})
		b.postValue(event{kind: eventValue, conn: conn, channel: channel, value: 1})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("postValue blocked on a full queue")
	}

	if got := b.droppedValues.Load(); got != 2 {
		t.Errorf("dropped values = %d, want 2", got)
	}
	if n := logger.count("warn", "trigger value dropped, event queue full"); n != 2 {
		t.Errorf("drop warnings = %d, want 2", n)
	}
	if len(b.events) != eventQueueSize {
		t.Errorf("queued events = %d, want %d", len(b.events), eventQueueSize)
	}
}

func TestBridgeUnsupportedModuleHasNoSubscriptions(t *testing.T) {
	source := newFakeSource()
	sink := &recordingSink{}
	logger := &recordingLogger{}

	b := createTestBridge(t, BridgeOptions{
		Config: createTestConfig(ModuleOptions{
			ID:       "W",
			CString:  "https://10.0.0.5",
			Channels: []ChannelOptions{{ID: "1", Index: "1", On: "a", Off: "b"}},
		}),
		Source: source,
		Sink:   sink,
		Logger: logger,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Metadata is still published for the channel.
	deltas := sink.Deltas()
	if len(deltas) != 1 || deltas[0].Values()[0].Path != "electrical.switches.W.1.meta" {
		t.Errorf("deltas = %+v", deltas)
	}

	if subs, _ := source.get("control.relay.W.1").counts(); subs != 0 {
		t.Errorf("subscribes = %d, want 0", subs)
	}
	if got := logger.count("info", "operating 0 relay modules"); got != 1 {
		t.Errorf("operating log count = %d, want 1", got)
	}
	if st := b.ModuleStatuses()[0]; st.Operating {
		t.Errorf("http module reported operating: %+v", st)
	}
}

func TestBridgeMissingStreamLeavesChannelInert(t *testing.T) {
	port := newMemPort()
	source := newFakeSource()
	source.missing["control.relay.U.1"] = true
	sink := &recordingSink{}

	b := createTestBridge(t, BridgeOptions{
		Config:     createTestConfig(serialModule()),
		Source:     source,
		Sink:       sink,
		Transports: DefaultTransports{OpenPort: port.opener},
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if subs, _ := source.get("control.relay.U.2").counts(); subs != 1 {
		t.Errorf("U.2 subscribes = %d, want 1", subs)
	}
}

// failingTransports returns an error for every module.
type failingTransports struct{}

func (failingTransports) NewTransport(m *Module) (Transport, error) {
	return nil, fmt.Errorf("no device for %s", m.ID)
}

func TestBridgeTransportCreationFailure(t *testing.T) {
	source := newFakeSource()
	logger := &recordingLogger{}

	b := createTestBridge(t, BridgeOptions{
		Config:     createTestConfig(serialModule()),
		Source:     source,
		Sink:       &recordingSink{},
		Transports: failingTransports{},
		Logger:     logger,
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := logger.count("error", "cannot create module transport"); got != 1 {
		t.Errorf("error logs = %d, want 1", got)
	}
	if subs, _ := source.get("control.relay.U.1").counts(); subs != 0 {
		t.Errorf("subscribes = %d, want 0", subs)
	}
}
