package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// eventQueueSize is the buffer between event sources and the dispatcher.
const eventQueueSize = 256

// State origins passed to a StateObserver.
const (
	// OriginBus marks a state published because a trigger stream emitted.
	OriginBus = "bus"

	// OriginDevice marks a state decoded from a module status report.
	OriginDevice = "device"
)

// StateObserver is told about every switch state the bridge publishes.
// It is optional and is called from the dispatcher, so it must not block.
type StateObserver interface {
	SwitchStateChanged(key string, state int, origin string)
}

// Bridge wires relay channels to the bus for one activation.
//
// All decode, encode and publish work happens on a single dispatcher
// goroutine fed by three kinds of events: a module link opening or closing,
// inbound frames from a link, and values from channel trigger streams. Each
// module link runs its connect and read loop on its own goroutine, so a hung
// connect only stalls that module.
//
// A Bridge is started once. Stop releases everything it created and a
// later Start returns ErrStopped; create a new Bridge to reactivate.
//
// Trigger stream values are queued without blocking the stream's delivery
// goroutine (for MQTTBus, the paho callback). While the event queue is full
// new values are dropped and logged.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Bridge struct {
	cfg        *Config
	registry   *Registry
	source     StreamSource
	sink       DeltaSink
	transports TransportFactory
	observer   StateObserver
	health     *HealthReporter

	conns []*moduleConn

	events chan event

	// Unsubscribe handles in creation order, consumed once by Stop.
	unsubscribes []func()
	subsMu       sync.Mutex

	// Last published state per channel key.
	states   map[string]int
	statesMu sync.RWMutex

	// Shutdown coordination
	started   atomic.Bool
	stopped   atomic.Bool
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	// Trigger values dropped because the event queue was full.
	droppedValues atomic.Uint64

	// Logger
	logger   Logger
	loggerMu sync.RWMutex
}

// moduleConn is the runtime connection state of one module. connected and
// connectedSince are written only by the dispatcher.
type moduleConn struct {
	module    *Module
	codec     Codec
	transport Transport

	connected      atomic.Bool
	connectedSince atomic.Int64 // Unix nanoseconds

	framesRx   atomic.Uint64
	commandsTx atomic.Uint64
	failures   atomic.Uint64
	errors     atomic.Uint64
}

type eventKind int

const (
	eventOpened eventKind = iota
	eventConnectFailed
	eventData
	eventClosed
	eventValue
)

// event is one unit of work for the dispatcher.
type event struct {
	kind    eventKind
	conn    *moduleConn
	channel *Channel
	frame   []byte
	value   any
	err     error
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge configuration.
	Config *Config

	// Source resolves channel trigger paths to value streams.
	Source StreamSource

	// Sink receives metadata and state deltas.
	Sink DeltaSink

	// Transports creates module links. Default: DefaultTransports using
	// Config.Serial.BaudRate.
	Transports TransportFactory

	// HealthPublisher is optional. If nil, no health messages are sent.
	HealthPublisher HealthPublisher

	// Observer is optional; see StateObserver.
	Observer StateObserver

	// Logger is optional structured logger.
	Logger Logger

	// Version is reported in health messages.
	Version string
}

// NewBridge validates the configured modules and builds the registry.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Source == nil {
		return nil, fmt.Errorf("stream source is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("delta sink is required")
	}

	transports := opts.Transports
	if transports == nil {
		transports = DefaultTransports{BaudRate: opts.Config.Serial.BaudRate}
	}

	validated := ValidateOptions(opts.Config.Options, opts.Logger)
	registry := NewRegistry(validated, opts.Logger)

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		cfg:        opts.Config,
		registry:   registry,
		source:     opts.Source,
		sink:       opts.Sink,
		transports: transports,
		observer:   opts.Observer,
		events:     make(chan event, eventQueueSize),
		states:     make(map[string]int),
		ctx:        ctx,
		ctxCancel:  ctxCancel,
		logger:     opts.Logger,
	}

	for _, m := range registry.Modules() {
		b.conns = append(b.conns, &moduleConn{
			module: m,
			codec:  CodecFor(m.Endpoint.Kind),
		})
	}

	if opts.HealthPublisher != nil {
		b.health = NewHealthReporter(HealthReporterConfig{
			BridgeID:    opts.Config.Bridge.ID,
			TopicPrefix: opts.Config.Bus.TopicPrefix,
			Version:     opts.Version,
			Interval:    opts.Config.GetHealthInterval(),
			Publisher:   opts.HealthPublisher,
			Modules:     b,
		})
		if opts.Logger != nil {
			b.health.SetLogger(opts.Logger)
		}
	}

	return b, nil
}

// Start publishes channel metadata, opens module links and subscribes every
// channel to its trigger stream.
func (b *Bridge) Start(ctx context.Context) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if b.health != nil {
		if err := b.health.PublishStarting(); err != nil {
			b.logError("failed to publish starting status", err)
		}
	}

	b.publishMeta()

	b.wg.Add(1)
	go b.dispatch()

	operating := b.openTransports()
	b.subscribeChannels()

	b.logInfo(fmt.Sprintf("operating %d relay module%s", operating, plural(operating)),
		"bridge_id", b.cfg.Bridge.ID,
		"modules", operating,
		"channels", b.registry.ChannelCount())

	if b.health != nil {
		b.health.Start(ctx)
	}

	return nil
}

// Stop invokes every unsubscribe handle once, in creation order, then closes
// module links. Pending writes are neither awaited nor cancelled. Safe to
// call more than once.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)

		b.subsMu.Lock()
		unsubscribes := b.unsubscribes
		b.unsubscribes = nil
		b.subsMu.Unlock()

		for _, unsubscribe := range unsubscribes {
			unsubscribe()
		}

		b.ctxCancel()

		for _, c := range b.conns {
			if c.transport == nil {
				continue
			}
			if err := c.transport.Close(); err != nil {
				b.logDebug("closing module transport", "module", c.module.ID, "error", err)
			}
		}

		b.wg.Wait()

		for _, c := range b.conns {
			c.connected.Store(false)
		}

		if b.health != nil {
			b.health.Stop()
		}

		b.logInfo("bridge stopped", "bridge_id", b.cfg.Bridge.ID)
	})
}

// publishMeta sends one delta holding the meta value of every channel.
func (b *Bridge) publishMeta() {
	values := b.registry.MetaValues()
	if len(values) == 0 {
		return
	}
	if err := b.sink.Publish(NewDelta(b.cfg.Bridge.ID, values...)); err != nil {
		b.logError("failed to publish channel metadata", err)
	}
}

// openTransports creates a transport per module and starts its connection
// goroutine. It returns the number of modules that got a transport.
func (b *Bridge) openTransports() int {
	operating := 0
	for _, c := range b.conns {
		t, err := b.transports.NewTransport(c.module)
		if err != nil {
			b.logError("cannot create module transport", err, "module", c.module.ID)
			continue
		}
		if t == nil {
			continue
		}
		c.transport = t
		operating++

		b.wg.Add(1)
		go b.runConnection(c)
	}
	return operating
}

// subscribeChannels subscribes each channel of an operating module to its
// trigger stream. Channels without a stream stay inert.
func (b *Bridge) subscribeChannels() {
	for _, c := range b.conns {
		if c.transport == nil {
			continue
		}
		for _, ch := range c.module.Channels {
			stream := ResolveStream(b.source, ch.TriggerPath)
			if stream == nil {
				b.logDebug("no stream for trigger path", "channel", ch.Key, "path", ch.TriggerPath)
				continue
			}

			conn, channel := c, ch
			unsubscribe := stream.Subscribe(func(v any) {
				b.postValue(event{kind: eventValue, conn: conn, channel: channel, value: v})
			})

			b.subsMu.Lock()
			b.unsubscribes = append(b.unsubscribes, unsubscribe)
			b.subsMu.Unlock()
		}
	}
}

// runConnection opens one module link and forwards its events.
func (b *Bridge) runConnection(c *moduleConn) {
	defer b.wg.Done()

	if err := c.transport.Connect(b.ctx); err != nil {
		b.post(event{kind: eventConnectFailed, conn: c, err: err})
		return
	}
	b.post(event{kind: eventOpened, conn: c})

	err := c.transport.Run(b.ctx, func(frame []byte) {
		b.post(event{kind: eventData, conn: c, frame: frame})
	})
	b.post(event{kind: eventClosed, conn: c, err: err})
}

// post queues an event for the dispatcher. Events are dropped once the
// bridge is stopping.
func (b *Bridge) post(ev event) {
	select {
	case b.events <- ev:
	case <-b.ctx.Done():
	}
}

// postValue queues a trigger value without blocking. The value is dropped
// when the queue is full.
func (b *Bridge) postValue(ev event) {
	select {
	case b.events <- ev:
	case <-b.ctx.Done():
	default:
		dropped := b.droppedValues.Add(1)
		b.logWarn("trigger value dropped, event queue full",
			"channel", ev.channel.Key,
			"dropped_total", dropped)
	}
}

// dispatch runs every event handler in arrival order.
func (b *Bridge) dispatch() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.events:
			b.handleEvent(ev)
		}
	}
}

func (b *Bridge) handleEvent(ev event) {
	switch ev.kind {
	case eventOpened:
		b.handleOpened(ev.conn)
	case eventConnectFailed:
		ev.conn.errors.Add(1)
		b.logError("module connection failed", ev.err,
			"module", ev.conn.module.ID,
			"address", ev.conn.module.Endpoint.Address())
	case eventData:
		b.handleData(ev.conn, ev.frame)
	case eventClosed:
		b.handleClosed(ev.conn, ev.err)
	case eventValue:
		b.handleValue(ev.conn, ev.channel, ev.value)
	}
}

func (b *Bridge) handleOpened(c *moduleConn) {
	c.connected.Store(true)
	c.connectedSince.Store(time.Now().UnixNano())
	b.logInfo("module connection opened",
		"module", c.module.ID,
		"scheme", c.module.Endpoint.Kind.String(),
		"address", c.module.Endpoint.Address())

	b.writeAll(c, c.codec.Greeting(c.module))
}

func (b *Bridge) handleClosed(c *moduleConn, err error) {
	c.connected.Store(false)
	c.connectedSince.Store(0)
	if err != nil {
		c.errors.Add(1)
		b.logError("module connection closed", err, "module", c.module.ID)
		return
	}
	b.logInfo("module connection closed", "module", c.module.ID)
}

func (b *Bridge) handleData(c *moduleConn, frame []byte) {
	c.framesRx.Add(1)
	b.logDebug("module data received", "module", c.module.ID, "data", fmt.Sprintf("%q", frame))

	report := c.codec.Decode(c.module, frame)
	switch {
	case report.Failure:
		c.failures.Add(1)
		b.logError("module command failure", fmt.Errorf("module %s replied %q", c.module.ID, tcpFailureToken),
			"module", c.module.ID)
	case report.Suppressed:
		b.logDebug("empty status report ignored", "module", c.module.ID)
	case len(report.States) > 0:
		b.publishStates(OriginDevice, report.States)
	}
}

// handleValue writes the toggle if the module is connected, then publishes
// the state either way. The delta reflects what was asked for, not what the
// module confirmed.
func (b *Bridge) handleValue(c *moduleConn, ch *Channel, v any) {
	state := SwitchValue(v)

	if c.connected.Load() {
		b.writeAll(c, c.codec.Toggle(c.module, ch, state == 1))
	} else {
		b.logDebug("module not connected, toggle not written", "channel", ch.Key, "state", state)
	}

	b.publishStates(OriginBus, []ChannelState{{Channel: ch, Value: state}})
}

// writeAll sends writes in order, stopping at the first error.
func (b *Bridge) writeAll(c *moduleConn, writes [][]byte) {
	for _, p := range writes {
		if err := c.transport.Write(p); err != nil {
			c.errors.Add(1)
			b.logError("module write failed", err, "module", c.module.ID)
			return
		}
		c.commandsTx.Add(1)
	}
}

// publishStates sends one delta holding a state value per entry.
func (b *Bridge) publishStates(origin string, states []ChannelState) {
	values := make([]PathValue, 0, len(states))
	for _, s := range states {
		values = append(values, PathValue{Path: s.Channel.StatePath(), Value: s.Value})
	}

	if err := b.sink.Publish(NewDelta(b.cfg.Bridge.ID, values...)); err != nil {
		b.logError("failed to publish state delta", err)
	}

	b.statesMu.Lock()
	for _, s := range states {
		b.states[s.Channel.Key] = s.Value
	}
	b.statesMu.Unlock()

	if b.observer != nil {
		for _, s := range states {
			b.observer.SwitchStateChanged(s.Channel.Key, s.Value, origin)
		}
	}
}

// Registry returns the channels and modules of this activation.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// ModuleStatuses reports every module's link state in configuration order.
func (b *Bridge) ModuleStatuses() []ModuleStatus {
	statuses := make([]ModuleStatus, 0, len(b.conns))
	for _, c := range b.conns {
		st := ModuleStatus{
			ID:          c.module.ID,
			Description: c.module.Description,
			Scheme:      c.module.Endpoint.Scheme,
			Address:     c.module.Endpoint.Address(),
			Operating:   c.transport != nil && b.started.Load(),
			Connected:   c.connected.Load(),
			Channels:    len(c.module.Channels),
			FramesRx:    c.framesRx.Load(),
			CommandsTx:  c.commandsTx.Load(),
			Failures:    c.failures.Load(),
			Errors:      c.errors.Load(),
		}
		if since := c.connectedSince.Load(); since != 0 && st.Connected {
			t := time.Unix(0, since).UTC()
			st.ConnectedSince = &t
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// SwitchStates returns the last published state of each channel key.
func (b *Bridge) SwitchStates() map[string]int {
	b.statesMu.RLock()
	defer b.statesMu.RUnlock()

	out := make(map[string]int, len(b.states))
	for k, v := range b.states {
		out[k] = v
	}
	return out
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	if b.health != nil {
		b.health.SetLogger(logger)
	}
}

// logInfo logs an info message if logger is set.
func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (b *Bridge) logError(msg string, err error, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

// logWarn logs a warning if logger is set.
func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

// logDebug logs a debug message if logger is set.
func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
