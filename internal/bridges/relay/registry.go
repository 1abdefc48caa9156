package relay

import (
	"fmt"
	"strconv"
	"strings"
)

// Path constants for the logical switch namespace.
const (
	// SwitchPathPrefix is the root of every channel path.
	SwitchPathPrefix = "electrical.switches."

	// NotificationPathPrefix marks trigger paths carrying notification objects.
	NotificationPathPrefix = "notifications."

	// MetaType is the switch type advertised in channel metadata.
	MetaType = "relay"

	// defaultStatusMask applies when a channel has no statusmask.
	defaultStatusMask = 1
)

// Module is a validated relay module with its resolved endpoint.
type Module struct {
	ID            string
	Description   string
	Endpoint      Endpoint
	StatusCommand []byte

	// Channels are kept in configuration order; serial status decoding
	// depends on it.
	Channels []*Channel
}

// Channel is one validated relay channel.
type Channel struct {
	ModuleID string
	ID       string
	Index    string
	Name     string

	// Key is ModuleID + "." + ID.
	Key string

	On            []byte
	Off           []byte
	StatusCommand []byte
	StatusMask    uint8

	// TriggerPath is the bus path whose values drive this channel.
	TriggerPath string
}

// StatePath returns electrical.switches.<key>.state.
func (c *Channel) StatePath() string {
	return SwitchPathPrefix + c.Key + ".state"
}

// MetaPath returns electrical.switches.<key>.meta.
func (c *Channel) MetaPath() string {
	return SwitchPathPrefix + c.Key + ".meta"
}

// Meta returns the metadata published for the channel at start.
func (c *Channel) Meta() ChannelMeta {
	meta := ChannelMeta{Type: MetaType}
	if c.Name != "" {
		name := c.Name
		meta.Name = &name
	}
	return meta
}

// ChannelMeta is the value published on a channel's meta path.
type ChannelMeta struct {
	Type string  `json:"type"`
	Name *string `json:"name"`
}

// Registry holds the modules and channels of one bridge activation.
// It is immutable once built.
type Registry struct {
	modules  []*Module
	channels map[string]*Channel
}

// NewRegistry builds the registry from validated options.
//
// Modules whose connection string does not resolve are dropped with an error
// log, as are channels with an unusable status mask or a key that is already
// taken. Everything else is kept in configuration order.
func NewRegistry(opts Options, logger Logger) *Registry {
	log := logWith(logger)
	r := &Registry{channels: make(map[string]*Channel)}

	for _, mo := range opts.Modules {
		ep, err := ParseConnectionString(mo.CString)
		if err != nil {
			log.Error("ignoring module", "module", mo.ID, "cstring", mo.CString, "error", err)
			continue
		}

		m := &Module{
			ID:            mo.ID,
			Description:   mo.Description,
			Endpoint:      ep,
			StatusCommand: []byte(mo.StatusCommand),
		}

		for _, co := range mo.Channels {
			ch, err := buildChannel(mo.ID, co, opts.DefaultTriggerPath)
			if err != nil {
				log.Error("ignoring channel", "module", mo.ID, "channel", co.ID, "error", err)
				continue
			}
			if _, exists := r.channels[ch.Key]; exists {
				log.Error("ignoring channel", "module", mo.ID, "channel", co.ID,
					"error", fmt.Errorf("%w: %s", ErrDuplicateKey, ch.Key))
				continue
			}
			r.channels[ch.Key] = ch
			m.Channels = append(m.Channels, ch)
		}

		r.modules = append(r.modules, m)
	}

	return r
}

// buildChannel converts channel options into a Channel.
func buildChannel(moduleID string, co ChannelOptions, defaultTrigger string) (*Channel, error) {
	mask, err := parseStatusMask(co.StatusMask)
	if err != nil {
		return nil, err
	}

	key := ChannelKey(moduleID, co.ID)
	trigger := co.Trigger
	if trigger == "" {
		trigger = DefaultTriggerPath(defaultTrigger, key)
	}

	return &Channel{
		ModuleID:      moduleID,
		ID:            co.ID,
		Index:         co.Index,
		Name:          co.Name,
		Key:           key,
		On:            []byte(co.On),
		Off:           []byte(co.Off),
		StatusCommand: []byte(co.StatusCommand),
		StatusMask:    mask,
		TriggerPath:   trigger,
	}, nil
}

// ChannelKey derives the key identifying a channel on the bus.
func ChannelKey(moduleID, channelID string) string {
	return moduleID + "." + channelID
}

// DefaultTriggerPath joins the configured default prefix and a channel key.
func DefaultTriggerPath(prefix, key string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// parseStatusMask parses a decimal, 0x or 0b mask in 0..255.
func parseStatusMask(s string) (uint8, error) {
	if s == "" {
		return defaultStatusMask, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStatusMask, s)
	}
	return uint8(v), nil
}

// Modules returns the modules in configuration order.
func (r *Registry) Modules() []*Module {
	return r.modules
}

// Channel looks up a channel by key.
func (r *Registry) Channel(key string) (*Channel, bool) {
	ch, ok := r.channels[key]
	return ch, ok
}

// ChannelCount returns the number of channels across all modules.
func (r *Registry) ChannelCount() int {
	return len(r.channels)
}

// MetaValues returns one meta path value per channel, module by module.
func (r *Registry) MetaValues() []PathValue {
	values := make([]PathValue, 0, len(r.channels))
	for _, m := range r.modules {
		for _, ch := range m.Channels {
			values = append(values, PathValue{Path: ch.MetaPath(), Value: ch.Meta()})
		}
	}
	return values
}
