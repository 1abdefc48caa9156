package relay

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options is the module and channel configuration handed to the bridge.
//
// The YAML keys match the plugin configuration the relay modules were
// originally commissioned with, so existing option files load unchanged.
type Options struct {
	// DefaultTriggerPath prefixes the key of every channel that has no
	// explicit trigger. "control.relay" gives control.relay.<module>.<channel>.
	DefaultTriggerPath string `yaml:"defaulttriggerpath"`

	// Modules lists the relay modules in configuration order.
	Modules []ModuleOptions `yaml:"modules"`
}

// ModuleOptions describes one relay module as configured.
type ModuleOptions struct {
	ID            string           `yaml:"id"`
	CString       string           `yaml:"cstring"`
	Description   string           `yaml:"description"`
	StatusCommand string           `yaml:"statuscommand"`
	Channels      []ChannelOptions `yaml:"channels"`

	// decodeErr is set when the YAML status command could not be decoded.
	decodeErr error
}

// ChannelOptions describes one relay channel as configured.
//
// On, Off and StatusCommand are raw byte sequences. In YAML each is either
// a string whose characters are byte values ("\x80" is the single byte
// 0x80) or a list of integers 0..255. StatusMask is an integer literal
// (decimal, 0x or 0b prefixed).
type ChannelOptions struct {
	ID            string `yaml:"id"`
	Index         string `yaml:"index"`
	On            string `yaml:"on"`
	Off           string `yaml:"off"`
	Name          string `yaml:"name"`
	StatusMask    string `yaml:"statusmask"`
	Trigger       string `yaml:"trigger"`
	StatusCommand string `yaml:"statuscommand"`

	// decodeErr is set when a YAML command could not be decoded.
	decodeErr error
}

// UnmarshalYAML decodes a module, keeping a bad status command as a
// per-module error so the rest of the file still loads.
func (m *ModuleOptions) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID            string           `yaml:"id"`
		CString       string           `yaml:"cstring"`
		Description   string           `yaml:"description"`
		StatusCommand yaml.Node        `yaml:"statuscommand"`
		Channels      []ChannelOptions `yaml:"channels"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*m = ModuleOptions{
		ID:          raw.ID,
		CString:     raw.CString,
		Description: raw.Description,
		Channels:    raw.Channels,
	}

	var err error
	if m.StatusCommand, err = decodeCommand(&raw.StatusCommand); err != nil {
		m.decodeErr = fmt.Errorf("statuscommand: %w", err)
	}
	return nil
}

// UnmarshalYAML decodes a channel, keeping a bad command as a per-channel
// error so the rest of the file still loads.
func (c *ChannelOptions) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ID            string    `yaml:"id"`
		Index         string    `yaml:"index"`
		On            yaml.Node `yaml:"on"`
		Off           yaml.Node `yaml:"off"`
		Name          string    `yaml:"name"`
		StatusMask    string    `yaml:"statusmask"`
		Trigger       string    `yaml:"trigger"`
		StatusCommand yaml.Node `yaml:"statuscommand"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*c = ChannelOptions{
		ID:         raw.ID,
		Index:      raw.Index,
		Name:       raw.Name,
		StatusMask: raw.StatusMask,
		Trigger:    raw.Trigger,
	}

	commands := []struct {
		name string
		node *yaml.Node
		dst  *string
	}{
		{"on", &raw.On, &c.On},
		{"off", &raw.Off, &c.Off},
		{"statuscommand", &raw.StatusCommand, &c.StatusCommand},
	}
	for _, cmd := range commands {
		decoded, err := decodeCommand(cmd.node)
		if err != nil {
			c.decodeErr = fmt.Errorf("%s: %w", cmd.name, err)
			return nil
		}
		*cmd.dst = decoded
	}
	return nil
}

// decodeCommand returns the raw bytes of a YAML command. A string maps each
// character to one byte and rejects characters above U+00FF. A list holds
// one integer 0..255 per byte. An absent or null command is empty.
func decodeCommand(n *yaml.Node) (string, error) {
	switch n.Kind {
	case 0:
		return "", nil

	case yaml.ScalarNode:
		if n.ShortTag() == "!!null" {
			return "", nil
		}
		buf := make([]byte, 0, len(n.Value))
		for _, r := range n.Value {
			if r > 0xFF {
				return "", fmt.Errorf("%w: line %d: character %U is not a single byte", ErrInvalidCommand, n.Line, r)
			}
			buf = append(buf, byte(r))
		}
		return string(buf), nil

	case yaml.SequenceNode:
		buf := make([]byte, 0, len(n.Content))
		for _, item := range n.Content {
			var v int
			if item.Kind != yaml.ScalarNode || item.Decode(&v) != nil {
				return "", fmt.Errorf("%w: line %d: %q is not a byte value", ErrInvalidCommand, item.Line, item.Value)
			}
			if v < 0 || v > 0xFF {
				return "", fmt.Errorf("%w: line %d: %d is out of range 0..255", ErrInvalidCommand, item.Line, v)
			}
			buf = append(buf, byte(v))
		}
		return string(buf), nil

	default:
		return "", fmt.Errorf("%w: line %d: expected a string or a list of byte values", ErrInvalidCommand, n.Line)
	}
}

// ValidateOptions trims every field and drops incomplete entries.
//
// A module without id or cstring, or whose YAML status command could not be
// decoded, is dropped together with its channels. A channel without id,
// index, on or off, or with an undecodable YAML command, is dropped on its
// own. Each dropped
// entry is logged at error level and processing continues, so the result is
// always usable, possibly with no modules at all. The input is not modified.
func ValidateOptions(opts Options, logger Logger) Options {
	out := Options{
		DefaultTriggerPath: strings.TrimSpace(opts.DefaultTriggerPath),
		Modules:            make([]ModuleOptions, 0, len(opts.Modules)),
	}

	for _, m := range opts.Modules {
		m.ID = strings.TrimSpace(m.ID)
		m.CString = strings.TrimSpace(m.CString)
		m.Description = strings.TrimSpace(m.Description)
		m.StatusCommand = trimCommand(m.StatusCommand)

		if missing := firstMissing("id", m.ID, "cstring", m.CString); missing != "" {
			logWith(logger).Error("ignoring module",
				"module", m.ID,
				"missing", missing,
				"error", ErrMissingProperty)
			continue
		}
		if m.decodeErr != nil {
			logWith(logger).Error("ignoring module",
				"module", m.ID,
				"error", m.decodeErr)
			continue
		}

		channels := make([]ChannelOptions, 0, len(m.Channels))
		for _, c := range m.Channels {
			c.ID = strings.TrimSpace(c.ID)
			c.Index = strings.TrimSpace(c.Index)
			c.On = trimCommand(c.On)
			c.Off = trimCommand(c.Off)
			c.Name = strings.TrimSpace(c.Name)
			c.StatusMask = strings.TrimSpace(c.StatusMask)
			c.Trigger = strings.TrimSpace(c.Trigger)
			c.StatusCommand = trimCommand(c.StatusCommand)

			if missing := firstMissing("id", c.ID, "index", c.Index, "on", c.On, "off", c.Off); missing != "" {
				logWith(logger).Error("ignoring channel",
					"module", m.ID,
					"channel", c.ID,
					"missing", missing,
					"error", ErrMissingProperty)
				continue
			}
			if c.decodeErr != nil {
				logWith(logger).Error("ignoring channel",
					"module", m.ID,
					"channel", c.ID,
					"error", c.decodeErr)
				continue
			}
			channels = append(channels, c)
		}
		m.Channels = channels

		out.Modules = append(out.Modules, m)
	}

	return out
}

// trimCommand trims ASCII spaces and tabs from a command. Control bytes such
// as 0x00 or CR are part of the wire command and are kept.
func trimCommand(s string) string {
	return strings.Trim(s, " \t")
}

// firstMissing takes name/value pairs and returns the first name whose value
// is empty.
func firstMissing(pairs ...string) string {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return pairs[i]
		}
	}
	return ""
}
