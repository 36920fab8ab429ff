package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"deckmixer/internal/deck"
	"deckmixer/internal/mixer"
)

// Config is the top-level YAML configuration for the deckmixer daemon.
//
// Keep defaults and validation centralized so the rest of the code can assume
// a well-formed config.
type Config struct {
	Audio     AudioConfig     `yaml:"audio"`
	HTTP      HTTPConfig      `yaml:"http"`
	Launchpad LaunchpadConfig `yaml:"launchpad"`
	Keypad    KeypadConfig    `yaml:"keypad"`
	Settings  SettingsConfig  `yaml:"settings"`
	IPC       IPCConfig       `yaml:"ipc"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type AudioConfig struct {
	// Backend is "pactl" (PulseAudio/PipeWire) or "memory" (simulated, for demos).
	Backend     string `yaml:"backend"`
	PactlBinary string `yaml:"pactl_binary,omitempty"`
}

type HTTPConfig struct {
	Listen    string `yaml:"listen"`
	DeckPath  string `yaml:"deck_path"`
	StatePath string `yaml:"state_path"`
}

// ButtonConfig places one button of a fixed layout.
type ButtonConfig struct {
	Row    int    `yaml:"row"`
	Col    int    `yaml:"col"`
	Action string `yaml:"action"`
	Key    uint16 `yaml:"key,omitempty"`
}

type LaunchpadConfig struct {
	Enabled bool           `yaml:"enabled"`
	Port    string         `yaml:"port"`
	Buttons []ButtonConfig `yaml:"buttons,omitempty"`
}

type KeypadConfig struct {
	Enabled bool           `yaml:"enabled"`
	Devices []string       `yaml:"devices,omitempty"`
	Buttons []ButtonConfig `yaml:"buttons,omitempty"`
}

type SettingsConfig struct {
	// Path of the settings store. Empty means the XDG data directory.
	Path string `yaml:"path,omitempty"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Audio: AudioConfig{
			Backend: "pactl",
		},
		HTTP: HTTPConfig{
			Listen:    "127.0.0.1:3020",
			DeckPath:  "/ws/deck",
			StatePath: "/ws/state",
		},
		Launchpad: LaunchpadConfig{
			Port:    "Launchpad X LPX MIDI",
			Buttons: defaultLaunchpadButtons(),
		},
		IPC: IPCConfig{
			SocketPath: "/tmp/deckmixer.sock",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// defaultLaunchpadButtons is a starter layout: the bottom row holds
// applications, the row above output devices, and the top row the
// standalone controls.
func defaultLaunchpadButtons() []ButtonConfig {
	var out []ButtonConfig
	for col := 0; col < 8; col++ {
		out = append(out, ButtonConfig{Row: 0, Col: col, Action: string(mixer.ActionApplication)})
	}
	for col := 0; col < 4; col++ {
		out = append(out, ButtonConfig{Row: 1, Col: col, Action: string(mixer.ActionOutputDevice)})
	}
	out = append(out,
		ButtonConfig{Row: 8, Col: 0, Action: string(mixer.ActionVolumeUp)},
		ButtonConfig{Row: 8, Col: 1, Action: string(mixer.ActionVolumeDown)},
		ButtonConfig{Row: 8, Col: 2, Action: string(mixer.ActionMute)},
	)
	return out
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected to catch typos.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides carries command line overrides. Nil pointers are not applied;
// non-nil pointers are applied even when they hold a zero value.
type FlagOverrides struct {
	AudioBackend *string
	PactlBinary  *string

	HTTPListen *string

	LaunchpadEnabled *bool
	LaunchpadPort    *string

	KeypadEnabled *bool
	KeypadDevice  *string

	SettingsPath  *string
	IPCSocketPath *string
	LogLevel      *string
}

func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.AudioBackend != nil {
		cfg.Audio.Backend = *o.AudioBackend
	}
	if o.PactlBinary != nil {
		cfg.Audio.PactlBinary = *o.PactlBinary
	}
	if o.HTTPListen != nil {
		cfg.HTTP.Listen = *o.HTTPListen
	}
	if o.LaunchpadEnabled != nil {
		cfg.Launchpad.Enabled = *o.LaunchpadEnabled
	}
	if o.LaunchpadPort != nil {
		cfg.Launchpad.Port = *o.LaunchpadPort
	}
	if o.KeypadEnabled != nil {
		cfg.Keypad.Enabled = *o.KeypadEnabled
	}
	if o.KeypadDevice != nil {
		cfg.Keypad.Devices = []string{*o.KeypadDevice}
	}
	if o.SettingsPath != nil {
		cfg.Settings.Path = *o.SettingsPath
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
// Call it after defaults + file + overrides are applied.
func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case "pactl", "memory":
	default:
		return fmt.Errorf("audio.backend must be %q or %q", "pactl", "memory")
	}

	// An empty listen address disables the HTTP server.
	if c.HTTP.Listen != "" {
		for name, p := range map[string]string{"http.deck_path": c.HTTP.DeckPath, "http.state_path": c.HTTP.StatePath} {
			if !strings.HasPrefix(p, "/") {
				return fmt.Errorf("%s must start with /", name)
			}
		}
		if c.HTTP.DeckPath == c.HTTP.StatePath {
			return errors.New("http.deck_path and http.state_path must differ")
		}
	}

	if c.Launchpad.Enabled {
		if c.Launchpad.Port == "" {
			return errors.New("launchpad.enabled is true but launchpad.port is empty")
		}
		if _, err := c.Launchpad.buttons(); err != nil {
			return err
		}
	}

	if c.Keypad.Enabled {
		if len(c.Keypad.Devices) == 0 {
			return errors.New("keypad.enabled is true but keypad.devices is empty")
		}
		for i, dev := range c.Keypad.Devices {
			if dev == "" {
				return fmt.Errorf("keypad.devices[%d] is empty", i)
			}
		}
		if _, err := c.Keypad.buttons(); err != nil {
			return err
		}
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func (c LaunchpadConfig) buttons() ([]deck.Button, error) {
	return toButtons("launchpad", c.Buttons, false)
}

func (c KeypadConfig) buttons() ([]deck.Button, error) {
	return toButtons("keypad", c.Buttons, true)
}

func toButtons(section string, in []ButtonConfig, needKey bool) ([]deck.Button, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%s.buttons must not be empty", section)
	}
	out := make([]deck.Button, 0, len(in))
	for i, b := range in {
		kind, err := mixer.ParseActionKind(b.Action)
		if err != nil {
			return nil, fmt.Errorf("%s.buttons[%d]: %w", section, i, err)
		}
		if needKey && b.Key == 0 {
			return nil, fmt.Errorf("%s.buttons[%d]: key must be set", section, i)
		}
		out = append(out, deck.Button{
			Coord:  mixer.Coord{Row: b.Row, Col: b.Col},
			Action: kind,
			Key:    b.Key,
		})
	}
	return out, nil
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
