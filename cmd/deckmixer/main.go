package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"golang.org/x/sync/errgroup"

	"deckmixer/internal/audio"
	"deckmixer/internal/deck"
	"deckmixer/internal/ipc"
	"deckmixer/internal/mixer"
	"deckmixer/internal/settings"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("deckmixer v%s\n", version)
	fmt.Println("Per-application volume mixer for button grids")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  deckmixer [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Binds audio sessions and output devices to the buttons of a Launchpad,")
	fmt.Println("  an evdev keypad or a websocket deck, and keeps each button's face in")
	fmt.Println("  sync with the sound system.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (defaults are used when omitted)")
	fmt.Println()
	fmt.Println("  -audio-backend string")
	fmt.Println("        Audio backend: pactl|memory (default \"pactl\")")
	fmt.Println()
	fmt.Println("  -pactl string")
	fmt.Println("        pactl binary (default: looked up on PATH)")
	fmt.Println()
	fmt.Println("  -http-listen string")
	fmt.Println("        Listen address for the deck and state websockets; empty disables (default \"127.0.0.1:3020\")")
	fmt.Println()
	fmt.Println("  -launchpad")
	fmt.Println("        Enable the Launchpad host")
	fmt.Println()
	fmt.Println("  -launchpad-port string")
	fmt.Println("        MIDI port name of the Launchpad (default \"Launchpad X LPX MIDI\")")
	fmt.Println()
	fmt.Println("  -keypad-device string")
	fmt.Println("        evdev device of a keypad; enables the keypad host (needs keypad.buttons in the config)")
	fmt.Println()
	fmt.Println("  -settings string")
	fmt.Println("        Settings store path (default: $XDG_DATA_HOME/deckmixer/settings.json)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/deckmixer.sock\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Try it without a sound server, driving it from a websocket deck")
	fmt.Println("  deckmixer -audio-backend memory")
	fmt.Println()
	fmt.Println("  # PulseAudio/PipeWire with a Launchpad")
	fmt.Println("  deckmixer -config ~/.config/deckmixer/config.yaml -launchpad")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - The keypad host needs read access to the input device (root or the 'input' group)")
	fmt.Println("  - Use deckmixer-ctl to press buttons over IPC and deckmixer-watch to view the grid")
	fmt.Println()
}

// stringFlag and boolFlag record whether a flag was given so only explicit
// flags override the config file.
type stringFlag struct {
	v   string
	set bool
}

func (f *stringFlag) String() string     { return f.v }
func (f *stringFlag) Set(s string) error { f.v, f.set = s, true; return nil }
func (f *stringFlag) ptr() *string {
	if !f.set {
		return nil
	}
	return &f.v
}

type boolFlag struct {
	v   bool
	set bool
}

func (f *boolFlag) String() string { return fmt.Sprint(f.v) }
func (f *boolFlag) Set(s string) error {
	switch s {
	case "true", "1":
		f.v = true
	case "false", "0":
		f.v = false
	default:
		return fmt.Errorf("invalid boolean %q", s)
	}
	f.set = true
	return nil
}
func (f *boolFlag) IsBoolFlag() bool { return true }
func (f *boolFlag) ptr() *bool {
	if !f.set {
		return nil
	}
	return &f.v
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)
	var (
		audioBackend, pactlBinary, httpListen, launchpadPort stringFlag
		keypadDevice, settingsPath, ipcSocketPath, logLevelStr stringFlag
		launchpad                                              boolFlag
	)
	flag.Var(&audioBackend, "audio-backend", "Audio backend: pactl|memory")
	flag.Var(&pactlBinary, "pactl", "pactl binary")
	flag.Var(&httpListen, "http-listen", "Listen address for the websockets")
	flag.Var(&launchpad, "launchpad", "Enable the Launchpad host")
	flag.Var(&launchpadPort, "launchpad-port", "MIDI port name of the Launchpad")
	flag.Var(&keypadDevice, "keypad-device", "evdev device of a keypad")
	flag.Var(&settingsPath, "settings", "Settings store path")
	flag.Var(&ipcSocketPath, "ipc-socket", "Unix domain socket path for IPC")
	flag.Var(&logLevelStr, "log-level", "Log level: error, warn, info, debug")

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = LoadConfigFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}
	overrides := FlagOverrides{
		AudioBackend:     audioBackend.ptr(),
		PactlBinary:      pactlBinary.ptr(),
		HTTPListen:       httpListen.ptr(),
		LaunchpadEnabled: launchpad.ptr(),
		LaunchpadPort:    launchpadPort.ptr(),
		KeypadDevice:     keypadDevice.ptr(),
		SettingsPath:     settingsPath.ptr(),
		IPCSocketPath:    ipcSocketPath.ptr(),
		LogLevel:         logLevelStr.ptr(),
	}
	if keypadDevice.set {
		enabled := true
		overrides.KeypadEnabled = &enabled
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("deckmixer stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Settings)
	if err != nil {
		return err
	}
	global := loadGlobal(store, logger)

	backend, err := openBackend(cfg.Audio, logger)
	if err != nil {
		return err
	}

	// Central event bus into the engine.
	events := make(chan mixer.Event, 64)
	loadSlot := func(id mixer.SlotID) ([]byte, error) { return store.Slot(string(id)) }

	mux := http.NewServeMux()
	var hosts []deck.Host

	if cfg.HTTP.Listen != "" {
		ws := deck.NewWS(logger, events)
		mux.Handle(cfg.HTTP.DeckPath, ws)
		hosts = append(hosts, ws)
	}
	if cfg.Launchpad.Enabled {
		buttons, _ := cfg.Launchpad.buttons()
		lp, err := deck.NewLaunchpad(logger, events, deck.LaunchpadConfig{
			Port:    cfg.Launchpad.Port,
			Buttons: buttons,
			Load:    loadSlot,
		})
		if err != nil {
			return fmt.Errorf("launchpad: %w", err)
		}
		hosts = append(hosts, lp)
	}
	if cfg.Keypad.Enabled {
		buttons, _ := cfg.Keypad.buttons()
		kp, err := deck.NewKeypad(logger, events, deck.KeypadConfig{
			Devices: cfg.Keypad.Devices,
			Buttons: buttons,
			Load:    loadSlot,
		})
		if err != nil {
			return fmt.Errorf("keypad: %w", err)
		}
		hosts = append(hosts, kp)
	}

	// The state broadcaster only runs with the HTTP server.
	var stateUpdates chan stateUpdate
	stateSrv := NewStateServer(logger, events, HubConfig{})
	if cfg.HTTP.Listen != "" {
		stateUpdates = make(chan stateUpdate, 256)
		mux.Handle(cfg.HTTP.StatePath, stateSrv)
	}

	engine := mixer.New(mixer.Options{
		Backend: backend,
		Output: &output{
			logger: logger,
			store:  store,
			hosts:  hosts,
			state:  stateUpdates,
		},
		Logger: logger,
		Global: global,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx, events) })
	g.Go(func() error { return ipc.Serve(gctx, cfg.IPC.SocketPath, events, logger) })

	for _, h := range hosts {
		g.Go(func() error {
			// A missing or unplugged surface should not take the mixer down.
			if err := h.Run(gctx); err != nil {
				logger.Error("deck host stopped", "host", h.Name(), "error", err)
			}
			return nil
		})
	}

	if cfg.HTTP.Listen != "" {
		g.Go(func() error {
			stateSrv.Hub().Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, stateSrv.Hub(), stateUpdates, logger)
			return nil
		})
		g.Go(func() error { return runHTTPServer(gctx, cfg.HTTP.Listen, mux, logger) })
	}

	hostNames := make([]string, 0, len(hosts))
	for _, h := range hosts {
		hostNames = append(hostNames, h.Name())
	}
	logger.Info("deckmixer running",
		"version", version,
		"audio_backend", cfg.Audio.Backend,
		"hosts", hostNames,
		"http", cfg.HTTP.Listen,
		"ipc", cfg.IPC.SocketPath,
		"settings", store.Path())

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

func openStore(cfg SettingsConfig) (*settings.Store, error) {
	path := ExpandPath(cfg.Path)
	if path == "" {
		var err error
		if path, err = settings.DefaultPath(); err != nil {
			return nil, fmt.Errorf("settings path: %w", err)
		}
	}
	return settings.NewStore(path), nil
}

// loadGlobal returns the persisted global settings. Unreadable settings are
// replaced by the defaults so the next save does not keep failing.
func loadGlobal(store *settings.Store, logger *slog.Logger) settings.Global {
	raw, err := store.Global()
	if err == nil {
		var g settings.Global
		if g, err = settings.DecodeGlobal(raw); err == nil {
			return g
		}
	}
	logger.Warn("global settings unreadable; resetting to defaults", "path", store.Path(), "error", err)
	g := settings.DefaultGlobal()
	if err := store.SaveGlobal(g); err != nil {
		logger.Warn("saving default global settings failed", "error", err)
	}
	return g
}

func openBackend(cfg AudioConfig, logger *slog.Logger) (audio.Backend, error) {
	switch cfg.Backend {
	case "memory":
		logger.Info("using simulated audio backend")
		return demoBackend(), nil
	default:
		bin, err := audio.LookPactl(cfg.PactlBinary)
		if err != nil {
			return nil, err
		}
		return audio.NewPactl(bin, logger), nil
	}
}

// demoBackend is a small simulated system for trying decks without a sound
// server.
func demoBackend() *audio.Memory {
	m := audio.NewMemory()
	m.AddDevice("speakers", "Speakers (Realtek(R) Audio)", audio.Volume{Level: 0.6})
	m.AddDevice("headphones", "Headphones (USB Audio)", audio.Volume{Level: 0.4})
	m.AddDevice("hdmi", "LG TV (HDMI)", audio.Volume{Level: 0.8})

	for i, s := range []struct{ process, name string }{
		{"firefox", "Firefox"},
		{"spotify", "Spotify"},
		{"discord", "Discord"},
		{"steam", "Steam"},
	} {
		m.AddSession(audio.SessionSpec{
			DeviceID:    "speakers",
			Process:     s.process,
			DisplayName: s.name,
			PID:         1000 + i,
			Volume:      audio.Volume{Level: 0.5 + 0.1*float64(i)},
		})
	}
	m.AddSession(audio.SessionSpec{
		DeviceID:     "speakers",
		Process:      "system",
		DisplayName:  "System Sounds",
		Volume:       audio.Volume{Level: 1},
		SystemSounds: true,
	})
	return m
}
