package deck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"deckmixer/internal/mixer"
)

// ============================================================================
// Launchpad host
// ============================================================================
//
// A Novation Launchpad in programmer mode. Pads listed in the layout are
// slots; their LED colour is the slot face.
//
// Pad numbering (programmer mode):
//   grid rows 0-7 (bottom to top), cols 0-7 -> notes 11..88
//   right column (col 8)                    -> notes 19, 29, ... 89
//   top row (row 8)                         -> CC 91..98
//
// The MIDI driver callback only queues pad events. Engine events and LED
// writes both happen on the Run goroutine.
//
// ============================================================================

const launchpadHost = "launchpad"

// Launchpad X sysex header: Novation manufacturer id, device family.
var lpSysexHeader = []byte{0x00, 0x20, 0x29, 0x02, 0x0C}

type LaunchpadConfig struct {
	// Port is matched against MIDI port names, e.g. "Launchpad X LPX MIDI".
	Port    string
	Buttons []Button
	Load    SettingsLoader
}

type Launchpad struct {
	logger *slog.Logger
	events chan<- mixer.Event
	grid   *grid
	load   SettingsLoader
	port   string
	now    func() time.Time

	send func(gomidi.Message) error
	pads chan padEvent
	leds chan ledUpdate
}

type padEvent struct {
	coord mixer.Coord
	down  bool
	at    time.Time
}

type ledUpdate struct {
	coord mixer.Coord
	color uint8
}

func NewLaunchpad(logger *slog.Logger, events chan<- mixer.Event, cfg LaunchpadConfig) (*Launchpad, error) {
	g, err := newGrid(launchpadHost, cfg.Buttons)
	if err != nil {
		return nil, err
	}
	for _, b := range g.buttons {
		if !lpValidCoord(b.Coord) {
			return nil, fmt.Errorf("launchpad has no pad at %s", b.Coord)
		}
	}
	return &Launchpad{
		logger: logger,
		events: events,
		grid:   g,
		load:   cfg.Load,
		port:   cfg.Port,
		now:    time.Now,
		pads:   make(chan padEvent, 32),
		leds:   make(chan ledUpdate, 128),
	}, nil
}

func (l *Launchpad) Name() string { return launchpadHost }

func (l *Launchpad) Owns(id mixer.SlotID) bool { return l.grid.owns(id) }

// Render queues the LED colour for a face. A full queue drops the update;
// the next face change of that pad repaints it.
func (l *Launchpad) Render(f mixer.Face) {
	c, ok := l.grid.coordOf(f.Slot)
	if !ok {
		return
	}
	select {
	case l.leds <- ledUpdate{coord: c, color: faceColor(f)}:
	default:
		l.logger.Warn("launchpad LED queue full, dropping update", "slot", f.Slot)
	}
}

// Run opens the MIDI ports, switches the device to programmer mode and serves
// pads until ctx is canceled.
func (l *Launchpad) Run(ctx context.Context) error {
	in, err := gomidi.FindInPort(l.port)
	if err != nil {
		return fmt.Errorf("launchpad input port %q: %w", l.port, err)
	}
	out, err := gomidi.FindOutPort(l.port)
	if err != nil {
		return fmt.Errorf("launchpad output port %q: %w", l.port, err)
	}
	send, err := gomidi.SendTo(out)
	if err != nil {
		return fmt.Errorf("open launchpad output: %w", err)
	}
	l.send = send
	l.programmerMode()

	stop, err := gomidi.ListenTo(in, l.onMIDI)
	if err != nil {
		return fmt.Errorf("open launchpad input: %w", err)
	}
	defer stop()
	defer l.clear()

	l.logger.Info("launchpad connected", "port", l.port)
	return l.serve(ctx)
}

// serve is the Run loop once the device is open.
func (l *Launchpad) serve(ctx context.Context) error {
	if !l.grid.appear(ctx, l.events, l.load, l.logger) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil

		case p := <-l.pads:
			var ev mixer.Event = mixer.KeyUp{ID: l.grid.id(p.coord)}
			if p.down {
				ev = mixer.KeyDown{ID: l.grid.id(p.coord)}
			}
			if !emit(ctx, l.events, mixer.TimedEvent{Event: ev, At: p.at}) {
				return nil
			}

		case u := <-l.leds:
			l.setLED(u.coord, u.color)
		}
	}
}

// onMIDI runs on the driver goroutine.
func (l *Launchpad) onMIDI(msg gomidi.Message, _ int32) {
	var ch, key, val uint8
	var c mixer.Coord
	var down, ok bool

	switch {
	case msg.GetNoteStart(&ch, &key, &val):
		c, ok = lpNoteToCoord(key)
		down = true
	case msg.GetNoteEnd(&ch, &key):
		c, ok = lpNoteToCoord(key)
	case msg.GetControlChange(&ch, &key, &val):
		c, ok = lpCCToCoord(key)
		down = val > 0
	default:
		return
	}
	if !ok {
		return
	}
	if _, mapped := l.grid.byCoord[c]; !mapped {
		return
	}
	select {
	case l.pads <- padEvent{coord: c, down: down, at: l.now()}:
	default:
		l.logger.Warn("launchpad pad queue full, dropping event", "coord", c.String())
	}
}

func (l *Launchpad) programmerMode() {
	l.sysex(0x00, 0x7F) // programmer layout
	l.sysex(0x08, 0x7F) // full brightness
}

func (l *Launchpad) sysex(data ...byte) {
	msg := append(append([]byte{}, lpSysexHeader...), data...)
	if err := l.send(gomidi.SysEx(msg)); err != nil {
		l.logger.Warn("launchpad sysex failed", "error", err)
	}
}

func (l *Launchpad) setLED(c mixer.Coord, color uint8) {
	if l.send == nil {
		return
	}
	var msg gomidi.Message
	if c.Row == 8 {
		msg = gomidi.ControlChange(0, lpNote(c), color)
	} else {
		msg = gomidi.NoteOn(0, lpNote(c), color)
	}
	if err := l.send(msg); err != nil {
		l.logger.Warn("launchpad LED write failed", "coord", c.String(), "error", err)
	}
}

// clear turns off every mapped pad.
func (l *Launchpad) clear() {
	for _, b := range l.grid.buttons {
		l.setLED(b.Coord, lpColorOff)
	}
}

// ----------------------------------------------------------------------------
// Pad numbering
// ----------------------------------------------------------------------------

func lpValidCoord(c mixer.Coord) bool {
	switch {
	case c.Row >= 0 && c.Row <= 7:
		return c.Col >= 0 && c.Col <= 8
	case c.Row == 8:
		return c.Col >= 0 && c.Col <= 7
	}
	return false
}

func lpNote(c mixer.Coord) uint8 {
	if c.Row == 8 {
		return uint8(91 + c.Col)
	}
	return uint8((c.Row+1)*10 + c.Col + 1)
}

func lpNoteToCoord(note uint8) (mixer.Coord, bool) {
	c := mixer.Coord{Row: int(note/10) - 1, Col: int(note%10) - 1}
	if c.Row < 0 || c.Row > 7 || c.Col < 0 || c.Col > 8 {
		return mixer.Coord{}, false
	}
	return c, true
}

func lpCCToCoord(cc uint8) (mixer.Coord, bool) {
	if cc < 91 || cc > 98 {
		return mixer.Coord{}, false
	}
	return mixer.Coord{Row: 8, Col: int(cc - 91)}, true
}

// ----------------------------------------------------------------------------
// Face colours
// ----------------------------------------------------------------------------

// Palette indices of the Launchpad X colours used for faces.
const (
	lpColorOff       uint8 = 0
	lpColorRed       uint8 = 5
	lpColorOrange    uint8 = 9
	lpColorGreen     uint8 = 21
	lpColorCyan      uint8 = 37
	lpColorDimBlue   uint8 = 43
	lpColorBlue      uint8 = 45
	lpColorDimYellow uint8 = 97
	lpColorWhite     uint8 = 119
)

// lpPalette maps the face colours to approximate RGB, for nearest matching.
var lpPalette = [][4]uint8{
	{lpColorOff, 0, 0, 0},
	{lpColorRed, 255, 0, 0},
	{lpColorOrange, 255, 100, 0},
	{lpColorGreen, 0, 255, 0},
	{lpColorCyan, 0, 200, 200},
	{lpColorDimBlue, 40, 60, 120},
	{lpColorBlue, 0, 100, 255},
	{lpColorDimYellow, 180, 180, 60},
	{lpColorWhite, 255, 255, 255},
}

// faceRGB picks the colour of a face.
func faceRGB(f mixer.Face) [3]uint8 {
	mode := f.Mode
	switch f.Action {
	case mixer.ActionVolumeUp:
		mode = mixer.ModeVolumeUp
	case mixer.ActionVolumeDown:
		mode = mixer.ModeVolumeDown
	case mixer.ActionMute:
		mode = mixer.ModeMute
	}

	switch {
	case f.Selected:
		return [3]uint8{255, 255, 255}
	case mode == mixer.ModeMute && f.Muted:
		return [3]uint8{255, 0, 0}
	case mode == mixer.ModeMute:
		return [3]uint8{255, 100, 0}
	case mode != mixer.ModeNormal:
		return [3]uint8{0, 100, 255}
	case f.Bound == "":
		return [3]uint8{0, 0, 0}
	case f.Degraded:
		return [3]uint8{180, 180, 60}
	case f.Action == mixer.ActionOutputDevice && f.Active:
		return [3]uint8{0, 200, 200}
	case f.Action == mixer.ActionOutputDevice:
		return [3]uint8{40, 60, 120}
	case f.Muted:
		return [3]uint8{255, 0, 0}
	}
	return [3]uint8{0, 255, 0}
}

// faceColor returns the palette index nearest to the face colour.
func faceColor(f mixer.Face) uint8 {
	rgb := faceRGB(f)
	r, g, b := int(rgb[0]), int(rgb[1]), int(rgb[2])

	best, bestDist := lpColorOff, 1<<30
	for _, p := range lpPalette {
		dr, dg, db := r-int(p[1]), g-int(p[2]), b-int(p[3])
		if d := dr*dr + dg*dg + db*db; d < bestDist {
			best, bestDist = p[0], d
		}
	}
	return best
}
