package deck

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"deckmixer/internal/mixer"
)

// Linux input event types and values (from <linux/input.h>).
const (
	evKey = 0x01

	evValueRelease = 0
	evValuePress   = 1
)

// inputEvent is struct input_event on 64-bit Linux:
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

var inputEventSize = binary.Size(inputEvent{})

func decodeInputEvent(buf []byte) (inputEvent, error) {
	var ev inputEvent
	if len(buf) < inputEventSize {
		return ev, fmt.Errorf("short input event: %d bytes", len(buf))
	}
	err := binary.Read(bytes.NewReader(buf[:inputEventSize]), binary.LittleEndian, &ev)
	return ev, err
}

func (ev inputEvent) time() time.Time {
	return time.Unix(ev.Sec, ev.Usec*int64(time.Microsecond))
}

// ============================================================================
// Keypad host
// ============================================================================
//
// A keyboard-like evdev device (macro pad, numpad) whose keys are mapped to
// grid coordinates. Keys have no display; faces are only logged.
//
// ============================================================================

const keypadHost = "keypad"

type KeypadConfig struct {
	// Devices are evdev nodes, e.g. /dev/input/by-id/usb-...-event-kbd.
	Devices []string
	Buttons []Button
	Load    SettingsLoader
}

type Keypad struct {
	logger  *slog.Logger
	events  chan<- mixer.Event
	grid    *grid
	byKey   map[uint16]mixer.Coord
	devices []string
	load    SettingsLoader
}

func NewKeypad(logger *slog.Logger, events chan<- mixer.Event, cfg KeypadConfig) (*Keypad, error) {
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("keypad needs at least one input device")
	}
	g, err := newGrid(keypadHost, cfg.Buttons)
	if err != nil {
		return nil, err
	}
	byKey := make(map[uint16]mixer.Coord, len(g.buttons))
	for _, b := range g.buttons {
		if b.Key == 0 {
			return nil, fmt.Errorf("keypad button %s has no key code", b.Coord)
		}
		if other, dup := byKey[b.Key]; dup {
			return nil, fmt.Errorf("keypad key %d mapped to both %s and %s", b.Key, other, b.Coord)
		}
		byKey[b.Key] = b.Coord
	}
	return &Keypad{
		logger:  logger,
		events:  events,
		grid:    g,
		byKey:   byKey,
		devices: cfg.Devices,
		load:    cfg.Load,
	}, nil
}

func (k *Keypad) Name() string { return keypadHost }

func (k *Keypad) Owns(id mixer.SlotID) bool { return k.grid.owns(id) }

func (k *Keypad) Render(f mixer.Face) {
	k.logger.Debug("keypad face", "slot", f.Slot, "title", f.Title, "mode", f.Mode.String(), "selected", f.Selected)
}

// translate turns a key press or release of a mapped key into an engine
// event stamped with the kernel time. Autorepeat is ignored; holds are
// measured from press to release.
func (k *Keypad) translate(ev inputEvent) (mixer.Event, bool) {
	if ev.Type != evKey {
		return nil, false
	}
	c, ok := k.byKey[ev.Code]
	if !ok {
		return nil, false
	}
	id := k.grid.id(c)
	switch ev.Value {
	case evValuePress:
		return mixer.TimedEvent{Event: mixer.KeyDown{ID: id}, At: ev.time()}, true
	case evValueRelease:
		return mixer.TimedEvent{Event: mixer.KeyUp{ID: id}, At: ev.time()}, true
	}
	return nil, false
}

// serve forwards decoded input until ctx ends or the reader fails. The
// keypad's slots are withdrawn when the reader fails.
func (k *Keypad) serve(ctx context.Context, raw <-chan inputEvent, readErr <-chan error) error {
	if !k.grid.appear(ctx, k.events, k.load, k.logger) {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			k.grid.disappear(ctx, k.events)
			return fmt.Errorf("keypad input: %w", err)

		case ev := <-raw:
			if out, ok := k.translate(ev); ok {
				if !emit(ctx, k.events, out) {
					return nil
				}
			}
		}
	}
}
