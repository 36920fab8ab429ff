// Package deck connects physical and remote button surfaces to the mixer.
//
// A host owns a set of slots. It announces them to the engine, turns key
// activity into engine events and draws the faces the engine renders back.
package deck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"deckmixer/internal/mixer"
	"deckmixer/internal/settings"
)

// Host is a button surface.
type Host interface {
	Name() string
	// Owns reports whether the slot belongs to this host.
	Owns(id mixer.SlotID) bool
	// Render draws one face. Called on the engine goroutine; must not block.
	Render(f mixer.Face)
	// Run announces the host's slots and forwards key activity until ctx is
	// canceled.
	Run(ctx context.Context) error
}

// SettingsWriter is implemented by hosts that keep slot and global settings
// on the remote side.
type SettingsWriter interface {
	SaveSlot(id mixer.SlotID, s settings.Slot)
	SaveGlobal(g settings.Global)
}

// SettingsLoader returns the persisted settings blob of a slot. A nil blob
// means defaults.
type SettingsLoader func(id mixer.SlotID) ([]byte, error)

// Button is one button of a fixed layout.
type Button struct {
	Coord  mixer.Coord
	Action mixer.ActionKind
	// Key is the evdev key code for keypad buttons.
	Key uint16
}

// emit delivers ev to the engine unless ctx ends first.
func emit(ctx context.Context, events chan<- mixer.Event, ev mixer.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// ============================================================================
// grid - fixed button layout shared by the Launchpad and keypad hosts
// ============================================================================

type grid struct {
	host    string
	buttons []Button
	byCoord map[mixer.Coord]Button
}

func newGrid(host string, buttons []Button) (*grid, error) {
	g := &grid{host: host, byCoord: make(map[mixer.Coord]Button, len(buttons))}
	for _, b := range buttons {
		if _, err := mixer.ParseActionKind(string(b.Action)); err != nil {
			return nil, fmt.Errorf("%s button %s: %w", host, b.Coord, err)
		}
		if _, dup := g.byCoord[b.Coord]; dup {
			return nil, fmt.Errorf("%s button %s defined twice", host, b.Coord)
		}
		g.byCoord[b.Coord] = b
		g.buttons = append(g.buttons, b)
	}
	return g, nil
}

// id is the stable slot id of the button at c, e.g. "launchpad:0,3".
func (g *grid) id(c mixer.Coord) mixer.SlotID {
	return mixer.SlotID(g.host + ":" + c.String())
}

func (g *grid) owns(id mixer.SlotID) bool {
	return strings.HasPrefix(string(id), g.host+":")
}

// coordOf parses the coordinate back out of a slot id of this grid.
func (g *grid) coordOf(id mixer.SlotID) (mixer.Coord, bool) {
	rest, ok := strings.CutPrefix(string(id), g.host+":")
	if !ok {
		return mixer.Coord{}, false
	}
	var c mixer.Coord
	if _, err := fmt.Sscanf(rest, "%d,%d", &c.Row, &c.Col); err != nil {
		return mixer.Coord{}, false
	}
	if _, ok := g.byCoord[c]; !ok {
		return mixer.Coord{}, false
	}
	return c, true
}

// appear announces every button with its persisted settings.
func (g *grid) appear(ctx context.Context, events chan<- mixer.Event, load SettingsLoader, logger *slog.Logger) bool {
	for _, b := range g.buttons {
		id := g.id(b.Coord)
		var raw []byte
		if load != nil {
			var err error
			if raw, err = load(id); err != nil {
				logger.Warn("loading slot settings failed; using defaults", "slot", id, "error", err)
				raw = nil
			}
		}
		ev := mixer.SlotAppeared{ID: id, Coord: b.Coord, Action: b.Action, Settings: raw}
		if !emit(ctx, events, ev) {
			return false
		}
	}
	logger.Info("deck slots announced", "host", g.host, "slots", len(g.buttons))
	return true
}

// disappear withdraws every button. Used when the surface goes away while
// the daemon keeps running.
func (g *grid) disappear(ctx context.Context, events chan<- mixer.Event) {
	for _, b := range g.buttons {
		if !emit(ctx, events, mixer.SlotDisappeared{ID: g.id(b.Coord)}) {
			return
		}
	}
}
