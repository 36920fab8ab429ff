package mixer

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"deckmixer/internal/audio"
	"deckmixer/internal/settings"
)

// SlotID is the stable identity of a button. It is never reused for a
// different logical button.
type SlotID string

// Coord is a button's physical position.
type Coord struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Coord) String() string { return fmt.Sprintf("%d,%d", c.Row, c.Col) }

// ActionKind is what a button does.
type ActionKind string

const (
	ActionApplication  ActionKind = "application"
	ActionOutputDevice ActionKind = "output_device"
	ActionVolumeUp     ActionKind = "volume_up"
	ActionVolumeDown   ActionKind = "volume_down"
	ActionMute         ActionKind = "mute"
)

// ParseActionKind validates a kind name.
func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(s); k {
	case ActionApplication, ActionOutputDevice, ActionVolumeUp, ActionVolumeDown, ActionMute:
		return k, nil
	default:
		return "", fmt.Errorf("unknown action kind %q", s)
	}
}

// ControlMode is how an application slot currently behaves. Any mode other
// than Normal repurposes the slot as an inline control for the selection.
type ControlMode int

const (
	ModeNormal ControlMode = iota
	ModeVolumeUp
	ModeVolumeDown
	ModeMute
)

func (m ControlMode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeVolumeUp:
		return "volume_up"
	case ModeVolumeDown:
		return "volume_down"
	case ModeMute:
		return "mute"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m ControlMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ControlMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "normal", "":
		*m = ModeNormal
	case "volume_up":
		*m = ModeVolumeUp
	case "volume_down":
		*m = ModeVolumeDown
	case "mute":
		*m = ModeMute
	default:
		return fmt.Errorf("unknown control mode %q", b)
	}
	return nil
}

// controlFor maps standalone volume buttons onto the mode they apply.
func controlFor(k ActionKind) (ControlMode, bool) {
	switch k {
	case ActionVolumeUp:
		return ModeVolumeUp, true
	case ActionVolumeDown:
		return ModeVolumeDown, true
	case ActionMute:
		return ModeMute, true
	}
	return ModeNormal, false
}

// family groups slots that compete for the same kind of resource.
type family int

const (
	familyNone family = iota
	familyApps
	familyDevices
)

func (k ActionKind) family() family {
	switch k {
	case ActionApplication:
		return familyApps
	case ActionOutputDevice:
		return familyDevices
	}
	return familyNone
}

// ============================================================================
// Slot
// ============================================================================

// Slot is one button bound to at most one resource identity. Every field is
// owned by the engine goroutine.
type Slot struct {
	id     SlotID
	coord  Coord
	action ActionKind
	cfg    settings.Slot

	// bound is the identity this slot represents. resources are the live
	// resources of that identity whose notifications route to this slot.
	bound     audio.Identity
	resources []*audio.Resource

	mode ControlMode

	// Mirror of the bound identity's authoritative volume and last known
	// display metadata. Kept across releases so rebinding to the same
	// identity does not change the face.
	vol      audio.Volume
	volKnown bool
	meta     audio.Metadata

	// Key state. holdGen invalidates hold timers from earlier presses; held
	// is set once the hold has fired for the current press.
	pressedAt time.Time
	holdTimer Stopper
	holdGen   int
	held      bool

	face *Face
}

func newSlot(id SlotID, coord Coord, action ActionKind, cfg settings.Slot) *Slot {
	return &Slot{id: id, coord: coord, action: action, cfg: cfg}
}

func (s *Slot) ID() SlotID { return s.id }

func (s *Slot) family() family { return s.action.family() }

// pin returns the statically configured identity, if any.
func (s *Slot) pin() audio.Identity {
	switch s.action {
	case ActionApplication:
		if s.cfg.StaticApplication != "" {
			return audio.SessionIdentity(s.cfg.StaticApplication)
		}
	case ActionOutputDevice:
		if s.cfg.StaticOutputDevice != "" {
			return audio.DeviceIdentity(s.cfg.StaticOutputDevice)
		}
	}
	return audio.Identity{}
}

func (s *Slot) pinned() bool { return !s.pin().IsZero() }

func (s *Slot) holds(res *audio.Resource) bool {
	return slices.Contains(s.resources, res)
}

func (s *Slot) detach(res *audio.Resource) bool {
	i := slices.Index(s.resources, res)
	if i < 0 {
		return false
	}
	s.resources = slices.Delete(s.resources, i, i+1)
	return true
}

// release clears the binding without touching the last face.
func (s *Slot) release() {
	s.bound = audio.Identity{}
	s.resources = nil
}

func (s *Slot) String() string {
	return fmt.Sprintf("%s@%s(%s)", s.id, s.coord, s.action)
}

// compareSlots orders by coordinate, then id.
func compareSlots(a, b *Slot) int {
	if c := cmp.Compare(a.coord.Row, b.coord.Row); c != 0 {
		return c
	}
	if c := cmp.Compare(a.coord.Col, b.coord.Col); c != 0 {
		return c
	}
	return cmp.Compare(a.id, b.id)
}
