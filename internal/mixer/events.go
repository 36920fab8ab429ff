package mixer

import (
	"encoding/json"
	"fmt"
	"time"

	"deckmixer/internal/audio"
	"deckmixer/internal/settings"
)

// ============================================================================
// Inbound events
// ============================================================================
//
// Events come from button hosts, the IPC socket and the state websocket. They
// are delivered on the channel passed to Engine.Run and handled one at a time
// on the engine goroutine.
//
// ============================================================================

// Event is a marker interface for everything the engine consumes.
type Event interface {
	eventMarker()
}

// TimedEvent wraps an Event with its arrival time. Press/hold discrimination
// uses At when present.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// SlotAppeared announces a button. Settings is the persisted slot blob and
// may be empty.
type SlotAppeared struct {
	ID       SlotID          `json:"id"`
	Coord    Coord           `json:"coord"`
	Action   ActionKind      `json:"action"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// SlotDisappeared removes a button.
type SlotDisappeared struct {
	ID SlotID `json:"id"`
}

type KeyDown struct {
	ID SlotID `json:"id"`
}

type KeyUp struct {
	ID SlotID `json:"id"`
}

// KeyPress is a complete press with the hold decision already made.
type KeyPress struct {
	ID   SlotID `json:"id"`
	Hold bool   `json:"hold,omitempty"`
}

// SelectRequested selects ID, or clears the selection when ID is empty.
// Selecting the current selection clears it.
type SelectRequested struct {
	ID SlotID `json:"id"`
}

// ReloadRequested releases and rebinds every slot.
type ReloadRequested struct{}

type SlotSettingsReceived struct {
	ID       SlotID          `json:"id"`
	Settings json.RawMessage `json:"settings"`
}

type GlobalSettingsReceived struct {
	Settings json.RawMessage `json:"settings"`
}

// RequestSnapshot asks the engine for its current state. The reply channel
// should be buffered; the engine never blocks on it.
type RequestSnapshot struct {
	Reply chan Snapshot
}

func (SlotAppeared) eventMarker()           {}
func (SlotDisappeared) eventMarker()        {}
func (KeyDown) eventMarker()                {}
func (KeyUp) eventMarker()                  {}
func (KeyPress) eventMarker()               {}
func (SelectRequested) eventMarker()        {}
func (ReloadRequested) eventMarker()        {}
func (SlotSettingsReceived) eventMarker()   {}
func (GlobalSettingsReceived) eventMarker() {}
func (RequestSnapshot) eventMarker()        {}

// selectionTimeout is posted by the selection timer. gen guards against
// timers that fired after the selection already changed.
type selectionTimeout struct {
	gen int
}

func (selectionTimeout) eventMarker() {}

// holdElapsed is posted when a key has been down for the hold duration.
type holdElapsed struct {
	id  SlotID
	gen int
}

func (holdElapsed) eventMarker() {}

// Snapshot is a consistent view of the engine.
type Snapshot struct {
	Faces         []Face          `json:"faces"`
	Selected      SlotID          `json:"selected,omitempty"`
	DefaultDevice string          `json:"default_device,omitempty"`
	Global        settings.Global `json:"global"`
}

// ============================================================================
// Registry notices
// ============================================================================
//
// The registry reports changes to the live resource set through notices.
// Notices are queued and handled by the engine between slot binds, never
// from inside a bind.
//
// ============================================================================

type notice interface {
	noticeMarker()
	String() string
}

type resourceAdded struct {
	res *audio.Resource
}

type resourceRemoved struct {
	res *audio.Resource
}

// volumeObserved carries the new authoritative value of res.
type volumeObserved struct {
	res *audio.Resource
	vol audio.Volume
}

type devicesChanged struct{}

type defaultDeviceChanged struct {
	previous, current string
}

func (resourceAdded) noticeMarker()        {}
func (resourceRemoved) noticeMarker()      {}
func (volumeObserved) noticeMarker()       {}
func (devicesChanged) noticeMarker()       {}
func (defaultDeviceChanged) noticeMarker() {}

func (n resourceAdded) String() string   { return fmt.Sprintf("resourceAdded(%s)", n.res) }
func (n resourceRemoved) String() string { return fmt.Sprintf("resourceRemoved(%s)", n.res) }
func (n volumeObserved) String() string {
	return fmt.Sprintf("volumeObserved(%s level=%.4f muted=%v)", n.res, n.vol.Level, n.vol.Muted)
}
func (devicesChanged) String() string { return "devicesChanged()" }
func (n defaultDeviceChanged) String() string {
	return fmt.Sprintf("defaultDeviceChanged(%s -> %s)", n.previous, n.current)
}
