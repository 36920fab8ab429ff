package main

import (
	"log/slog"

	"deckmixer/internal/deck"
	"deckmixer/internal/mixer"
	"deckmixer/internal/settings"
)

// slotStore is the part of *settings.Store the daemon writes through.
type slotStore interface {
	SaveGlobal(g settings.Global) error
	SaveSlot(id string, s settings.Slot) error
}

// output fans engine output out to the owning host, the settings store and
// the state broadcaster. All methods run on the engine goroutine and must
// not block.
type output struct {
	logger *slog.Logger
	store  slotStore
	hosts  []deck.Host
	state  chan<- stateUpdate
}

var _ mixer.Output = (*output)(nil)

func (o *output) owner(id mixer.SlotID) deck.Host {
	for _, h := range o.hosts {
		if h.Owns(id) {
			return h
		}
	}
	return nil
}

func (o *output) Render(f mixer.Face) {
	if h := o.owner(f.Slot); h != nil {
		h.Render(f)
	}
	o.publish(faceUpdate{face: f})
}

// SaveSlot hands slot settings to a host that keeps them remotely, and
// persists them locally otherwise.
func (o *output) SaveSlot(id mixer.SlotID, s settings.Slot) {
	if w, ok := o.owner(id).(deck.SettingsWriter); ok {
		w.SaveSlot(id, s)
		return
	}
	if err := o.store.SaveSlot(string(id), s); err != nil {
		o.logger.Warn("saving slot settings failed", "slot", id, "error", err)
	}
}

func (o *output) SaveGlobal(g settings.Global) {
	if err := o.store.SaveGlobal(g); err != nil {
		o.logger.Warn("saving global settings failed", "error", err)
	}
	for _, h := range o.hosts {
		if w, ok := h.(deck.SettingsWriter); ok {
			w.SaveGlobal(g)
		}
	}
}

func (o *output) SelectionChanged(id mixer.SlotID) {
	o.publish(selectionUpdate{id: id})
}

func (o *output) publish(u stateUpdate) {
	if o.state == nil {
		return
	}
	select {
	case o.state <- u:
	default:
		o.logger.Warn("state update queue full, dropping update")
	}
}
