package mixer

import (
	"encoding/json"
	"errors"
	"slices"

	"deckmixer/internal/settings"
)

// ============================================================================
// Slot lifecycle and settings
// ============================================================================

func (e *Engine) slotAppeared(ev SlotAppeared) {
	if ev.ID == "" {
		e.logger.Warn("slot appeared without id")
		return
	}
	if _, err := ParseActionKind(string(ev.Action)); err != nil {
		e.logger.Warn("slot appeared with unknown action", "slot", ev.ID, "error", err)
		return
	}

	cfg := e.decodeSlot(ev.ID, ev.Settings)

	prevFamily := familyNone
	s, ok := e.slots[ev.ID]
	if ok {
		prevFamily = s.family()
		s.release()
		s.coord, s.action, s.cfg = ev.Coord, ev.Action, cfg
		s.mode = ModeNormal
		s.face = nil
	} else {
		s = newSlot(ev.ID, ev.Coord, ev.Action, cfg)
		e.slots[ev.ID] = s
	}
	e.logger.Debug("slot appeared", "slot", s.String())

	e.syncStaticLists()
	if prevFamily != familyNone && prevFamily != s.family() {
		e.reload(prevFamily)
	}
	e.reloadWithControls(s.family())
}

func (e *Engine) slotDisappeared(id SlotID) {
	s, ok := e.slots[id]
	if !ok {
		return
	}
	e.logger.Debug("slot disappeared", "slot", s.String())
	e.stopHoldTimer(s)
	s.release()
	delete(e.slots, id)
	delete(e.queued, id)
	e.queue = slices.DeleteFunc(e.queue, func(x SlotID) bool { return x == id })

	if e.selected == id {
		e.setSelection("")
	}
	e.syncStaticLists()
	e.reloadWithControls(s.family())
}

// reloadWithControls reloads a family; adding or removing an application
// slot can also change where inline controls go.
func (e *Engine) reloadWithControls(f family) {
	if f == familyApps && e.selected != "" {
		e.repartition("")
	}
	if f != familyNone {
		e.reload(f)
	}
}

func (e *Engine) slotSettings(id SlotID, raw json.RawMessage) {
	s, ok := e.slots[id]
	if !ok {
		e.logger.Warn("settings for unknown slot", "slot", id)
		return
	}
	s.cfg = e.decodeSlot(id, raw)
	e.syncStaticLists()
	if f := s.family(); f != familyNone {
		e.reload(f)
	}
}

func (e *Engine) globalSettings(raw json.RawMessage) {
	g, err := settings.DecodeGlobal(raw)
	if err != nil {
		e.logger.Warn("global settings unreadable; resetting to defaults", "error", err)
		g = settings.DefaultGlobal()
		e.global = g
		e.syncStaticLists()
		e.saveGlobal()
	} else {
		e.global = g
		e.syncStaticLists()
	}
	e.armSelectionTimer()
	e.repartition("")
	e.reloadAll()
}

// decodeSlot decodes a slot blob. A corrupt blob is replaced with defaults
// derived from the global scope, and the replacement is saved.
func (e *Engine) decodeSlot(id SlotID, raw json.RawMessage) settings.Slot {
	cfg, err := settings.DecodeSlot(raw, e.global)
	if err == nil {
		return cfg
	}
	if errors.Is(err, settings.ErrConfigCorrupt) {
		e.logger.Warn("slot settings unreadable; resetting to defaults", "slot", id, "error", err)
	} else {
		e.logger.Warn("slot settings decode failed; using defaults", "slot", id, "error", err)
	}
	cfg = settings.DefaultSlot(e.global)
	if e.out != nil {
		e.out.SaveSlot(id, cfg.Clone())
	}
	return cfg
}

// syncStaticLists mirrors the pins of present slots into the global lists
// so other consumers of the global scope can see them. Saves only on change.
func (e *Engine) syncStaticLists() {
	var apps, devices []string
	for _, s := range e.ordered() {
		switch s.action {
		case ActionApplication:
			if p := s.cfg.StaticApplication; p != "" && !slices.Contains(apps, p) {
				apps = append(apps, p)
			}
		case ActionOutputDevice:
			if p := s.cfg.StaticOutputDevice; p != "" && !slices.Contains(devices, p) {
				devices = append(devices, p)
			}
		}
	}
	if apps == nil {
		apps = []string{}
	}
	if devices == nil {
		devices = []string{}
	}
	if slices.Equal(apps, e.global.StaticApplications) && slices.Equal(devices, e.global.StaticOutputDevices) {
		return
	}
	e.global.StaticApplications = apps
	e.global.StaticOutputDevices = devices
	e.saveGlobal()
}

func (e *Engine) saveGlobal() {
	if e.out != nil {
		e.out.SaveGlobal(e.global.Clone())
	}
}

func (e *Engine) saveSlot(s *Slot) {
	if e.out != nil {
		e.out.SaveSlot(s.id, s.cfg.Clone())
	}
}
