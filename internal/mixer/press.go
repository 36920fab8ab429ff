package mixer

import (
	"errors"
	"time"

	"deckmixer/internal/audio"
)

// keyDown starts a press. Slots where a hold means something get a timer
// so the hold acts while the key is still down.
func (e *Engine) keyDown(id SlotID, at time.Time) {
	s, ok := e.slots[id]
	if !ok {
		e.logger.Debug("key down on unknown slot", "slot", id)
		return
	}
	e.stopHoldTimer(s)
	s.pressedAt = at
	s.held = false
	if !holdable(s) {
		return
	}
	gen := s.holdGen
	ch := e.internal
	s.holdTimer = e.afterFunc(e.global.HoldDuration(), func() {
		select {
		case ch <- holdElapsed{id: id, gen: gen}:
		default:
		}
	})
}

// holdable reports whether a hold on s differs from a press.
func holdable(s *Slot) bool {
	switch s.action {
	case ActionApplication:
		return s.mode == ModeNormal
	case ActionOutputDevice:
		return true
	}
	return false
}

func (e *Engine) holdElapsed(ev holdElapsed) {
	s, ok := e.slots[ev.id]
	if !ok || ev.gen != s.holdGen || s.pressedAt.IsZero() || s.held {
		return
	}
	s.holdTimer = nil
	s.held = true
	e.press(s, true)
}

// stopHoldTimer cancels a pending hold timer and invalidates one that
// already fired but has not been handled.
func (e *Engine) stopHoldTimer(s *Slot) {
	if s.holdTimer != nil {
		s.holdTimer.Stop()
		s.holdTimer = nil
	}
	s.holdGen++
}

// keyUp ends a press. A hold that already fired is done. Otherwise the
// timestamps decide, which covers hosts that deliver both events late.
func (e *Engine) keyUp(id SlotID, at time.Time) {
	s, ok := e.slots[id]
	if !ok {
		e.logger.Debug("key up on unknown slot", "slot", id)
		return
	}
	e.stopHoldTimer(s)
	pressedAt, held := s.pressedAt, s.held
	s.pressedAt, s.held = time.Time{}, false
	if held {
		return
	}
	hold := false
	if !pressedAt.IsZero() {
		hold = at.Sub(pressedAt) >= e.global.HoldDuration()
	}
	e.press(s, hold)
}

// press dispatches a completed press on s.
func (e *Engine) press(s *Slot, hold bool) {
	e.touchSelection()

	switch s.action {
	case ActionApplication:
		if s.mode != ModeNormal {
			e.control(s, s.mode)
			return
		}
		if hold {
			e.toggleBlacklist(s)
			return
		}
		e.selectSlot(s.id)

	case ActionVolumeUp, ActionVolumeDown, ActionMute:
		mode, _ := controlFor(s.action)
		e.control(s, mode)

	case ActionOutputDevice:
		if hold {
			e.toggleBlacklist(s)
			return
		}
		e.activateDevice(s)
	}
}

// control applies a control press and reports failures that are not fatal.
func (e *Engine) control(s *Slot, mode ControlMode) {
	err := e.applyControl(s, mode)
	if err == nil {
		return
	}
	var noSel errNoSelection
	var noTarget errNoTarget
	switch {
	case errors.As(err, &noSel), errors.As(err, &noTarget):
		e.logger.Info("control press ignored", "slot", s.id, "mode", mode.String(), "reason", err.Error())
	case errors.Is(err, audio.ErrResourceGone):
		// Already queued for reconciliation by applyControl.
	default:
		e.logger.Warn("control press failed", "slot", s.id, "mode", mode.String(), "error", err)
	}
}

// toggleBlacklist adds or removes the slot's bound identity from the global
// blacklist of its family, saves the global settings and rebinds the family.
func (e *Engine) toggleBlacklist(s *Slot) {
	if s.bound.IsZero() {
		e.logger.Debug("hold on unbound slot", "slot", s.id)
		return
	}
	key := s.bound.Key

	var added bool
	switch s.family() {
	case familyApps:
		added = e.global.ToggleBlacklistedApplication(key)
	case familyDevices:
		added = e.global.ToggleBlacklistedOutputDevice(key)
	default:
		return
	}
	e.logger.Info("blacklist updated", "slot", s.id, "identity", s.bound.String(), "blacklisted", added)

	if added && e.selected == s.id {
		e.setSelection("")
	}
	e.saveGlobal()
	e.reload(s.family())
}
