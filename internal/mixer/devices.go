package mixer

import (
	"errors"
	"slices"

	"deckmixer/internal/audio"
)

// ============================================================================
// Output device family
// ============================================================================
//
// Device slots reconcile exactly like application slots, with one extra
// mode: when the grid has exactly one unpinned device slot, that slot is
// cyclable. It shows the default device and a press moves the default to the
// next active device. Devices pinned by other slots belong to those slots:
// the cyclable slot skips them when cycling and stays unbound while one of
// them is the default.
//
// ============================================================================

func (e *Engine) cyclable(s *Slot) bool {
	if s.action != ActionOutputDevice || s.pinned() {
		return false
	}
	dynamic := 0
	for _, other := range e.familySlots(familyDevices) {
		if !other.pinned() {
			dynamic++
		}
	}
	return dynamic == 1
}

func (e *Engine) bindCyclable(s *Slot) {
	def := e.reg.Feed()
	if def == "" {
		s.release()
		return
	}
	id := audio.DeviceIdentity(def)
	if e.claimedByOther(s, id) {
		s.release()
		return
	}
	e.attach(s, id, e.reg.live(id))
}

// claimedByOther reports whether another device slot pins or holds id.
func (e *Engine) claimedByOther(s *Slot, id audio.Identity) bool {
	for _, other := range e.familySlots(familyDevices) {
		if other != s && (other.pin() == id || other.bound == id) {
			return true
		}
	}
	return false
}

// cycleTargets lists the devices a cyclable slot rotates through: every
// live device that is neither blacklisted nor claimed by another slot.
func (e *Engine) cycleTargets(s *Slot) []string {
	var out []string
	for _, id := range e.reg.deviceIDs() {
		if slices.Contains(s.cfg.Blacklist, id) || slices.Contains(e.global.BlacklistedOutputDevices, id) {
			continue
		}
		if did := audio.DeviceIdentity(id); e.claimedByOther(s, did) || len(e.reg.live(did)) == 0 {
			continue
		}
		out = append(out, id)
	}
	return out
}

// nextCycleTarget returns the first target after def in device order,
// wrapping around. def itself comes last.
func (e *Engine) nextCycleTarget(s *Slot, def string) (string, bool) {
	targets := e.cycleTargets(s)
	if len(targets) == 0 {
		return "", false
	}
	all := e.reg.deviceIDs()
	start := slices.Index(all, def)
	for i := 1; i <= len(all); i++ {
		if c := all[(start+i+len(all))%len(all)]; slices.Contains(targets, c) {
			return c, true
		}
	}
	return "", false
}

// activateDevice handles a short press on a device slot. Any device press
// clears the selection.
func (e *Engine) activateDevice(s *Slot) {
	defer e.setSelection("")

	def := e.reg.Feed()
	var target string
	if e.cyclable(s) {
		next, ok := e.nextCycleTarget(s, def)
		if !ok {
			e.logger.Info("no output devices to cycle through", "slot", s.id)
			return
		}
		target = next
	} else {
		if s.bound.IsZero() {
			e.logger.Debug("press on unbound device slot", "slot", s.id)
			return
		}
		target = s.bound.Key
	}
	if target == def {
		return
	}
	if len(e.reg.live(audio.DeviceIdentity(target))) == 0 {
		e.logger.Info("output device not active", "slot", s.id, "device", target)
		return
	}

	e.logger.Info("setting default output device", "slot", s.id, "device", target)
	if err := e.backend.SetDefaultDevice(e.ctx, target); err != nil {
		if errors.Is(err, audio.ErrResourceGone) {
			e.reload(familyDevices)
			return
		}
		e.logger.Warn("set default output device failed", "device", target, "error", err)
	}
}

// deviceIndex reports the position of the bound device among active
// devices, or -1.
func (e *Engine) deviceIndex(s *Slot) (int, int) {
	ids := e.reg.deviceIDs()
	if s.bound.Kind != audio.KindDevice || s.bound.IsZero() {
		return -1, len(ids)
	}
	return slices.Index(ids, s.bound.Key), len(ids)
}
