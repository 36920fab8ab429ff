package mixer

import (
	"slices"

	"deckmixer/internal/audio"
)

// ============================================================================
// ReconciliationScheduler
// ============================================================================

// reloadAll releases and rebinds every slot.
func (e *Engine) reloadAll() {
	e.reload(familyApps)
	e.reload(familyDevices)
}

// reload releases every slot of the family and queues them with pinned slots
// first, so pins claim their identity before dynamic slots compete for the
// rest. Faces are left alone; slots that rebind to the same identity do not
// change their face.
func (e *Engine) reload(f family) {
	slots := e.familySlots(f)
	for _, s := range slots {
		s.release()
	}
	for _, s := range slots {
		if s.pinned() {
			e.enqueue(s.id)
		}
	}
	for _, s := range slots {
		if !s.pinned() {
			e.enqueue(s.id)
		}
	}
}

// bind recomputes one slot's binding from current state. It is idempotent.
func (e *Engine) bind(s *Slot) {
	switch s.family() {
	case familyApps:
		e.bindIdentity(s, audio.KindSession)
	case familyDevices:
		if e.cyclable(s) {
			e.bindCyclable(s)
		} else {
			e.bindIdentity(s, audio.KindDevice)
		}
	}
}

func (e *Engine) bindIdentity(s *Slot, kind audio.Kind) {
	if pin := s.pin(); !pin.IsZero() {
		e.bindPinned(s, pin)
		return
	}

	if !s.bound.IsZero() {
		if e.eligible(s, s.bound) {
			live := e.reg.live(s.bound)
			if len(live) > 0 {
				e.attach(s, s.bound, live)
				return
			}
			// Keep the identity until the drain ends; a new session of the same
			// process may still arrive.
			s.resources = nil
			e.orphans = append(e.orphans, s.id)
			return
		}
		s.release()
	}

	for _, id := range e.reg.identities(kind) {
		if e.eligible(s, id) {
			e.attach(s, id, e.reg.live(id))
			return
		}
	}
	s.release()
}

// bindPinned binds s to its pin whether or not the identity is live. A
// dynamic slot holding the pin is released and queued for rebinding. When
// another pinned slot already holds the same pin, that slot keeps it.
func (e *Engine) bindPinned(s *Slot, pin audio.Identity) {
	for _, other := range e.familySlots(s.family()) {
		if other == s || other.bound != pin {
			continue
		}
		if other.pin() == pin {
			e.logger.Warn("identity pinned by more than one slot; leaving this slot unbound",
				"slot", s.id, "identity", pin.String(), "holder", other.id)
			s.release()
			return
		}
		e.logger.Debug("evicting dynamic slot from pinned identity", "slot", other.id, "identity", pin.String(), "by", s.id)
		other.release()
		e.enqueue(other.id)
	}
	e.attach(s, pin, e.reg.live(pin))
}

// attach binds s to id and routes the given live resources to it.
func (e *Engine) attach(s *Slot, id audio.Identity, live []*audio.Resource) {
	if s.bound != id {
		s.volKnown = false
	}
	s.bound = id
	s.resources = live
	if len(live) == 0 {
		return
	}
	e.refreshMirror(s)
	e.rememberPinMeta(s)
}

// rememberPinMeta stores the display metadata of a pinned identity so the
// slot can show it while the identity is not running.
func (e *Engine) rememberPinMeta(s *Slot) {
	if !s.pinned() {
		return
	}
	cfg := s.cfg
	switch s.action {
	case ActionApplication:
		cfg.StaticApplicationName = s.meta.DisplayName
		cfg.StaticApplicationIcon = s.meta.Icon
	case ActionOutputDevice:
		cfg.StaticOutputDeviceName = s.meta.DisplayName
	}
	if cfg.StaticApplicationName == s.cfg.StaticApplicationName &&
		cfg.StaticApplicationIcon == s.cfg.StaticApplicationIcon &&
		cfg.StaticOutputDeviceName == s.cfg.StaticOutputDeviceName {
		return
	}
	s.cfg = cfg
	e.saveSlot(s)
}

// eligible reports whether s may hold id: not excluded by the blacklists,
// allowed by the whitelists, not pinned by another slot and not bound to
// another slot.
func (e *Engine) eligible(s *Slot, id audio.Identity) bool {
	if slices.Contains(s.cfg.Blacklist, id.Key) || slices.Contains(e.globalBlacklist(id.Kind), id.Key) {
		return false
	}
	allow := append(slices.Clone(s.cfg.Whitelist), e.globalWhitelist(id.Kind)...)
	if len(allow) > 0 && !slices.Contains(allow, id.Key) {
		return false
	}
	for _, other := range e.slots {
		if other == s || other.family() != s.family() {
			continue
		}
		if other.bound == id || other.pin() == id {
			return false
		}
	}
	return true
}

func (e *Engine) globalBlacklist(k audio.Kind) []string {
	if k == audio.KindDevice {
		return e.global.BlacklistedOutputDevices
	}
	return e.global.BlacklistedApplications
}

func (e *Engine) globalWhitelist(k audio.Kind) []string {
	if k == audio.KindDevice {
		return e.global.WhitelistedOutputDevices
	}
	return e.global.WhitelistedApplications
}
