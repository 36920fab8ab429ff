package mixer

import (
	"fmt"

	"deckmixer/internal/audio"
)

// ============================================================================
// SelectionController
// ============================================================================

// errNoSelection reports a control press with nothing to act on.
type errNoSelection struct{}

func (errNoSelection) Error() string { return "no slot selected" }

// errNoTarget reports a control press whose selection has no live resource.
type errNoTarget struct {
	slot SlotID
}

func (e errNoTarget) Error() string {
	return fmt.Sprintf("selected slot %s has no live audio resource", e.slot)
}

// selectSlot toggles the selection. Only application slots can be selected.
func (e *Engine) selectSlot(id SlotID) {
	if id == "" {
		e.setSelection("")
		return
	}
	s, ok := e.slots[id]
	if !ok {
		e.logger.Warn("select on unknown slot", "slot", id)
		return
	}
	if s.action != ActionApplication {
		e.logger.Warn("only application slots can be selected", "slot", id, "action", s.action)
		return
	}
	if e.selected == id {
		e.setSelection("")
		return
	}
	e.setSelection(id)
}

// setSelection changes the selection and repartitions inline controls.
func (e *Engine) setSelection(id SlotID) {
	if e.selected == id {
		return
	}
	prev := e.selected
	e.selected = id
	e.selGen++
	e.logger.Debug("selection changed", "slot", id)
	if e.out != nil {
		e.out.SelectionChanged(id)
	}
	e.armSelectionTimer()
	e.repartition(prev)
}

// repartition places Mute, VolumeDown and VolumeUp on the first three
// non-selected application slots while a selection exists and inline
// controls are enabled. Every other slot returns to Normal. The slot that
// just lost the selection is only used when no other slot is left.
func (e *Engine) repartition(prev SlotID) {
	want := make(map[SlotID]ControlMode)
	if e.selected != "" && e.global.InlineControlsEnabled {
		var candidates []*Slot
		var fallback *Slot
		for _, s := range e.familySlots(familyApps) {
			switch s.id {
			case e.selected:
			case prev:
				fallback = s
			default:
				candidates = append(candidates, s)
			}
		}
		if len(candidates) < 3 && fallback != nil {
			candidates = append(candidates, fallback)
		}
		if len(candidates) < 3 {
			e.logger.Warn("inline controls not placed", "error", ErrCapacityShortage, "available", len(candidates))
		} else {
			want[candidates[0].id] = ModeMute
			want[candidates[1].id] = ModeVolumeDown
			want[candidates[2].id] = ModeVolumeUp
		}
	}

	for _, s := range e.familySlots(familyApps) {
		mode := want[s.id]
		if s.mode == mode {
			continue
		}
		s.mode = mode
		if mode == ModeNormal {
			// Back to normal: rebind and render as a mixer slot again.
			e.enqueue(s.id)
		}
	}
}

func (e *Engine) armSelectionTimer() {
	e.stopSelectionTimer()
	d := e.global.SelectionTimeout()
	if e.selected == "" || d <= 0 {
		return
	}
	gen := e.selGen
	ch := e.internal
	e.selTimer = e.afterFunc(d, func() {
		select {
		case ch <- selectionTimeout{gen: gen}:
		default:
		}
	})
}

func (e *Engine) stopSelectionTimer() {
	if e.selTimer != nil {
		e.selTimer.Stop()
		e.selTimer = nil
	}
}

// touchSelection restarts the timeout after a press.
func (e *Engine) touchSelection() {
	if e.selected == "" {
		return
	}
	e.selGen++
	e.armSelectionTimer()
}

// stepFor is the volume step of a control press on s, in percent.
func (e *Engine) stepFor(s *Slot) int {
	if e.global.VolumeStepLock || s.cfg.LocalVolumeStep <= 0 {
		return e.global.VolumeStep
	}
	return s.cfg.LocalVolumeStep
}

// applyControl applies mode to the selection using the step of the pressed
// slot. The first live resource of the selection is written; the resulting
// volume notice mirrors the value onto its siblings.
func (e *Engine) applyControl(pressed *Slot, mode ControlMode) error {
	sel, ok := e.slots[e.selected]
	if !ok {
		return errNoSelection{}
	}
	if len(sel.resources) == 0 {
		return errNoTarget{slot: sel.id}
	}

	first := sel.resources[0]
	cur, err := first.Volume()
	if err != nil {
		e.resourceFailed(sel, first, err)
		return err
	}

	next := cur
	switch mode {
	case ModeMute:
		next.Muted = !cur.Muted
	case ModeVolumeUp, ModeVolumeDown:
		if cur.Muted {
			next.Muted = false
			break
		}
		delta := float64(e.stepFor(pressed)) / 100
		if mode == ModeVolumeDown {
			delta = -delta
		}
		next.Level = audio.QuantizeLevel(cur.Level + delta)
	default:
		return nil
	}

	v, changed, err := first.Apply(next)
	if err != nil {
		e.resourceFailed(sel, first, err)
		return err
	}
	if changed {
		e.enqueueNotice(volumeObserved{res: first, vol: v})
	}
	return nil
}
