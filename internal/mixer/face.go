package mixer

// Face is everything a host needs to draw one button.
type Face struct {
	Slot   SlotID      `json:"slot"`
	Coord  Coord       `json:"coord"`
	Action ActionKind  `json:"action"`
	Mode   ControlMode `json:"mode"`

	Title string `json:"title,omitempty"`
	Icon  string `json:"icon,omitempty"`
	// Bound is the identity key the slot represents, empty when unbound.
	Bound string `json:"bound,omitempty"`

	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`

	// Selected marks the mixer selection. Active marks the default device on
	// device slots.
	Selected bool `json:"selected,omitempty"`
	Active   bool `json:"active,omitempty"`

	// Degraded is set for a pinned identity with no live resource; Title and
	// Icon then come from the last time it was seen.
	Degraded bool `json:"degraded,omitempty"`

	Step        int  `json:"step,omitempty"`
	Cyclable    bool `json:"cyclable,omitempty"`
	DeviceIndex int  `json:"device_index,omitempty"`
	DeviceCount int  `json:"device_count,omitempty"`
}

// faceOf computes the face of s from engine state.
func (e *Engine) faceOf(s *Slot) Face {
	f := Face{
		Slot:   s.id,
		Coord:  s.coord,
		Action: s.action,
		Mode:   s.mode,
		Bound:  s.bound.Key,
	}

	switch s.action {
	case ActionApplication:
		f.Selected = e.selected == s.id
		if s.mode != ModeNormal {
			// Inline controls show the selection's volume.
			e.fillControl(&f, s, s.mode)
			return f
		}
		e.fillBinding(&f, s)
		f.Step = e.stepFor(s)

	case ActionOutputDevice:
		e.fillBinding(&f, s)
		f.Active = !s.bound.IsZero() && s.bound.Key == e.reg.Feed()
		f.Cyclable = e.cyclable(s)
		f.DeviceIndex, f.DeviceCount = e.deviceIndex(s)

	case ActionVolumeUp, ActionVolumeDown, ActionMute:
		mode, _ := controlFor(s.action)
		e.fillControl(&f, s, mode)
	}
	return f
}

func (e *Engine) fillBinding(f *Face, s *Slot) {
	if s.bound.IsZero() {
		return
	}
	if len(s.resources) == 0 && s.pinned() {
		f.Degraded = true
		switch s.action {
		case ActionApplication:
			f.Title = firstNonEmpty(s.cfg.StaticApplicationName, s.bound.Key)
			f.Icon = s.cfg.StaticApplicationIcon
		case ActionOutputDevice:
			f.Title = firstNonEmpty(s.cfg.StaticOutputDeviceName, s.bound.Key)
		}
		return
	}
	f.Title = firstNonEmpty(s.meta.DisplayName, s.bound.Key)
	f.Icon = s.meta.Icon
	if s.volKnown {
		f.Volume = s.vol.Level
		f.Muted = s.vol.Muted
	}
}

func (e *Engine) fillControl(f *Face, s *Slot, mode ControlMode) {
	f.Title = controlTitle(mode)
	f.Step = e.stepFor(s)
	if sel, ok := e.slots[e.selected]; ok && sel.volKnown && len(sel.resources) > 0 {
		f.Volume = sel.vol.Level
		f.Muted = sel.vol.Muted
	}
}

func controlTitle(m ControlMode) string {
	switch m {
	case ModeVolumeUp:
		return "Volume Up"
	case ModeVolumeDown:
		return "Volume Down"
	case ModeMute:
		return "Mute"
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// renderAll emits the faces that changed since they were last rendered.
func (e *Engine) renderAll() {
	if e.out == nil {
		return
	}
	for _, s := range e.ordered() {
		f := e.faceOf(s)
		if s.face != nil && *s.face == f {
			continue
		}
		s.face = &f
		e.out.Render(f)
	}
}
