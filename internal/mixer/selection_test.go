package mixer

import (
	"slices"
	"testing"
	"time"

	"deckmixer/internal/audio"
	"deckmixer/internal/settings"
)

// gridOf starts a harness with one application slot per process, laid out
// on row 0 in the given order.
func gridOf(t *testing.T, g settings.Global, procs ...string) *harness {
	t.Helper()
	h := newHarness(t, g)
	for _, p := range procs {
		h.session(p, audio.Volume{Level: 0.5})
	}
	h.start()
	for i := range procs {
		h.addSlot(slotName(i), 0, i, ActionApplication, "")
	}
	return h
}

func slotName(i int) string { return "s" + string(rune('1'+i)) }

func modes(h *harness) []ControlMode {
	var out []ControlMode
	for _, s := range h.e.familySlots(familyApps) {
		out = append(out, s.mode)
	}
	return out
}

func TestSelection_ToggleOff(t *testing.T) {
	h := gridOf(t, settings.DefaultGlobal(), "a", "b", "c", "d", "e")

	h.press("s1")
	if h.e.selected != "s1" {
		t.Fatalf("expected s1 selected, got %q", h.e.selected)
	}
	want := []ControlMode{ModeNormal, ModeMute, ModeVolumeDown, ModeVolumeUp, ModeNormal}
	if got := modes(h); !slices.Equal(got, want) {
		t.Fatalf("modes = %v, want %v", got, want)
	}
	if !h.face("s1").Selected {
		t.Fatalf("expected selected face on s1")
	}
	if f := h.face("s2"); f.Mode != ModeMute || f.Title != "Mute" {
		t.Fatalf("expected mute control face on s2, got %+v", f)
	}

	h.send(SelectRequested{ID: "s1"})
	if h.e.selected != "" {
		t.Fatalf("expected selection cleared, got %q", h.e.selected)
	}
	for i, m := range modes(h) {
		if m != ModeNormal {
			t.Fatalf("slot %d still in mode %s", i, m)
		}
	}
	// Control slots are back to their own bindings.
	if f := h.face("s2"); f.Bound != "b" || f.Mode != ModeNormal {
		t.Fatalf("expected s2 restored to b, got %+v", f)
	}
	if !slices.Equal(h.out.selections, []SlotID{"s1", ""}) {
		t.Fatalf("unexpected selection notifications %v", h.out.selections)
	}
}

func TestSelection_SwitchResetsPrevious(t *testing.T) {
	h := gridOf(t, settings.DefaultGlobal(), "a", "b", "c", "d", "e")

	h.press("s1")
	h.press("s5")

	if h.e.selected != "s5" {
		t.Fatalf("expected s5 selected, got %q", h.e.selected)
	}
	if m := h.slot("s1").mode; m != ModeNormal {
		t.Fatalf("expected previous selection back to normal, got %s", m)
	}
	if h.face("s1").Selected {
		t.Fatalf("previous selection still drawn as selected")
	}
	want := []ControlMode{ModeNormal, ModeMute, ModeVolumeDown, ModeVolumeUp, ModeNormal}
	if got := modes(h); !slices.Equal(got, want) {
		t.Fatalf("modes = %v, want %v", got, want)
	}
}

func TestSelection_CapacityShortage(t *testing.T) {
	h := gridOf(t, settings.DefaultGlobal(), "a", "b", "c")

	h.press("s1")
	if h.e.selected != "s1" {
		t.Fatalf("expected s1 selected")
	}
	for i, m := range modes(h) {
		if m != ModeNormal {
			t.Fatalf("slot %d got mode %s despite too few slots", i, m)
		}
	}
}

func TestSelection_InlineControlsDisabled(t *testing.T) {
	g := settings.DefaultGlobal()
	g.InlineControlsEnabled = false
	h := gridOf(t, g, "a", "b", "c", "d")

	h.press("s1")
	for i, m := range modes(h) {
		if m != ModeNormal {
			t.Fatalf("slot %d got mode %s with inline controls off", i, m)
		}
	}
}

func TestSelection_VolumeDownConvergesSiblings(t *testing.T) {
	h := newHarness(t, settings.DefaultGlobal())
	g1 := h.session("game", audio.Volume{Level: 0.55})
	g2 := h.session("game", audio.Volume{Level: 0.55})
	for _, p := range []string{"a", "b", "c"} {
		h.session(p, audio.Volume{Level: 0.5})
	}
	h.start()
	for i := 0; i < 4; i++ {
		h.addSlot(slotName(i), 0, i, ActionApplication, "")
	}
	if h.bound("s1") != "game" {
		t.Fatalf("expected s1 on game, got %q", h.bound("s1"))
	}

	h.press("s1")
	if h.slot("s3").mode != ModeVolumeDown {
		t.Fatalf("expected s3 to be the volume down control, got %s", h.slot("s3").mode)
	}
	h.press("s3")

	want := audio.Volume{Level: 0.45}
	for _, hd := range []audio.Handle{g1, g2} {
		if got := h.mem.SessionVolume(hd); got != want {
			t.Fatalf("session %s = %+v, want %+v", hd, got, want)
		}
	}
	if f := h.face("s1"); f.Volume != 0.45 || f.Muted {
		t.Fatalf("unexpected selected face %+v", f)
	}
	if f := h.face("s3"); f.Volume != 0.45 {
		t.Fatalf("expected control face to show selection volume, got %+v", f)
	}
}

func TestSelection_MuteFlipsWithoutTouchingLevel(t *testing.T) {
	h := newHarness(t, settings.DefaultGlobal())
	g1 := h.session("game", audio.Volume{Level: 0.45, Muted: true})
	g2 := h.session("game", audio.Volume{Level: 0.45, Muted: true})
	for _, p := range []string{"a", "b", "c"} {
		h.session(p, audio.Volume{Level: 0.5})
	}
	h.start()
	for i := 0; i < 4; i++ {
		h.addSlot(slotName(i), 0, i, ActionApplication, "")
	}

	h.press("s1")
	h.press("s2") // mute control

	want := audio.Volume{Level: 0.45, Muted: false}
	for _, hd := range []audio.Handle{g1, g2} {
		if got := h.mem.SessionVolume(hd); got != want {
			t.Fatalf("session %s = %+v, want %+v", hd, got, want)
		}
	}
}

func TestSelection_StepOnMutedTargetUnmutes(t *testing.T) {
	h := newHarness(t, settings.DefaultGlobal())
	g1 := h.session("game", audio.Volume{Level: 0.3, Muted: true})
	h.start()
	h.addSlot("s1", 0, 0, ActionApplication, "")
	h.addSlot("up", 1, 0, ActionVolumeUp, "")

	h.press("s1")
	h.press("up")
	if got := h.mem.SessionVolume(g1); got != (audio.Volume{Level: 0.3}) {
		t.Fatalf("expected unmute only, got %+v", got)
	}
	h.press("up")
	if got := h.mem.SessionVolume(g1); got != (audio.Volume{Level: 0.4}) {
		t.Fatalf("expected step to 0.4, got %+v", got)
	}
}

func TestSelection_StandaloneControlsUseLocalStepWhenUnlocked(t *testing.T) {
	g := settings.DefaultGlobal()
	g.VolumeStepLock = false
	h := newHarness(t, g)
	g1 := h.session("game", audio.Volume{Level: 0.5})
	h.start()
	h.addSlot("s1", 0, 0, ActionApplication, "")
	h.addSlot("down", 1, 0, ActionVolumeDown, `{"version":2,"localVolumeStep":25}`)

	h.press("s1")
	h.press("down")
	if got := h.mem.SessionVolume(g1).Level; got != 0.25 {
		t.Fatalf("expected 0.25 after a 25%% step, got %v", got)
	}
	h.press("down")
	h.press("down")
	if got := h.mem.SessionVolume(g1).Level; got != 0 {
		t.Fatalf("expected clamp at 0, got %v", got)
	}
}

func TestSelection_ControlWithoutSelectionIsNoop(t *testing.T) {
	h := newHarness(t, settings.DefaultGlobal())
	g1 := h.session("game", audio.Volume{Level: 0.5})
	h.start()
	h.addSlot("mute", 0, 0, ActionMute, "")

	h.press("mute")
	if h.mem.Writes(g1) != 0 {
		t.Fatalf("expected no write without a selection")
	}

	// A selection with no live resource is also a no-op.
	h.addSlot("s1", 1, 0, ActionApplication, `{"version":2,"staticApplication":"absent"}`)
	h.press("s1")
	h.press("mute")
	if h.mem.Writes(g1) != 0 {
		t.Fatalf("expected no write for a selection without resources")
	}
}

func TestSelection_Timeout(t *testing.T) {
	g := settings.DefaultGlobal()
	g.InlineControlsTimeout = 5
	h := gridOf(t, g, "a", "b", "c", "d")

	h.press("s1")
	if len(h.timers) != 1 || h.timers[0].d != 5*time.Second {
		t.Fatalf("expected one 5s timer, got %+v", h.timers)
	}

	// A press restarts the timer; only the newest one counts.
	h.press("s3")
	h.fireTimers()
	if h.e.selected != "" {
		t.Fatalf("expected selection to time out, got %q", h.e.selected)
	}
	for i, m := range modes(h) {
		if m != ModeNormal {
			t.Fatalf("slot %d still in mode %s after timeout", i, m)
		}
	}
}

func TestSelection_StaleTimerIgnored(t *testing.T) {
	g := settings.DefaultGlobal()
	g.InlineControlsTimeout = 5
	h := gridOf(t, g, "a", "b", "c", "d")

	h.press("s1")
	stale := h.timers[0]
	h.press("s3")

	// Fire the superseded timer directly; its generation is outdated.
	stale.f()
	select {
	case ev := <-h.e.internal:
		h.send(ev)
	default:
	}
	if h.e.selected != "s1" {
		t.Fatalf("stale timer cleared the selection")
	}
}

func TestPress_HoldTogglesBlacklist(t *testing.T) {
	h := newHarness(t, settings.DefaultGlobal())
	h.session("a", audio.Volume{Level: 0.5})
	h.session("b", audio.Volume{Level: 0.5})
	h.start()
	h.addSlot("s1", 0, 0, ActionApplication, "")

	h.hold("s1")
	if !slices.Equal(h.e.global.BlacklistedApplications, []string{"a"}) {
		t.Fatalf("expected a blacklisted, got %v", h.e.global.BlacklistedApplications)
	}
	if h.bound("s1") != "b" {
		t.Fatalf("expected s1 to move to b, got %q", h.bound("s1"))
	}
	last := h.out.globalSaves[len(h.out.globalSaves)-1]
	if !slices.Equal(last.BlacklistedApplications, []string{"a"}) {
		t.Fatalf("expected saved blacklist, got %v", last.BlacklistedApplications)
	}
	if h.e.selected != "" {
		t.Fatalf("hold must not select")
	}
}

func TestPress_KeyDownKeyUpTiming(t *testing.T) {
	h := newHarness(t, settings.DefaultGlobal())
	h.session("a", audio.Volume{Level: 0.5})
	h.session("b", audio.Volume{Level: 0.5})
	h.start()
	h.addSlot("s1", 0, 0, ActionApplication, "")

	t0 := h.now
	h.send(TimedEvent{Event: KeyDown{ID: "s1"}, At: t0})
	h.send(TimedEvent{Event: KeyUp{ID: "s1"}, At: t0.Add(100 * time.Millisecond)})
	if h.e.selected != "s1" {
		t.Fatalf("expected short press to select")
	}
	if len(h.e.global.BlacklistedApplications) != 0 {
		t.Fatalf("short press changed blacklist")
	}

	h.send(TimedEvent{Event: KeyDown{ID: "s1"}, At: t0.Add(time.Second)})
	h.send(TimedEvent{Event: KeyUp{ID: "s1"}, At: t0.Add(time.Second + 250*time.Millisecond)})
	if !slices.Equal(h.e.global.BlacklistedApplications, []string{"a"}) {
		t.Fatalf("expected hold to blacklist a, got %v", h.e.global.BlacklistedApplications)
	}
}

func TestPress_HoldFiresWhileKeyDown(t *testing.T) {
	h := newHarness(t, settings.DefaultGlobal())
	h.session("a", audio.Volume{Level: 0.5})
	h.session("b", audio.Volume{Level: 0.5})
	h.start()
	h.addSlot("s1", 0, 0, ActionApplication, "")

	t0 := h.now
	h.send(TimedEvent{Event: KeyDown{ID: "s1"}, At: t0})
	if len(h.timers) == 0 || h.timers[len(h.timers)-1].d != h.e.global.HoldDuration() {
		t.Fatalf("expected a hold timer to be armed on key down")
	}

	// The threshold passes with the key still down.
	h.fireTimers()
	if !slices.Equal(h.e.global.BlacklistedApplications, []string{"a"}) {
		t.Fatalf("expected hold to blacklist a before key up, got %v", h.e.global.BlacklistedApplications)
	}
	if h.bound("s1") != "b" {
		t.Fatalf("expected s1 to rebind to b, got %q", h.bound("s1"))
	}

	// Releasing the key afterwards neither repeats the hold nor selects.
	h.send(TimedEvent{Event: KeyUp{ID: "s1"}, At: t0.Add(2 * time.Second)})
	if !slices.Equal(h.e.global.BlacklistedApplications, []string{"a"}) {
		t.Fatalf("key up after a fired hold toggled again: %v", h.e.global.BlacklistedApplications)
	}
	if h.e.selected != "" {
		t.Fatalf("key up after a fired hold must not select")
	}
}

func TestPress_StaleHoldTimerIgnored(t *testing.T) {
	h := newHarness(t, settings.DefaultGlobal())
	h.session("a", audio.Volume{Level: 0.5})
	h.start()
	h.addSlot("s1", 0, 0, ActionApplication, "")

	t0 := h.now
	h.send(TimedEvent{Event: KeyDown{ID: "s1"}, At: t0})
	armed := h.timers[len(h.timers)-1]
	h.send(TimedEvent{Event: KeyUp{ID: "s1"}, At: t0.Add(100 * time.Millisecond)})
	if !armed.stopped {
		t.Fatalf("key up should stop the hold timer")
	}
	if h.e.selected != "s1" {
		t.Fatalf("expected short press to select")
	}

	// A callback that raced the stop still arrives.
	armed.f()
	select {
	case ev := <-h.e.internal:
		h.send(ev)
	default:
		t.Fatalf("expected the late hold event to be queued")
	}
	if len(h.e.global.BlacklistedApplications) != 0 {
		t.Fatalf("stale hold changed the blacklist: %v", h.e.global.BlacklistedApplications)
	}
}
