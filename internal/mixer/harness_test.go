package mixer

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"deckmixer/internal/audio"
	"deckmixer/internal/settings"
)

// recordingOutput captures everything the engine emits.
type recordingOutput struct {
	faces       map[SlotID]Face
	renders     []Face
	slotSaves   map[SlotID][]settings.Slot
	globalSaves []settings.Global
	selections  []SlotID
}

func newRecordingOutput() *recordingOutput {
	return &recordingOutput{
		faces:     make(map[SlotID]Face),
		slotSaves: make(map[SlotID][]settings.Slot),
	}
}

func (o *recordingOutput) Render(f Face) {
	o.faces[f.Slot] = f
	o.renders = append(o.renders, f)
}

func (o *recordingOutput) SaveSlot(id SlotID, s settings.Slot) {
	o.slotSaves[id] = append(o.slotSaves[id], s)
}

func (o *recordingOutput) SaveGlobal(g settings.Global) {
	o.globalSaves = append(o.globalSaves, g)
}

func (o *recordingOutput) SelectionChanged(id SlotID) {
	o.selections = append(o.selections, id)
}

// fakeTimer records a scheduled callback; tests fire it by hand.
type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// harness drives an Engine synchronously: every input is handled and
// flushed, then OS notifications are pumped until the simulated OS is quiet.
type harness struct {
	t      *testing.T
	mem    *audio.Memory
	out    *recordingOutput
	e      *Engine
	notes  <-chan audio.Notification
	now    time.Time
	timers []*fakeTimer
}

func newHarness(t *testing.T, global settings.Global) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		mem: audio.NewMemory(),
		out: newRecordingOutput(),
		now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.mem.AddDevice("spk", "Speakers (Realtek(R) Audio)", audio.Volume{Level: 1})
	h.e = New(Options{
		Backend: h.mem,
		Output:  h.out,
		Logger:  slog.Default(),
		Global:  global,
		Now:     func() time.Time { return h.now },
		AfterFunc: func(d time.Duration, f func()) Stopper {
			ft := &fakeTimer{d: d, f: f}
			h.timers = append(h.timers, ft)
			return ft
		},
	})
	return h
}

// start subscribes and loads. Sessions added before start are picked up by
// the initial load.
func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(cancel)
	notes, err := h.e.start(ctx)
	if err != nil {
		h.t.Fatalf("start: %v", err)
	}
	h.notes = notes
	h.settle()
}

// settle pumps pending OS notifications until none are left.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 10000; i++ {
		select {
		case n := <-h.notes:
			h.e.onNotification(n)
			h.e.flush()
		default:
			return
		}
	}
	h.t.Fatalf("notifications did not settle (feedback loop?)")
}

func (h *harness) send(ev Event) {
	h.t.Helper()
	h.e.handle(ev)
	h.e.flush()
	h.settle()
}

func (h *harness) addSlot(id string, row, col int, action ActionKind, cfg string) {
	h.t.Helper()
	var raw json.RawMessage
	if cfg != "" {
		raw = json.RawMessage(cfg)
	}
	h.send(SlotAppeared{ID: SlotID(id), Coord: Coord{Row: row, Col: col}, Action: action, Settings: raw})
}

func (h *harness) session(process string, v audio.Volume) audio.Handle {
	h.t.Helper()
	hd := h.mem.AddSession(audio.SessionSpec{Process: process, Volume: v})
	if h.notes != nil {
		h.settle()
	}
	return hd
}

func (h *harness) press(id string) {
	h.t.Helper()
	h.send(KeyPress{ID: SlotID(id)})
}

func (h *harness) hold(id string) {
	h.t.Helper()
	h.send(KeyPress{ID: SlotID(id), Hold: true})
}

func (h *harness) slot(id string) *Slot {
	h.t.Helper()
	s, ok := h.e.slots[SlotID(id)]
	if !ok {
		h.t.Fatalf("slot %s not found", id)
	}
	return s
}

func (h *harness) bound(id string) string {
	h.t.Helper()
	return h.slot(id).bound.Key
}

func (h *harness) face(id string) Face {
	h.t.Helper()
	f, ok := h.out.faces[SlotID(id)]
	if !ok {
		h.t.Fatalf("no face rendered for %s", id)
	}
	return f
}

// checkUnique fails if two slots of one family share an identity.
func (h *harness) checkUnique() {
	h.t.Helper()
	seen := map[family]map[audio.Identity]SlotID{}
	for _, s := range h.e.slots {
		if s.bound.IsZero() {
			continue
		}
		f := s.family()
		if seen[f] == nil {
			seen[f] = map[audio.Identity]SlotID{}
		}
		if other, dup := seen[f][s.bound]; dup {
			h.t.Fatalf("slots %s and %s both bound to %s", other, s.id, s.bound)
		}
		seen[f][s.bound] = s.id
	}
}

func (h *harness) fireTimers() {
	h.t.Helper()
	pending := h.timers
	h.timers = nil
	for _, ft := range pending {
		if !ft.stopped {
			ft.f()
		}
	}
	for {
		select {
		case ev := <-h.e.internal:
			h.send(ev)
		default:
			return
		}
	}
}
