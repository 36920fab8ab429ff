package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newMemSession(t *testing.T, m *Memory, process string, v Volume) (*Resource, Handle) {
	t.Helper()
	h := m.AddSession(SessionSpec{Process: process, Volume: v})
	infos, err := m.Sessions(context.Background(), "spk")
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	for _, info := range infos {
		if info.Handle == h {
			return NewSession(info), h
		}
	}
	t.Fatalf("session %s not listed", h)
	return nil, ""
}

func TestResource_SetVolumeComparesBeforeWrite(t *testing.T) {
	m := NewMemory()
	m.AddDevice("spk", "Speakers (USB)", Volume{Level: 1})
	r, h := newMemSession(t, m, "music", Volume{Level: 0.5})

	v, changed, err := r.SetVolume(0.5)
	if err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if changed {
		t.Fatalf("expected no change when writing current level")
	}
	if v.Level != 0.5 {
		t.Fatalf("expected level 0.5, got %v", v.Level)
	}
	if got := m.Writes(h); got != 0 {
		t.Fatalf("expected 0 writes, got %d", got)
	}

	v, changed, err = r.SetVolume(0.7)
	if err != nil || !changed {
		t.Fatalf("SetVolume(0.7): changed=%v err=%v", changed, err)
	}
	if v.Level != 0.7 || m.SessionVolume(h).Level != 0.7 {
		t.Fatalf("expected 0.7 written, got resource=%v os=%v", v.Level, m.SessionVolume(h).Level)
	}
	if got := m.Writes(h); got != 1 {
		t.Fatalf("expected 1 write, got %d", got)
	}
}

func TestResource_ApplyWritesOnlyDifferingFields(t *testing.T) {
	m := NewMemory()
	m.AddDevice("spk", "Speakers", Volume{Level: 1})
	r, h := newMemSession(t, m, "game", Volume{Level: 0.3})

	_, changed, err := r.Apply(Volume{Level: 0.3, Muted: true})
	if err != nil || !changed {
		t.Fatalf("Apply: changed=%v err=%v", changed, err)
	}
	if got := m.Writes(h); got != 1 {
		t.Fatalf("expected only the mute write, got %d writes", got)
	}

	_, changed, _ = r.Apply(Volume{Level: 0.3, Muted: true})
	if changed {
		t.Fatalf("expected second Apply to be a no-op")
	}
}

func TestResource_SetVolumeClamps(t *testing.T) {
	m := NewMemory()
	m.AddDevice("spk", "Speakers", Volume{Level: 1})
	r, _ := newMemSession(t, m, "game", Volume{Level: 0.95})

	v, _, err := r.SetVolume(1.2)
	if err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if v.Level != 1 {
		t.Fatalf("expected clamp to 1, got %v", v.Level)
	}
	v, _, _ = r.SetVolume(-0.3)
	if v.Level != 0 {
		t.Fatalf("expected clamp to 0, got %v", v.Level)
	}
}

func TestResource_ObserveIgnoresEcho(t *testing.T) {
	m := NewMemory()
	m.AddDevice("spk", "Speakers", Volume{Level: 1})
	r, h := newMemSession(t, m, "chat", Volume{Level: 0.4})

	if _, err := r.Volume(); err != nil {
		t.Fatalf("Volume: %v", err)
	}
	if _, _, err := r.SetVolume(0.6); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if _, changed, _ := r.Observe(); changed {
		t.Fatalf("expected our own write to observe as unchanged")
	}

	m.Change(h, Volume{Level: 0.2})
	v, changed, err := r.Observe()
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if !changed || v.Level != 0.2 {
		t.Fatalf("expected external change to 0.2, got changed=%v v=%+v", changed, v)
	}
}

func TestResource_GoneAfterExpire(t *testing.T) {
	m := NewMemory()
	m.AddDevice("spk", "Speakers", Volume{Level: 1})
	r, h := newMemSession(t, m, "chat", Volume{Level: 0.4})

	m.ExpireSession(h)
	_, _, err := r.SetVolume(0.1)
	if !errors.Is(err, ErrResourceGone) {
		t.Fatalf("expected ErrResourceGone, got %v", err)
	}
	if !r.Gone() {
		t.Fatalf("expected resource to be marked gone")
	}
}

func TestResource_ExpireOnce(t *testing.T) {
	r := NewResource("h", SessionIdentity("x"), Metadata{}, nil)
	if !r.Expire() {
		t.Fatalf("expected first Expire to report true")
	}
	if r.Expire() {
		t.Fatalf("expected second Expire to report false")
	}
	if _, err := r.Volume(); !errors.Is(err, ErrResourceGone) {
		t.Fatalf("expected ErrResourceGone after expiry, got %v", err)
	}
}

func TestResource_DisposeIdempotent(t *testing.T) {
	m := NewMemory()
	m.AddDevice("spk", "Speakers", Volume{Level: 1})
	r, h := newMemSession(t, m, "chat", Volume{Level: 0.4})

	for i := 0; i < 3; i++ {
		if err := r.Dispose(); err != nil {
			t.Fatalf("Dispose #%d: %v", i, err)
		}
	}
	if got := m.Closes(h); got != 1 {
		t.Fatalf("expected endpoint closed once, got %d", got)
	}
	if !r.Gone() {
		t.Fatalf("expected disposed resource to be gone")
	}
}

func TestResource_PrivilegeDenied(t *testing.T) {
	m := NewMemory()
	m.AddDevice("spk", "Speakers", Volume{Level: 1})
	h := m.AddSession(SessionSpec{Process: "secure", Denied: true})
	infos, _ := m.Sessions(context.Background(), "spk")
	var r *Resource
	for _, info := range infos {
		if info.Handle == h {
			r = NewSession(info)
		}
	}
	if r == nil {
		t.Fatalf("session not listed")
	}
	if _, err := r.Volume(); !errors.Is(err, ErrPrivilegeRequired) {
		t.Fatalf("expected ErrPrivilegeRequired, got %v", err)
	}
	if r.Gone() {
		t.Fatalf("privilege errors must not mark the resource gone")
	}
}

func TestMemory_WritesAreEchoed(t *testing.T) {
	m := NewMemory()
	m.AddDevice("spk", "Speakers", Volume{Level: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := m.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r, h := newMemSession(t, m, "music", Volume{Level: 0.5})
	<-ch // SessionCreated

	if _, _, err := r.SetVolume(0.25); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	select {
	case n := <-ch:
		vc, ok := n.(SessionVolumeChanged)
		if !ok || vc.Handle != h {
			t.Fatalf("expected SessionVolumeChanged for %s, got %#v", h, n)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for echo")
	}

	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription channel not closed after cancel")
		}
	}
}

func TestMemory_DefaultDevice(t *testing.T) {
	m := NewMemory()
	m.AddDevice("a", "A", Volume{Level: 1})
	m.AddDevice("b", "B", Volume{Level: 1})

	ctx := context.Background()
	if id, _ := m.DefaultDevice(ctx); id != "a" {
		t.Fatalf("expected first device as default, got %q", id)
	}
	if err := m.SetDefaultDevice(ctx, "b"); err != nil {
		t.Fatalf("SetDefaultDevice: %v", err)
	}
	if id, _ := m.DefaultDevice(ctx); id != "b" {
		t.Fatalf("expected b, got %q", id)
	}
	m.SetDeviceActive("a", false)
	if err := m.SetDefaultDevice(ctx, "a"); !errors.Is(err, ErrResourceGone) {
		t.Fatalf("expected ErrResourceGone for inactive device, got %v", err)
	}
	devs, _ := m.Devices(ctx)
	if len(devs) != 1 || devs[0].ID != "b" {
		t.Fatalf("expected only b active, got %+v", devs)
	}
}

func TestParseDeviceName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Speakers (Realtek(R) Audio)", "Speakers"},
		{"Headphones (2- USB Audio)", "Headphones"},
		{"Monitor", "Monitor"},
		{"  Line Out  ", "Line Out"},
		{"(Virtual)", "(Virtual)"},
		{"Desk (left) Speakers (USB)", "Desk Speakers"},
	}
	for _, tc := range cases {
		if got := ParseDeviceName(tc.in); got != tc.want {
			t.Fatalf("ParseDeviceName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
