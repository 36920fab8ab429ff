package settings

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestDecodeGlobal_EmptyYieldsDefaults(t *testing.T) {
	for _, in := range []string{"", "  ", "null", "{}"} {
		g, err := DecodeGlobal([]byte(in))
		if err != nil {
			t.Fatalf("DecodeGlobal(%q): %v", in, err)
		}
		if g.VolumeStep != 10 || !g.VolumeStepLock || !g.InlineControlsEnabled {
			t.Fatalf("DecodeGlobal(%q): unexpected defaults %+v", in, g)
		}
		if g.HoldDuration() != 200*time.Millisecond {
			t.Fatalf("expected 200ms hold, got %v", g.HoldDuration())
		}
		if g.SelectionTimeout() != 0 {
			t.Fatalf("expected no selection timeout, got %v", g.SelectionTimeout())
		}
	}
}

func TestDecodeGlobal_OverlaysOntoDefaults(t *testing.T) {
	g, err := DecodeGlobal([]byte(`{"version":2,"volumeStep":5,"blacklistedApplications":["discord","discord",""]}`))
	if err != nil {
		t.Fatalf("DecodeGlobal: %v", err)
	}
	if g.VolumeStep != 5 {
		t.Fatalf("expected step 5, got %d", g.VolumeStep)
	}
	if !g.VolumeStepLock || g.InlineControlsHoldDurationMs != 200 {
		t.Fatalf("missing fields not filled from defaults: %+v", g)
	}
	if !slices.Equal(g.BlacklistedApplications, []string{"discord"}) {
		t.Fatalf("expected deduped blacklist, got %v", g.BlacklistedApplications)
	}
}

func TestDecodeGlobal_MigratesV1(t *testing.T) {
	legacy := `{
		"uuid": "abc",
		"globalVolumeStep": "15",
		"globalVolumeStepLock": false,
		"inlineControlsHoldDuration": 350.0,
		"staticApplications": [{"processName": "spotify"}],
		"blacklistedApplications": [{"processName": "discord"}, "teams"],
		"blacklistedApplicationsSelector": [{"processName": "x"}],
		"staticOutputDevices": [{"id": "dev-1", "name": "Speakers"}]
	}`
	g, err := DecodeGlobal([]byte(legacy))
	if err != nil {
		t.Fatalf("DecodeGlobal: %v", err)
	}
	if g.VolumeStep != 15 || g.VolumeStepLock {
		t.Fatalf("step not migrated: %+v", g)
	}
	if g.InlineControlsHoldDurationMs != 350 {
		t.Fatalf("hold not migrated: %d", g.InlineControlsHoldDurationMs)
	}
	if !slices.Equal(g.StaticApplications, []string{"spotify"}) {
		t.Fatalf("static apps: %v", g.StaticApplications)
	}
	if !slices.Equal(g.BlacklistedApplications, []string{"discord", "teams"}) {
		t.Fatalf("blacklist: %v", g.BlacklistedApplications)
	}
	if !slices.Equal(g.StaticOutputDevices, []string{"dev-1"}) {
		t.Fatalf("static devices: %v", g.StaticOutputDevices)
	}
	if g.Version != CurrentVersion {
		t.Fatalf("expected version %d, got %d", CurrentVersion, g.Version)
	}
}

func TestDecodeGlobal_Corrupt(t *testing.T) {
	cases := []string{
		`{"version":2,"volumeStep":"ten"}`,
		`{"version":2,"volumeStep":0}`,
		`{"version":9}`,
		`{"globalVolumeStep":"abc"}`,
		`[1,2,3]`,
		`{not json`,
	}
	for _, in := range cases {
		g, err := DecodeGlobal([]byte(in))
		if !errors.Is(err, ErrConfigCorrupt) {
			t.Fatalf("DecodeGlobal(%s): expected ErrConfigCorrupt, got %v", in, err)
		}
		if g.VolumeStep != DefaultVolumeStep {
			t.Fatalf("DecodeGlobal(%s): expected defaults on error, got %+v", in, g)
		}
	}
}

func TestDecodeSlot_DefaultsFromGlobal(t *testing.T) {
	g := DefaultGlobal()
	g.VolumeStep = 7
	s, err := DecodeSlot(nil, g)
	if err != nil {
		t.Fatalf("DecodeSlot: %v", err)
	}
	if s.LocalVolumeStep != 7 {
		t.Fatalf("expected local step from global, got %d", s.LocalVolumeStep)
	}

	s, err = DecodeSlot([]byte(`{"version":2,"staticApplication":"spotify","blacklist":["a"]}`), g)
	if err != nil {
		t.Fatalf("DecodeSlot: %v", err)
	}
	if s.StaticApplication != "spotify" || s.LocalVolumeStep != 7 || !slices.Equal(s.Blacklist, []string{"a"}) {
		t.Fatalf("unexpected slot %+v", s)
	}
}

func TestDecodeSlot_MigratesV1(t *testing.T) {
	legacy := `{
		"volumeStep": "20",
		"staticApplication": {"processName": "firefox"},
		"staticApplicationName": "Firefox",
		"blacklistedApplications": [{"processName": "discord"}],
		"whitelistedApplications": [],
		"inlineControlsEnabled": true
	}`
	s, err := DecodeSlot([]byte(legacy), DefaultGlobal())
	if err != nil {
		t.Fatalf("DecodeSlot: %v", err)
	}
	if s.LocalVolumeStep != 20 || s.StaticApplication != "firefox" || s.StaticApplicationName != "Firefox" {
		t.Fatalf("unexpected migrated slot %+v", s)
	}
	if !slices.Equal(s.Blacklist, []string{"discord"}) || len(s.Whitelist) != 0 {
		t.Fatalf("unexpected lists %+v", s)
	}

	s, err = DecodeSlot([]byte(`{"staticOutputDevice":{"id":"dev-2","name":"Headset (USB)"}}`), DefaultGlobal())
	if err != nil {
		t.Fatalf("DecodeSlot device: %v", err)
	}
	if s.StaticOutputDevice != "dev-2" || s.StaticOutputDeviceName != "Headset (USB)" {
		t.Fatalf("unexpected device slot %+v", s)
	}
}

func TestDecodeSlot_Corrupt(t *testing.T) {
	g := DefaultGlobal()
	_, err := DecodeSlot([]byte(`{"version":2,"blacklist":"oops"}`), g)
	if !errors.Is(err, ErrConfigCorrupt) {
		t.Fatalf("expected ErrConfigCorrupt, got %v", err)
	}
	_, err = DecodeSlot([]byte(`{"version":2,"localVolumeStep":500}`), g)
	if !errors.Is(err, ErrConfigCorrupt) {
		t.Fatalf("expected ErrConfigCorrupt for out-of-range step, got %v", err)
	}
}

func TestGlobal_ToggleBlacklist(t *testing.T) {
	g := DefaultGlobal()
	if !g.ToggleBlacklistedApplication("discord") {
		t.Fatalf("expected discord to be blacklisted")
	}
	if g.ToggleBlacklistedApplication("discord") {
		t.Fatalf("expected discord to be removed")
	}
	if len(g.BlacklistedApplications) != 0 {
		t.Fatalf("expected empty blacklist, got %v", g.BlacklistedApplications)
	}

	c := g.Clone()
	c.ToggleBlacklistedOutputDevice("dev")
	if len(g.BlacklistedOutputDevices) != 0 {
		t.Fatalf("Clone shares backing array")
	}
}

func TestEncodeRoundTripKeepsVersion(t *testing.T) {
	g := DefaultGlobal()
	g.Version = 0
	g.StaticApplications = []string{"spotify"}
	b, err := EncodeGlobal(g)
	if err != nil {
		t.Fatalf("EncodeGlobal: %v", err)
	}
	back, err := DecodeGlobal(b)
	if err != nil {
		t.Fatalf("DecodeGlobal: %v", err)
	}
	if back.Version != CurrentVersion || !slices.Equal(back.StaticApplications, []string{"spotify"}) {
		t.Fatalf("unexpected decoded global %+v", back)
	}
}

func TestStore_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	st := NewStore(path)

	if b, err := st.Global(); err != nil || b != nil {
		t.Fatalf("expected empty store, got %s err=%v", b, err)
	}

	g := DefaultGlobal()
	g.VolumeStep = 4
	if err := st.SaveGlobal(g); err != nil {
		t.Fatalf("SaveGlobal: %v", err)
	}
	slot := DefaultSlot(g)
	slot.StaticApplication = "spotify"
	if err := st.SaveSlot("ws:1:0", slot); err != nil {
		t.Fatalf("SaveSlot: %v", err)
	}

	st2 := NewStore(path)
	gb, err := st2.Global()
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	g2, err := DecodeGlobal(gb)
	if err != nil || g2.VolumeStep != 4 {
		t.Fatalf("reloaded global %+v err=%v", g2, err)
	}
	sb, _ := st2.Slot("ws:1:0")
	s2, err := DecodeSlot(sb, g2)
	if err != nil || s2.StaticApplication != "spotify" {
		t.Fatalf("reloaded slot %+v err=%v", s2, err)
	}
	if b, _ := st2.Slot("missing"); b != nil {
		t.Fatalf("expected nil for unknown slot")
	}
}

func TestStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	st := NewStore(path)
	if _, err := st.Global(); !errors.Is(err, ErrConfigCorrupt) {
		t.Fatalf("expected ErrConfigCorrupt, got %v", err)
	}
	// The store recovers and can be written again.
	if err := st.SaveGlobal(DefaultGlobal()); err != nil {
		t.Fatalf("SaveGlobal after corrupt: %v", err)
	}
	if b, err := NewStore(path).Global(); err != nil || b == nil {
		t.Fatalf("expected recovered global, got %s err=%v", b, err)
	}
}
