// Package settings holds the typed per-slot and global settings the mixer
// reads, and their versioned JSON encoding.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrConfigCorrupt is returned when a persisted settings blob cannot be
// decoded. The caller resets that scope to defaults.
var ErrConfigCorrupt = errors.New("settings corrupt")

// CurrentVersion is written into every encoded blob.
const CurrentVersion = 2

// Defaults
const (
	DefaultVolumeStep            = 10
	DefaultHoldDurationMs        = 200
	DefaultInlineControlsTimeout = 0
)

// Global is the settings scope shared by every slot.
type Global struct {
	Version int `json:"version"`

	// VolumeStep is in percent of full scale.
	VolumeStep     int  `json:"volumeStep"`
	VolumeStepLock bool `json:"volumeStepLock"`

	InlineControlsEnabled        bool `json:"inlineControlsEnabled"`
	InlineControlsHoldDurationMs int  `json:"inlineControlsHoldDuration"`
	// InlineControlsTimeout is in seconds; 0 disables it.
	InlineControlsTimeout int `json:"inlineControlsTimeout"`

	StaticApplications      []string `json:"staticApplications"`
	BlacklistedApplications []string `json:"blacklistedApplications"`
	WhitelistedApplications []string `json:"whitelistedApplications"`

	StaticOutputDevices      []string `json:"staticOutputDevices"`
	BlacklistedOutputDevices []string `json:"blacklistedOutputDevices"`
	WhitelistedOutputDevices []string `json:"whitelistedOutputDevices"`
}

// DefaultGlobal returns the settings used when nothing is persisted.
func DefaultGlobal() Global {
	return Global{
		Version:                      CurrentVersion,
		VolumeStep:                   DefaultVolumeStep,
		VolumeStepLock:               true,
		InlineControlsEnabled:        true,
		InlineControlsHoldDurationMs: DefaultHoldDurationMs,
		InlineControlsTimeout:        DefaultInlineControlsTimeout,
		StaticApplications:           []string{},
		BlacklistedApplications:      []string{},
		WhitelistedApplications:      []string{},
		StaticOutputDevices:          []string{},
		BlacklistedOutputDevices:     []string{},
		WhitelistedOutputDevices:     []string{},
	}
}

func (g Global) HoldDuration() time.Duration {
	return time.Duration(g.InlineControlsHoldDurationMs) * time.Millisecond
}

func (g Global) SelectionTimeout() time.Duration {
	return time.Duration(g.InlineControlsTimeout) * time.Second
}

// Clone returns a deep copy.
func (g Global) Clone() Global {
	out := g
	out.StaticApplications = slices.Clone(g.StaticApplications)
	out.BlacklistedApplications = slices.Clone(g.BlacklistedApplications)
	out.WhitelistedApplications = slices.Clone(g.WhitelistedApplications)
	out.StaticOutputDevices = slices.Clone(g.StaticOutputDevices)
	out.BlacklistedOutputDevices = slices.Clone(g.BlacklistedOutputDevices)
	out.WhitelistedOutputDevices = slices.Clone(g.WhitelistedOutputDevices)
	return out
}

// ToggleBlacklistedApplication adds or removes name and reports whether it is
// now blacklisted.
func (g *Global) ToggleBlacklistedApplication(name string) bool {
	return toggle(&g.BlacklistedApplications, name)
}

// ToggleBlacklistedOutputDevice adds or removes id and reports whether it is
// now blacklisted.
func (g *Global) ToggleBlacklistedOutputDevice(id string) bool {
	return toggle(&g.BlacklistedOutputDevices, id)
}

func toggle(list *[]string, v string) bool {
	if i := slices.Index(*list, v); i >= 0 {
		*list = slices.Delete(*list, i, i+1)
		return false
	}
	*list = append(*list, v)
	return true
}

func (g Global) validate() error {
	if g.VolumeStep < 1 || g.VolumeStep > 100 {
		return fmt.Errorf("volumeStep %d out of range 1..100", g.VolumeStep)
	}
	if g.InlineControlsHoldDurationMs < 0 {
		return fmt.Errorf("inlineControlsHoldDuration must be >= 0")
	}
	if g.InlineControlsTimeout < 0 {
		return fmt.Errorf("inlineControlsTimeout must be >= 0")
	}
	return nil
}

// Slot is the settings scope of one button.
type Slot struct {
	Version int `json:"version"`

	StaticApplication     string `json:"staticApplication,omitempty"`
	StaticApplicationName string `json:"staticApplicationName,omitempty"`
	StaticApplicationIcon string `json:"staticApplicationIcon,omitempty"`

	StaticOutputDevice     string `json:"staticOutputDevice,omitempty"`
	StaticOutputDeviceName string `json:"staticOutputDeviceName,omitempty"`

	Blacklist []string `json:"blacklist"`
	Whitelist []string `json:"whitelist"`

	LocalVolumeStep int `json:"localVolumeStep"`
}

// DefaultSlot derives a slot's defaults from the global scope.
func DefaultSlot(g Global) Slot {
	step := g.VolumeStep
	if step <= 0 {
		step = DefaultVolumeStep
	}
	return Slot{
		Version:         CurrentVersion,
		Blacklist:       []string{},
		Whitelist:       []string{},
		LocalVolumeStep: step,
	}
}

func (s Slot) Clone() Slot {
	out := s
	out.Blacklist = slices.Clone(s.Blacklist)
	out.Whitelist = slices.Clone(s.Whitelist)
	return out
}

func (s Slot) validate() error {
	if s.LocalVolumeStep < 1 || s.LocalVolumeStep > 100 {
		return fmt.Errorf("localVolumeStep %d out of range 1..100", s.LocalVolumeStep)
	}
	return nil
}

// ============================================================================
// Decoding: migrate, fill from defaults, overlay
// ============================================================================

type globalDoc struct {
	VolumeStep                   *int      `json:"volumeStep"`
	VolumeStepLock               *bool     `json:"volumeStepLock"`
	InlineControlsEnabled        *bool     `json:"inlineControlsEnabled"`
	InlineControlsHoldDurationMs *int      `json:"inlineControlsHoldDuration"`
	InlineControlsTimeout        *int      `json:"inlineControlsTimeout"`
	StaticApplications           *[]string `json:"staticApplications"`
	BlacklistedApplications      *[]string `json:"blacklistedApplications"`
	WhitelistedApplications      *[]string `json:"whitelistedApplications"`
	StaticOutputDevices          *[]string `json:"staticOutputDevices"`
	BlacklistedOutputDevices     *[]string `json:"blacklistedOutputDevices"`
	WhitelistedOutputDevices     *[]string `json:"whitelistedOutputDevices"`
}

type slotDoc struct {
	StaticApplication      *string   `json:"staticApplication"`
	StaticApplicationName  *string   `json:"staticApplicationName"`
	StaticApplicationIcon  *string   `json:"staticApplicationIcon"`
	StaticOutputDevice     *string   `json:"staticOutputDevice"`
	StaticOutputDeviceName *string   `json:"staticOutputDeviceName"`
	Blacklist              *[]string `json:"blacklist"`
	Whitelist              *[]string `json:"whitelist"`
	LocalVolumeStep        *int      `json:"localVolumeStep"`
}

// DecodeGlobal decodes a global blob. An empty blob yields the defaults.
func DecodeGlobal(data []byte) (Global, error) {
	g := DefaultGlobal()
	if isEmpty(data) {
		return g, nil
	}
	raw, err := migrate(data, migrateGlobalV1)
	if err != nil {
		return DefaultGlobal(), err
	}
	var doc globalDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return DefaultGlobal(), fmt.Errorf("global: %w: %v", ErrConfigCorrupt, err)
	}

	setIf(&g.VolumeStep, doc.VolumeStep)
	setIf(&g.VolumeStepLock, doc.VolumeStepLock)
	setIf(&g.InlineControlsEnabled, doc.InlineControlsEnabled)
	setIf(&g.InlineControlsHoldDurationMs, doc.InlineControlsHoldDurationMs)
	setIf(&g.InlineControlsTimeout, doc.InlineControlsTimeout)
	setList(&g.StaticApplications, doc.StaticApplications)
	setList(&g.BlacklistedApplications, doc.BlacklistedApplications)
	setList(&g.WhitelistedApplications, doc.WhitelistedApplications)
	setList(&g.StaticOutputDevices, doc.StaticOutputDevices)
	setList(&g.BlacklistedOutputDevices, doc.BlacklistedOutputDevices)
	setList(&g.WhitelistedOutputDevices, doc.WhitelistedOutputDevices)

	if err := g.validate(); err != nil {
		return DefaultGlobal(), fmt.Errorf("global: %w: %v", ErrConfigCorrupt, err)
	}
	return g, nil
}

// DecodeSlot decodes a slot blob, filling missing fields from DefaultSlot(g).
func DecodeSlot(data []byte, g Global) (Slot, error) {
	s := DefaultSlot(g)
	if isEmpty(data) {
		return s, nil
	}
	raw, err := migrate(data, migrateSlotV1)
	if err != nil {
		return DefaultSlot(g), err
	}
	var doc slotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return DefaultSlot(g), fmt.Errorf("slot: %w: %v", ErrConfigCorrupt, err)
	}

	setIf(&s.StaticApplication, doc.StaticApplication)
	setIf(&s.StaticApplicationName, doc.StaticApplicationName)
	setIf(&s.StaticApplicationIcon, doc.StaticApplicationIcon)
	setIf(&s.StaticOutputDevice, doc.StaticOutputDevice)
	setIf(&s.StaticOutputDeviceName, doc.StaticOutputDeviceName)
	setList(&s.Blacklist, doc.Blacklist)
	setList(&s.Whitelist, doc.Whitelist)
	setIf(&s.LocalVolumeStep, doc.LocalVolumeStep)

	if err := s.validate(); err != nil {
		return DefaultSlot(g), fmt.Errorf("slot: %w: %v", ErrConfigCorrupt, err)
	}
	return s, nil
}

// EncodeGlobal and EncodeSlot always write CurrentVersion.
func EncodeGlobal(g Global) ([]byte, error) {
	g.Version = CurrentVersion
	return json.Marshal(g)
}

func EncodeSlot(s Slot) ([]byte, error) {
	s.Version = CurrentVersion
	return json.Marshal(s)
}

func isEmpty(data []byte) bool {
	d := bytes.TrimSpace(data)
	return len(d) == 0 || bytes.Equal(d, []byte("null")) || bytes.Equal(d, []byte("{}"))
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setList(dst *[]string, v *[]string) {
	if v == nil {
		return
	}
	out := make([]string, 0, len(*v))
	for _, s := range *v {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	*dst = out
}
