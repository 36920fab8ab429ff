package audio

import (
	"fmt"
	"math"
	"sync"
)

// Kind distinguishes per-process sessions from output devices.
type Kind int

const (
	KindSession Kind = iota
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindDevice:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Identity is the logical key a slot binds to: a process name for sessions,
// a device id for output devices. Several live resources may share one.
type Identity struct {
	Kind Kind
	Key  string
}

func SessionIdentity(process string) Identity { return Identity{Kind: KindSession, Key: process} }
func DeviceIdentity(id string) Identity       { return Identity{Kind: KindDevice, Key: id} }

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool { return i.Key == "" }

func (i Identity) String() string {
	if i.IsZero() {
		return "<none>"
	}
	return i.Kind.String() + ":" + i.Key
}

// Handle is the OS-side identity of one resource instance.
type Handle string

// Volume is the authoritative (level, muted) pair of a resource.
type Volume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

// levelScale sets the resolution volume levels are compared and stored at
// (1e-4 of full scale).
const levelScale = 10000

// QuantizeLevel clamps a level to [0,1] and rounds it to 1/levelScale.
func QuantizeLevel(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return math.Round(v*levelScale) / levelScale
}

// Metadata is display information resolved when a resource is created.
type Metadata struct {
	DisplayName string `json:"display_name"`
	Icon        string `json:"icon,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

// Endpoint is the OS handle behind a resource. Implementations are provided
// by a Backend.
type Endpoint interface {
	Volume() (Volume, error)
	SetLevel(level float64) error
	SetMuted(muted bool) error
	// Close unregisters any OS callbacks held for this endpoint.
	Close() error
}

// ============================================================================
// Resource
// ============================================================================

// Resource wraps one live OS audio endpoint.
//
// Mutators compare before they write: asking for the value the OS already
// reports performs no write and reports changed=false. Mirrored writes across
// sibling resources rely on this to terminate.
type Resource struct {
	handle Handle
	id     Identity
	meta   Metadata

	mu       sync.Mutex
	ep       Endpoint
	last     Volume
	known    bool
	gone     bool
	disposed bool
}

// NewResource wraps an endpoint. The endpoint is owned by the resource from
// here on and is closed by Dispose.
func NewResource(handle Handle, id Identity, meta Metadata, ep Endpoint) *Resource {
	return &Resource{handle: handle, id: id, meta: meta, ep: ep}
}

func (r *Resource) Handle() Handle     { return r.handle }
func (r *Resource) Identity() Identity { return r.id }
func (r *Resource) Meta() Metadata     { return r.meta }

// Gone reports whether the OS has expired this resource.
func (r *Resource) Gone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gone
}

// Last returns the last authoritative volume seen or written, without
// touching the OS.
func (r *Resource) Last() (Volume, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.known
}

// Volume reads the current value from the OS.
func (r *Resource) Volume() (Volume, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked()
}

func (r *Resource) readLocked() (Volume, error) {
	if r.gone || r.ep == nil {
		return Volume{}, fmt.Errorf("%s: %w", r.id, ErrResourceGone)
	}
	v, err := r.ep.Volume()
	if err != nil {
		return Volume{}, r.classify(err)
	}
	v.Level = QuantizeLevel(v.Level)
	r.last = v
	r.known = true
	return v, nil
}

// SetVolume writes a new level. The returned Volume is the authoritative
// value after the call; changed is false when no write was needed.
func (r *Resource) SetVolume(level float64) (Volume, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.readLocked()
	if err != nil {
		return Volume{}, false, err
	}
	level = QuantizeLevel(level)
	if cur.Level == level {
		return cur, false, nil
	}
	if err := r.ep.SetLevel(level); err != nil {
		return cur, false, r.classify(err)
	}
	cur.Level = level
	r.last = cur
	return cur, true, nil
}

// SetMute writes the mute flag with the same compare-before-write rule as
// SetVolume.
func (r *Resource) SetMute(muted bool) (Volume, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.readLocked()
	if err != nil {
		return Volume{}, false, err
	}
	if cur.Muted == muted {
		return cur, false, nil
	}
	if err := r.ep.SetMuted(muted); err != nil {
		return cur, false, r.classify(err)
	}
	cur.Muted = muted
	r.last = cur
	return cur, true, nil
}

// Apply converges the resource to v, writing only the fields that differ.
func (r *Resource) Apply(v Volume) (Volume, bool, error) {
	out, changedLevel, err := r.SetVolume(v.Level)
	if err != nil {
		return out, false, err
	}
	out, changedMute, err := r.SetMute(v.Muted)
	if err != nil {
		return out, changedLevel, err
	}
	return out, changedLevel || changedMute, nil
}

// Observe re-reads the OS value after a volume notification and reports
// whether it differs from the last authoritative value. OS notifications
// that echo our own writes report changed=false.
func (r *Resource) Observe() (Volume, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, known := r.last, r.known
	cur, err := r.readLocked()
	if err != nil {
		return Volume{}, false, err
	}
	return cur, !known || cur != prev, nil
}

// Expire marks the resource unusable. It returns true the first time only.
func (r *Resource) Expire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone {
		return false
	}
	r.gone = true
	return true
}

// Dispose releases the OS handle exactly once. Later calls are no-ops.
func (r *Resource) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = true
	if r.disposed {
		return nil
	}
	r.disposed = true
	if r.ep == nil {
		return nil
	}
	return r.ep.Close()
}

// classify maps endpoint errors onto ErrResourceGone where the endpoint says
// so, and marks the resource unusable.
func (r *Resource) classify(err error) error {
	if isGone(err) {
		r.gone = true
	}
	return fmt.Errorf("%s: %w", r.id, err)
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s[%s]", r.id, r.handle)
}
