package audio

import "context"

// SessionInfo describes a per-process audio session as reported by the OS.
type SessionInfo struct {
	Handle       Handle
	DeviceID     string
	PID          int
	ProcessName  string
	DisplayName  string
	Icon         string
	SystemSounds bool
	Endpoint     Endpoint
}

// DeviceInfo describes an output (render) device.
type DeviceInfo struct {
	ID           string
	FriendlyName string
	Active       bool
	Endpoint     Endpoint
}

// Backend is the OS audio subsystem.
type Backend interface {
	// Devices lists the active output devices in a stable order.
	Devices(ctx context.Context) ([]DeviceInfo, error)
	DefaultDevice(ctx context.Context) (string, error)
	SetDefaultDevice(ctx context.Context, id string) error
	// Sessions lists the sessions currently rendering to deviceID.
	Sessions(ctx context.Context, deviceID string) ([]SessionInfo, error)
	ProcessExists(pid int) bool
	// Subscribe starts OS notification delivery. The channel is closed when
	// ctx is done or the backend stops.
	Subscribe(ctx context.Context) (<-chan Notification, error)
}

// NewSession builds a session resource from an OS description.
func NewSession(info SessionInfo) *Resource {
	name := info.DisplayName
	if name == "" {
		name = info.ProcessName
	}
	return NewResource(info.Handle, SessionIdentity(info.ProcessName), Metadata{
		DisplayName: name,
		Icon:        info.Icon,
		PID:         info.PID,
	}, info.Endpoint)
}

// NewDevice builds a device resource from an OS description.
func NewDevice(info DeviceInfo) *Resource {
	return NewResource(Handle(info.ID), DeviceIdentity(info.ID), Metadata{
		DisplayName: ParseDeviceName(info.FriendlyName),
	}, info.Endpoint)
}

// ============================================================================
// OS notifications
// ============================================================================

// Notification is delivered by Backend.Subscribe.
type Notification interface {
	notificationMarker()
}

// SessionState is the lifecycle state reported for a session.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionInactive
	SessionExpired
)

type SessionCreated struct {
	DeviceID string
	Session  SessionInfo
}

type SessionVolumeChanged struct {
	Handle Handle
}

type SessionStateChanged struct {
	Handle Handle
	State  SessionState
}

type DeviceAdded struct {
	Device DeviceInfo
}

type DeviceRemoved struct {
	ID string
}

type DeviceStateChanged struct {
	Device DeviceInfo
}

type DeviceVolumeChanged struct {
	ID string
}

type DefaultDeviceChanged struct {
	ID string
}

func (SessionCreated) notificationMarker()       {}
func (SessionVolumeChanged) notificationMarker() {}
func (SessionStateChanged) notificationMarker()  {}
func (DeviceAdded) notificationMarker()          {}
func (DeviceRemoved) notificationMarker()        {}
func (DeviceStateChanged) notificationMarker()   {}
func (DeviceVolumeChanged) notificationMarker()  {}
func (DefaultDeviceChanged) notificationMarker() {}
