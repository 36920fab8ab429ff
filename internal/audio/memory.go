package audio

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process audio subsystem. It behaves like an OS mixer:
// every write is echoed back as a volume notification, sessions expire, and
// devices come and go. Tests drive it directly; the daemon can run on it for
// demos.
type Memory struct {
	mu sync.Mutex

	devices   []*memNode
	defaultID string
	sessions  []*memNode

	exited map[int]bool
	subs   []chan Notification
	nextID int
}

type memNode struct {
	session SessionInfo
	device  DeviceInfo

	vol    Volume
	writes int
	closes int
	gone   bool
	denied bool
}

// SessionSpec describes a simulated session.
type SessionSpec struct {
	DeviceID     string
	Process      string
	DisplayName  string
	PID          int
	Volume       Volume
	SystemSounds bool
	// Denied makes every endpoint access fail with ErrPrivilegeRequired.
	Denied bool
}

func NewMemory() *Memory {
	return &Memory{exited: make(map[int]bool)}
}

// ----------------------------------------------------------------------------
// Backend
// ----------------------------------------------------------------------------

func (m *Memory) Devices(ctx context.Context) ([]DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeviceInfo
	for _, n := range m.devices {
		if n.device.Active && !n.gone {
			out = append(out, m.deviceInfoLocked(n))
		}
	}
	return out, nil
}

func (m *Memory) DefaultDevice(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultID, nil
}

func (m *Memory) SetDefaultDevice(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.findDeviceLocked(id)
	if n == nil || !n.device.Active {
		return fmt.Errorf("set default device %q: %w", id, ErrResourceGone)
	}
	if m.defaultID == id {
		return nil
	}
	m.defaultID = id
	m.publishLocked(DefaultDeviceChanged{ID: id})
	return nil
}

func (m *Memory) Sessions(ctx context.Context, deviceID string) ([]SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SessionInfo
	for _, n := range m.sessions {
		if n.gone || n.session.DeviceID != deviceID {
			continue
		}
		out = append(out, m.sessionInfoLocked(n))
	}
	return out, nil
}

func (m *Memory) ProcessExists(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.exited[pid]
}

func (m *Memory) Subscribe(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification, 1024)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, c := range m.subs {
			if c == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

// ----------------------------------------------------------------------------
// Simulation controls
// ----------------------------------------------------------------------------

// AddDevice registers an active output device. The first device added
// becomes the default.
func (m *Memory) AddDevice(id, name string, v Volume) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := &memNode{device: DeviceInfo{ID: id, FriendlyName: name, Active: true}, vol: v}
	m.devices = append(m.devices, n)
	if m.defaultID == "" {
		m.defaultID = id
	}
	m.publishLocked(DeviceAdded{Device: m.deviceInfoLocked(n)})
}

// RemoveDevice unplugs a device.
func (m *Memory) RemoveDevice(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.findDeviceLocked(id)
	if n == nil {
		return
	}
	n.gone = true
	m.publishLocked(DeviceRemoved{ID: id})
}

// SetDeviceActive toggles a device between active and disabled.
func (m *Memory) SetDeviceActive(id string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.findDeviceLocked(id)
	if n == nil || n.device.Active == active {
		return
	}
	n.device.Active = active
	m.publishLocked(DeviceStateChanged{Device: m.deviceInfoLocked(n)})
}

// SwitchDefault changes the default device from outside, like a user picking
// it in the OS sound settings.
func (m *Memory) SwitchDefault(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findDeviceLocked(id) == nil || m.defaultID == id {
		return
	}
	m.defaultID = id
	m.publishLocked(DefaultDeviceChanged{ID: id})
}

// AddSession starts a simulated session and announces it.
func (m *Memory) AddSession(spec SessionSpec) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h := Handle(fmt.Sprintf("mem-%d", m.nextID))
	if spec.DeviceID == "" {
		spec.DeviceID = m.defaultID
	}
	if spec.PID == 0 {
		spec.PID = 1000 + m.nextID
	}
	n := &memNode{
		session: SessionInfo{
			Handle:       h,
			DeviceID:     spec.DeviceID,
			PID:          spec.PID,
			ProcessName:  spec.Process,
			DisplayName:  spec.DisplayName,
			SystemSounds: spec.SystemSounds,
		},
		vol:    Volume{Level: QuantizeLevel(spec.Volume.Level), Muted: spec.Volume.Muted},
		denied: spec.Denied,
	}
	m.sessions = append(m.sessions, n)
	m.publishLocked(SessionCreated{DeviceID: spec.DeviceID, Session: m.sessionInfoLocked(n)})
	return h
}

// ExpireSession ends a session.
func (m *Memory) ExpireSession(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.findSessionLocked(h)
	if n == nil || n.gone {
		return
	}
	n.gone = true
	m.publishLocked(SessionStateChanged{Handle: h, State: SessionExpired})
}

// ExitProcess marks a process as no longer running.
func (m *Memory) ExitProcess(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exited[pid] = true
}

// Change sets a session volume from outside (another mixer, the app itself).
func (m *Memory) Change(h Handle, v Volume) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.findSessionLocked(h)
	if n == nil || n.gone {
		return
	}
	n.vol = Volume{Level: QuantizeLevel(v.Level), Muted: v.Muted}
	m.publishLocked(SessionVolumeChanged{Handle: h})
}

// SessionVolume returns the simulated OS value of a session.
func (m *Memory) SessionVolume(h Handle) Volume {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.findSessionLocked(h); n != nil {
		return n.vol
	}
	return Volume{}
}

// Writes counts endpoint writes that reached a session.
func (m *Memory) Writes(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.findSessionLocked(h); n != nil {
		return n.writes
	}
	return 0
}

// Closes counts Close calls on a session endpoint.
func (m *Memory) Closes(h Handle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.findSessionLocked(h); n != nil {
		return n.closes
	}
	return 0
}

// ----------------------------------------------------------------------------
// internals
// ----------------------------------------------------------------------------

func (m *Memory) findDeviceLocked(id string) *memNode {
	for _, n := range m.devices {
		if n.device.ID == id && !n.gone {
			return n
		}
	}
	return nil
}

func (m *Memory) findSessionLocked(h Handle) *memNode {
	for _, n := range m.sessions {
		if n.session.Handle == h {
			return n
		}
	}
	return nil
}

func (m *Memory) sessionInfoLocked(n *memNode) SessionInfo {
	info := n.session
	info.Endpoint = &memEndpoint{m: m, n: n, echo: SessionVolumeChanged{Handle: info.Handle}}
	return info
}

func (m *Memory) deviceInfoLocked(n *memNode) DeviceInfo {
	info := n.device
	info.Endpoint = &memEndpoint{m: m, n: n, echo: DeviceVolumeChanged{ID: info.ID}}
	return info
}

// publishLocked never blocks; a subscriber that stops reading loses
// notifications rather than stalling the simulated OS.
func (m *Memory) publishLocked(n Notification) {
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

type memEndpoint struct {
	m    *Memory
	n    *memNode
	echo Notification
}

func (e *memEndpoint) check() error {
	if e.n.gone {
		return ErrResourceGone
	}
	if e.n.denied {
		return ErrPrivilegeRequired
	}
	return nil
}

func (e *memEndpoint) Volume() (Volume, error) {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if err := e.check(); err != nil {
		return Volume{}, err
	}
	return e.n.vol, nil
}

func (e *memEndpoint) SetLevel(level float64) error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if err := e.check(); err != nil {
		return err
	}
	e.n.vol.Level = QuantizeLevel(level)
	e.n.writes++
	e.m.publishLocked(e.echo)
	return nil
}

func (e *memEndpoint) SetMuted(muted bool) error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if err := e.check(); err != nil {
		return err
	}
	e.n.vol.Muted = muted
	e.n.writes++
	e.m.publishLocked(e.echo)
	return nil
}

func (e *memEndpoint) Close() error {
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	e.n.closes++
	return nil
}
