package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"deckmixer/internal/audio"
)

// ============================================================================
// ResourceRegistry
// ============================================================================
//
// Registry is the live set of audio resources: the sessions of the current
// default ("feed") device, and every active output device. It is owned by
// the engine goroutine. OS notifications are applied with handle, and every
// change to the set is reported as a notice for the engine to act on after
// the current step.
//
// ============================================================================

type Registry struct {
	backend audio.Backend
	logger  *slog.Logger
	notify  func(notice)

	feed string

	sessions     map[audio.Handle]*audio.Resource
	sessionOrder []audio.Handle

	devices     map[string]*audio.Resource
	deviceOrder []string

	// denied remembers processes already reported for privilege errors.
	denied map[string]bool
}

func newRegistry(backend audio.Backend, logger *slog.Logger, notify func(notice)) *Registry {
	return &Registry{
		backend:  backend,
		logger:   logger,
		notify:   notify,
		sessions: make(map[audio.Handle]*audio.Resource),
		devices:  make(map[string]*audio.Resource),
		denied:   make(map[string]bool),
	}
}

// load builds the initial set from the OS.
func (r *Registry) load(ctx context.Context) error {
	if err := r.refreshDevices(ctx); err != nil {
		return err
	}
	def, err := r.backend.DefaultDevice(ctx)
	if err != nil {
		return err
	}
	r.feed = def
	return r.loadSessions(ctx)
}

// Feed is the device whose sessions are tracked.
func (r *Registry) Feed() string { return r.feed }

func (r *Registry) loadSessions(ctx context.Context) error {
	if r.feed == "" {
		return nil
	}
	infos, err := r.backend.Sessions(ctx, r.feed)
	if err != nil {
		return err
	}
	for _, info := range infos {
		r.addSession(info)
	}
	return nil
}

// addSession admits a session unless it is the system sounds pseudo-session,
// its process has exited, or the OS denies access.
func (r *Registry) addSession(info audio.SessionInfo) {
	if info.SystemSounds || info.ProcessName == "" {
		return
	}
	if _, ok := r.sessions[info.Handle]; ok {
		return
	}
	if !r.backend.ProcessExists(info.PID) {
		r.logger.Debug("skipping session of exited process", "process", info.ProcessName, "pid", info.PID)
		return
	}

	res := audio.NewSession(info)
	if _, err := res.Volume(); err != nil {
		if errors.Is(err, audio.ErrPrivilegeRequired) {
			if !r.denied[info.ProcessName] {
				r.denied[info.ProcessName] = true
				r.logger.Warn("access to audio session denied; run with sufficient privileges to control it",
					"process", info.ProcessName, "pid", info.PID)
			}
		} else {
			r.logger.Debug("session unreadable", "process", info.ProcessName, "error", err)
		}
		_ = res.Dispose()
		return
	}

	r.sessions[info.Handle] = res
	r.sessionOrder = append(r.sessionOrder, info.Handle)
	r.notify(resourceAdded{res: res})
}

func (r *Registry) removeSession(h audio.Handle) {
	res, ok := r.sessions[h]
	if !ok {
		return
	}
	delete(r.sessions, h)
	r.sessionOrder = slices.DeleteFunc(r.sessionOrder, func(x audio.Handle) bool { return x == h })
	res.Expire()
	r.notify(resourceRemoved{res: res})
	_ = res.Dispose()
}

// flushSessions drops every session of the current feed.
func (r *Registry) flushSessions() {
	for _, h := range slices.Clone(r.sessionOrder) {
		r.removeSession(h)
	}
}

// refreshDevices reconciles the device set with the OS list.
func (r *Registry) refreshDevices(ctx context.Context) error {
	infos, err := r.backend.Devices(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(infos))
	changed := false
	for _, info := range infos {
		seen[info.ID] = true
		if r.addDevice(info) {
			changed = true
		}
	}
	for _, id := range slices.Clone(r.deviceOrder) {
		if !seen[id] {
			r.removeDevice(id)
			changed = true
		}
	}
	if changed {
		r.notify(devicesChanged{})
	}
	return nil
}

func (r *Registry) addDevice(info audio.DeviceInfo) bool {
	if !info.Active {
		return false
	}
	if _, ok := r.devices[info.ID]; ok {
		return false
	}
	res := audio.NewDevice(info)
	if _, err := res.Volume(); err != nil {
		r.logger.Debug("device unreadable", "device", info.ID, "error", err)
	}
	r.devices[info.ID] = res
	r.deviceOrder = append(r.deviceOrder, info.ID)
	r.notify(resourceAdded{res: res})
	return true
}

func (r *Registry) removeDevice(id string) bool {
	res, ok := r.devices[id]
	if !ok {
		return false
	}
	delete(r.devices, id)
	r.deviceOrder = slices.DeleteFunc(r.deviceOrder, func(x string) bool { return x == id })
	res.Expire()
	r.notify(resourceRemoved{res: res})
	_ = res.Dispose()
	return true
}

// switchFeed moves session tracking to a new default device.
func (r *Registry) switchFeed(ctx context.Context, id string) {
	prev := r.feed
	if prev == id {
		return
	}
	r.flushSessions()
	r.feed = id
	if err := r.loadSessions(ctx); err != nil {
		r.logger.Warn("loading sessions of new default device failed", "device", id, "error", err)
	}
	r.notify(defaultDeviceChanged{previous: prev, current: id})
}

// handle applies one OS notification.
func (r *Registry) handle(ctx context.Context, n audio.Notification) {
	switch ev := n.(type) {
	case audio.SessionCreated:
		if ev.DeviceID != r.feed {
			return
		}
		r.addSession(ev.Session)

	case audio.SessionVolumeChanged:
		if res, ok := r.sessions[ev.Handle]; ok {
			r.observe(res)
		}

	case audio.SessionStateChanged:
		if ev.State == audio.SessionExpired {
			r.removeSession(ev.Handle)
		}

	case audio.DeviceAdded:
		if r.addDevice(ev.Device) {
			r.notify(devicesChanged{})
		}

	case audio.DeviceRemoved:
		if r.removeDevice(ev.ID) {
			r.notify(devicesChanged{})
		}

	case audio.DeviceStateChanged:
		var changed bool
		if ev.Device.Active {
			changed = r.addDevice(ev.Device)
		} else {
			changed = r.removeDevice(ev.Device.ID)
		}
		if changed {
			r.notify(devicesChanged{})
		}

	case audio.DeviceVolumeChanged:
		if res, ok := r.devices[ev.ID]; ok {
			r.observe(res)
		}

	case audio.DefaultDeviceChanged:
		r.switchFeed(ctx, ev.ID)

	default:
		r.logger.Debug("ignoring unknown audio notification", "type", fmt.Sprintf("%T", n))
	}
}

// observe re-reads a resource after a volume notification. Echoes of our own
// writes compare equal and produce nothing.
func (r *Registry) observe(res *audio.Resource) {
	v, changed, err := res.Observe()
	if err != nil {
		if errors.Is(err, audio.ErrResourceGone) {
			if res.Identity().Kind == audio.KindDevice {
				r.removeDevice(res.Identity().Key)
			} else {
				r.removeSession(res.Handle())
			}
		}
		return
	}
	if changed {
		r.notify(volumeObserved{res: res, vol: v})
	}
}

// live returns the live resources of id in stable order.
func (r *Registry) live(id audio.Identity) []*audio.Resource {
	var out []*audio.Resource
	switch id.Kind {
	case audio.KindSession:
		for _, h := range r.sessionOrder {
			if res := r.sessions[h]; res.Identity() == id && !res.Gone() {
				out = append(out, res)
			}
		}
	case audio.KindDevice:
		if res, ok := r.devices[id.Key]; ok && !res.Gone() {
			out = append(out, res)
		}
	}
	return out
}

// identities lists the distinct identities of kind that have at least one
// live resource, in order of first appearance.
func (r *Registry) identities(kind audio.Kind) []audio.Identity {
	var out []audio.Identity
	switch kind {
	case audio.KindSession:
		for _, h := range r.sessionOrder {
			res := r.sessions[h]
			if res.Gone() {
				continue
			}
			if id := res.Identity(); !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	case audio.KindDevice:
		for _, id := range r.deviceOrder {
			out = append(out, audio.DeviceIdentity(id))
		}
	}
	return out
}

// deviceIDs returns the active devices in stable order.
func (r *Registry) deviceIDs() []string { return slices.Clone(r.deviceOrder) }

// dispose releases every handle. Used on shutdown.
func (r *Registry) dispose() {
	for _, res := range r.sessions {
		_ = res.Dispose()
	}
	for _, res := range r.devices {
		_ = res.Dispose()
	}
	clear(r.sessions)
	clear(r.devices)
	r.sessionOrder = nil
	r.deviceOrder = nil
}
