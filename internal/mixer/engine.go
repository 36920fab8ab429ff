// Package mixer is the reconciliation engine that keeps a grid of buttons
// bound to the live audio resources of the host.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"deckmixer/internal/audio"
	"deckmixer/internal/settings"
)

// ============================================================================
// Engine - single owner of slots, registry, selection and the bind queue
// ============================================================================
//
// Design rules enforced here:
//   - Everything below runs on the goroutine that called Run. Hosts, OS
//     notifications and timers reach it only through channels.
//   - One input is handled at a time. Its follow-up work (registry notices,
//     slot binds) is queued and drained by flush before the next input.
//   - bind never calls bind. Evicting or rebinding another slot enqueues it.
//   - Faces are computed once per flush and emitted only when they change.
//
// ============================================================================

// ErrCapacityShortage is logged when there are not enough slots to place
// inline controls.
var ErrCapacityShortage = errors.New("not enough slots available to place inline controls")

// Output receives everything the engine wants the outside world to see.
// Calls are made on the engine goroutine and must not block.
type Output interface {
	Render(Face)
	SaveSlot(id SlotID, s settings.Slot)
	SaveGlobal(g settings.Global)
	SelectionChanged(id SlotID)
}

// Options configures an Engine.
type Options struct {
	Backend audio.Backend
	Output  Output
	Logger  *slog.Logger
	Global  settings.Global

	// Now and AfterFunc default to the time package.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Stopper
}

// Stopper is the part of *time.Timer the engine uses.
type Stopper interface {
	Stop() bool
}

type Engine struct {
	backend   audio.Backend
	out       Output
	logger    *slog.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func()) Stopper

	ctx    context.Context
	global settings.Global
	reg    *Registry

	slots map[SlotID]*Slot

	// Work queues drained by flush.
	notices []notice
	queue   []SlotID
	queued  map[SlotID]bool
	orphans []SlotID

	selected SlotID
	selGen   int
	selTimer Stopper
	internal chan Event
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	afterFunc := opts.AfterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
	}
	global := opts.Global
	if global.Version == 0 {
		global = settings.DefaultGlobal()
	}

	e := &Engine{
		backend:   opts.Backend,
		out:       opts.Output,
		logger:    logger,
		now:       now,
		afterFunc: afterFunc,
		ctx:       context.Background(),
		global:    global.Clone(),
		slots:     make(map[SlotID]*Slot),
		queued:    make(map[SlotID]bool),
		internal:  make(chan Event, 8),
	}
	e.reg = newRegistry(opts.Backend, logger, e.enqueueNotice)
	return e
}

// Run subscribes to the OS, loads the initial resource set and processes
// events until ctx is canceled or events is closed.
func (e *Engine) Run(ctx context.Context, events <-chan Event) error {
	notes, err := e.start(ctx)
	if err != nil {
		return err
	}
	defer e.stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("mixer stopping (context canceled)")
			return nil

		case n, ok := <-notes:
			if !ok {
				e.logger.Warn("audio notification feed closed; live updates stopped")
				notes = nil
				continue
			}
			e.onNotification(n)
			e.flush()

		case ev, ok := <-events:
			if !ok {
				e.logger.Info("mixer stopping (events channel closed)")
				return nil
			}
			e.handle(ev)
			e.flush()

		case ev := <-e.internal:
			e.handle(ev)
			e.flush()
		}
	}
}

// start subscribes before loading so nothing that happens during the load
// is missed. Duplicates are ignored by the registry.
func (e *Engine) start(ctx context.Context) (<-chan audio.Notification, error) {
	e.ctx = ctx
	notes, err := e.backend.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe to audio notifications: %w", err)
	}
	if err := e.reg.load(ctx); err != nil {
		return nil, fmt.Errorf("load audio resources: %w", err)
	}
	e.reloadAll()
	e.flush()
	return notes, nil
}

func (e *Engine) stop() {
	e.stopSelectionTimer()
	for _, s := range e.slots {
		e.stopHoldTimer(s)
	}
	e.reg.dispose()
}

func (e *Engine) onNotification(n audio.Notification) {
	e.reg.handle(e.ctx, n)
}

// ----------------------------------------------------------------------------
// Queues
// ----------------------------------------------------------------------------

func (e *Engine) enqueueNotice(n notice) {
	e.notices = append(e.notices, n)
}

// enqueue schedules a slot bind. A slot already waiting is not queued twice.
func (e *Engine) enqueue(id SlotID) {
	if e.queued[id] {
		return
	}
	e.queued[id] = true
	e.queue = append(e.queue, id)
}

// flush drains notices and binds until both queues are empty, then clears
// identities left without live resources and drains again. Faces are
// emitted once everything has settled.
func (e *Engine) flush() {
	for {
		if len(e.notices) > 0 {
			n := e.notices[0]
			e.notices = e.notices[1:]
			e.onNotice(n)
			continue
		}
		if len(e.queue) > 0 {
			id := e.queue[0]
			e.queue = e.queue[1:]
			delete(e.queued, id)
			if s, ok := e.slots[id]; ok {
				e.bind(s)
			}
			continue
		}
		if e.sweep() {
			continue
		}
		break
	}
	e.renderAll()
}

// sweep unbinds dynamic slots whose identity still has no live resource
// after the drain, and queues them for a fresh scan.
func (e *Engine) sweep() bool {
	if len(e.orphans) == 0 {
		return false
	}
	orphans := e.orphans
	e.orphans = nil
	requeued := false
	for _, id := range orphans {
		s, ok := e.slots[id]
		if !ok || s.bound.IsZero() || s.pinned() {
			continue
		}
		if len(e.reg.live(s.bound)) > 0 {
			continue
		}
		e.logger.Debug("releasing identity without live resources", "slot", s.id, "identity", s.bound.String())
		s.release()
		e.enqueue(s.id)
		requeued = true
	}
	return requeued
}

// ----------------------------------------------------------------------------
// Event dispatch
// ----------------------------------------------------------------------------

func (e *Engine) handle(ev Event) {
	at := e.now()
	if te, ok := ev.(TimedEvent); ok {
		ev = te.Event
		if !te.At.IsZero() {
			at = te.At
		}
	}

	switch ev := ev.(type) {
	case SlotAppeared:
		e.slotAppeared(ev)
	case SlotDisappeared:
		e.slotDisappeared(ev.ID)
	case SlotSettingsReceived:
		e.slotSettings(ev.ID, ev.Settings)
	case GlobalSettingsReceived:
		e.globalSettings(ev.Settings)
	case KeyDown:
		e.keyDown(ev.ID, at)
	case KeyUp:
		e.keyUp(ev.ID, at)
	case holdElapsed:
		e.holdElapsed(ev)
	case KeyPress:
		if s, ok := e.slots[ev.ID]; ok {
			e.press(s, ev.Hold)
		} else {
			e.logger.Warn("press on unknown slot", "slot", ev.ID)
		}
	case SelectRequested:
		e.selectSlot(ev.ID)
	case ReloadRequested:
		e.reloadAll()
	case RequestSnapshot:
		e.replySnapshot(ev.Reply)
	case selectionTimeout:
		if ev.gen == e.selGen && e.selected != "" {
			e.logger.Debug("selection timed out", "slot", e.selected)
			e.setSelection("")
		}
	case TimedEvent:
		e.handle(ev)
	default:
		e.logger.Warn("unknown event type", "type", fmt.Sprintf("%T", ev))
	}
}

// onNotice applies one registry change to the slots.
func (e *Engine) onNotice(n notice) {
	switch n := n.(type) {
	case resourceAdded:
		if n.res.Identity().Kind != audio.KindSession {
			return
		}
		for _, s := range e.familySlots(familyApps) {
			switch {
			case s.bound == n.res.Identity():
				if !s.holds(n.res) {
					joining := len(s.resources) > 0 && s.volKnown
					s.resources = append(s.resources, n.res)
					// A new sibling takes the slot's value. A first resource
					// after an orphan pass keeps its own.
					if joining {
						if _, _, err := n.res.Apply(s.vol); err != nil {
							e.resourceFailed(s, n.res, err)
						}
					}
				}
				e.refreshMirror(s)
				e.rememberPinMeta(s)
			case s.bound.IsZero():
				e.enqueue(s.id)
			}
		}

	case resourceRemoved:
		for _, s := range e.slots {
			if s.detach(n.res) && len(s.resources) == 0 {
				e.enqueue(s.id)
			}
		}

	case volumeObserved:
		e.mirror(n.res, n.vol)

	case devicesChanged:
		e.reload(familyDevices)

	case defaultDeviceChanged:
		e.logger.Info("default output device changed", "previous", n.previous, "current", n.current)
		e.reloadAll()

	default:
		e.logger.Warn("unknown notice", "notice", n.String())
	}
}

// mirror propagates the authoritative value of res to every sibling of the
// slot holding it. Siblings already at v are not written.
func (e *Engine) mirror(res *audio.Resource, v audio.Volume) {
	for _, s := range e.slots {
		if !s.holds(res) {
			continue
		}
		s.vol, s.volKnown = v, true
		for _, sib := range slices.Clone(s.resources) {
			if sib == res {
				continue
			}
			if _, _, err := sib.Apply(v); err != nil {
				e.resourceFailed(s, sib, err)
			}
		}
	}
}

// refreshMirror reloads a slot's volume mirror from its first resource.
func (e *Engine) refreshMirror(s *Slot) {
	if len(s.resources) == 0 {
		return
	}
	first := s.resources[0]
	v, ok := first.Last()
	if !ok {
		var err error
		if v, err = first.Volume(); err != nil {
			e.resourceFailed(s, first, err)
			return
		}
	}
	s.vol, s.volKnown = v, true
	s.meta = first.Meta()
}

// resourceFailed applies the error policy for one resource: a vanished
// resource triggers reconciliation of its slot, anything else is logged.
func (e *Engine) resourceFailed(s *Slot, res *audio.Resource, err error) {
	switch {
	case errors.Is(err, audio.ErrResourceGone):
		e.logger.Debug("resource gone mid-operation", "slot", s.id, "resource", res.String())
		s.detach(res)
		e.enqueue(s.id)
	case errors.Is(err, audio.ErrPrivilegeRequired):
		e.logger.Warn("access to audio resource denied", "slot", s.id, "resource", res.String())
	default:
		e.logger.Warn("audio resource operation failed", "slot", s.id, "resource", res.String(), "error", err)
	}
}

// ----------------------------------------------------------------------------
// Slot lookup
// ----------------------------------------------------------------------------

// ordered returns all slots in coordinate order.
func (e *Engine) ordered() []*Slot {
	out := make([]*Slot, 0, len(e.slots))
	for _, s := range e.slots {
		out = append(out, s)
	}
	slices.SortFunc(out, compareSlots)
	return out
}

func (e *Engine) familySlots(f family) []*Slot {
	var out []*Slot
	for _, s := range e.ordered() {
		if s.family() == f {
			out = append(out, s)
		}
	}
	return out
}

// ----------------------------------------------------------------------------
// Snapshot
// ----------------------------------------------------------------------------

func (e *Engine) snapshot() Snapshot {
	snap := Snapshot{
		Selected:      e.selected,
		DefaultDevice: e.reg.Feed(),
		Global:        e.global.Clone(),
	}
	for _, s := range e.ordered() {
		snap.Faces = append(snap.Faces, e.faceOf(s))
	}
	return snap
}

func (e *Engine) replySnapshot(reply chan Snapshot) {
	if reply == nil {
		e.logger.Warn("snapshot requested with nil reply channel")
		return
	}
	select {
	case reply <- e.snapshot():
	default:
		e.logger.Warn("snapshot reply channel not ready; dropping snapshot")
	}
}
