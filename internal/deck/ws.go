package deck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"deckmixer/internal/mixer"
	"deckmixer/internal/settings"
)

// ============================================================================
// Websocket deck host
// ============================================================================
//
// Remote button surfaces (a stream deck plugin, a browser page) connect over
// a websocket and speak a small JSON protocol:
//
//   in:  {"event": "willAppear", "context": "c1", "action": "application",
//         "coordinates": {"row": 0, "column": 2}, "payload": {"settings": {...}}}
//        keyDown, keyUp, willDisappear          (event + context)
//        didReceiveSettings                     (context + payload.settings)
//        didReceiveGlobalSettings               (payload.settings)
//
//   out: {"event": "render", "context": "c1", "payload": <face>}
//        {"event": "setSettings", "context": "c1", "payload": {"settings": {...}}}
//        {"event": "setGlobalSettings", "payload": {"settings": {...}}}
//
// Contexts are only unique per connection, so slot ids are "<conn>/<context>"
// with a random connection id. When a connection drops, all of its slots
// disappear.
//
// ============================================================================

const wsHost = "ws"

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 30 * time.Second
	wsPingPeriod = 20 * time.Second
)

type wsCoordinates struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

type wsInbound struct {
	Event       string          `json:"event"`
	Context     string          `json:"context,omitempty"`
	Action      string          `json:"action,omitempty"`
	Coordinates wsCoordinates   `json:"coordinates"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type wsOutbound struct {
	Event   string `json:"event"`
	Context string `json:"context,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type wsSettingsPayload struct {
	Settings json.RawMessage `json:"settings"`
}

// parseAction accepts a bare kind ("mute") or a reverse-DNS action id whose
// last element is the kind ("com.example.deckmixer.mute").
func parseAction(s string) (mixer.ActionKind, error) {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	return mixer.ParseActionKind(s)
}

func (m wsInbound) settings() (json.RawMessage, error) {
	if len(m.Payload) == 0 {
		return nil, nil
	}
	var p wsSettingsPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", m.Event, err)
	}
	return p.Settings, nil
}

// toEvent converts a message of connection connID into an engine event.
func (m wsInbound) toEvent(connID string, at time.Time) (mixer.Event, error) {
	if m.Event == "didReceiveGlobalSettings" {
		raw, err := m.settings()
		if err != nil {
			return nil, err
		}
		return mixer.GlobalSettingsReceived{Settings: raw}, nil
	}

	if m.Context == "" {
		return nil, fmt.Errorf("%s without context", m.Event)
	}
	id := mixer.SlotID(connID + "/" + m.Context)

	switch m.Event {
	case "willAppear":
		kind, err := parseAction(m.Action)
		if err != nil {
			return nil, err
		}
		raw, err := m.settings()
		if err != nil {
			return nil, err
		}
		return mixer.SlotAppeared{
			ID:       id,
			Coord:    mixer.Coord{Row: m.Coordinates.Row, Col: m.Coordinates.Column},
			Action:   kind,
			Settings: raw,
		}, nil

	case "willDisappear":
		return mixer.SlotDisappeared{ID: id}, nil

	case "keyDown":
		return mixer.TimedEvent{Event: mixer.KeyDown{ID: id}, At: at}, nil

	case "keyUp":
		return mixer.TimedEvent{Event: mixer.KeyUp{ID: id}, At: at}, nil

	case "didReceiveSettings":
		raw, err := m.settings()
		if err != nil {
			return nil, err
		}
		return mixer.SlotSettingsReceived{ID: id, Settings: raw}, nil
	}
	return nil, fmt.Errorf("unknown event %q", m.Event)
}

// ============================================================================
// WS
// ============================================================================

type WS struct {
	logger  *slog.Logger
	events  chan<- mixer.Event
	sendBuf int
	now     func() time.Time

	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	conns  map[string]*wsConn
	owners map[mixer.SlotID]*wsConn
}

type wsConn struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	slots      map[mixer.SlotID]struct{}
}

func NewWS(logger *slog.Logger, events chan<- mixer.Event) *WS {
	return &WS{
		logger:  logger,
		events:  events,
		sendBuf: 64,
		now:     time.Now,
		done:    make(chan struct{}),
		conns:   make(map[string]*wsConn),
		owners:  make(map[mixer.SlotID]*wsConn),
	}
}

func (d *WS) Name() string { return wsHost }

func (d *WS) Owns(id mixer.SlotID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.owners[id]
	return ok
}

// Run waits for shutdown and then disconnects every surface.
func (d *WS) Run(ctx context.Context) error {
	<-ctx.Done()
	d.doneOnce.Do(func() { close(d.done) })

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		_ = c.conn.Close()
	}
	return nil
}

func (d *WS) Render(f mixer.Face) {
	d.sendTo(f.Slot, "render", f)
}

func (d *WS) SaveSlot(id mixer.SlotID, s settings.Slot) {
	b, err := settings.EncodeSlot(s)
	if err != nil {
		d.logger.Warn("encode slot settings failed", "slot", id, "error", err)
		return
	}
	d.sendTo(id, "setSettings", wsSettingsPayload{Settings: b})
}

func (d *WS) SaveGlobal(g settings.Global) {
	b, err := settings.EncodeGlobal(g)
	if err != nil {
		d.logger.Warn("encode global settings failed", "error", err)
		return
	}
	msg, err := json.Marshal(wsOutbound{Event: "setGlobalSettings", Payload: wsSettingsPayload{Settings: b}})
	if err != nil {
		d.logger.Warn("ws deck marshal failed", "event", "setGlobalSettings", "error", err)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		d.enqueueLocked(c, msg)
	}
}

// sendTo queues a message for the connection owning slot id.
func (d *WS) sendTo(id mixer.SlotID, event string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.owners[id]
	if !ok {
		return
	}
	msg, err := json.Marshal(wsOutbound{
		Event:   event,
		Context: strings.TrimPrefix(string(id), c.id+"/"),
		Payload: payload,
	})
	if err != nil {
		d.logger.Warn("ws deck marshal failed", "event", event, "slot", id, "error", err)
		return
	}
	d.enqueueLocked(c, msg)
}

// enqueueLocked never blocks. A surface that cannot keep up is disconnected;
// its read loop then withdraws its slots.
func (d *WS) enqueueLocked(c *wsConn, msg []byte) {
	select {
	case c.send <- msg:
	default:
		d.logger.Warn("ws deck client too slow, disconnecting", "remote_addr", c.remoteAddr, "conn", c.id)
		_ = c.conn.Close()
	}
}

// ----------------------------------------------------------------------------
// Connection handling
// ----------------------------------------------------------------------------

var deckUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades a surface connection and serves it until it closes.
func (d *WS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := deckUpgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn("ws deck upgrade failed", "error", err)
		return
	}
	c := &wsConn{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, d.sendBuf),
		remoteAddr: r.RemoteAddr,
		slots:      make(map[mixer.SlotID]struct{}),
	}

	d.mu.Lock()
	d.conns[c.id] = c
	n := len(d.conns)
	d.mu.Unlock()
	d.logger.Info("ws deck connected", "remote_addr", c.remoteAddr, "conn", c.id, "surfaces", n)

	go c.writePump(d.logger)
	d.readLoop(c)
	d.drop(c)
}

func (d *WS) readLoop(c *wsConn) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				d.logger.Info("ws deck closed", "remote_addr", c.remoteAddr, "code", ce.Code, "reason", ce.Text)
			} else {
				d.logger.Info("ws deck read ended", "remote_addr", c.remoteAddr, "error", err)
			}
			return
		}

		var m wsInbound
		if err := json.Unmarshal(b, &m); err != nil {
			d.logger.Warn("ws deck sent invalid json", "remote_addr", c.remoteAddr, "error", err)
			continue
		}
		if m.Event == "willAppear" && m.Context == "" {
			m.Context = uuid.NewString()
		}
		ev, err := m.toEvent(c.id, d.now())
		if err != nil {
			d.logger.Warn("ws deck message rejected", "remote_addr", c.remoteAddr, "error", err)
			continue
		}
		d.track(c, ev)
		if !d.emit(ev) {
			return
		}
	}
}

// track records which slots a connection owns so renders can be routed and
// the slots withdrawn on disconnect.
func (d *WS) track(c *wsConn, ev mixer.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch ev := ev.(type) {
	case mixer.SlotAppeared:
		c.slots[ev.ID] = struct{}{}
		d.owners[ev.ID] = c
	case mixer.SlotDisappeared:
		delete(c.slots, ev.ID)
		delete(d.owners, ev.ID)
	}
}

// drop unregisters a closed connection and withdraws its slots.
func (d *WS) drop(c *wsConn) {
	d.mu.Lock()
	delete(d.conns, c.id)
	var gone []mixer.SlotID
	for id := range c.slots {
		delete(d.owners, id)
		gone = append(gone, id)
	}
	close(c.send)
	n := len(d.conns)
	d.mu.Unlock()

	_ = c.conn.Close()
	for _, id := range gone {
		if !d.emit(mixer.SlotDisappeared{ID: id}) {
			break
		}
	}
	d.logger.Info("ws deck disconnected", "remote_addr", c.remoteAddr, "conn", c.id, "slots", len(gone), "surfaces", n)
}

func (d *WS) emit(ev mixer.Event) bool {
	select {
	case d.events <- ev:
		return true
	case <-d.done:
		return false
	}
}

// writePump exits when send is closed or a write fails.
func (c *wsConn) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logger.Debug("ws deck write failed", "remote_addr", c.remoteAddr, "error", err)
				}
				_ = c.conn.Close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
