// Package ipc is the daemon's local control socket.
//
// Protocol: line-delimited JSON over a unix domain socket.
//   - Client sends: {"type": "press", "data": {"id": "launchpad:0,3"}}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"deckmixer/internal/mixer"
)

// Envelope wraps an event with a type discriminator.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is sent back for every line received.
type Response struct {
	Status string `json:"status"`          // "ok" or "error"
	Error  string `json:"error,omitempty"` // set when Status == "error"
}

type slotRef struct {
	ID mixer.SlotID `json:"id"`
}

// ============================================================================
// Codec
// ============================================================================

// UnmarshalEvent decodes an envelope into an engine event.
func UnmarshalEvent(data []byte) (mixer.Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "reload":
		return mixer.ReloadRequested{}, nil

	case "select":
		// An empty or missing id clears the selection.
		var ref slotRef
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &ref); err != nil {
				return nil, fmt.Errorf("unmarshal select: %w", err)
			}
		}
		return mixer.SelectRequested{ID: ref.ID}, nil

	case "key_down", "key_up", "press", "hold":
		var ref slotRef
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
		}
		if ref.ID == "" {
			return nil, fmt.Errorf("%s: missing slot id", env.Type)
		}
		switch env.Type {
		case "key_down":
			return mixer.KeyDown{ID: ref.ID}, nil
		case "key_up":
			return mixer.KeyUp{ID: ref.ID}, nil
		case "press":
			return mixer.KeyPress{ID: ref.ID}, nil
		default:
			return mixer.KeyPress{ID: ref.ID, Hold: true}, nil
		}

	case "":
		return nil, errors.New("missing event type")
	}
	return nil, fmt.Errorf("unknown event type: %s", env.Type)
}

// MarshalEvent encodes the events a client may send.
func MarshalEvent(ev mixer.Event) ([]byte, error) {
	var env Envelope
	var ref *slotRef

	switch e := ev.(type) {
	case mixer.KeyDown:
		env.Type, ref = "key_down", &slotRef{ID: e.ID}
	case mixer.KeyUp:
		env.Type, ref = "key_up", &slotRef{ID: e.ID}
	case mixer.KeyPress:
		env.Type, ref = "press", &slotRef{ID: e.ID}
		if e.Hold {
			env.Type = "hold"
		}
	case mixer.SelectRequested:
		env.Type, ref = "select", &slotRef{ID: e.ID}
	case mixer.ReloadRequested:
		env.Type = "reload"
	default:
		return nil, fmt.Errorf("unsupported event type: %T", ev)
	}

	if ref != nil {
		data, err := json.Marshal(ref)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", env.Type, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// ============================================================================
// Server
// ============================================================================

// Serve listens on socketPath and forwards decoded events until ctx is
// canceled. A stale socket file is replaced.
func Serve(ctx context.Context, socketPath string, events chan<- mixer.Event, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Unblocks Accept on shutdown.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}
		go handleConn(conn, events, logger)
	}
}

func handleConn(conn net.Conn, events chan<- mixer.Event, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	reply := func(resp Response) {
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
		}
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		ev, err := UnmarshalEvent(line)
		if err != nil {
			reply(Response{Status: "error", Error: fmt.Sprintf("parse event: %v", err)})
			continue
		}

		select {
		case events <- ev:
			reply(Response{Status: "ok"})
		default:
			reply(Response{Status: "error", Error: "event queue full"})
		}
	}

	logger.Debug("IPC connection closed")
}

// ============================================================================
// Client
// ============================================================================

// Send delivers one event to the daemon and waits for its response.
func Send(socketPath string, ev mixer.Event) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	data, err := MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(string(data))); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("daemon error: %s", resp.Error)
	}
	return nil
}
