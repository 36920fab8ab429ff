package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"deckmixer/internal/mixer"
)

func TestUnmarshalEvent(t *testing.T) {
	cases := []struct {
		in   string
		want mixer.Event
	}{
		{`{"type":"press","data":{"id":"launchpad:0,1"}}`, mixer.KeyPress{ID: "launchpad:0,1"}},
		{`{"type":"hold","data":{"id":"launchpad:0,1"}}`, mixer.KeyPress{ID: "launchpad:0,1", Hold: true}},
		{`{"type":"key_down","data":{"id":"k"}}`, mixer.KeyDown{ID: "k"}},
		{`{"type":"key_up","data":{"id":"k"}}`, mixer.KeyUp{ID: "k"}},
		{`{"type":"select","data":{"id":"k"}}`, mixer.SelectRequested{ID: "k"}},
		{`{"type":"select"}`, mixer.SelectRequested{}},
		{`{"type":"reload"}`, mixer.ReloadRequested{}},
	}
	for _, tc := range cases {
		got, err := UnmarshalEvent([]byte(tc.in))
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %#v, want %#v", tc.in, got, tc.want)
		}
	}

	bad := []string{
		`not json`,
		`{}`,
		`{"type":"launch"}`,
		`{"type":"press"}`,
		`{"type":"press","data":{}}`,
		`{"type":"hold","data":[1]}`,
	}
	for _, in := range bad {
		if _, err := UnmarshalEvent([]byte(in)); err == nil {
			t.Fatalf("%s: expected error", in)
		}
	}
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(mixer.KeyPress{ID: "ws:1", Hold: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"type":"hold","data":{"id":"ws:1"}}` {
		t.Fatalf("got %s", data)
	}

	data, err = MarshalEvent(mixer.ReloadRequested{})
	if err != nil {
		t.Fatalf("marshal reload: %v", err)
	}
	if string(data) != `{"type":"reload"}` {
		t.Fatalf("got %s", data)
	}

	if _, err := MarshalEvent(mixer.RequestSnapshot{}); err == nil {
		t.Fatalf("expected error for an event clients cannot send")
	}
}

// shortSocketPath keeps the path under the unix socket length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dmx")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "ipc.sock")
}

func startServer(t *testing.T, events chan mixer.Event) (string, func()) {
	t.Helper()
	path := shortSocketPath(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, path, events, slog.Default()) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return path, func() {
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	}
}

func TestServeAndSend(t *testing.T) {
	events := make(chan mixer.Event, 4)
	path, stop := startServer(t, events)

	if err := Send(path, mixer.KeyPress{ID: "keypad:1,1"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case ev := <-events:
		if ev != (mixer.KeyPress{ID: "keypad:1,1"}) {
			t.Fatalf("got %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event never delivered")
	}

	stop()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket file should be removed on shutdown, stat err=%v", err)
	}
}

func TestServe_RepliesPerLine(t *testing.T) {
	events := make(chan mixer.Event, 1)
	path, stop := startServer(t, events)
	defer stop()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	read := func() Response {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var resp Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		return resp
	}

	lines := strings.Join([]string{
		`{"type":"reload"}`,
		`garbage`,
		`{"type":"reload"}`, // queue holds one event
	}, "\n") + "\n"
	if _, err := conn.Write([]byte(lines)); err != nil {
		t.Fatalf("write: %v", err)
	}

	if resp := read(); resp.Status != "ok" {
		t.Fatalf("first: %+v", resp)
	}
	if resp := read(); resp.Status != "error" || !strings.Contains(resp.Error, "parse event") {
		t.Fatalf("second: %+v", resp)
	}
	if resp := read(); resp.Status != "error" || resp.Error != "event queue full" {
		t.Fatalf("third: %+v", resp)
	}
}

func TestSend_NoDaemon(t *testing.T) {
	if err := Send(filepath.Join(t.TempDir(), "missing.sock"), mixer.ReloadRequested{}); err == nil {
		t.Fatalf("expected connect error")
	}
}
