package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// ============================================================================
// deckmixer-watch - live view of the mixer grid
// ============================================================================
// Connects to the daemon's state websocket and draws every slot face in a
// grid laid out by coordinate. Press q to quit.
// ============================================================================

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:3020/ws/state", "deckmixer state websocket URL")
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid websocket URL: %v\n", err)
		os.Exit(1)
	}

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to %s: %v\n", u, err)
		os.Exit(1)
	}
	defer conn.Close()

	updates := make(chan tea.Msg, 64)
	go readFrames(conn, updates)

	p := tea.NewProgram(NewModel(u.String(), updates), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Clean close. WriteControl is safe alongside the reader.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readFrames decodes server frames into model messages until the connection
// drops. Server pings are answered by the default ping handler.
func readFrames(conn *websocket.Conn, out chan<- tea.Msg) {
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			out <- disconnectedMsg{err: err}
			return
		}
		msg, err := decodeFrame(b)
		if err != nil {
			out <- frameErrMsg{err: err}
			continue
		}
		if msg != nil {
			out <- msg
		}
	}
}
