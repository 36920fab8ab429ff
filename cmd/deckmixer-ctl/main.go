package main

import (
	"flag"
	"fmt"
	"os"

	"deckmixer/internal/ipc"
	"deckmixer/internal/mixer"
)

// ============================================================================
// deckmixer-ctl - Command-line IPC Client
// ============================================================================
// Sends one event to a running deckmixer daemon over its control socket.
//
// Usage:
//   deckmixer-ctl press launchpad:0,3
//   deckmixer-ctl hold launchpad:0,3
//   deckmixer-ctl select launchpad:0,3
//   deckmixer-ctl select            (clears the selection)
//   deckmixer-ctl reload
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/deckmixer.sock)
// ============================================================================

const defaultSocketPath = "/tmp/deckmixer.sock"

func main() {
	socketPath := flag.String("socket", defaultSocketPath, "Unix domain socket path")
	flag.Usage = printUsage
	flag.Parse()

	ev, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if ev == nil {
		printUsage()
		return
	}

	if err := ipc.Send(*socketPath, ev); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

// parseCommand maps command-line arguments to an engine event. A nil event
// with no error means help was asked for.
func parseCommand(args []string) (mixer.Event, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing command")
	}

	slot := func() (mixer.SlotID, error) {
		if len(args) < 2 || args[1] == "" {
			return "", fmt.Errorf("%s requires a slot id", args[0])
		}
		return mixer.SlotID(args[1]), nil
	}

	switch args[0] {
	case "press":
		id, err := slot()
		if err != nil {
			return nil, err
		}
		return mixer.KeyPress{ID: id}, nil

	case "hold":
		id, err := slot()
		if err != nil {
			return nil, err
		}
		return mixer.KeyPress{ID: id, Hold: true}, nil

	case "key-down", "down":
		id, err := slot()
		if err != nil {
			return nil, err
		}
		return mixer.KeyDown{ID: id}, nil

	case "key-up", "up":
		id, err := slot()
		if err != nil {
			return nil, err
		}
		return mixer.KeyUp{ID: id}, nil

	case "select":
		var id mixer.SlotID
		if len(args) > 1 {
			id = mixer.SlotID(args[1])
		}
		return mixer.SelectRequested{ID: id}, nil

	case "reload":
		return mixer.ReloadRequested{}, nil

	case "help", "-h", "--help":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `deckmixer-ctl - send events to the deckmixer daemon

Usage: deckmixer-ctl [-socket PATH] COMMAND [SLOT]

Commands:
  press SLOT       Short press on a slot
  hold SLOT        Long press on a slot
  key-down SLOT    Raw key down (pair with key-up)
  key-up SLOT      Raw key up
  select [SLOT]    Select a slot, or clear the selection
  reload           Re-read settings and rebuild the mixer
  help             Show this help

Slot ids look like launchpad:0,3 or keypad:1,0.

Options:
  -socket PATH     Unix domain socket path (default: %s)
`, defaultSocketPath)
}
