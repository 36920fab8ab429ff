package main

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"deckmixer/internal/mixer"
)

// ============================================================================
// Messages
// ============================================================================

type snapshotMsg mixer.Snapshot

type faceMsg mixer.Face

type selectionMsg struct {
	Selected mixer.SlotID `json:"selected"`
}

type disconnectedMsg struct{ err error }

type frameErrMsg struct{ err error }

// decodeFrame turns one state websocket frame into a model message. Unknown
// types return nil.
func decodeFrame(b []byte) (tea.Msg, error) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "state_init":
		var snap mixer.Snapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal state_init: %w", err)
		}
		return snapshotMsg(snap), nil
	case "face_changed":
		var f mixer.Face
		if err := json.Unmarshal(env.Data, &f); err != nil {
			return nil, fmt.Errorf("unmarshal face_changed: %w", err)
		}
		return faceMsg(f), nil
	case "selection_changed":
		var s selectionMsg
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return nil, fmt.Errorf("unmarshal selection_changed: %w", err)
		}
		return s, nil
	default:
		return nil, nil
	}
}

// ============================================================================
// Model
// ============================================================================

type Model struct {
	url     string
	updates <-chan tea.Msg

	faces         map[mixer.SlotID]mixer.Face
	selected      mixer.SlotID
	defaultDevice string

	status   string
	quitting bool
}

func NewModel(url string, updates <-chan tea.Msg) Model {
	return Model{
		url:     url,
		updates: updates,
		faces:   map[mixer.SlotID]mixer.Face{},
		status:  "waiting for state",
	}
}

func listenForUpdates(updates <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-updates
	}
}

func (m Model) Init() tea.Cmd {
	return listenForUpdates(m.updates)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case snapshotMsg:
		m.faces = make(map[mixer.SlotID]mixer.Face, len(msg.Faces))
		for _, f := range msg.Faces {
			m.faces[f.Slot] = f
		}
		m.selected = msg.Selected
		m.defaultDevice = msg.DefaultDevice
		m.status = "connected"

	case faceMsg:
		m.faces[msg.Slot] = mixer.Face(msg)

	case selectionMsg:
		m.selected = msg.Selected

	case frameErrMsg:
		m.status = "bad frame: " + msg.err.Error()

	case disconnectedMsg:
		// Nothing more will arrive.
		m.status = "disconnected: " + msg.err.Error()
		return m, nil
	}

	return m, listenForUpdates(m.updates)
}

// ============================================================================
// View
// ============================================================================

const cellWidth = 14

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	cellStyle     = lipgloss.NewStyle().Width(cellWidth).Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	selectedStyle = cellStyle.BorderForeground(lipgloss.Color("212"))
	activeStyle   = cellStyle.BorderForeground(lipgloss.Color("42"))
	emptyStyle    = cellStyle.Foreground(lipgloss.Color("236")).BorderForeground(lipgloss.Color("236"))
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var out strings.Builder
	out.WriteString(headerStyle.Render("deckmixer  " + m.url))
	out.WriteString("\n")
	out.WriteString(dimStyle.Render(fmt.Sprintf("%s  selected:%s  default:%s", m.status, orDash(string(m.selected)), orDash(m.defaultDevice))))
	out.WriteString("\n\n")
	out.WriteString(m.grid())
	out.WriteString("\n")
	out.WriteString(dimStyle.Render("q:quit"))
	return out.String()
}

// grid lays faces out by coordinate. Faces from different hosts can share a
// coordinate; they are stacked in slot id order within the cell.
func (m Model) grid() string {
	if len(m.faces) == 0 {
		return dimStyle.Render("no buttons")
	}

	byCoord := map[mixer.Coord][]mixer.Face{}
	rows, cols := 0, 0
	for _, f := range m.faces {
		byCoord[f.Coord] = append(byCoord[f.Coord], f)
		rows = max(rows, f.Coord.Row+1)
		cols = max(cols, f.Coord.Col+1)
	}

	var lines []string
	for r := 0; r < rows; r++ {
		var cells []string
		for c := 0; c < cols; c++ {
			faces := byCoord[mixer.Coord{Row: r, Col: c}]
			if len(faces) == 0 {
				cells = append(cells, emptyStyle.Render("·"))
				continue
			}
			sort.Slice(faces, func(i, j int) bool { return faces[i].Slot < faces[j].Slot })
			var stack []string
			for _, f := range faces {
				stack = append(stack, m.cell(f))
			}
			cells = append(cells, lipgloss.JoinVertical(lipgloss.Left, stack...))
		}
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, cells...))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) cell(f mixer.Face) string {
	style := cellStyle
	switch {
	case f.Slot == m.selected || f.Selected:
		style = selectedStyle
	case f.Active:
		style = activeStyle
	}
	if f.Degraded {
		style = style.Faint(true).Italic(true)
	}

	title := f.Title
	if title == "" {
		title = string(f.Action)
	}

	level := fmt.Sprintf("%3d%%", int(math.Round(f.Volume*100)))
	if f.Muted {
		level = "muted"
	}

	return style.Render(truncate(title, cellWidth) + "\n" + level + "\n" + dimStyle.Render(f.Mode.String()))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
