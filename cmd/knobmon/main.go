// knobmon is a terminal monitor for a running knobd daemon. It connects to
// the daemon's state WebSocket and renders direction, velocity and step
// count live.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#555"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#fff")).Bold(true)
	gaugeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5fafff"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5f5f"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888"))
)

// wire format of the daemon's state WebSocket
type stateEnvelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type stateData struct {
	Direction   string  `json:"direction"`
	Velocity    float64 `json:"velocity"`
	Steps       int64   `json:"steps"`
	Sensitivity string  `json:"sensitivity"`
}

type stateMsg struct {
	envType string
	data    stateData
}

type disconnectMsg struct{ err error }

type model struct {
	wsURL string

	events <-chan stateMsg
	closed <-chan error

	connected   bool
	direction   string
	velocity    float64
	steps       int64
	sensitivity string

	lastEventAt time.Time
	lastErr     error
	quitting    bool
}

func listenForState(events <-chan stateMsg, closed <-chan error) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg, ok := <-events:
			if !ok {
				return disconnectMsg{}
			}
			return msg
		case err := <-closed:
			return disconnectMsg{err: err}
		}
	}
}

func (m model) Init() tea.Cmd {
	return listenForState(m.events, m.closed)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case stateMsg:
		m.connected = true
		m.lastEventAt = time.Now()

		switch msg.envType {
		case "state_init", "direction":
			if msg.data.Direction != "" {
				m.direction = msg.data.Direction
			}
			m.velocity = msg.data.Velocity
			m.steps = msg.data.Steps
			if msg.data.Sensitivity != "" {
				m.sensitivity = msg.data.Sensitivity
			}
		case "velocity":
			m.velocity = msg.data.Velocity
		case "sensitivity_changed":
			m.sensitivity = msg.data.Sensitivity
		}

		return m, listenForState(m.events, m.closed)

	case disconnectMsg:
		m.connected = false
		m.lastErr = msg.err
		return m, tea.Quit
	}

	return m, nil
}

const gaugeWidth = 30

func renderGauge(velocity float64) string {
	if velocity < 0 {
		velocity = 0
	}
	if velocity > 1 {
		velocity = 1
	}
	filled := int(velocity*gaugeWidth + 0.5)

	bar := gaugeStyle.Render(strings.Repeat("█", filled)) +
		dimStyle.Render(strings.Repeat("░", gaugeWidth-filled))
	return fmt.Sprintf("[%s] %.2f", bar, velocity)
}

func directionGlyph(dir string) string {
	switch dir {
	case "clockwise":
		return "↻ clockwise"
	case "anticlockwise":
		return "↺ anticlockwise"
	default:
		return "· idle"
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(activeStyle.Render("knobmon"))
	b.WriteString(dimStyle.Render("  " + m.wsURL))
	b.WriteString("\n\n")

	conn := errStyle.Render("disconnected")
	if m.connected {
		conn = gaugeStyle.Render("connected")
	}
	b.WriteString(fmt.Sprintf("  %-12s %s\n", "status", conn))
	b.WriteString(fmt.Sprintf("  %-12s %s\n", "direction", activeStyle.Render(directionGlyph(m.direction))))
	b.WriteString(fmt.Sprintf("  %-12s %s\n", "velocity", renderGauge(m.velocity)))
	b.WriteString(fmt.Sprintf("  %-12s %s\n", "steps", activeStyle.Render(fmt.Sprintf("%d", m.steps))))

	sens := m.sensitivity
	if sens == "" {
		sens = "?"
	}
	b.WriteString(fmt.Sprintf("  %-12s %s\n", "sensitivity", statusStyle.Render(sens)))

	if !m.lastEventAt.IsZero() {
		b.WriteString(fmt.Sprintf("  %-12s %s\n", "last event",
			statusStyle.Render(m.lastEventAt.Format("15:04:05.000"))))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  q:quit"))
	b.WriteString("\n")

	return b.String()
}

// readStateWS pumps decoded state events from the WebSocket into events
// until the connection drops, then reports the error on closed.
func readStateWS(conn *websocket.Conn, events chan<- stateMsg, closed chan<- error) {
	defer close(events)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				closed <- err
			} else {
				closed <- nil
			}
			return
		}

		var env stateEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue // skip malformed frames
		}

		var data stateData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &data); err != nil {
				continue
			}
		}

		events <- stateMsg{envType: env.Type, data: data}
	}
}

func main() {
	wsURL := flag.String("ws", "ws://127.0.0.1:3501/ws", "knobd state WebSocket URL")
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid websocket URL: %v\n", err)
		os.Exit(1)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect to %s: %v\n", u.String(), err)
		os.Exit(1)
	}
	defer conn.Close()

	events := make(chan stateMsg, 64)
	closed := make(chan error, 1)
	go readStateWS(conn, events, closed)

	m := model{
		wsURL:  u.String(),
		events: events,
		closed: closed,
	}

	p := tea.NewProgram(m)
	final, err := p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Clean close so the daemon logs a normal disconnect.
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	if fm, ok := final.(model); ok && fm.lastErr != nil {
		fmt.Fprintf(os.Stderr, "connection lost: %v\n", fm.lastErr)
		os.Exit(1)
	}
}
