// Package tui implements the launcher's live monitor, fed by the API's
// /healthz and /events endpoints.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mqtt-launcher/internal/events"
)

const (
	maxRuns       = 200
	maxEventLog   = 50
	healthEvery   = 5 * time.Second
	reconnectWait = 3 * time.Second
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// --- Types ---

// RunRow is one dispatch as seen through the event stream.
type RunRow struct {
	ID         string
	Topic      string
	Argv       []string
	Match      string
	Status     string
	ExitCode   int
	StartTime  time.Time
	DurationMS int64
}

type Model struct {
	apiURL string
	apiKey string
	ctx    context.Context

	width  int
	height int

	runs      map[string]*RunRow
	order     []string // newest first
	rejected  map[string]int
	eventLog  []events.Event
	lastID    int64
	hubEvents chan events.Event

	health    healthMsg
	connected bool
	lastError string

	runTable table.Model
	spinner  spinner.Model
}

// NewMonitor creates the monitor model for the API at apiURL.
func NewMonitor(ctx context.Context, apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Topic", Width: 24},
			{Title: "Command", Width: 32},
			{Title: "Run", Width: 8},
			{Title: "Duration", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	return &Model{
		apiURL:    strings.TrimRight(apiURL, "/"),
		apiKey:    apiKey,
		ctx:       ctx,
		runs:      make(map[string]*RunRow),
		rejected:  make(map[string]int),
		hubEvents: make(chan events.Event, 100),
		runTable:  t,
		spinner:   sp,
	}
}

// --- Init ---

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchHealth(m.apiURL),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetWidth(m.width - 6)
		m.runTable.SetHeight(max(m.height/2-4, 3))

	case eventMsg:
		m.Apply(events.Event(msg))
		m.updateTable()
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = msg
		m.connected = msg.MQTTConnected
		m.lastError = ""
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return healthTickMsg{} })

	case healthTickMsg:
		return m, fetchHealth(m.apiURL)

	case sseDisconnectedMsg:
		return m, tea.Tick(reconnectWait, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.apiURL, m.apiKey, m.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg { return healthTickMsg{} })

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		m.updateTable()
		return m, cmd
	}

	m.runTable, cmd = m.runTable.Update(msg)
	return m, cmd
}

// Apply folds one hub event into the model.
func (m *Model) Apply(e events.Event) {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	var data struct {
		RunID      string   `json:"run_id"`
		Topic      string   `json:"topic"`
		Argv       []string `json:"argv"`
		Match      string   `json:"match"`
		Status     string   `json:"status"`
		ExitCode   int      `json:"exit_code"`
		DurationMS int64    `json:"duration_ms"`
		Reason     string   `json:"reason"`
	}
	_ = json.Unmarshal(e.Data, &data)

	switch e.Type {
	case events.DispatchStarted:
		if data.RunID == "" {
			return
		}
		row := m.run(data.RunID)
		row.Topic = data.Topic
		row.Argv = data.Argv
		row.Match = data.Match
		row.Status = "running"
		row.StartTime = e.At

	case events.DispatchCompleted:
		if data.RunID == "" {
			return
		}
		row := m.run(data.RunID)
		if row.Topic == "" {
			row.Topic = data.Topic
		}
		row.Status = data.Status
		row.ExitCode = data.ExitCode
		row.DurationMS = data.DurationMS

	case events.DispatchRejected:
		m.rejected[data.Reason]++

	case events.MQTTConnected:
		m.connected = true

	case events.MQTTDisconnected:
		m.connected = false
	}
}

func (m *Model) run(id string) *RunRow {
	if row, ok := m.runs[id]; ok {
		return row
	}
	row := &RunRow{ID: id}
	m.runs[id] = row
	m.order = append([]string{id}, m.order...)
	if len(m.order) > maxRuns {
		for _, old := range m.order[maxRuns:] {
			delete(m.runs, old)
		}
		m.order = m.order[:maxRuns]
	}
	return row
}

// Runs returns the tracked runs, newest first.
func (m *Model) Runs() []RunRow {
	out := make([]RunRow, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.runs[id])
	}
	return out
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		rows = append(rows, m.rowFor(m.runs[id]))
	}
	m.runTable.SetRows(rows)
}

func (m *Model) rowFor(r *RunRow) table.Row {
	statusSym := "○"
	switch r.Status {
	case "running":
		statusSym = m.spinner.View()
	case "succeeded":
		statusSym = statusOK.Render("●")
	case "failed":
		statusSym = statusFailed.Render("∅")
	case "timed_out":
		statusSym = statusFailed.Render("◑")
	}

	duration := "-"
	switch {
	case r.Status != "running" && r.Status != "":
		duration = (time.Duration(r.DurationMS) * time.Millisecond).String()
	case !r.StartTime.IsZero():
		duration = time.Since(r.StartTime).Round(time.Second).String()
	}

	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return table.Row{statusSym, r.Topic, strings.Join(r.Argv, " "), id, duration}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	runs := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Dispatches"),
			m.runTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	footer := " [q] Quit • [↑/↓] Scroll"
	if m.lastError != "" {
		footer += " • " + statusFailed.Render(m.lastError)
	}

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			runs,
			eventsView,
			dimStyle.Render(footer),
		),
	)
}

func (m Model) renderHeader() string {
	broker := statusOK.Render("CONNECTED")
	if !m.connected {
		broker = statusFailed.Render("DISCONNECTED")
	}

	rejected := 0
	for _, n := range m.rejected {
		rejected += n
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Broker: %s", broker),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Topics: %d", m.health.Topics),
		fmt.Sprintf("Queue: %d", m.health.QueueDepth),
		fmt.Sprintf("Rejected: %d", rejected),
	}

	cols := make([]string, len(items))
	w := (m.width - 4) / len(items)
	for i, it := range items {
		cols[i] = lipgloss.NewStyle().Width(w).Render(it)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-18s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}
