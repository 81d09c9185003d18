package watch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/outpost/internal/events"
)

const (
	maxEventLog       = 50
	healthInterval    = 5 * time.Second
	reconnectInterval = 3 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL       string
	token        string
	client       *http.Client
	healthClient *http.Client

	width  int
	height int

	status      HealthState
	commands    map[string]*CommandState
	telemetry   TelemetryState
	eventLog    []events.Event
	lastEventID int64

	ticker   Ticker
	activity Activity
	cmdTable table.Model
	theme    Theme

	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a watch model for the agent at apiURL. token may be empty
// when the agent runs without auth.
func New(apiURL, token string) *Model {
	return &Model{
		apiURL:       apiURL,
		token:        token,
		client:       &http.Client{},
		healthClient: &http.Client{Timeout: healthTimeout},
		commands:     make(map[string]*CommandState),
		eventLog:     make([]events.Event, 0),
		hubEvents:    make(chan events.Event, 100),
		ticker:       NewTicker(),
		cmdTable:     newCommandTable(),
		theme:        NewDefaultTheme(),
		now:          time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, m.apiURL, m.token, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.healthClient, m.apiURL, m.token) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.cmdTable, cmd = m.cmdTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.cmdTable.SetWidth(m.width - 6)

	case tickMsg:
		m.ticker.Tick()
		m.activity.Decay(m.now())
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > maxEventLog {
			m.eventLog = m.eventLog[:maxEventLog]
		}
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}

		m.activity.OnEvent(m.now())
		updateCommandState(m.commands, e)
		updateTelemetryState(&m.telemetry, e)
		m.cmdTable.SetRows(commandRows(m.commands))

		m.status.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.status.Status = msg.Status
		m.status.UptimeSeconds = msg.UptimeSeconds
		m.status.DeviceID = msg.DeviceID
		m.status.Commands = msg.Commands
		m.status.InFlight = msg.InFlight
		m.status.TelemetryLastRun = msg.TelemetryLastRun
		m.status.Connected = true
		m.status.LastCheck = m.now()
		m.lastError = ""
		return m, m.scheduleHealth()

	case fetchHealthMsg:
		return m, func() tea.Msg { return fetchHealth(m.healthClient, m.apiURL, m.token) }

	case sseDisconnectedMsg:
		m.status.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		// The pending receiveNextEvent keeps reading the shared channel.
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.apiURL, m.token, m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.scheduleHealth()
	}

	return m, nil
}

func (m Model) scheduleHealth() tea.Cmd {
	return tea.Tick(healthInterval, func(time.Time) tea.Msg { return fetchHealthMsg{} })
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to agent..."
	}

	parts := []string{
		renderHeader(m.status, m.ticker, m.activity, m.theme, m.width, m.now()),
		renderCommands(m.cmdTable, len(m.commands) == 0, m.theme, m.width),
		renderTelemetry(m.telemetry, m.status.TelemetryLastRun, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Navigate Commands"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// Run starts the TUI and blocks until the operator quits.
func Run(apiURL, token string) error {
	_, err := tea.NewProgram(New(apiURL, token)).Run()
	return err
}
