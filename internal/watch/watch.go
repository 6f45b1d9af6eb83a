// Package watch is the operations dashboard: a terminal UI that tails the
// server's live event stream and polls the ML status and hall of shame.
package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"

	"github.com/SuperSonnix71/Xnake/internal/events"
	"github.com/SuperSonnix71/Xnake/internal/store"
)

const (
	pollInterval = 5 * time.Second
	feedCapacity = 200
	shameRows    = 10
)

// Options configures the dashboard.
type Options struct {
	BaseURL string
	NoColor bool
}

// Run blocks in the dashboard until the user quits or the context is
// canceled.
func Run(ctx context.Context, logger *log.Logger, opts Options) error {
	if opts.NoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	client := NewClient(logger, opts.BaseURL)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan StreamMsg, 32)
	go client.Stream(streamCtx, ch)

	m := newModel(logger, client, ch)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

type (
	pollMsg         time.Time
	streamClosedMsg struct{}

	statusMsg struct {
		status Status
		err    error
	}
	shameMsg struct {
		entries []store.CheaterEntry
		err     error
	}
)

// Model is the dashboard's Bubble Tea model.
type Model struct {
	logger *log.Logger
	client *Client
	stream <-chan StreamMsg

	spin  spinner.Model
	feed  viewport.Model
	shame table.Model

	lines     []string
	status    Status
	statusErr error
	connected bool

	width       int
	height      int
	initialized bool
	quitting    bool
}

func newModel(logger *log.Logger, client *Client, stream <-chan StreamMsg) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = trainStyle

	tbl := table.New(
		table.WithColumns([]table.Column{
			{Title: "Player", Width: 18},
			{Title: "Detections", Width: 10},
			{Title: "Last kind", Width: 16},
			{Title: "Last score", Width: 10},
		}),
		table.WithHeight(shameRows),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("#FFD700"))
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#FAFAFA"))
	tbl.SetStyles(styles)

	return &Model{
		logger: logger.WithPrefix("watch"),
		client: client,
		stream: stream,
		spin:   sp,
		feed:   viewport.New(10, 5),
		shame:  tbl,
	}
}

// Init starts the stream listener, the poll loop, and the spinner.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.listen(), m.poll(), m.schedulePoll())
}

// listen waits for the next stream message.
func (m *Model) listen() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-m.stream
		if !ok {
			return streamClosedMsg{}
		}
		return msg
	}
}

func (m *Model) schedulePoll() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

// poll fetches the status and the shame board in one command.
func (m *Model) poll() tea.Cmd {
	client := m.client
	return tea.Batch(
		func() tea.Msg {
			s, err := client.Status(context.Background())
			return statusMsg{status: s, err: err}
		},
		func() tea.Msg {
			entries, err := client.HallOfShame(context.Background())
			return shameMsg{entries: entries, err: err}
		},
	)
}

// Update handles messages in the dashboard.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			m.feed.ScrollUp(1)
		case "down", "j":
			m.feed.ScrollDown(1)
		case "pgup":
			m.feed.HalfPageUp()
		case "pgdown":
			m.feed.HalfPageDown()
		case "g":
			m.feed.GotoTop()
		case "G":
			m.feed.GotoBottom()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()

	case StreamMsg:
		m.connected = msg.Connected
		if msg.HasEvent {
			m.append(formatEvent(msg.Event))
		} else if msg.Err != nil {
			m.append(dimStyle.Render(fmt.Sprintf("%s stream: %v",
				stamp(time.Now()), msg.Err)))
		}
		cmds = append(cmds, m.listen())

	case streamClosedMsg:
		m.connected = false

	case pollMsg:
		cmds = append(cmds, m.poll(), m.schedulePoll())

	case statusMsg:
		m.status, m.statusErr = msg.status, msg.err

	case shameMsg:
		if msg.err == nil {
			m.setShame(msg.entries)
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.shame, cmd = m.shame.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *Model) layout() {
	if m.width == 0 || m.height == 0 {
		return
	}
	feedHeight := m.height - shameRows - 9
	if feedHeight < 3 {
		feedHeight = 3
	}
	m.feed.Width = m.width - 4
	m.feed.Height = feedHeight
	m.feed.SetContent(strings.Join(m.lines, "\n"))
	m.feed.GotoBottom()
	m.initialized = true
}

func (m *Model) append(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > feedCapacity {
		m.lines = m.lines[len(m.lines)-feedCapacity:]
	}
	atBottom := m.feed.AtBottom()
	m.feed.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.feed.GotoBottom()
	}
}

func (m *Model) setShame(entries []store.CheaterEntry) {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, table.Row{
			truncate(e.PlayerKey, 18),
			fmt.Sprintf("%d", e.Detections),
			e.LastKind,
			fmt.Sprintf("%d", e.LastScore),
		})
	}
	m.shame.SetRows(rows)
}

// View renders the dashboard.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.initialized {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("xnake watch") + "  " + m.connLine())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(paneStyle.Width(m.width - 2).Render(m.feed.View()))
	b.WriteString("\n")
	b.WriteString(paneStyle.Width(m.width - 2).Render(m.shame.View()))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q quit · j/k scroll · g/G top/bottom"))
	return b.String()
}

func (m *Model) connLine() string {
	if m.connected {
		return acceptStyle.Render("connected")
	}
	return m.spin.View() + dimStyle.Render("connecting")
}

func (m *Model) statusLine() string {
	if m.statusErr != nil {
		return cheatStyle.Render(fmt.Sprintf("status: %v", m.statusErr))
	}
	s := m.status
	model := "none"
	if s.ModelLoaded {
		model = fmt.Sprintf("%s f1=%.3f acc=%.3f", s.ActiveVersion, s.F1, s.Accuracy)
	}
	line := fmt.Sprintf("model %s · samples %d · edge cases %d", model, s.SampleCount, s.EdgeCaseCount)
	if s.TrainingActive {
		line += " · " + trainStyle.Render("training "+m.spin.View())
	}
	return statusStyle.Render(line)
}

// formatEvent renders one pipeline event as a feed line.
func formatEvent(ev events.Event) string {
	ts := stamp(ev.Time)
	switch ev.Type {
	case events.TypeCheatDetected:
		return fmt.Sprintf("%s %s %s %s score=%d p=%.2f — %s",
			ts, cheatStyle.Render("CHEAT"), ev.Kind, ev.Player, ev.Score, ev.Probability, ev.Reason)
	case events.TypeScoreAccepted:
		return fmt.Sprintf("%s %s %s score=%d p=%.2f",
			ts, acceptStyle.Render("SCORE"), ev.Player, ev.Score, ev.Probability)
	case events.TypeEdgeCase:
		return fmt.Sprintf("%s %s %s %s p=%.2f",
			ts, edgeStyle.Render("EDGE"), ev.EdgeType, ev.Player, ev.Probability)
	case events.TypeTrainingStarted:
		return fmt.Sprintf("%s %s trigger=%s", ts, trainStyle.Render("TRAIN"), ev.Detail)
	case events.TypeTrainingCompleted:
		return fmt.Sprintf("%s %s %s %s", ts, trainStyle.Render("TRAIN"), ev.Version, ev.Detail)
	case events.TypeModelActivated:
		return fmt.Sprintf("%s %s %s", ts, trainStyle.Render("MODEL"), ev.Version)
	default:
		return fmt.Sprintf("%s %s", ts, string(ev.Type))
	}
}

func stamp(t time.Time) string {
	return dimStyle.Render(t.Format("15:04:05"))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
