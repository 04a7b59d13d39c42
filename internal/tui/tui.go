package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/collector"
	"poll-monitoring/internal/gateway"
	"poll-monitoring/internal/poll"
	"poll-monitoring/internal/store"
)

const (
	refreshInterval = 500 * time.Millisecond
	voteTimeout     = 30 * time.Second
	maxNotices      = 3
	barWidth        = 20
)

var (
	selectedStyle = lipgloss.NewStyle().Bold(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func padToWidth(s string, width int) string {
	current := runewidth.StringWidth(s)
	if current >= width {
		return s
	}
	return s + strings.Repeat(" ", width-current)
}

func separatorLine(width int) string {
	if width < 2 {
		return strings.Repeat("─", width)
	}
	return "├" + strings.Repeat("─", width-2) + "┤"
}

func formatInfoLine(text string, width int) string {
	return formatStyledLine(text, width, lipgloss.NewStyle())
}

// formatStyledLine fits text between the borders, then styles it.
func formatStyledLine(text string, width int, style lipgloss.Style) string {
	if width < 2 {
		return style.Render(padToWidth(text, width))
	}
	inner := width - 2
	text = runewidth.Truncate(text, inner, "...")
	return "│" + style.Render(padToWidth(text, inner)) + "│"
}

// Voter is the mutation side the TUI needs.
type Voter interface {
	CastVote(ctx context.Context, id poll.ID, optionIndex int) (chain.Receipt, error)
	Pending() []gateway.Pending
}

// StatusMsg is sent when the collector reports progress
type StatusMsg struct {
	Status collector.Status
}

// NoticeMsg is sent when the reconciler surfaces an error
type NoticeMsg struct {
	Notice collector.Notice
}

type tickMsg time.Time

type voteResultMsg struct {
	receipt chain.Receipt
	err     error
}

// Model holds the TUI state
type Model struct {
	view  store.Reader
	voter Voter

	polls    []poll.Poll
	pending  []gateway.Pending
	status   collector.Status
	notices  []collector.Notice
	selected int
	option   int
	message  string

	width  int
	height int
}

// NewModel creates a new TUI model. voter may be nil for a read-only session.
func NewModel(view store.Reader, voter Voter) Model {
	return Model{
		view:   view,
		voter:  voter,
		status: collector.Status{Phase: collector.PhaseConnecting},
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tick()
}

func (m *Model) refresh() {
	m.polls = m.view.All()
	if m.voter != nil {
		m.pending = m.voter.Pending()
	}
	if m.selected >= len(m.polls) {
		m.selected = len(m.polls) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
	m.clampOption()
}

func (m *Model) clampOption() {
	n := 0
	if m.selected < len(m.polls) {
		n = len(m.polls[m.selected].Options)
	}
	if m.option >= n {
		m.option = n - 1
	}
	if m.option < 0 {
		m.option = 0
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case StatusMsg:
		m.status = msg.Status
		return m, nil

	case NoticeMsg:
		m.notices = append(m.notices, msg.Notice)
		if len(m.notices) > maxNotices {
			m.notices = m.notices[len(m.notices)-maxNotices:]
		}
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case voteResultMsg:
		if msg.err != nil {
			m.message = "vote failed: " + msg.err.Error()
		} else {
			m.message = "vote sent: tx " + shortHash(msg.receipt.TxHash)
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
				m.option = 0
			}
		case "down", "j":
			if m.selected < len(m.polls)-1 {
				m.selected++
				m.option = 0
			}
		case "left", "h":
			m.option--
			m.clampOption()
		case "right", "l":
			m.option++
			m.clampOption()
		case "enter", "v":
			return m, m.vote()
		}
	}

	return m, nil
}

func (m *Model) vote() tea.Cmd {
	if m.voter == nil {
		m.message = "read-only: set PRIVATE_KEY to vote"
		return nil
	}
	if m.selected >= len(m.polls) {
		return nil
	}
	id, option := m.polls[m.selected].ID, m.option
	m.message = fmt.Sprintf("submitting vote for option %d of poll #%d...", option, id)
	voter := m.voter
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), voteTimeout)
		defer cancel()
		rcpt, err := voter.CastVote(ctx, id, option)
		return voteResultMsg{receipt: rcpt, err: err}
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:10] + "…"
	}
	return h
}

// View renders the UI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderPolls(), m.renderFooter())
}

// renderHeader renders the connection and reconciliation status
func (m Model) renderHeader() string {
	st := m.status
	mode := "read-write"
	if m.voter == nil {
		mode = "read-only"
	}
	lines := []string{
		fmt.Sprintf("phase: %s  head: %d  resyncs: %d  mode: %s", st.Phase, st.Head, st.Cycles, mode),
		fmt.Sprintf("applied: %d  duplicates: %d  covered: %d  buffered: %d  violations: %d",
			st.Stats.Applied, st.Stats.Duplicates, st.Stats.Covered, st.Stats.Pending, st.Stats.Violations),
		fmt.Sprintf("polls: %d  pending txs: %d", len(m.polls), len(m.pending)),
	}

	out := []string{"┌" + strings.Repeat("─", max(m.width-2, 0)) + "┐"}
	for _, l := range lines {
		out = append(out, formatInfoLine(l, m.width))
	}
	if st.LastErr != nil {
		out = append(out, formatStyledLine("last error: "+st.LastErr.Error(), m.width, errorStyle))
	}
	return strings.Join(out, "\n")
}

// renderPolls renders one block per poll, the selected one highlighted
func (m Model) renderPolls() string {
	out := []string{separatorLine(m.width)}
	if len(m.polls) == 0 {
		out = append(out, formatStyledLine("no polls yet", m.width, mutedStyle))
		return strings.Join(out, "\n")
	}

	pendingFor := make(map[poll.ID]int)
	for _, p := range m.pending {
		if p.Op.Kind == chain.OpCastVote {
			pendingFor[p.Op.PollID]++
		}
	}

	for i, p := range m.polls {
		style := lipgloss.NewStyle()
		marker := "  "
		if i == m.selected {
			style = selectedStyle
			marker = "▶ "
		}
		title := fmt.Sprintf("%s#%d %s (%d votes)", marker, p.ID, p.Question, p.Total())
		if n := pendingFor[p.ID]; n > 0 {
			title += fmt.Sprintf(" ⏳%d", n)
		}
		out = append(out, formatStyledLine(title, m.width, style))

		total := p.Total()
		for j, opt := range p.Options {
			cursor := "   "
			if i == m.selected && j == m.option {
				cursor = " ➤ "
			}
			line := fmt.Sprintf("  %s[%d] %s %s %d", cursor, j, padToWidth(runewidth.Truncate(opt, 24, "..."), 24), bar(p.Counts[j], total), p.Counts[j])
			out = append(out, formatInfoLine(line, m.width))
		}
	}
	return strings.Join(out, "\n")
}

func bar(count, total uint64) string {
	filled := 0
	if total > 0 {
		filled = int(count * barWidth / total)
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

// renderFooter renders recent errors, the last action and the key help
func (m Model) renderFooter() string {
	out := []string{separatorLine(m.width)}
	for _, n := range m.notices {
		out = append(out, formatStyledLine(n.At.Format("15:04:05")+" "+n.Err.Error(), m.width, errorStyle))
	}
	if m.message != "" {
		out = append(out, formatInfoLine(m.message, m.width))
	}
	out = append(out, formatStyledLine("↑/↓ poll  ←/→ option  enter vote  q quit", m.width, mutedStyle))
	out = append(out, "└"+strings.Repeat("─", max(m.width-2, 0))+"┘")
	return strings.Join(out, "\n")
}

// Run starts the TUI program
func Run(updateCh <-chan interface{}, view store.Reader, voter Voter) error {
	m := NewModel(view, voter)
	p := tea.NewProgram(m, tea.WithAltScreen())

	// Start goroutine to receive updates
	go func() {
		for data := range updateCh {
			switch v := data.(type) {
			case collector.Status:
				p.Send(StatusMsg{Status: v})
			case collector.Notice:
				p.Send(NoticeMsg{Notice: v})
			}
		}
		// Channel closed, quit TUI
		p.Quit()
	}()

	_, err := p.Run()
	return err
}
