package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"poll-monitoring/internal/chain"
	"poll-monitoring/internal/collector"
	"poll-monitoring/internal/gateway"
	"poll-monitoring/internal/poll"
	"poll-monitoring/internal/store"
)

type vote struct {
	id     poll.ID
	option int
}

type fakeVoter struct {
	votes   []vote
	err     error
	pending []gateway.Pending
}

func (f *fakeVoter) CastVote(ctx context.Context, id poll.ID, optionIndex int) (chain.Receipt, error) {
	f.votes = append(f.votes, vote{id, optionIndex})
	if f.err != nil {
		return chain.Receipt{}, f.err
	}
	return chain.Receipt{Op: chain.OpCastVote, TxHash: "0xabcdef0123456789", Nonce: 1}, nil
}

func (f *fakeVoter) Pending() []gateway.Pending { return f.pending }

func seededStore() *store.Store {
	s := store.New()
	s.Insert(poll.Poll{ID: 0, Question: "Lunch?", Options: []string{"Pizza", "Sushi"}, Counts: []uint64{3, 1}})
	s.Insert(poll.Poll{ID: 1, Question: "Tabs or spaces?", Options: []string{"Tabs", "Spaces", "Both"}, Counts: []uint64{0, 0, 0}})
	return s
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "left":
		return tea.KeyMsg{Type: tea.KeyLeft}
	case "right":
		return tea.KeyMsg{Type: tea.KeyRight}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func ready(t *testing.T, voter Voter) Model {
	t.Helper()
	m := NewModel(seededStore(), voter)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	m, cmd := update(t, m, tickMsg(time.Now()))
	require.NotNil(t, cmd)
	return m
}

func TestViewBeforeResize(t *testing.T) {
	m := NewModel(store.New(), nil)
	assert.Equal(t, "Loading...", m.View())
}

func TestViewListsPolls(t *testing.T) {
	m := ready(t, nil)
	m, _ = update(t, m, StatusMsg{Status: collector.Status{Phase: collector.PhaseLive, Head: 42, Cycles: 1}})

	out := m.View()
	assert.Contains(t, out, "phase: live")
	assert.Contains(t, out, "head: 42")
	assert.Contains(t, out, "read-only")
	assert.Contains(t, out, "#0 Lunch? (4 votes)")
	assert.Contains(t, out, "#1 Tabs or spaces? (0 votes)")
	assert.Contains(t, out, "Sushi")

	for _, line := range strings.Split(out, "\n") {
		assert.LessOrEqual(t, runewidth.StringWidth(line), 100+40, line)
	}
}

func TestSelectionAndVote(t *testing.T) {
	voter := &fakeVoter{}
	m := ready(t, voter)

	m, _ = update(t, m, key("down"))
	m, _ = update(t, m, key("right"))
	m, _ = update(t, m, key("right"))
	m, _ = update(t, m, key("right")) // clamped to the last option
	assert.Equal(t, 1, m.selected)
	assert.Equal(t, 2, m.option)

	m, cmd := update(t, m, key("enter"))
	require.NotNil(t, cmd)
	res := cmd()
	require.Equal(t, []vote{{1, 2}}, voter.votes)

	m, _ = update(t, m, res)
	assert.Contains(t, m.View(), "vote sent: tx 0xabcdef01")

	m, _ = update(t, m, key("up"))
	assert.Equal(t, 0, m.selected)
	assert.Equal(t, 0, m.option)
}

func TestVoteFailureShown(t *testing.T) {
	voter := &fakeVoter{err: &poll.RangeError{PollID: 0, Index: 5, Options: 2}}
	m := ready(t, voter)

	m, cmd := update(t, m, key("v"))
	require.NotNil(t, cmd)
	m, _ = update(t, m, cmd())
	assert.Contains(t, m.View(), "vote failed")
}

func TestReadOnlyVote(t *testing.T) {
	m := ready(t, nil)
	m, cmd := update(t, m, key("enter"))
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "read-only: set PRIVATE_KEY")
}

func TestPendingIndicator(t *testing.T) {
	voter := &fakeVoter{pending: []gateway.Pending{{Op: chain.Operation{Kind: chain.OpCastVote, PollID: 1}}}}
	m := ready(t, voter)
	out := m.View()
	assert.Contains(t, out, "pending txs: 1")
	assert.Contains(t, out, "⏳1")
}

func TestNoticesAreCapped(t *testing.T) {
	m := ready(t, nil)
	for i := 0; i < 5; i++ {
		m, _ = update(t, m, NoticeMsg{Notice: collector.Notice{Err: errors.New("violation " + string(rune('a'+i))), At: time.Now()}})
	}
	require.Len(t, m.notices, maxNotices)
	out := m.View()
	assert.NotContains(t, out, "violation a")
	assert.Contains(t, out, "violation e")
}

func TestQuit(t *testing.T) {
	m := ready(t, nil)
	_, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestBar(t *testing.T) {
	assert.Equal(t, strings.Repeat("░", barWidth), bar(0, 0))
	assert.Equal(t, strings.Repeat("█", barWidth), bar(5, 5))
	assert.Equal(t, strings.Repeat("█", barWidth/2)+strings.Repeat("░", barWidth/2), bar(1, 2))
}
