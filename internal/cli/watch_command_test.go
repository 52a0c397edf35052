package cli

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbatch/internal/ledger"
)

func TestWatchQuitsOnKey(t *testing.T) {
	m := newWatchModel("batch-state.json", time.Second)

	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	m2 := model.(watchModel)
	assert.True(t, m2.quitting)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Empty(t, m2.View())
}

func TestWatchKeepsPollingWhileJobsRemain(t *testing.T) {
	m := newWatchModel("batch-state.json", time.Second)

	model, cmd := m.Update(watchLoadedMsg{state: ledger.State{
		RunID:     "run-1",
		Total:     4,
		Completed: []int{0},
		Submitted: []int{1},
	}})
	m2 := model.(watchModel)
	assert.True(t, m2.loaded)
	assert.False(t, m2.done)
	assert.NotNil(t, cmd)
	assert.Equal(t, 1, m2.summary.Submitted)
	assert.Equal(t, 2, m2.summary.Pending)
	assert.InDelta(t, 0.25, m2.fraction(), 1e-9)

	view := m2.View()
	assert.Contains(t, view, "completed 1")
	assert.Contains(t, view, "run-1")
}

func TestWatchStopsWhenBatchResolved(t *testing.T) {
	m := newWatchModel("batch-state.json", time.Second)

	model, cmd := m.Update(watchLoadedMsg{state: ledger.State{
		Total:     2,
		Completed: []int{0},
		Failed:    []ledger.Failure{{Index: 1, Error: "timeout"}},
	}})
	m2 := model.(watchModel)
	assert.True(t, m2.done)
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.InDelta(t, 1.0, m2.fraction(), 1e-9)

	view := m2.View()
	assert.Contains(t, view, "#1 timeout")
	assert.Contains(t, view, "batch finished with failures")
}

func TestWatchShowsLoadErrors(t *testing.T) {
	m := newWatchModel("missing.json", time.Second)

	model, cmd := m.Update(watchLoadedMsg{err: errors.New("open missing.json: no such file")})
	m2 := model.(watchModel)
	assert.False(t, m2.loaded)
	assert.NotNil(t, cmd)
	assert.True(t, strings.Contains(m2.View(), "no such file"))
}

func TestWatchResizesBar(t *testing.T) {
	m := newWatchModel("batch-state.json", 0)
	assert.Equal(t, defaultWatchInterval, m.interval)

	model, _ := m.Update(tea.WindowSizeMsg{Width: 30, Height: 20})
	assert.Equal(t, 22, model.(watchModel).bar.Width)

	model, _ = m.Update(tea.WindowSizeMsg{Width: 200, Height: 20})
	assert.Equal(t, 60, model.(watchModel).bar.Width)
}
