package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"genbatch/internal/ledger"
)

const (
	defaultWatchInterval = time.Second
	watchFailureRows     = 5
)

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	watchErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	watchPanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type watchTickMsg time.Time

type watchLoadedMsg struct {
	state ledger.State
	err   error
}

type watchModel struct {
	path     string
	interval time.Duration

	spinner spinner.Model
	bar     progress.Model

	state   ledger.State
	summary ledger.Summary
	loaded  bool
	lastErr string

	width    int
	done     bool
	quitting bool
}

func newWatchCommand() *cobra.Command {
	var (
		output     string
		ledgerPath string
		interval   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "follow a running batch in a terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !stdinIsTTY() {
				return errors.New("watch requires an interactive terminal (TTY)")
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			outDir := cfg.Batch.OutputDir
			if cmd.Flags().Changed("output") {
				outDir = output
			}
			path := resolveLedgerPath(ledgerPath, cfg, outDir)

			p := tea.NewProgram(newWatchModel(path, interval), tea.WithAltScreen())
			finalModel, err := p.Run()
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "tty") {
					return errors.New("watch requires an interactive terminal (TTY)")
				}
				return err
			}
			if fm, ok := finalModel.(watchModel); ok && fm.loaded {
				s := fm.summary
				fmt.Fprintf(cmd.OutOrStdout(), "completed=%d failed=%d pending=%d total=%d\n",
					s.Completed, s.Failed, s.Pending+s.Submitted, s.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "artifact output directory holding the ledger")
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "ledger file")
	cmd.Flags().DurationVar(&interval, "interval", defaultWatchInterval, "ledger refresh interval")
	return cmd
}

func newWatchModel(path string, interval time.Duration) watchModel {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = watchTitleStyle
	return watchModel{
		path:     path,
		interval: interval,
		spinner:  sp,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, loadLedgerCmd(m.path))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(max(msg.Width-8, 10), 60)
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil
	case watchTickMsg:
		return m, loadLedgerCmd(m.path)
	case watchLoadedMsg:
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			return m, watchTick(m.interval)
		}
		m.lastErr = ""
		m.loaded = true
		m.state = msg.state
		m.summary = ledger.SummaryOf(msg.state)
		if m.summary.Total > 0 && m.summary.Pending == 0 && m.summary.Submitted == 0 {
			m.done = true
			return m, tea.Quit
		}
		return m, watchTick(m.interval)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.quitting {
		return ""
	}
	header := watchTitleStyle.Render("genbatch watch") + " " + watchMutedStyle.Render(m.path)

	if !m.loaded {
		line := m.spinner.View() + " waiting for ledger"
		if m.lastErr != "" {
			line += "\n" + watchErrorStyle.Render(m.lastErr)
		}
		return lipgloss.JoinVertical(lipgloss.Left, header, line)
	}

	s := m.summary
	lines := []string{
		m.bar.ViewAs(m.fraction()),
		fmt.Sprintf("completed %d  submitted %d  pending %d  failed %d  of %d",
			s.Completed, s.Submitted, s.Pending, s.Failed, s.Total),
	}
	if m.state.RunID != "" {
		lines = append(lines, watchMutedStyle.Render("run "+m.state.RunID))
	}
	if len(s.Failures) > 0 {
		lines = append(lines, watchErrorStyle.Render("failures"))
		start := max(0, len(s.Failures)-watchFailureRows)
		for _, f := range s.Failures[start:] {
			lines = append(lines, fmt.Sprintf("  #%d %s", f.Index, f.Error))
		}
	}
	panel := watchPanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))

	status := m.spinner.View() + " watching"
	switch {
	case m.done && s.Failed == 0:
		status = watchOKStyle.Render("batch complete")
	case m.done:
		status = watchErrorStyle.Render("batch finished with failures")
	case m.lastErr != "":
		status = watchErrorStyle.Render(m.lastErr)
	}
	hints := watchMutedStyle.Render("q quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, panel, status, hints)
}

// fraction counts failed jobs as resolved so the bar reaches the end when
// nothing is left to wait for.
func (m watchModel) fraction() float64 {
	if m.summary.Total <= 0 {
		return 0
	}
	resolved := m.summary.Completed + m.summary.Failed
	return float64(resolved) / float64(m.summary.Total)
}

func loadLedgerCmd(path string) tea.Cmd {
	return func() tea.Msg {
		st, err := ledger.Load(path)
		return watchLoadedMsg{state: st, err: err}
	}
}

func watchTick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}
