package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/ralphloop/ralph/internal/progress"
	"github.com/ralphloop/ralph/internal/registry"
	"github.com/spf13/cobra"
)

const attachRefreshInterval = time.Second

var (
	attachTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	attachMetaStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	attachLogStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	attachDoneStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("82"))
	attachFailStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

var attachCmd = &cobra.Command{
	Use:   "attach <task>",
	Short: "Watch a running loop's status and progress log live",
	Long: `attach renders a small live view of the named task's
SessionRegistry entry and the tail of its progress log, refreshing once a
second until the loop reaches a terminal status or ctrl+c/q is pressed.

Example:
  ralph attach add-retry-logic`,
	Args: cobra.ExactArgs(1),
	RunE: attachToLoop,
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func attachToLoop(cmd *cobra.Command, args []string) error {
	taskName := args[0]

	reg, err := openRegistry()
	if err != nil {
		return fmt.Errorf("open session registry: %w", err)
	}
	if _, ok := reg.Get(taskName); !ok {
		return fmt.Errorf("no session named %q", taskName)
	}

	m := attachModel{reg: reg, taskName: taskName}
	p := tea.NewProgram(m)
	_, err = p.Run()
	return err
}

type attachTickMsg time.Time

type attachModel struct {
	reg      *registry.Store
	taskName string
	info     registry.SessionInfo
	tail     string
	quitting bool
}

func (m attachModel) Init() tea.Cmd {
	return tea.Tick(attachRefreshInterval, func(t time.Time) tea.Msg { return attachTickMsg(t) })
}

func (m attachModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}
	case attachTickMsg:
		if info, ok := m.reg.Get(m.taskName); ok {
			m.info = info
			m.tail = tailProgress(info.TaskDir, 12)
		}
		if isTerminalStatus(m.info.Status) {
			return m, tea.Quit
		}
		return m, tea.Tick(attachRefreshInterval, func(t time.Time) tea.Msg { return attachTickMsg(t) })
	}
	return m, nil
}

func (m attachModel) View() string {
	var b strings.Builder
	b.WriteString(attachTitleStyle.Render(fmt.Sprintf("ralph attach — %s", m.taskName)))
	b.WriteString("\n")
	b.WriteString(attachMetaStyle.Render(fmt.Sprintf(
		"status: %s  agent: %s  iteration: %d/%d",
		m.info.Status, m.info.Agent, m.info.Iteration, m.info.MaxIterations)))
	b.WriteString("\n\n")

	if m.tail != "" {
		b.WriteString(attachLogStyle.Render(m.tail))
		b.WriteString("\n")
	}

	switch m.info.Status {
	case "completed":
		b.WriteString(attachDoneStyle.Render("loop completed"))
	case "failed", "timed_out":
		b.WriteString(attachFailStyle.Render(fmt.Sprintf("loop %s", m.info.Status)))
	default:
		b.WriteString(attachMetaStyle.Render("ctrl+c or q to detach"))
	}
	b.WriteString("\n")
	return b.String()
}

func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "timed_out", "exhausted":
		return true
	default:
		return false
	}
}

// tailProgress returns the last n lines of taskDir's progress log, or ""
// if the log doesn't exist yet.
func tailProgress(taskDir string, n int) string {
	data, err := os.ReadFile(filepath.Join(taskDir, progress.Filename))
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
