// Package winui implements the interactive confirmation window. It shows
// the prepared remote command, copies it to the clipboard, and waits for
// the operator to confirm that the command was pasted into the remote
// window, answer with direct feedback instead, or run out of time.
package winui

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Result is the single JSON document the window reports on stdout.
type Result struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
}

const (
	ActionSuccess        = "success"
	ActionDirectFeedback = "direct_feedback"
	ActionTimeout        = "timeout"
	ActionParentKilled   = "parent_killed"
	ActionError          = "error"
)

const (
	modeConfirm  = "confirm"
	modeFeedback = "feedback"
)

// Options carries everything the parent process passes on the command line.
type Options struct {
	Title     string
	Command   string
	RequestID string
	Timeout   time.Duration
	ParentPID int
	AudioCue  string
	Logger    *slog.Logger
}

type keyMap struct {
	Confirm  key.Binding
	Copy     key.Binding
	Feedback key.Binding
	Dismiss  key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Confirm:  key.NewBinding(key.WithKeys("enter", "y"), key.WithHelp("enter", "command ran")),
		Copy:     key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "copy again")),
		Feedback: key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "answer instead")),
		Dismiss:  key.NewBinding(key.WithKeys("esc", "q", "ctrl+c"), key.WithHelp("esc", "dismiss")),
	}
}

type model struct {
	opts      Options
	keys      keyMap
	logger    *slog.Logger
	mode      string
	feedback  textinput.Model
	deadline  time.Time
	copied    bool
	copyError string
	quitting  bool
	result    Result
}

type timeoutMsg struct{}

type parentCheckMsg struct{}

type copyDoneMsg struct{ err error }

// Run drives the window to completion and returns the terminal result.
// The result is always populated, even when bubbletea itself fails.
func Run(opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	playCue(opts.AudioCue, logger)

	input := textinput.New()
	input.Placeholder = "type your answer for the caller"
	input.CharLimit = 500
	input.Width = 60

	m := model{
		opts:     opts,
		keys:     newKeyMap(),
		logger:   logger,
		mode:     modeConfirm,
		feedback: input,
		deadline: time.Now().Add(opts.Timeout),
		result:   Result{Action: ActionDirectFeedback, Message: "window closed without confirmation"},
	}

	// Stdout is reserved for the outcome document the parent parses; the UI
	// renders on the controlling terminal, or stderr when there is none.
	uiOpts := []tea.ProgramOption{tea.WithOutput(os.Stderr)}
	if tty, ttyErr := os.OpenFile("/dev/tty", os.O_RDWR, 0); ttyErr == nil {
		defer tty.Close()
		uiOpts = []tea.ProgramOption{tea.WithInput(tty), tea.WithOutput(tty)}
	}

	final, err := tea.NewProgram(m, uiOpts...).Run()
	if err != nil {
		logger.Error("window ui failed", "error", err)
		return Result{Action: ActionError, Message: err.Error()}
	}
	done, ok := final.(model)
	if !ok {
		return Result{Action: ActionError, Message: "window ui returned an unexpected model"}
	}
	return done.result
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.copyCmd(),
		tea.Tick(time.Until(m.deadline), func(time.Time) tea.Msg { return timeoutMsg{} }),
		tea.Tick(time.Second, func(time.Time) tea.Msg { return parentCheckMsg{} }),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case timeoutMsg:
		m.logger.Warn("window timed out", "request_id", m.opts.RequestID)
		return m.finish(Result{Action: ActionTimeout, Message: fmt.Sprintf("no confirmation within %s", m.opts.Timeout)})
	case parentCheckMsg:
		if m.opts.ParentPID > 0 && !processAlive(m.opts.ParentPID) {
			m.logger.Warn("parent process gone", "parent_pid", m.opts.ParentPID)
			return m.finish(Result{Action: ActionParentKilled, Message: "calling process exited"})
		}
		return m, tea.Tick(time.Second, func(time.Time) tea.Msg { return parentCheckMsg{} })
	case copyDoneMsg:
		if typed.err != nil {
			m.copied = false
			m.copyError = typed.err.Error()
			m.logger.Warn("clipboard copy failed", "error", typed.err)
		} else {
			m.copied = true
			m.copyError = ""
		}
		return m, nil
	case tea.KeyMsg:
		if m.mode == modeFeedback {
			return m.updateFeedback(typed)
		}
		return m.updateConfirm(typed)
	}

	if m.mode == modeFeedback {
		var cmd tea.Cmd
		m.feedback, cmd = m.feedback.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m model) updateConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Confirm):
		m.logger.Info("command confirmed", "request_id", m.opts.RequestID)
		return m.finish(Result{Action: ActionSuccess})
	case key.Matches(msg, m.keys.Copy):
		return m, m.copyCmd()
	case key.Matches(msg, m.keys.Feedback):
		m.mode = modeFeedback
		m.feedback.Focus()
		return m, textinput.Blink
	case key.Matches(msg, m.keys.Dismiss):
		return m.finish(Result{Action: ActionDirectFeedback, Message: "window dismissed"})
	}
	return m, nil
}

func (m model) updateFeedback(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		message := strings.TrimSpace(m.feedback.Value())
		if message == "" {
			message = "window dismissed"
		}
		return m.finish(Result{Action: ActionDirectFeedback, Message: message})
	case "esc":
		m.mode = modeConfirm
		m.feedback.Blur()
		return m, nil
	case "ctrl+c":
		return m.finish(Result{Action: ActionDirectFeedback, Message: "window dismissed"})
	}
	var cmd tea.Cmd
	m.feedback, cmd = m.feedback.Update(msg)
	return m, cmd
}

func (m model) finish(result Result) (tea.Model, tea.Cmd) {
	m.result = result
	m.quitting = true
	return m, tea.Quit
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Render(m.opts.Title)
	commandStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("120"))
	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	hintStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("248"))

	lines := []string{
		title,
		"",
		"Paste this into the remote window:",
		commandStyle.Render(m.opts.Command),
		"",
	}
	if m.copied {
		lines = append(lines, okStyle.Render("copied to clipboard"))
	} else if m.copyError != "" {
		lines = append(lines, errStyle.Render("clipboard unavailable, copy by hand: "+m.copyError))
	}
	lines = append(lines, "", hintStyle.Render(fmt.Sprintf("time left: %s", time.Until(m.deadline).Round(time.Second))))

	if m.mode == modeFeedback {
		lines = append(lines,
			"",
			"Answer for the caller (Enter to send, Esc to go back):",
			m.feedback.View(),
		)
	} else {
		lines = append(lines, "", hintStyle.Render("Controls: enter=command ran, c=copy again, f=answer instead, esc=dismiss"))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m model) copyCmd() tea.Cmd {
	command := m.opts.Command
	return func() tea.Msg {
		return copyDoneMsg{err: clipboard.WriteAll(command)}
	}
}

func playCue(path string, logger *slog.Logger) {
	if strings.TrimSpace(path) == "" {
		return
	}
	for _, player := range []string{"afplay", "paplay", "aplay"} {
		if _, err := exec.LookPath(player); err != nil {
			continue
		}
		if err := exec.Command(player, path).Start(); err != nil {
			logger.Warn("audio cue failed", "player", player, "error", err)
		}
		return
	}
	logger.Warn("no audio player found", "cue", path)
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
