// Package app renders a live progress view of a build with bubbletea.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/brensch/twicmerge/internal/orchestrator"
)

// --- Styles ---
var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	infoStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	successStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	progressBarStyle = lipgloss.NewStyle().Padding(0, 1)
	logHeaderStyle   = lipgloss.NewStyle().Bold(true).MarginTop(1)
)

// DefaultLogLines is how many recent log lines the view keeps.
const DefaultLogLines = 12

// --- Model ---

type AppModel struct {
	Title    string
	State    AppState
	Outcome  *orchestrator.Outcome
	Counters orchestrator.Counters

	cancel          func() bool
	spinner         spinner.Model
	overallProgress progress.Model
	logLines        []LogMsg
	maxLogLines     int
	started         time.Time

	termWidth  int
	termHeight int
}

// NewAppModel creates the view. cancel is called when the user asks to stop the build.
func NewAppModel(title string, cancel func() bool) *AppModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &AppModel{
		Title:           title,
		State:           Building,
		cancel:          cancel,
		spinner:         s,
		overallProgress: progress.New(progress.WithDefaultGradient()),
		maxLogLines:     DefaultLogLines,
		started:         time.Now(),
	}
}

// --- Bubbletea Interface ---

func (m *AppModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.State {
		case Finished:
			return m, tea.Quit
		case Building:
			if msg.String() == "ctrl+c" || msg.String() == "q" {
				m.State = Cancelling
				if m.cancel != nil {
					m.cancel()
				}
			}
		}
	case tea.WindowSizeMsg:
		m.termWidth = msg.Width
		m.termHeight = msg.Height
		m.overallProgress.Width = max(0, m.termWidth-20)
	case ProgressMsg:
		m.Counters = msg.Counters
		cmd = m.overallProgress.SetPercent(percentDone(msg.Counters))
		cmds = append(cmds, cmd)
	case LogMsg:
		m.logLines = append(m.logLines, msg)
		if len(m.logLines) > m.maxLogLines {
			m.logLines = m.logLines[len(m.logLines)-m.maxLogLines:]
		}
	case BuildFinishedMsg:
		out := msg.Outcome
		m.Outcome = &out
		m.Counters = out.Counters
		m.State = Finished
		cmd = m.overallProgress.SetPercent(percentDone(out.Counters))
		cmds = append(cmds, cmd)
	case spinner.TickMsg:
		if m.State != Finished {
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}
	case progress.FrameMsg:
		progModel, frameCmd := m.overallProgress.Update(msg)
		if newModel, ok := progModel.(progress.Model); ok {
			m.overallProgress = newModel
			cmds = append(cmds, frameCmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *AppModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("--- %s ---", m.Title)))
	b.WriteString("\n\n")

	switch m.State {
	case Building:
		b.WriteString(fmt.Sprintf("%s Building...", m.spinner.View()))
	case Cancelling:
		b.WriteString(fmt.Sprintf("%s %s", m.spinner.View(), warnStyle.Render("Cancelling, waiting for the current issue to unwind...")))
	case Finished:
		b.WriteString(m.viewOutcome())
	}
	b.WriteString("\n")
	b.WriteString(progressBarStyle.Render(m.overallProgress.View()))
	b.WriteString(fmt.Sprintf(" added %d, skipped %d of %d\n", m.Counters.Added, m.Counters.Skipped, m.Counters.Total))

	if len(m.logLines) > 0 {
		b.WriteString(logHeaderStyle.Render("Log"))
		b.WriteString("\n")
		for _, l := range m.logLines {
			b.WriteString(m.renderLogLine(l))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	if m.State == Finished {
		b.WriteString(infoStyle.Render("Press any key to exit."))
	} else {
		b.WriteString(infoStyle.Render("'q' or Ctrl+C to cancel the build."))
	}
	return b.String()
}

// --- View Helpers ---

func (m *AppModel) viewOutcome() string {
	o := m.Outcome
	if o == nil {
		return ""
	}
	elapsed := humanize.RelTime(m.started, m.started.Add(o.Duration), "", "")
	switch o.Kind {
	case orchestrator.Completed:
		if !o.WroteAny {
			return warnStyle.Render(fmt.Sprintf("Completed, but no issue could be merged (issues %d-%d).", o.Range.First, o.Range.Last))
		}
		return successStyle.Render(fmt.Sprintf("Completed issues %d-%d in %s.", o.Range.First, o.Range.Last, strings.TrimSpace(elapsed)))
	case orchestrator.Canceled:
		return warnStyle.Render("Build cancelled. Issues merged so far remain in the output.")
	default:
		return errorStyle.Render(wrapText(fmt.Sprintf("Build failed: %v", o.Err), m.termWidth-4))
	}
}

func (m *AppModel) renderLogLine(l LogMsg) string {
	line := fmt.Sprintf("%s %-5s %s", l.Time.Format("15:04:05"), l.Level.String(), l.Text)
	if m.termWidth > 1 && len(line) >= m.termWidth {
		line = line[:m.termWidth-1]
	}
	switch {
	case l.Level >= slog.LevelError:
		return errorStyle.Render(line)
	case l.Level >= slog.LevelWarn:
		return warnStyle.Render(line)
	default:
		return line
	}
}

// --- Helpers ---

func percentDone(c orchestrator.Counters) float64 {
	if c.Total <= 0 {
		return 0
	}
	return float64(c.Added+c.Skipped) / float64(c.Total)
}

func wrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		return text
	}
	var result strings.Builder
	var currentLine strings.Builder
	words := strings.Fields(text)
	for _, word := range words {
		if currentLine.Len() > 0 && currentLine.Len()+len(word)+1 > maxWidth {
			result.WriteString(currentLine.String())
			result.WriteString("\n")
			currentLine.Reset()
		}
		if currentLine.Len() > 0 {
			currentLine.WriteString(" ")
		}
		currentLine.WriteString(word)
	}
	result.WriteString(currentLine.String())
	return result.String()
}

// --- Session ---

// Session couples a bubbletea program with a build running in the background.
type Session struct {
	model   *AppModel
	program *tea.Program
}

// NewSession prepares the program. The program stops when ctx is done.
func NewSession(ctx context.Context, title string, opts ...tea.ProgramOption) *Session {
	model := NewAppModel(title, nil)
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	return &Session{model: model, program: tea.NewProgram(model, opts...)}
}

// Logger returns a logger whose records appear in the view.
func (s *Session) Logger(level slog.Leveler) *slog.Logger {
	return slog.New(NewLogHandler(s.program.Send, level))
}

// Progress forwards counters to the view; it fits orchestrator.ProgressFunc.
func (s *Session) Progress(c orchestrator.Counters) {
	s.program.Send(NewProgress(c))
}

// Run shows the view while build runs and returns the build outcome once both have ended.
// cancel is invoked when the user asks to stop, and when the view exits early.
func (s *Session) Run(cancel func() bool, build func() orchestrator.Outcome) (orchestrator.Outcome, error) {
	s.model.cancel = cancel
	done := make(chan orchestrator.Outcome, 1)
	go func() {
		out := build()
		done <- out
		s.program.Send(NewBuildFinished(out))
	}()

	_, err := s.program.Run()
	select {
	case out := <-done:
		return out, nil
	default:
	}
	// The view ended before the build did.
	if cancel != nil {
		cancel()
	}
	return <-done, err
}
