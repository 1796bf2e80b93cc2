package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/brensch/twicmerge/internal/orchestrator"
)

// --- Progress Messages ---

// ProgressMsg carries the build counters after a change.
type ProgressMsg struct {
	Counters orchestrator.Counters
}

// LogMsg is one formatted log record forwarded from the build.
type LogMsg struct {
	Time  time.Time
	Level slog.Level
	Text  string
}

// BuildFinishedMsg signals the end of the build.
type BuildFinishedMsg struct {
	Outcome orchestrator.Outcome
}

func NewProgress(c orchestrator.Counters) ProgressMsg {
	return ProgressMsg{Counters: c}
}

func NewBuildFinished(o orchestrator.Outcome) BuildFinishedMsg {
	return BuildFinishedMsg{Outcome: o}
}

func (p ProgressMsg) String() string {
	return fmt.Sprintf("Progress: %d added, %d skipped of %d", p.Counters.Added, p.Counters.Skipped, p.Counters.Total)
}

func (l LogMsg) String() string { return fmt.Sprintf("%s %s", l.Level, l.Text) }

func (b BuildFinishedMsg) String() string { return fmt.Sprintf("BuildFinished %s", b.Outcome.Kind) }
