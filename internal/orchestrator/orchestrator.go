// Package orchestrator drives a build: it resolves the requested dates into an issue range,
// optionally extends it to the latest published issue, and then fetches, extracts and
// merges every issue in ascending order into one consolidated output file.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/brensch/twicmerge/internal/db"
	"github.com/brensch/twicmerge/internal/issue"
)

// ErrBuildRunning is reported when Run is called while another build is in progress.
var ErrBuildRunning = errors.New("a build is already running")

// ErrNoOutput is reported when the request names no output file.
var ErrNoOutput = errors.New("no output path given")

// ErrOutputInWorkDir is reported when the output file would collide with a scratch file name.
var ErrOutputInWorkDir = errors.New("output path collides with scratch files in the work directory")

// Fetcher downloads the archive of one issue to dest.
type Fetcher interface {
	Fetch(ctx context.Context, is issue.Issue, dest string) error
}

// LatestFinder discovers the newest published issue at or after start.
type LatestFinder interface {
	FindLatest(ctx context.Context, start int) (int, error)
}

// IndexReader reports the highest issue listed on an index page.
type IndexReader interface {
	LatestFromIndex(ctx context.Context, indexURL string) (int, error)
}

// HintStore persists the cached latest-issue hint between builds.
type HintStore interface {
	LatestIssue(ctx context.Context) (int, bool, error)
	SetLatestIssue(ctx context.Context, n int) error
}

// EventRecorder receives one record per build step.
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev db.Event) error
}

// Policy controls how the output is opened and how skips are handled.
type Policy struct {
	AppendMode      bool
	StopOnFirstSkip bool
}

// Request describes one build.
type Request struct {
	Start      time.Time
	End        time.Time
	OutputPath string
	Policy     Policy
}

// Counters track build progress. Added+Skipped never exceeds Total.
type Counters struct {
	Total   int
	Added   int
	Skipped int
}

// ProgressFunc observes counters after every change.
type ProgressFunc func(Counters)

// OutcomeKind is the terminal state of a build.
type OutcomeKind int

const (
	Completed OutcomeKind = iota
	Canceled
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of Run.
type Outcome struct {
	Kind     OutcomeKind
	WroteAny bool
	Err      error
	Counters Counters
	Range    issue.Range
	BuildID  string
	Duration time.Duration
}

// Options configure a Builder.
type Options struct {
	Scheme   issue.Scheme
	WorkDir  string
	IndexURL string
	// Now returns the current time; civil "today" is derived from it. Defaults to time.Now.
	Now func() time.Time
}

// Deps are the collaborators of a Builder. Fetcher is required; the rest are optional.
type Deps struct {
	Fetcher  Fetcher
	Finder   LatestFinder
	Index    IndexReader
	Hints    HintStore
	Events   EventRecorder
	Progress ProgressFunc
	Logger   *slog.Logger
}

// Builder runs at most one build at a time.
type Builder struct {
	opts Options
	deps Deps

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Builder.
func New(opts Options, deps Deps) *Builder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Builder{opts: opts, deps: deps}
}

// Cancel requests cancellation of the running build. It reports whether a build was running.
func (b *Builder) Cancel() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return false
	}
	b.cancel()
	return true
}

// Running reports whether a build is in progress.
func (b *Builder) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

func (b *Builder) begin(cancel context.CancelFunc) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return false
	}
	b.cancel = cancel
	return true
}

func (b *Builder) end() {
	b.mu.Lock()
	b.cancel = nil
	b.mu.Unlock()
}

func (b *Builder) emit(c Counters) {
	if b.deps.Progress != nil {
		b.deps.Progress(c)
	}
}

// record writes an event, detached from cancellation so the final steps of a canceled
// build still land. Failures are logged and dropped.
func (b *Builder) record(ctx context.Context, l *slog.Logger, ev db.Event) {
	if b.deps.Events == nil {
		return
	}
	if err := b.deps.Events.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		l.Debug("Failed to record event.", "event", ev.Event, "error", err)
	}
}
