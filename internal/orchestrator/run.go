package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/brensch/twicmerge/internal/db"
	"github.com/brensch/twicmerge/internal/issue"
	"github.com/brensch/twicmerge/internal/processor"
	"github.com/brensch/twicmerge/internal/util"
)

// IssueError reports which stage of an issue failed.
type IssueError struct {
	Issue int
	Stage string
	Err   error
}

func (e *IssueError) Error() string {
	return fmt.Sprintf("issue %d: %s: %v", e.Issue, e.Stage, e.Err)
}

func (e *IssueError) Unwrap() error { return e.Err }

// Run executes one build and blocks until it finishes. Cancelling ctx or calling Cancel
// stops the build at the next suspension point; bytes merged so far stay in the output.
func (b *Builder) Run(ctx context.Context, req Request) Outcome {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !b.begin(cancel) {
		return Outcome{Kind: Failed, Err: ErrBuildRunning}
	}
	defer b.end()

	buildID := uuid.NewString()
	l := b.deps.Logger.With(slog.String("build_id", buildID))
	started := time.Now()

	// Stray scratch files are purged whatever the outcome. The output is never one of them.
	keep := []string{absPath(req.OutputPath)}
	defer func() {
		if n := util.PurgeMatching(l, b.opts.WorkDir, keep, b.opts.Scheme.ArchivePattern(), b.opts.Scheme.PayloadPattern()); n > 0 {
			l.Debug("Purged stray scratch files.", slog.Int("count", n))
		}
	}()

	out := b.run(runCtx, l, buildID, req)
	out.BuildID = buildID
	out.Duration = time.Since(started)

	msg := out.Kind.String()
	if out.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, out.Err)
	}
	b.record(runCtx, l, db.Event{BuildID: buildID, Event: db.EventBuildEnd, Message: msg, Duration: out.Duration})
	l.Info("Build finished.",
		slog.String("outcome", out.Kind.String()),
		slog.Bool("wrote_any", out.WroteAny),
		slog.Int("added", out.Counters.Added),
		slog.Int("skipped", out.Counters.Skipped),
		slog.Int("total", out.Counters.Total),
		slog.Duration("duration", out.Duration.Round(time.Millisecond)),
	)
	return out
}

func (b *Builder) run(ctx context.Context, l *slog.Logger, buildID string, req Request) Outcome {
	scheme := b.opts.Scheme

	// --- Phase 1: Resolve the issue range ---
	today := util.CivilDate(b.opts.Now())
	start := util.ClampDate(util.CivilDate(req.Start), scheme.FirstDate, today)
	end := util.ClampDate(util.CivilDate(req.End), scheme.FirstDate, today)
	// Only a requested end of today extends the range, whichever way round the dates came.
	endIsToday := end.Equal(today)
	if end.Before(start) {
		l.Info("End date precedes start date, swapping.", "start", start.Format(util.DateLayout), "end", end.Format(util.DateLayout))
		start, end = end, start
	}
	rng := scheme.RangeFor(start, end)
	l.Info("Resolved issue range.",
		"start", start.Format(util.DateLayout),
		"end", end.Format(util.DateLayout),
		slog.Int("first", rng.First),
		slog.Int("last", rng.Last),
	)
	b.record(ctx, l, db.Event{BuildID: buildID, Event: db.EventBuildStart, Message: fmt.Sprintf("issues %d-%d", rng.First, rng.Last)})

	hint, _ := b.loadHint(ctx, l)
	hintDirty := false

	// --- Phase 2: Extend to the latest published issue ---
	if endIsToday && b.deps.Finder != nil {
		seed := max(rng.Last, hint, b.indexHint(ctx, l))
		latest, err := b.deps.Finder.FindLatest(ctx, seed)
		if err != nil {
			if ctx.Err() != nil {
				l.Warn("Build cancelled while probing for the latest issue.")
				return Outcome{Kind: Canceled, Range: rng, Counters: Counters{Total: rng.Len()}}
			}
			l.Warn("Latest issue probe failed, keeping computed range.", "error", err)
		} else {
			if latest > rng.Last {
				l.Info("Extending range to latest published issue.", slog.Int("from", rng.Last), slog.Int("to", latest))
				rng.Last = latest
			}
			if latest > hint {
				hint = latest
				hintDirty = !b.saveHint(ctx, l, hint)
			}
		}
	}

	// --- Phase 3: Counters ---
	counters := Counters{Total: rng.Len()}
	b.emit(counters)

	// --- Phase 4: Output and work area ---
	if err := b.checkOutputPath(req.OutputPath); err != nil {
		l.Error("Output file would be overwritten by scratch files, no issues processed.", "path", req.OutputPath, "error", err)
		b.record(ctx, l, db.Event{BuildID: buildID, Event: db.EventError, Message: err.Error()})
		return Outcome{Kind: Failed, Err: err, Counters: counters, Range: rng}
	}
	out, err := openOutput(req.OutputPath, req.Policy.AppendMode)
	if err != nil {
		l.Error("Cannot open output file, no issues processed.", "path", req.OutputPath, "error", err)
		b.record(ctx, l, db.Event{BuildID: buildID, Event: db.EventError, Message: err.Error()})
		return Outcome{Kind: Failed, Err: err, Counters: counters, Range: rng}
	}
	if err := os.MkdirAll(b.opts.WorkDir, 0o755); err != nil {
		out.Close()
		err = fmt.Errorf("failed to create work directory %s: %w", b.opts.WorkDir, err)
		l.Error("Cannot create work directory, no issues processed.", "error", err)
		b.record(ctx, l, db.Event{BuildID: buildID, Event: db.EventError, Message: err.Error()})
		return Outcome{Kind: Failed, Err: err, Counters: counters, Range: rng}
	}
	l.Info("Output opened.", "path", req.OutputPath, slog.Bool("append", req.Policy.AppendMode))

	// --- Phase 5: Issues in ascending order ---
	canceled := false
loop:
	for n := rng.First; n <= rng.Last; n++ {
		if ctx.Err() != nil {
			l.Warn("Build cancelled.", slog.Int("next_issue", n))
			canceled = true
			break
		}
		il := l.With(slog.Int("issue", n), slog.Int("issue_num", n-rng.First+1), slog.Int("total_issues", rng.Len()))

		issueErr := b.processIssue(ctx, il, buildID, scheme.Issue(n), out)
		if issueErr != nil && ctx.Err() != nil {
			il.Warn("Build cancelled while handling issue, partial work discarded.")
			canceled = true
			break
		}

		switch step := decide(issueErr, req.Policy.StopOnFirstSkip); step {
		case Continue:
			counters.Added++
			b.emit(counters)
			if n > hint {
				hint = n
				hintDirty = true
			}
		case SkipAndContinue, SkipAndStop:
			il.Warn("Issue skipped.", "reason", issueErr, slog.Bool("stop", step == SkipAndStop))
			b.record(ctx, il, db.Event{BuildID: buildID, Issue: n, Event: db.EventSkip, Message: issueErr.Error()})
			counters.Skipped++
			b.emit(counters)
			if step == SkipAndStop {
				l.Warn("Stopping at first skipped issue.", slog.Int("issue", n))
				break loop
			}
		}
	}

	// --- Phase 6: Flush and close ---
	closeErr := closeOutput(out)
	if closeErr != nil {
		l.Error("Failed to flush output file.", "path", req.OutputPath, "error", closeErr)
	}
	if hintDirty {
		b.saveHint(ctx, l, hint)
	}

	outcome := Outcome{WroteAny: counters.Added > 0, Counters: counters, Range: rng}
	switch {
	case canceled:
		outcome.Kind = Canceled
	case closeErr != nil:
		outcome.Kind = Failed
		outcome.Err = closeErr
	default:
		outcome.Kind = Completed
	}
	return outcome
}

// processIssue fetches, extracts and merges one issue. Its scratch files are removed on return.
func (b *Builder) processIssue(ctx context.Context, l *slog.Logger, buildID string, is issue.Issue, out processor.Output) error {
	archivePath := filepath.Join(b.opts.WorkDir, is.ArchiveFileName)
	payloadPath := filepath.Join(b.opts.WorkDir, is.PayloadFileName)
	defer util.RemoveQuietly(l, archivePath)
	defer util.RemoveQuietly(l, payloadPath)

	l.Info("Downloading archive.", "file", is.ArchiveFileName)
	b.record(ctx, l, db.Event{BuildID: buildID, Issue: is.Number, Event: db.EventDownloadStart})
	t0 := time.Now()
	if err := b.deps.Fetcher.Fetch(ctx, is, archivePath); err != nil {
		return &IssueError{Issue: is.Number, Stage: "download", Err: err}
	}
	var archiveSize int64
	if fi, err := os.Stat(archivePath); err == nil {
		archiveSize = fi.Size()
	}
	b.record(ctx, l, db.Event{BuildID: buildID, Issue: is.Number, Event: db.EventDownloadEnd, Bytes: archiveSize, Duration: time.Since(t0)})

	t1 := time.Now()
	extracted, err := processor.ExtractEntry(ctx, l, archivePath, is.PayloadFileName, payloadPath)
	if err != nil {
		return &IssueError{Issue: is.Number, Stage: "extract", Err: err}
	}
	util.RemoveQuietly(l, archivePath)
	b.record(ctx, l, db.Event{BuildID: buildID, Issue: is.Number, Event: db.EventExtractEnd, Bytes: extracted, Duration: time.Since(t1)})

	games := countGames(ctx, l, payloadPath)

	t2 := time.Now()
	merged, err := processor.AppendTo(ctx, l, payloadPath, out)
	if err != nil {
		return &IssueError{Issue: is.Number, Stage: "merge", Err: err}
	}
	b.record(ctx, l, db.Event{BuildID: buildID, Issue: is.Number, Event: db.EventMergeEnd, Bytes: merged, Games: games, Duration: time.Since(t0)})
	l.Info("Issue merged.",
		"size", humanize.Bytes(uint64(merged)),
		slog.Int("games", games),
		slog.Duration("merge_duration", time.Since(t2).Round(time.Millisecond)),
	)
	return nil
}

// countGames is informational; failures yield zero.
func countGames(ctx context.Context, l *slog.Logger, path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	n, err := util.CountGames(ctx, f)
	if err != nil {
		l.Debug("Failed to count games.", "error", err)
		return 0
	}
	return n
}

func (b *Builder) loadHint(ctx context.Context, l *slog.Logger) (int, bool) {
	if b.deps.Hints == nil {
		return 0, false
	}
	n, found, err := b.deps.Hints.LatestIssue(ctx)
	if err != nil {
		l.Warn("Failed to read cached latest issue.", "error", err)
		return 0, false
	}
	if found {
		l.Debug("Loaded cached latest issue.", slog.Int("hint", n))
	}
	return n, found
}

// saveHint reports whether the hint was stored.
func (b *Builder) saveHint(ctx context.Context, l *slog.Logger, n int) bool {
	if b.deps.Hints == nil {
		return true
	}
	if err := b.deps.Hints.SetLatestIssue(context.WithoutCancel(ctx), n); err != nil {
		l.Warn("Failed to store cached latest issue.", slog.Int("hint", n), "error", err)
		return false
	}
	l.Debug("Stored cached latest issue.", slog.Int("hint", n))
	return true
}

func (b *Builder) indexHint(ctx context.Context, l *slog.Logger) int {
	if b.deps.Index == nil || b.opts.IndexURL == "" {
		return 0
	}
	n, err := b.deps.Index.LatestFromIndex(ctx, b.opts.IndexURL)
	if err != nil {
		l.Warn("Failed to read index page, ignoring.", "url", b.opts.IndexURL, "error", err)
		return 0
	}
	l.Debug("Index page lists issue.", slog.Int("latest", n))
	return n
}

// checkOutputPath rejects an output that sits in the work directory under a name the
// scratch files or the purge could claim.
func (b *Builder) checkOutputPath(path string) error {
	if path == "" {
		return nil
	}
	out, work := absPath(path), absPath(b.opts.WorkDir)
	if filepath.Dir(out) != work {
		return nil
	}
	name := filepath.Base(out)
	for _, pattern := range []string{b.opts.Scheme.ArchivePattern(), b.opts.Scheme.PayloadPattern()} {
		if ok, _ := filepath.Match(pattern, name); ok {
			return fmt.Errorf("%w: %s matches %s in %s", ErrOutputInWorkDir, name, pattern, work)
		}
	}
	return nil
}

func absPath(path string) string {
	if path == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func openOutput(path string, appendMode bool) (*os.File, error) {
	if path == "" {
		return nil, ErrNoOutput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory for %s: %w", path, err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output %s: %w", path, err)
	}
	return f, nil
}

func closeOutput(f *os.File) error {
	return errors.Join(f.Sync(), f.Close())
}
