package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/twicmerge/internal/db"
	"github.com/brensch/twicmerge/internal/issue"
	"github.com/brensch/twicmerge/internal/prober"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func payload(n int) string {
	return fmt.Sprintf("[Event \"Issue %d\"]\n[Date \"2012.07.01\"]\n\n1. e4 e5 *\n\n", n)
}

// fakeFetcher writes a zip holding payload(n) unless told to fail.
type fakeFetcher struct {
	mu      sync.Mutex
	fail    map[int]bool
	noEntry map[int]bool
	hook    func(ctx context.Context, n int)
	calls   []int
}

func (f *fakeFetcher) Fetch(ctx context.Context, is issue.Issue, dest string) error {
	f.mu.Lock()
	f.calls = append(f.calls, is.Number)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, is.Number)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.fail[is.Number] {
		return errors.New("both endpoints failed")
	}
	name := is.PayloadFileName
	if f.noEntry[is.Number] {
		name = "readme.txt"
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, payload(is.Number)); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return os.WriteFile(dest, buf.Bytes(), 0o644)
}

func (f *fakeFetcher) Calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type memHints struct {
	n     int
	found bool
	sets  []int
}

func (m *memHints) LatestIssue(context.Context) (int, bool, error) { return m.n, m.found, nil }

func (m *memHints) SetLatestIssue(_ context.Context, n int) error {
	m.n, m.found = n, true
	m.sets = append(m.sets, n)
	return nil
}

type memEvents struct {
	mu     sync.Mutex
	events []db.Event
}

func (m *memEvents) RecordEvent(_ context.Context, ev db.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memEvents) kinds(issueNum int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events {
		if ev.Issue == issueNum {
			out = append(out, ev.Event)
		}
	}
	return out
}

type harness struct {
	builder  *Builder
	fetcher  *fakeFetcher
	hints    *memHints
	events   *memEvents
	progress []Counters
	workDir  string
	output   string
}

func newHarness(t *testing.T, now time.Time, finder LatestFinder) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		fetcher: &fakeFetcher{fail: map[int]bool{}, noEntry: map[int]bool{}},
		hints:   &memHints{},
		events:  &memEvents{},
		workDir: filepath.Join(dir, "work"),
		output:  filepath.Join(dir, "out", "all.pgn"),
	}
	h.builder = New(
		Options{Scheme: issue.DefaultScheme(), WorkDir: h.workDir, Now: func() time.Time { return now }},
		Deps{
			Fetcher:  h.fetcher,
			Finder:   finder,
			Hints:    h.hints,
			Events:   h.events,
			Progress: func(c Counters) { h.progress = append(h.progress, c) },
			Logger:   discard(),
		},
	)
	return h
}

func (h *harness) request(start, end time.Time) Request {
	return Request{Start: start, End: end, OutputPath: h.output}
}

func (h *harness) outputContent(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(h.output)
	require.NoError(t, err)
	return string(b)
}

func (h *harness) assertWorkDirClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workDir)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files left behind")
}

var later = date(2013, time.January, 1)

func TestRun_AllIssuesMerged(t *testing.T) {
	h := newHarness(t, later, nil)

	out := h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 16)))

	require.NoError(t, out.Err)
	assert.Equal(t, Completed, out.Kind)
	assert.True(t, out.WroteAny)
	assert.Equal(t, issue.Range{First: 920, Last: 922}, out.Range)
	assert.Equal(t, Counters{Total: 3, Added: 3}, out.Counters)
	assert.NotEmpty(t, out.BuildID)
	assert.Equal(t, payload(920)+payload(921)+payload(922), h.outputContent(t))
	assert.Equal(t, 922, h.hints.n, "hint follows the highest merged issue")
	h.assertWorkDirClean(t)

	require.NotEmpty(t, h.progress)
	assert.Equal(t, Counters{Total: 3}, h.progress[0])
	assert.Equal(t, Counters{Total: 3, Added: 3}, h.progress[len(h.progress)-1])

	assert.Equal(t, []string{db.EventDownloadStart, db.EventDownloadEnd, db.EventExtractEnd, db.EventMergeEnd}, h.events.kinds(921))
}

func TestRun_SkipAndContinue(t *testing.T) {
	h := newHarness(t, later, nil)
	h.fetcher.fail[921] = true

	out := h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 16)))

	assert.Equal(t, Completed, out.Kind)
	assert.Equal(t, Counters{Total: 3, Added: 2, Skipped: 1}, out.Counters)
	assert.Equal(t, []int{920, 921, 922}, h.fetcher.Calls())
	assert.Equal(t, payload(920)+payload(922), h.outputContent(t))
	assert.Contains(t, h.events.kinds(921), db.EventSkip)
	h.assertWorkDirClean(t)
}

func TestRun_StopOnFirstSkip(t *testing.T) {
	h := newHarness(t, later, nil)
	h.fetcher.fail[921] = true
	req := h.request(date(2012, 7, 2), date(2012, 7, 16))
	req.Policy.StopOnFirstSkip = true

	out := h.builder.Run(context.Background(), req)

	assert.Equal(t, Completed, out.Kind)
	assert.True(t, out.WroteAny)
	assert.Equal(t, Counters{Total: 3, Added: 1, Skipped: 1}, out.Counters)
	assert.Equal(t, []int{920, 921}, h.fetcher.Calls(), "922 is never attempted")
	assert.Equal(t, payload(920), h.outputContent(t))
}

func TestRun_MissingEntryIsASkip(t *testing.T) {
	h := newHarness(t, later, nil)
	h.fetcher.noEntry[920] = true

	out := h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 9)))

	assert.Equal(t, Completed, out.Kind)
	assert.Equal(t, Counters{Total: 2, Added: 1, Skipped: 1}, out.Counters)
	assert.Equal(t, payload(921), h.outputContent(t))
	h.assertWorkDirClean(t)
}

func TestRun_NothingMerged(t *testing.T) {
	h := newHarness(t, later, nil)
	h.fetcher.fail[920] = true

	out := h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 2)))

	assert.Equal(t, Completed, out.Kind)
	assert.False(t, out.WroteAny)
	assert.Empty(t, h.outputContent(t))
	assert.Empty(t, h.hints.sets)
}

func TestRun_InvertedDatesAreSwapped(t *testing.T) {
	h := newHarness(t, later, nil)

	out := h.builder.Run(context.Background(), h.request(date(2012, 7, 16), date(2012, 7, 2)))

	assert.Equal(t, issue.Range{First: 920, Last: 922}, out.Range)
	assert.Equal(t, []int{920, 921, 922}, h.fetcher.Calls())
}

func TestRun_DatesBeforeFirstIssueClamp(t *testing.T) {
	h := newHarness(t, later, nil)

	out := h.builder.Run(context.Background(), h.request(date(2010, 1, 1), date(2012, 7, 3)))

	assert.Equal(t, issue.Range{First: 920, Last: 920}, out.Range)
}

func TestRun_AppendModeKeepsExistingContent(t *testing.T) {
	h := newHarness(t, later, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.output), 0o755))
	require.NoError(t, os.WriteFile(h.output, []byte("existing\n"), 0o644))
	req := h.request(date(2012, 7, 2), date(2012, 7, 2))
	req.Policy.AppendMode = true

	out := h.builder.Run(context.Background(), req)

	assert.Equal(t, Completed, out.Kind)
	assert.Equal(t, "existing\n"+payload(920), h.outputContent(t))
}

func TestRun_TruncateModeReplacesContent(t *testing.T) {
	h := newHarness(t, later, nil)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.output), 0o755))
	require.NoError(t, os.WriteFile(h.output, []byte("existing\n"), 0o644))

	h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 2)))

	assert.Equal(t, payload(920), h.outputContent(t))
}

func TestRun_OutputOpenFailureIsFatal(t *testing.T) {
	h := newHarness(t, later, nil)
	req := h.request(date(2012, 7, 2), date(2012, 7, 16))
	req.OutputPath = t.TempDir() // a directory cannot be opened for writing

	out := h.builder.Run(context.Background(), req)

	assert.Equal(t, Failed, out.Kind)
	assert.Error(t, out.Err)
	assert.Empty(t, h.fetcher.Calls(), "no issue is processed")
	assert.Equal(t, Counters{Total: 3}, out.Counters)
}

func TestRun_EmptyOutputPath(t *testing.T) {
	h := newHarness(t, later, nil)
	req := h.request(date(2012, 7, 2), date(2012, 7, 2))
	req.OutputPath = ""

	out := h.builder.Run(context.Background(), req)

	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrNoOutput)
}

func TestRun_CancelMidIssue(t *testing.T) {
	h := newHarness(t, later, nil)
	h.fetcher.hook = func(_ context.Context, n int) {
		if n == 921 {
			h.builder.Cancel()
		}
	}

	out := h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 16)))

	assert.Equal(t, Canceled, out.Kind)
	assert.True(t, out.WroteAny)
	assert.Equal(t, Counters{Total: 3, Added: 1}, out.Counters, "a cancelled issue is not a skip")
	assert.Equal(t, []int{920, 921}, h.fetcher.Calls())
	assert.Equal(t, payload(920), h.outputContent(t))
	assert.Equal(t, []int{920}, h.hints.sets)
	assert.False(t, h.builder.Running())
	h.assertWorkDirClean(t)
}

func TestRun_ParentContextCancelled(t *testing.T) {
	h := newHarness(t, later, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.builder.Run(ctx, h.request(date(2012, 7, 2), date(2012, 7, 16)))

	assert.Equal(t, Canceled, out.Kind)
	assert.False(t, out.WroteAny)
	assert.Empty(t, h.fetcher.Calls())
}

func TestRun_RejectsConcurrentBuild(t *testing.T) {
	h := newHarness(t, later, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	h.fetcher.hook = func(_ context.Context, n int) {
		if n == 920 {
			close(entered)
			<-release
		}
	}

	done := make(chan Outcome, 1)
	go func() {
		done <- h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 2)))
	}()

	<-entered
	assert.True(t, h.builder.Running())
	second := h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 2)))
	assert.Equal(t, Failed, second.Kind)
	assert.ErrorIs(t, second.Err, ErrBuildRunning)

	close(release)
	first := <-done
	assert.Equal(t, Completed, first.Kind)
	assert.Equal(t, []int{920}, h.fetcher.Calls())
	assert.False(t, h.builder.Cancel(), "nothing to cancel once finished")
}

func TestRun_ProbesWhenEndIsToday(t *testing.T) {
	// 2012-09-03 is the publication date of issue 929.
	today := date(2012, time.September, 3)
	published := map[int]bool{931: true}
	finder := prober.New(prober.ExistsFunc(func(_ context.Context, n int) (bool, error) {
		return published[n], nil
	}), issue.DefaultFirstIssue, prober.DefaultMissThreshold, discard())
	h := newHarness(t, today.Add(15*time.Hour), finder)
	h.hints.n, h.hints.found = 930, true

	out := h.builder.Run(context.Background(), h.request(today, today))

	assert.Equal(t, Completed, out.Kind)
	assert.Equal(t, issue.Range{First: 929, Last: 931}, out.Range)
	assert.Equal(t, []int{929, 930, 931}, h.fetcher.Calls())
	assert.Equal(t, 931, h.hints.n)
}

func TestRun_NoProbeForPastEnd(t *testing.T) {
	probed := false
	finder := prober.New(prober.ExistsFunc(func(context.Context, int) (bool, error) {
		probed = true
		return false, nil
	}), issue.DefaultFirstIssue, 2, discard())
	h := newHarness(t, later, finder)

	h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 2)))

	assert.False(t, probed)
}

type fixedIndex int

func (f fixedIndex) LatestFromIndex(context.Context, string) (int, error) { return int(f), nil }

func TestRun_IndexHintSeedsProbe(t *testing.T) {
	today := date(2012, time.July, 2)
	var seeds []int
	finder := finderFunc(func(_ context.Context, start int) (int, error) {
		seeds = append(seeds, start)
		return start, nil
	})
	h := newHarness(t, today, finder)
	h.builder.deps.Index = fixedIndex(921)
	h.builder.opts.IndexURL = "http://example.invalid/zips/"

	out := h.builder.Run(context.Background(), h.request(today, today))

	assert.Equal(t, []int{921}, seeds)
	assert.Equal(t, issue.Range{First: 920, Last: 921}, out.Range)
}

type finderFunc func(ctx context.Context, start int) (int, error)

func (f finderFunc) FindLatest(ctx context.Context, start int) (int, error) { return f(ctx, start) }

func TestRun_PurgesStrayScratchFiles(t *testing.T) {
	h := newHarness(t, later, nil)
	require.NoError(t, os.MkdirAll(h.workDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.workDir, "twic1000g.zip"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.workDir, "twic1000.pgn"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(h.workDir, "notes.txt"), []byte("x"), 0o644))

	h.builder.Run(context.Background(), h.request(date(2012, 7, 2), date(2012, 7, 2)))

	entries, err := os.ReadDir(h.workDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "notes.txt", entries[0].Name())
}

func TestRun_OutputInWorkDirIsFatal(t *testing.T) {
	testCases := []struct {
		name string
		file string
	}{
		{"merged name matching payload pattern", "twic_merged.pgn"},
		{"name of an issue payload", "twic921.pgn"},
		{"name of an issue archive", "twic920g.zip"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, later, nil)
			require.NoError(t, os.MkdirAll(h.workDir, 0o755))
			output := filepath.Join(h.workDir, tc.file)
			require.NoError(t, os.WriteFile(output, []byte("earlier build\n"), 0o644))
			req := h.request(date(2012, 7, 2), date(2012, 7, 16))
			req.OutputPath = output

			out := h.builder.Run(context.Background(), req)

			assert.Equal(t, Failed, out.Kind)
			assert.ErrorIs(t, out.Err, ErrOutputInWorkDir)
			assert.Empty(t, h.fetcher.Calls(), "no issue is processed")
			data, err := os.ReadFile(output)
			require.NoError(t, err, "the purge leaves the output alone")
			assert.Equal(t, "earlier build\n", string(data))
		})
	}
}

func TestRun_OutputInWorkDirViaRelativePath(t *testing.T) {
	h := newHarness(t, later, nil)
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, filepath.Join(h.workDir, "twic921.pgn"))
	require.NoError(t, err)
	req := h.request(date(2012, 7, 2), date(2012, 7, 16))
	req.OutputPath = rel

	out := h.builder.Run(context.Background(), req)

	assert.ErrorIs(t, out.Err, ErrOutputInWorkDir)
	assert.Empty(t, h.fetcher.Calls())
}

func TestRun_OutputInWorkDirWithOtherNameIsAllowed(t *testing.T) {
	h := newHarness(t, later, nil)
	req := h.request(date(2012, 7, 2), date(2012, 7, 9))
	req.OutputPath = filepath.Join(h.workDir, "all.pgn")

	out := h.builder.Run(context.Background(), req)

	require.Equal(t, Completed, out.Kind)
	data, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, payload(920)+payload(921), string(data))
}

func TestRun_NoExtensionWhenOnlyStartIsToday(t *testing.T) {
	today := date(2012, time.July, 16)
	searched := false
	finder := finderFunc(func(_ context.Context, start int) (int, error) {
		searched = true
		return start + 5, nil
	})
	h := newHarness(t, today, finder)

	out := h.builder.Run(context.Background(), h.request(today, date(2012, 7, 2)))

	assert.False(t, searched, "a past requested end never extends the range")
	assert.Equal(t, issue.Range{First: 920, Last: 922}, out.Range)
	assert.Equal(t, []int{920, 921, 922}, h.fetcher.Calls())
}

func TestDecide(t *testing.T) {
	failure := errors.New("boom")
	testCases := []struct {
		name string
		err  error
		stop bool
		want Step
	}{
		{"success", nil, false, Continue},
		{"success with stop policy", nil, true, Continue},
		{"failure", failure, false, SkipAndContinue},
		{"failure with stop policy", failure, true, SkipAndStop},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decide(tc.err, tc.stop))
		})
	}
}

func TestIssueError(t *testing.T) {
	inner := errors.New("no such entry")
	err := &IssueError{Issue: 921, Stage: "extract", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "issue 921: extract: no such entry", err.Error())
}
