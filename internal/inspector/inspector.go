// Package inspector summarizes a consolidated PGN file.
package inspector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/brensch/twicmerge/internal/util"
)

// Count pairs a tag value with the number of games carrying it.
type Count struct {
	Name  string
	Games int
}

// Summary describes the contents of a PGN file.
type Summary struct {
	Path     string
	Size     int64
	Games    int
	Earliest string // PGN date, YYYY.MM.DD
	Latest   string
	Events   []Count // most games first
	Results  []Count
}

// maxLineSize bounds one PGN line. Consolidated files can carry movetext or comments
// written on a single line far longer than a normal game.
const maxLineSize = 64 * 1024 * 1024

// Inspect streams the file at path and summarizes its games.
func Inspect(ctx context.Context, path string, logger *slog.Logger) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	s := Summary{Path: path}
	if fi, err := f.Stat(); err == nil {
		s.Size = fi.Size()
	}
	logger.Info("Inspecting PGN file.", "path", path, "size", humanize.Bytes(uint64(s.Size)))

	events := map[string]int{}
	results := map[string]int{}
	gs := util.NewGameScanner(ctx, f)
	gs.Buffer(make([]byte, 0, 1024*1024), maxLineSize)
	for gs.Scan() {
		g := gs.Game()
		s.Games++
		events[tagOr(g, "Event", "?")]++
		results[tagOr(g, "Result", "*")]++
		if d, ok := completeDate(g.Tags["Date"]); ok {
			if s.Earliest == "" || d < s.Earliest {
				s.Earliest = d
			}
			if d > s.Latest {
				s.Latest = d
			}
		}
	}
	if err := gs.Err(); err != nil {
		return s, fmt.Errorf("failed to read %s: %w", path, err)
	}

	s.Events = sortedCounts(events)
	s.Results = sortedCounts(results)
	logger.Debug("Inspection finished.", slog.Int("games", s.Games), slog.Int("events", len(s.Events)))
	return s, nil
}

func tagOr(g util.Game, name, fallback string) string {
	if v := strings.TrimSpace(g.Tags[name]); v != "" {
		return v
	}
	return fallback
}

// completeDate accepts PGN dates without unknown ("?") parts.
func completeDate(d string) (string, bool) {
	if len(d) != len("2006.01.02") || strings.Contains(d, "?") {
		return "", false
	}
	return d, true
}

func sortedCounts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for name, n := range m {
		out = append(out, Count{Name: name, Games: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Games != out[j].Games {
			return out[i].Games > out[j].Games
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Render writes the summary as tables, listing at most topEvents events (0 for all).
func Render(w io.Writer, s Summary, topEvents int) {
	overview := table.NewWriter()
	overview.SetOutputMirror(w)
	overview.SetTitle("PGN summary")
	overview.AppendRows([]table.Row{
		{"File", s.Path},
		{"Size", humanize.Bytes(uint64(s.Size))},
		{"Games", humanize.Comma(int64(s.Games))},
		{"Earliest date", s.Earliest},
		{"Latest date", s.Latest},
		{"Events", len(s.Events)},
	})
	overview.Render()

	results := table.NewWriter()
	results.SetOutputMirror(w)
	results.AppendHeader(table.Row{"Result", "Games"})
	for _, c := range s.Results {
		results.AppendRow(table.Row{c.Name, c.Games})
	}
	results.Render()

	events := s.Events
	if topEvents > 0 && len(events) > topEvents {
		events = events[:topEvents]
	}
	if len(events) == 0 {
		return
	}
	et := table.NewWriter()
	et.SetOutputMirror(w)
	et.AppendHeader(table.Row{"Event", "Games"})
	for _, c := range events {
		et.AppendRow(table.Row{c.Name, c.Games})
	}
	et.SetStyle(table.StyleLight)
	et.Render()
}
