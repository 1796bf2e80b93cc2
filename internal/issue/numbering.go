// Package issue maps calendar dates onto the weekly issue numbering of the archive series
// and derives the file names belonging to each issue.
package issue

import (
	"strconv"
	"time"

	"github.com/brensch/twicmerge/internal/util"
)

// Default series parameters: issue 920 was published on 2012-07-02 and one issue follows
// every seven days.
const (
	DefaultFirstIssue    = 920
	DefaultPrefix        = "twic"
	DefaultArchiveSuffix = "g.zip"
	DefaultPayloadSuffix = ".pgn"
)

// DefaultFirstDate is the publication date of DefaultFirstIssue.
var DefaultFirstDate = time.Date(2012, time.July, 2, 0, 0, 0, 0, time.UTC)

const daysPerIssue = 7

// Scheme anchors the numbering at a known (date, issue) pair and carries the naming convention.
type Scheme struct {
	FirstIssue    int
	FirstDate     time.Time
	Prefix        string
	ArchiveSuffix string
	PayloadSuffix string
}

// DefaultScheme returns the scheme of the published series.
func DefaultScheme() Scheme {
	return Scheme{
		FirstIssue:    DefaultFirstIssue,
		FirstDate:     DefaultFirstDate,
		Prefix:        DefaultPrefix,
		ArchiveSuffix: DefaultArchiveSuffix,
		PayloadSuffix: DefaultPayloadSuffix,
	}
}

// Issue is one numbered unit of the series together with its file names.
type Issue struct {
	Number          int
	ArchiveFileName string
	PayloadFileName string
}

// Range is an inclusive span of issue numbers with First <= Last.
type Range struct {
	First int
	Last  int
}

// Len is the number of issues in the range.
func (r Range) Len() int {
	return r.Last - r.First + 1
}

// ForDate returns the issue covering date. Dates before FirstDate map to FirstIssue.
func (s Scheme) ForDate(date time.Time) int {
	days := util.DaysBetween(s.FirstDate, date)
	if days < 0 {
		return s.FirstIssue
	}
	return s.FirstIssue + days/daysPerIssue
}

// Issue derives the file names for issue number n.
func (s Scheme) Issue(n int) Issue {
	num := strconv.Itoa(n)
	return Issue{
		Number:          n,
		ArchiveFileName: s.Prefix + num + s.ArchiveSuffix,
		PayloadFileName: s.Prefix + num + s.PayloadSuffix,
	}
}

// RangeFor converts a date span into an issue range, clamping both ends to FirstIssue
// and swapping them when the end precedes the start.
func (s Scheme) RangeFor(start, end time.Time) Range {
	return s.Normalize(s.ForDate(start), s.ForDate(end))
}

// Normalize clamps both bounds to FirstIssue and orders them.
func (s Scheme) Normalize(first, last int) Range {
	first = max(first, s.FirstIssue)
	last = max(last, s.FirstIssue)
	if first > last {
		first, last = last, first
	}
	return Range{First: first, Last: last}
}

// ArchivePattern and PayloadPattern are glob patterns matching any issue's scratch files.
func (s Scheme) ArchivePattern() string { return s.Prefix + "*" + s.ArchiveSuffix }

func (s Scheme) PayloadPattern() string { return s.Prefix + "*" + s.PayloadSuffix }
