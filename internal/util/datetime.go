package util

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the calendar date format accepted on the command line and in config.
const DateLayout = "2006-01-02"

var isoDateRegex *regexp.Regexp

func init() {
	// Matches "YYYY-MM-DD" exactly, allowing for optional surrounding quotes.
	isoDateRegex = regexp.MustCompile(`^"?\d{4}-\d{2}-\d{2}"?$`)
}

// IsISODate checks if a string matches the YYYY-MM-DD format (with optional quotes).
func IsISODate(s string) bool {
	return isoDateRegex.MatchString(s)
}

// CivilDate drops the clock part of t, keeping the calendar date as seen in t's own
// location, and returns it as midnight UTC so day arithmetic is exact.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the number of whole calendar days from a to b (negative if b is earlier).
func DaysBetween(a, b time.Time) int {
	return int(CivilDate(b).Sub(CivilDate(a)) / (24 * time.Hour))
}

// ParseDate converts "YYYY-MM-DD" (quotes allowed) or the literal "today" into a civil date.
// now is only consulted for "today".
func ParseDate(s string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if strings.EqualFold(trimmed, "today") {
		return CivilDate(now), nil
	}
	if !IsISODate(trimmed) {
		return time.Time{}, fmt.Errorf("date '%s' is not in YYYY-MM-DD form", s)
	}
	t, err := time.Parse(DateLayout, strings.Trim(trimmed, `"`))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date '%s': %w", s, err)
	}
	return t, nil
}

// ClampDate bounds d to [lo, hi] as civil dates.
func ClampDate(d, lo, hi time.Time) time.Time {
	d, lo, hi = CivilDate(d), CivilDate(lo), CivilDate(hi)
	if d.Before(lo) {
		return lo
	}
	if d.After(hi) {
		return hi
	}
	return d
}
