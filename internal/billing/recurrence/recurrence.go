// Package recurrence decides on which calendar dates a subscription fires.
//
// Only DAILY and WEEKLY rules with INTERVAL and BYDAY are supported. Every
// date is normalised to a UTC midnight before comparison.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/aquaflow/aquaflow/internal/shared"
)

// Frequency enumerates supported rule frequencies.
type Frequency string

const (
	Daily  Frequency = "DAILY"
	Weekly Frequency = "WEEKLY"
)

const day = 24 * time.Hour

// Rule describes when a subscription recurs.
type Rule struct {
	Frequency Frequency      `json:"frequency"`
	Interval  int            `json:"interval"`
	ByWeekday []time.Weekday `json:"by_weekday,omitempty"`
}

var weekdayCodes = map[string]time.Weekday{
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
	"SU": time.Sunday,
}

// ParseWeekday converts a two-letter BYDAY code.
func ParseWeekday(code string) (time.Weekday, error) {
	wd, ok := weekdayCodes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return 0, shared.Invalid("by_weekday", fmt.Sprintf("unknown weekday %q", code))
	}
	return wd, nil
}

// ParseWeekdays converts a list of BYDAY codes.
func ParseWeekdays(codes []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(codes))
	for _, c := range codes {
		wd, err := ParseWeekday(c)
		if err != nil {
			return nil, err
		}
		out = append(out, wd)
	}
	return out, nil
}

// WeekdayCode renders the BYDAY code for wd.
func WeekdayCode(wd time.Weekday) string {
	return strings.ToUpper(wd.String()[:2])
}

// Validate rejects rules that could never fire or are malformed. Callers run
// it when a subscription is created; evaluation does not repair bad rules.
func (r Rule) Validate() error {
	switch r.Frequency {
	case Daily, Weekly:
	default:
		return shared.Invalid("frequency", fmt.Sprintf("unsupported frequency %q", r.Frequency))
	}
	if r.Interval < 1 {
		return shared.Invalid("interval", "must be >= 1")
	}
	if r.Frequency == Weekly && len(r.ByWeekday) == 0 {
		return shared.Invalid("by_weekday", "required for WEEKLY")
	}
	seen := make(map[time.Weekday]bool, len(r.ByWeekday))
	for _, wd := range r.ByWeekday {
		if wd < time.Sunday || wd > time.Saturday {
			return shared.Invalid("by_weekday", fmt.Sprintf("invalid weekday %d", wd))
		}
		if seen[wd] {
			return shared.Invalid("by_weekday", fmt.Sprintf("duplicate weekday %s", WeekdayCode(wd)))
		}
		seen[wd] = true
	}
	return nil
}

// NormalizeDate truncates t to midnight UTC of its UTC calendar day.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// StartOfWeek returns the Monday on or before t.
func StartOfWeek(t time.Time) time.Time {
	t = NormalizeDate(t)
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

// daysBetween counts whole days from a to b; both must already be normalised.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a) / day)
}

// OccursOn reports whether the rule fires on target.
func OccursOn(r Rule, anchor, target time.Time) bool {
	return occursOn(r, NormalizeDate(anchor), NormalizeDate(target))
}

func occursOn(r Rule, anchor, target time.Time) bool {
	if r.Interval < 1 {
		return false
	}
	switch r.Frequency {
	case Daily:
		diff := daysBetween(anchor, target)
		return diff >= 0 && diff%r.Interval == 0
	case Weekly:
		if !r.firesOnWeekday(target.Weekday()) {
			return false
		}
		weeks := daysBetween(StartOfWeek(anchor), StartOfWeek(target)) / 7
		return weeks >= 0 && weeks%r.Interval == 0
	default:
		return false
	}
}

func (r Rule) firesOnWeekday(wd time.Weekday) bool {
	for _, d := range r.ByWeekday {
		if d == wd {
			return true
		}
	}
	return false
}

// CountOccurrences counts the days in [start, end] on which the rule fires.
// It walks the range a day at a time through the same predicate as OccursOn.
func CountOccurrences(r Rule, anchor, start, end time.Time) int {
	anchor = NormalizeDate(anchor)
	start = NormalizeDate(start)
	end = NormalizeDate(end)
	count := 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if occursOn(r, anchor, d) {
			count++
		}
	}
	return count
}

// NextOccurrence returns the first occurrence on or after from. ok is false
// when the rule cannot fire within a bounded horizon.
func NextOccurrence(r Rule, anchor, from time.Time) (time.Time, bool) {
	anchor = NormalizeDate(anchor)
	d := NormalizeDate(from)
	if d.Before(anchor) {
		d = anchor
	}
	if r.Interval < 1 {
		return time.Time{}, false
	}
	horizon := 7 * (r.Interval + 1)
	for i := 0; i < horizon; i++ {
		if occursOn(r, anchor, d) {
			return d, true
		}
		d = d.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}
