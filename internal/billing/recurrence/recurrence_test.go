package recurrence

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aquaflow/aquaflow/internal/shared"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestValidateRejectsMalformedRules(t *testing.T) {
	cases := []struct {
		name  string
		rule  Rule
		field string
	}{
		{"unknown frequency", Rule{Frequency: "MONTHLY", Interval: 1}, "frequency"},
		{"zero interval", Rule{Frequency: Daily, Interval: 0}, "interval"},
		{"negative interval", Rule{Frequency: Weekly, Interval: -2, ByWeekday: []time.Weekday{time.Monday}}, "interval"},
		{"weekly without days", Rule{Frequency: Weekly, Interval: 1}, "by_weekday"},
		{"duplicate day", Rule{Frequency: Weekly, Interval: 1, ByWeekday: []time.Weekday{time.Monday, time.Monday}}, "by_weekday"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rule.Validate()
			require.ErrorIs(t, err, shared.ErrValidation)
			var vErr *shared.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}

	require.NoError(t, Rule{Frequency: Daily, Interval: 3}.Validate())
	require.NoError(t, Rule{Frequency: Weekly, Interval: 2, ByWeekday: []time.Weekday{time.Monday, time.Thursday}}.Validate())
}

func TestParseWeekdays(t *testing.T) {
	days, err := ParseWeekdays([]string{"mo", "WE", " su "})
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday, time.Sunday}, days)
	assert.Equal(t, "WE", WeekdayCode(time.Wednesday))

	_, err = ParseWeekdays([]string{"XX"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestDailyOccursOnIntervalMultiples(t *testing.T) {
	anchor := date(2024, 1, 10)
	for n := 1; n <= 5; n++ {
		rule := Rule{Frequency: Daily, Interval: n}
		for offset := -10; offset <= 40; offset++ {
			target := anchor.AddDate(0, 0, offset)
			want := offset >= 0 && offset%n == 0
			assert.Equalf(t, want, OccursOn(rule, anchor, target), "interval=%d offset=%d", n, offset)
		}
	}
}

func TestOccursOnNormalisesTimeOfDayAndZone(t *testing.T) {
	rule := Rule{Frequency: Daily, Interval: 2}
	anchor := time.Date(2024, 1, 10, 23, 30, 0, 0, time.UTC)
	jakarta := time.FixedZone("WIB", 7*3600)
	// 2024-01-12 06:00 WIB is 2024-01-11 23:00 UTC, one day after the anchor.
	assert.False(t, OccursOn(rule, anchor, time.Date(2024, 1, 12, 6, 0, 0, 0, jakarta)))
	assert.True(t, OccursOn(rule, anchor, time.Date(2024, 1, 12, 8, 0, 0, 0, jakarta)))
}

func TestWeeklyRequiresWeekdayAndInterval(t *testing.T) {
	// 2024-01-03 is a Wednesday.
	anchor := date(2024, 1, 3)
	rule := Rule{Frequency: Weekly, Interval: 2, ByWeekday: []time.Weekday{time.Monday, time.Wednesday}}

	assert.True(t, OccursOn(rule, anchor, date(2024, 1, 3)))
	// Monday of the anchor week precedes the anchor but shares its week start.
	assert.True(t, OccursOn(rule, anchor, date(2024, 1, 1)))
	assert.False(t, OccursOn(rule, anchor, date(2024, 1, 10)))
	assert.True(t, OccursOn(rule, anchor, date(2024, 1, 15)))
	assert.True(t, OccursOn(rule, anchor, date(2024, 1, 17)))
	assert.False(t, OccursOn(rule, anchor, date(2024, 1, 18)))
	assert.False(t, OccursOn(rule, anchor, date(2023, 12, 20)))
}

func TestWeeklyWithoutWeekdaysNeverFires(t *testing.T) {
	rule := Rule{Frequency: Weekly, Interval: 1}
	anchor := date(2024, 1, 1)
	assert.Zero(t, CountOccurrences(rule, anchor, anchor, anchor.AddDate(0, 0, 30)))
}

func TestWeeklyOccurrenceImpliesWeekday(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	codes := []time.Weekday{time.Sunday, time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday}
	for i := 0; i < 200; i++ {
		var days []time.Weekday
		for _, wd := range codes {
			if rng.Intn(3) == 0 {
				days = append(days, wd)
			}
		}
		rule := Rule{Frequency: Weekly, Interval: 1 + rng.Intn(3), ByWeekday: days}
		anchor := date(2024, 1, 1).AddDate(0, 0, rng.Intn(60))
		target := anchor.AddDate(0, 0, rng.Intn(120)-30)
		if OccursOn(rule, anchor, target) {
			assert.Contains(t, days, target.Weekday())
		}
	}
}

func TestCountOccurrencesMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 300; i++ {
		rule := Rule{Frequency: Daily, Interval: 1 + rng.Intn(4)}
		if rng.Intn(2) == 0 {
			rule = Rule{Frequency: Weekly, Interval: 1 + rng.Intn(3), ByWeekday: []time.Weekday{time.Weekday(rng.Intn(7))}}
		}
		anchor := date(2024, 2, 1).AddDate(0, 0, rng.Intn(40)-20)
		start := date(2024, 2, 1).AddDate(0, 0, rng.Intn(40))
		end := start.AddDate(0, 0, rng.Intn(60))

		want := 0
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			if OccursOn(rule, anchor, d) {
				want++
			}
		}
		require.Equal(t, want, CountOccurrences(rule, anchor, start, end))
	}
}

func TestCountOccurrencesInvertedRangeIsZero(t *testing.T) {
	rule := Rule{Frequency: Daily, Interval: 1}
	assert.Zero(t, CountOccurrences(rule, date(2024, 1, 1), date(2024, 1, 10), date(2024, 1, 9)))
}

func TestCountFourWednesdays(t *testing.T) {
	anchor := date(2024, 5, 1) // Wednesday
	rule := Rule{Frequency: Weekly, Interval: 1, ByWeekday: []time.Weekday{time.Wednesday}}
	assert.Equal(t, 4, CountOccurrences(rule, anchor, date(2024, 5, 1), date(2024, 5, 28)))
	assert.Equal(t, 5, CountOccurrences(rule, anchor, date(2024, 5, 1), date(2024, 5, 31)))
}

func TestNextOccurrence(t *testing.T) {
	anchor := date(2024, 1, 3)
	rule := Rule{Frequency: Weekly, Interval: 2, ByWeekday: []time.Weekday{time.Wednesday}}

	next, ok := NextOccurrence(rule, anchor, date(2024, 1, 4))
	require.True(t, ok)
	assert.Equal(t, date(2024, 1, 17), next)

	next, ok = NextOccurrence(rule, anchor, date(2023, 12, 1))
	require.True(t, ok)
	assert.Equal(t, anchor, next)

	_, ok = NextOccurrence(Rule{Frequency: Weekly, Interval: 1}, anchor, anchor)
	assert.False(t, ok)
}
