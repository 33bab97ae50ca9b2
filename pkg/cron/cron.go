package cron

import (
	"strconv"
	"strings"
	"time"

	"github.com/appos-io/appos/pkg/types"
)

// field positions within an expression
const (
	fieldMinute = iota
	fieldHour
	fieldDayOfMonth
	fieldMonth
	fieldDayOfWeek
	fieldCount
)

var fieldNames = [fieldCount]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

var fieldBounds = [fieldCount]struct{ min, max int }{
	{0, 59},
	{0, 23},
	{1, 31},
	{1, 12},
	{0, 7}, // 0 and 7 both mean Sunday
}

// Schedule is a parsed five-field cron expression. Each field is a set of
// permitted values; a wildcard field additionally remembers that it was
// unrestricted, which drives the day-of-month/day-of-week OR rule.
type Schedule struct {
	expr     string
	sets     [fieldCount]map[int]bool
	wildcard [fieldCount]bool
}

// Parse parses a five-field cron expression: minute, hour, day-of-month,
// month, day-of-week. Fields accept "*", literal integers, comma lists,
// ranges ("a-b") and steps ("*/n", "a-b/n").
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != fieldCount {
		return nil, types.NewValidationError("cron",
			"expression %q must have exactly 5 fields, got %d", expr, len(fields))
	}

	s := &Schedule{expr: expr}
	for i, f := range fields {
		set, wild, err := parseField(f, i)
		if err != nil {
			return nil, err
		}
		s.sets[i] = set
		s.wildcard[i] = wild
	}
	return s, nil
}

// MustParse parses expr and panics on error. For tests and constants.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the original expression
func (s *Schedule) String() string {
	return s.expr
}

func parseField(field string, pos int) (map[int]bool, bool, error) {
	bounds := fieldBounds[pos]
	set := make(map[int]bool)
	wildcard := true

	for _, part := range strings.Split(field, ",") {
		if part == "" {
			return nil, false, types.NewValidationError(fieldNames[pos], "empty list element in %q", field)
		}

		spec, stepStr, hasStep := strings.Cut(part, "/")
		step := 1
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return nil, false, types.NewValidationError(fieldNames[pos], "invalid step in %q", part)
			}
			step = n
		}

		lo, hi := bounds.min, bounds.max
		switch {
		case spec == "*":
			if !hasStep {
				// plain wildcard keeps the whole range
			} else {
				wildcard = false
			}
		case strings.Contains(spec, "-"):
			wildcard = false
			loStr, hiStr, _ := strings.Cut(spec, "-")
			a, errA := strconv.Atoi(loStr)
			b, errB := strconv.Atoi(hiStr)
			if errA != nil || errB != nil {
				return nil, false, types.NewValidationError(fieldNames[pos], "invalid range %q", spec)
			}
			if a > b {
				return nil, false, types.NewValidationError(fieldNames[pos], "descending range %q", spec)
			}
			lo, hi = a, b
		default:
			wildcard = false
			n, err := strconv.Atoi(spec)
			if err != nil {
				return nil, false, types.NewValidationError(fieldNames[pos], "invalid value %q", spec)
			}
			lo, hi = n, n
			if hasStep {
				// "n/step" runs from n to the field maximum
				hi = bounds.max
			}
		}

		if lo < bounds.min || hi > bounds.max {
			return nil, false, types.NewValidationError(fieldNames[pos],
				"value out of range in %q (allowed %d-%d)", part, bounds.min, bounds.max)
		}

		for v := lo; v <= hi; v += step {
			if pos == fieldDayOfWeek && v == 7 {
				set[0] = true
				continue
			}
			set[v] = true
		}
	}

	return set, wildcard, nil
}

// Matches reports whether the schedule fires at the minute containing t.
// Granularity is one minute; seconds are ignored.
func (s *Schedule) Matches(t time.Time) bool {
	if !s.sets[fieldMinute][t.Minute()] {
		return false
	}
	if !s.sets[fieldHour][t.Hour()] {
		return false
	}
	if !s.sets[fieldMonth][int(t.Month())] {
		return false
	}

	domOK := s.sets[fieldDayOfMonth][t.Day()]
	dowOK := s.sets[fieldDayOfWeek][int(t.Weekday())]

	// Standard cron rule: when both day fields are restricted, either may
	// match; when one is a wildcard, the other decides.
	switch {
	case s.wildcard[fieldDayOfMonth] && s.wildcard[fieldDayOfWeek]:
		return true
	case s.wildcard[fieldDayOfMonth]:
		return dowOK
	case s.wildcard[fieldDayOfWeek]:
		return domOK
	default:
		return domOK || dowOK
	}
}

// Next returns the first minute boundary strictly after t at which the
// schedule fires, or the zero time if none is found within four years.
func (s *Schedule) Next(t time.Time) time.Time {
	cur := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(4, 0, 0)
	for cur.Before(limit) {
		if s.Matches(cur) {
			return cur
		}
		cur = cur.Add(time.Minute)
	}
	return time.Time{}
}
