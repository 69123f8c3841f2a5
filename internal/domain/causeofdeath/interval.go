package causeofdeath

import (
	"fmt"
	"strconv"
	"strings"
)

// IntervalUnit is the unit of a time-to-death interval.
type IntervalUnit string

const (
	UnitUnknown IntervalUnit = "unknown"
	UnitYear    IntervalUnit = "year"
	UnitMonth   IntervalUnit = "month"
	UnitWeek    IntervalUnit = "week"
	UnitDay     IntervalUnit = "day"
	UnitHour    IntervalUnit = "hour"
	UnitMinute  IntervalUnit = "minute"
	UnitSecond  IntervalUnit = "second"
)

var unitDesignators = map[IntervalUnit]string{
	UnitYear:   "P%dY",
	UnitMonth:  "P%dM",
	UnitWeek:   "P%dW",
	UnitDay:    "P%dD",
	UnitHour:   "PT%dH",
	UnitMinute: "PT%dM",
	UnitSecond: "PT%dS",
}

// Interval is the time from onset of a condition to death. The zero value
// is an unknown interval.
type Interval struct {
	Unit  IntervalUnit `json:"unit"`
	Value int          `json:"value"`
}

// NewInterval validates a unit and magnitude. The unknown unit (or an empty
// one) ignores the magnitude.
func NewInterval(unit string, value int) (Interval, error) {
	u := IntervalUnit(strings.ToLower(strings.TrimSpace(unit)))
	if u == "" || u == UnitUnknown {
		return Interval{}, nil
	}
	if _, ok := unitDesignators[u]; !ok {
		return Interval{}, fmt.Errorf("%w: %q", ErrInvalidInterval, unit)
	}
	if value <= 0 {
		return Interval{}, fmt.Errorf("%w: magnitude must be positive", ErrInvalidInterval)
	}
	return Interval{Unit: u, Value: value}, nil
}

// Known reports whether the interval carries a duration.
func (i Interval) Known() bool {
	_, ok := unitDesignators[i.Unit]
	return ok && i.Value > 0
}

// String renders the interval as an ISO-8601 duration, or "" when unknown.
func (i Interval) String() string {
	if !i.Known() {
		return ""
	}
	return fmt.Sprintf(unitDesignators[i.Unit], i.Value)
}

// ParseInterval reads a single-designator ISO-8601 duration such as P3D or
// PT12H. An empty string is the unknown interval.
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Interval{}, nil
	}
	if len(s) < 3 || s[0] != 'P' {
		return Interval{}, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	body := s[1:]
	timePart := strings.HasPrefix(body, "T")
	if timePart {
		body = body[1:]
	}
	if len(body) < 2 {
		return Interval{}, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}

	n, err := strconv.Atoi(body[:len(body)-1])
	if err != nil || n <= 0 {
		return Interval{}, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}

	var unit IntervalUnit
	switch d := body[len(body)-1]; {
	case !timePart && d == 'Y':
		unit = UnitYear
	case !timePart && d == 'M':
		unit = UnitMonth
	case !timePart && d == 'W':
		unit = UnitWeek
	case !timePart && d == 'D':
		unit = UnitDay
	case timePart && d == 'H':
		unit = UnitHour
	case timePart && d == 'M':
		unit = UnitMinute
	case timePart && d == 'S':
		unit = UnitSecond
	default:
		return Interval{}, fmt.Errorf("%w: %q", ErrInvalidInterval, s)
	}
	return Interval{Unit: unit, Value: n}, nil
}
