// Package agecalc keeps date of birth, age, estimated age and age unit
// consistent relative to a reference date.
package agecalc

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxAge is the oldest age in years the form accepts.
const MaxAge = 150

// DateLayout is the calendar date format used by every date field.
const DateLayout = "2006-01-02"

var (
	ErrAgeTooHigh  = errors.New("age can't be greater than 150")
	ErrAgeNegative = errors.New("age can't be negative number")
)

// Unit is the age unit option code stored alongside an estimated age.
type Unit string

const (
	UnitYears  Unit = "P_YD"
	UnitMonths Unit = "P_M"
	UnitDays   Unit = "P_D"
)

// ParseUnit maps an option code to a Unit.
func ParseUnit(s string) (Unit, bool) {
	switch u := Unit(s); u {
	case UnitYears, UnitMonths, UnitDays:
		return u, true
	}
	return "", false
}

// Duration renders n in this unit as an ISO-8601 duration (P35Y, P3M, P14D).
func (u Unit) Duration(n int) string {
	switch u {
	case UnitYears:
		return fmt.Sprintf("P%dY", n)
	case UnitMonths:
		return fmt.Sprintf("P%dM", n)
	case UnitDays:
		return fmt.Sprintf("P%dD", n)
	}
	return ""
}

// Derivation is the result of deriving age fields from a date of birth.
// Age is the whole-year age written to the age field; EstimatedAge is
// expressed in Unit.
type Derivation struct {
	Age          int
	EstimatedAge int
	Unit         Unit
}

// CheckAge validates a whole-year age against [0, MaxAge].
func CheckAge(years int) error {
	if years > MaxAge {
		return ErrAgeTooHigh
	}
	if years < 0 {
		return ErrAgeNegative
	}
	return nil
}

// DeriveFromDOB computes the age of someone born on dob at ref. A zero year
// count falls back to months and a zero month count to days. A date of
// birth after ref is a negative age.
func DeriveFromDOB(dob, ref time.Time) (Derivation, error) {
	if dob.After(ref) {
		return Derivation{}, ErrAgeNegative
	}
	years := WholeYears(dob, ref)
	if err := CheckAge(years); err != nil {
		return Derivation{}, err
	}
	if years > 0 {
		return Derivation{Age: years, EstimatedAge: years, Unit: UnitYears}, nil
	}
	if months := WholeMonths(dob, ref); months > 0 {
		return Derivation{Age: 0, EstimatedAge: months, Unit: UnitMonths}, nil
	}
	return Derivation{Age: 0, EstimatedAge: WholeDays(dob, ref), Unit: UnitDays}, nil
}

// DOBFromEstimate returns ref minus n units. An unknown unit returns ref.
func DOBFromEstimate(n int, unit Unit, ref time.Time) time.Time {
	switch unit {
	case UnitYears:
		return AddMonths(ref, -12*n)
	case UnitMonths:
		return AddMonths(ref, -n)
	case UnitDays:
		return ref.AddDate(0, 0, -n)
	}
	return ref
}

// AgeForEstimate is the whole-year age at ref of someone estimated to be n
// units old. Month and day estimates count as many years as they span.
func AgeForEstimate(n int, unit Unit, ref time.Time) int {
	if unit == UnitYears {
		return n
	}
	return WholeYears(DOBFromEstimate(n, unit, ref), ref)
}

// WholeYears is the number of complete years from a to b. It is negative
// when b is before a.
func WholeYears(a, b time.Time) int {
	return WholeMonths(a, b) / 12
}

// WholeMonths is the number of complete calendar months from a to b.
func WholeMonths(a, b time.Time) int {
	if b.Before(a) {
		return -WholeMonths(b, a)
	}
	months := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	if AddMonths(a, months).After(b) {
		months--
	}
	return months
}

// FractionalYears is the span from a to b in years, counting the partial
// month as a fraction of its length.
func FractionalYears(a, b time.Time) float64 {
	if b.Before(a) {
		return -FractionalYears(b, a)
	}
	months := WholeMonths(a, b)
	start := AddMonths(a, months)
	next := AddMonths(a, months+1)
	frac := float64(b.Sub(start)) / float64(next.Sub(start))
	return (float64(months) + frac) / 12
}

// WholeDays is the number of complete days from a to b.
func WholeDays(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

// AddMonths adds n calendar months to t, clamping to the last day of the
// target month (Jan 31 + 1 month = Feb 28).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// ParseDate parses a calendar date. A timestamp is accepted when a time
// part follows the date after a 'T'; its time part is ignored.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n := len(DateLayout); len(s) > n {
		if s[n] != 'T' {
			return time.Time{}, fmt.Errorf("parse date %q: trailing characters", s)
		}
		s = s[:n]
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders t as a calendar date.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// Today truncates now to a UTC calendar date.
func Today(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
