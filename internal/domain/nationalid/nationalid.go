// Package nationalid parses South African national identity numbers.
//
// The first six digits of a 13-digit identity number encode the holder's
// birth date as YYMMDD. Two-digit years below 50 belong to the 2000s and the
// rest to the 1900s.
package nationalid

import (
	"strings"
	"time"
)

// Length is the number of digits in a complete identity number.
const Length = 13

// centuryPivot splits two-digit years between the 2000s and the 1900s.
const centuryPivot = 50

// Identification type option codes used by the notification form.
const (
	TypeSAID     = "ID_TYPE_SA"
	TypePassport = "ID_TYPE_PASSPORT"
)

// Result is the outcome of parsing an identity number. DOB is only
// meaningful when Valid is true.
type Result struct {
	DOB   time.Time
	Valid bool
}

// IsComplete reports whether s has exactly 13 characters, all digits.
func IsComplete(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Parse extracts the birth date from a complete identity number. Any input
// that is not 13 digits or whose date portion is not a real calendar date
// yields a zero Result.
func Parse(idNumber string) Result {
	if !IsComplete(idNumber) {
		return Result{}
	}

	yy := twoDigits(idNumber[0:2])
	mm := twoDigits(idNumber[2:4])
	dd := twoDigits(idNumber[4:6])

	if mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return Result{}
	}

	year := 1900 + yy
	if yy < centuryPivot {
		year = 2000 + yy
	}

	dob := time.Date(year, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	// time.Date normalises overflow (Feb 30 -> Mar 2); a changed month or day
	// means the date does not exist.
	if dob.Month() != time.Month(mm) || dob.Day() != dd {
		return Result{}
	}
	return Result{DOB: dob, Valid: true}
}

// Sanitize strips every non-digit from raw. The second return value is false
// when the digits exceed the identity number length, in which case the edit
// must be dropped.
func Sanitize(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > Length {
		return "", false
	}
	return digits, true
}

func twoDigits(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}
