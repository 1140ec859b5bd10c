package models

import (
	"time"

	"github.com/pkg/errors"
)

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD calendar date. Overflowing values such as 2024-02-30 are rejected.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid date %q", s)
	}
	return d, nil
}

// DateOf truncates t to its calendar date in t's own location, expressed as UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddDays adds whole calendar days to the date component of t.
func AddDays(t time.Time, days int) time.Time {
	return DateOf(t).AddDate(0, 0, days)
}

// DaysBetween returns the number of UTC calendar days from instant a to instant b, so the
// result does not depend on the locations a and b were read in.
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b.UTC()).Sub(DateOf(a.UTC())).Hours() / 24)
}
