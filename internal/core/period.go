package core

import (
	"regexp"
	"time"
)

// Period is a YYYY-MM billing month key. The zero value "" means "all periods"
// wherever a filter is optional.
type Period string

var periodRE = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// ParsePeriod validates a YYYY-MM string.
func ParsePeriod(s string) (Period, error) {
	if !periodRE.MatchString(s) {
		return "", ErrInvalidPeriod
	}
	return Period(s), nil
}

// PeriodOf derives the period key from a timestamp.
func PeriodOf(t time.Time) Period {
	return Period(t.Format("2006-01"))
}

// CurrentPeriod returns the period key for the current month.
func CurrentPeriod() Period {
	return PeriodOf(time.Now())
}

func (p Period) String() string { return string(p) }

func (p Period) Validate() error {
	if !periodRE.MatchString(string(p)) {
		return ErrInvalidPeriod
	}
	return nil
}

// Contains reports whether a timestamp falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return PeriodOf(t) == p
}
