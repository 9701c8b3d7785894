// Package clock converts between wall-clock strings and minute offsets and
// provides the calendar helpers used by slot generation.
//
// Weekdays use the ISO numbering 1=Monday..7=Sunday, which is what stored
// work_days arrays contain. time.Weekday counts Sunday as 0, so callers must
// go through ISOWeekday rather than casting.
package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MinutesPerDay = 24 * 60
	DateLayout    = "2006-01-02"
)

var (
	ErrInvalidTimeFormat  = errors.New("invalid time format")
	ErrInvalidMinuteValue = errors.New("invalid minute value")
)

// ParseMinutes parses "HH:MM" into minutes since midnight. The Postgres TIME
// text form "HH:MM:SS" is accepted when the seconds are zero.
func ParseMinutes(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) == 3 {
		if parts[2] != "00" {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
		}
		parts = parts[:2]
	}
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	h, err := parseDigits(parts[0])
	if err != nil || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	m, err := parseDigits(parts[1])
	if err != nil || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return h*60 + m, nil
}

func parseDigits(s string) (int, error) {
	if len(s) == 0 || len(s) > 2 {
		return 0, ErrInvalidTimeFormat
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, ErrInvalidTimeFormat
		}
	}
	return strconv.Atoi(s)
}

// FormatMinutes renders minutes since midnight as zero-padded "HH:MM".
// Values outside 0..1439 are rejected instead of wrapping into the next day.
func FormatMinutes(m int) (string, error) {
	if m < 0 || m >= MinutesPerDay {
		return "", fmt.Errorf("%w: %d", ErrInvalidMinuteValue, m)
	}
	return fmt.Sprintf("%02d:%02d", m/60, m%60), nil
}

// ISOWeekday returns 1 for Monday through 7 for Sunday.
func ISOWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// ParseDate parses a YYYY-MM-DD calendar date as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	return time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
}

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// AddDays moves a calendar date by n days. It goes through time.Date so DST
// transitions never shift the result off midnight.
func AddDays(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, t.Location())
}
