// Package week implements ISO-8601 week keys of the form "2026-W09".
package week

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var ErrInvalidKey = errors.New("invalid week key")

var keyPattern = regexp.MustCompile(`^(\d{4})-W(\d{2})$`)

// Key returns the ISO week key of t in t's location.
func Key(t time.Time) string {
	year, wk := t.ISOWeek()
	return format(year, wk)
}

func format(year, wk int) string {
	return fmt.Sprintf("%04d-W%02d", year, wk)
}

// Parse validates key and returns its ISO year and week number.
func Parse(key string) (year, wk int, err error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	year, _ = strconv.Atoi(m[1])
	wk, _ = strconv.Atoi(m[2])
	if wk < 1 || wk > WeeksInYear(year) {
		return 0, 0, fmt.Errorf("%w: %q has no week %d", ErrInvalidKey, key, wk)
	}
	return year, wk, nil
}

// Valid reports whether key is a well-formed week key.
func Valid(key string) bool {
	_, _, err := Parse(key)
	return err == nil
}

// WeeksInYear returns 52 or 53. Dec 28 always falls in the last ISO week.
func WeeksInYear(year int) int {
	_, wk := time.Date(year, time.December, 28, 0, 0, 0, 0, time.UTC).ISOWeek()
	return wk
}

// Monday returns midnight UTC on the Monday that starts the week.
func Monday(key string) (time.Time, error) {
	year, wk, err := Parse(key)
	if err != nil {
		return time.Time{}, err
	}
	// Week 1 contains Jan 4.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, time.UTC)
	offset := (int(jan4.Weekday()) + 6) % 7
	return jan4.AddDate(0, 0, -offset+(wk-1)*7), nil
}

// Label renders the Monday of the week as "26年2月23日週".
// Malformed keys are returned unchanged.
func Label(key string) string {
	mon, err := Monday(key)
	if err != nil {
		return key
	}
	return labelFor(mon)
}

func labelFor(mon time.Time) string {
	return fmt.Sprintf("%d年%d月%d日週", mon.Year()%100, int(mon.Month()), mon.Day())
}
