package week

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func TestKey_YearBoundaries(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{date(2026, time.January, 1), "2026-W01"},
		{date(2025, time.December, 29), "2026-W01"},
		{date(2027, time.January, 1), "2026-W53"},
		{date(2027, time.January, 3), "2026-W53"},
		{date(2027, time.January, 4), "2027-W01"},
		{date(2021, time.January, 3), "2020-W53"},
		{date(2024, time.December, 30), "2025-W01"},
		{date(2026, time.February, 23), "2026-W09"},
		{date(2026, time.March, 1), "2026-W09"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Key(tc.in), tc.in.Format("2006-01-02"))
	}
}

func TestKey_SortsChronologically(t *testing.T) {
	prev := Key(date(2025, time.December, 1))
	for d := date(2025, time.December, 8); d.Before(date(2027, time.February, 1)); d = d.AddDate(0, 0, 7) {
		k := Key(d)
		assert.Less(t, prev, k)
		prev = k
	}
}

func TestParse(t *testing.T) {
	y, w, err := Parse("2026-W09")
	require.NoError(t, err)
	assert.Equal(t, 2026, y)
	assert.Equal(t, 9, w)

	_, _, err = Parse("2026-W53")
	assert.NoError(t, err)

	for _, bad := range []string{"", "2026-9", "2026-W9", "2025-W53", "2026-W00", "26-W01", "2026-w09"} {
		_, _, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}
}

func TestMonday(t *testing.T) {
	mon, err := Monday("2026-W09")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-23", mon.Format("2006-01-02"))

	mon, err = Monday("2026-W01")
	require.NoError(t, err)
	assert.Equal(t, "2025-12-29", mon.Format("2006-01-02"))

	mon, err = Monday("2020-W53")
	require.NoError(t, err)
	assert.Equal(t, "2020-12-28", mon.Format("2006-01-02"))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "26年2月23日週", Label("2026-W09"))
	assert.Equal(t, "25年12月29日週", Label("2026-W01"))
	assert.Equal(t, "not-a-week", Label("not-a-week"))
}
