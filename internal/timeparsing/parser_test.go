package timeparsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2016, 3, 10, 15, 30, 0, 0, time.UTC) // a Thursday

func TestParseCompactDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"-6h", now.Add(-6 * time.Hour)},
		{"6h", now.Add(-6 * time.Hour)},
		{"+6h", now.Add(6 * time.Hour)},
		{"1d", now.AddDate(0, 0, -1)},
		{"2w", now.AddDate(0, 0, -14)},
		{"3m", now.AddDate(0, -3, 0)},
		{"1y", now.AddDate(-1, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseCompactDuration("6x", now)
	assert.Error(t, err)
	assert.False(t, IsCompactDuration("yesterday"))
}

func TestParseAbsolute(t *testing.T) {
	got, err := Parse("2016-03-01", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2016, 3, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = Parse("2016-03-01 08:15", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2016, 3, 1, 8, 15, 0, 0, time.UTC), got)

	got, err = Parse("2016-03-01T08:15:00-07:00", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2016, 3, 1, 15, 15, 0, 0, time.UTC)))
}

func TestParseNaturalLanguage(t *testing.T) {
	got, err := Parse("yesterday", now)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Day())

	got, err = Parse("3 days ago", now)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Day())

	_, err = Parse("flibbertigibbet", now)
	assert.Error(t, err)

	_, err = Parse("  ", now)
	assert.Error(t, err)
}

func TestRange(t *testing.T) {
	low, high, err := Range("", "", now)
	require.NoError(t, err)
	assert.Equal(t, now, high)
	assert.Equal(t, now.Add(-24*time.Hour), low)

	low, high, err = Range("2016-03-01", "2016-03-02", now)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, high.Sub(low))

	_, _, err = Range("2016-03-05", "2016-03-01", now)
	assert.ErrorContains(t, err, "is after")

	_, _, err = Range("nonsense words", "", now)
	assert.ErrorContains(t, err, "--since")
}
