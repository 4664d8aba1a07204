package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/meridian/cargo-engine/engine"
)

// =============================================================================
// WORK DAY WINDOW TESTS
// =============================================================================

func TestWorkDayRange_Boundaries(t *testing.T) {
	// The work day for March 10 runs from March 10 07:00:00 inclusive
	// to March 11 06:00:00 exclusive.

	day := time.Date(2025, time.March, 10, 23, 45, 0, 0, time.UTC) // time-of-day ignored
	start, end := engine.WorkDayRange(day)

	assert.Equal(t, time.Date(2025, time.March, 10, 7, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, time.March, 11, 6, 0, 0, 0, time.UTC), end)
}

func TestInWorkDay_BoundaryTable(t *testing.T) {
	day := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"before shift start", time.Date(2025, time.March, 10, 6, 59, 59, 0, time.UTC), false},
		{"exactly 07:00:00", time.Date(2025, time.March, 10, 7, 0, 0, 0, time.UTC), true},
		{"midday", time.Date(2025, time.March, 10, 13, 30, 0, 0, time.UTC), true},
		{"past midnight", time.Date(2025, time.March, 11, 2, 15, 0, 0, time.UTC), true},
		{"last instant", time.Date(2025, time.March, 11, 5, 59, 59, 0, time.UTC), true},
		{"exactly 06:00:00 next day", time.Date(2025, time.March, 11, 6, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, engine.InWorkDay(tt.ts, day))
		})
	}
}

func TestInAnyWorkDay_SixAMBelongsToNoWindow(t *testing.T) {
	// 06:00:00 exactly closes the previous day's window and precedes the
	// next one, so it sits between work days no matter the range.

	sixAM := time.Date(2025, time.March, 11, 6, 0, 0, 0, time.UTC)
	march10 := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	march11 := time.Date(2025, time.March, 11, 0, 0, 0, 0, time.UTC)

	assert.False(t, engine.InAnyWorkDay(sixAM, march11, march11))
	assert.False(t, engine.InAnyWorkDay(sixAM, march10, march10))

	// One second earlier still belongs to March 10's window.
	assert.True(t, engine.InAnyWorkDay(sixAM.Add(-time.Second), march10, march11))
}

func TestInAnyWorkDay_MultiDayRange(t *testing.T) {
	from := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, time.March, 12, 0, 0, 0, 0, time.UTC)

	// 03:00 on March 12 belongs to March 11's window, inside the range.
	assert.True(t, engine.InAnyWorkDay(time.Date(2025, time.March, 12, 3, 0, 0, 0, time.UTC), from, to))
	// 06:30 on March 10 is before any window in the range.
	assert.False(t, engine.InAnyWorkDay(time.Date(2025, time.March, 10, 6, 30, 0, 0, time.UTC), from, to))
}

func TestClampToToday_FutureDatesClamped(t *testing.T) {
	now := func() time.Time { return time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC) }

	future := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	clamped := engine.ClampToToday(future, now)
	assert.Equal(t, time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC), clamped)

	past := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, past, engine.ClampToToday(past, now))
}

func TestDateRange_Contains_ClampsFutureBound(t *testing.T) {
	// GIVEN: "today" is March 15 and the filter runs to March 31
	// WHEN: Testing a timestamp in March 20's window
	// THEN: It is excluded - the filter never reaches past today

	now := func() time.Time { return time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC) }
	rng := engine.DateRange{
		From: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, time.March, 31, 0, 0, 0, 0, time.UTC),
	}

	assert.False(t, rng.Contains(time.Date(2025, time.March, 20, 10, 0, 0, 0, time.UTC), now))
	assert.True(t, rng.Contains(time.Date(2025, time.March, 14, 10, 0, 0, 0, time.UTC), now))
}
