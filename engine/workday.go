package engine

import "time"

// =============================================================================
// WORK DAY - The 07:00 -> 06:00 (next day) reporting window
// =============================================================================

// Unloading operations run past midnight; a "day" for reporting purposes is
// defined by shift hours, not the calendar. The work day for a calendar date
// D is [D 07:00:00, D+1 06:00:00). A timestamp of exactly 06:00:00 belongs
// to the previous work day.

const (
	workDayStartHour = 7
	workDayEndHour   = 6
)

// Clock supplies "now". Injectable so range clamping is testable.
type Clock func() time.Time

// WorkDayRange returns the [start, end) window of the work day anchored on
// the calendar date of day. Time-of-day on the argument is ignored.
func WorkDayRange(day time.Time) (start, end time.Time) {
	y, m, d := day.Date()
	start = time.Date(y, m, d, workDayStartHour, 0, 0, 0, day.Location())
	end = start.AddDate(0, 0, 1).Add(time.Duration(workDayEndHour-workDayStartHour) * time.Hour)
	return start, end
}

// InWorkDay reports whether ts falls in the work-day window of day.
// Start inclusive, end exclusive.
func InWorkDay(ts, day time.Time) bool {
	start, end := WorkDayRange(day)
	return !ts.Before(start) && ts.Before(end)
}

// InAnyWorkDay reports whether ts falls inside the work-day window of any
// calendar day in [from, to], iterating day by day.
func InAnyWorkDay(ts, from, to time.Time) bool {
	from = truncateToDate(from)
	to = truncateToDate(to)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if InWorkDay(ts, day) {
			return true
		}
	}
	return false
}

// ClampToToday caps a filter bound at the current date. Filters are never
// applied to dates later than the current moment.
func ClampToToday(t time.Time, clock Clock) time.Time {
	today := truncateToDate(clock())
	if truncateToDate(t).After(today) {
		return today
	}
	return t
}

// Contains reports whether ts falls inside the range's work-day windows,
// with both bounds clamped to today.
func (r DateRange) Contains(ts time.Time, clock Clock) bool {
	from := ClampToToday(r.From, clock)
	to := ClampToToday(r.To, clock)
	return InAnyWorkDay(ts, from, to)
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
