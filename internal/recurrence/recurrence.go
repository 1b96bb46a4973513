// Package recurrence computes when a recurring or one-time occasion next
// falls relative to a reference day.
package recurrence

import (
	"time"

	"github.com/kindful-app/kindful/internal/db"
)

// StartOfDay truncates t to midnight in t's location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// NextOccurrence resolves the next calendar occurrence of an occasion
// anchored at anchor, relative to today (a start-of-day value).
//
// One-time occasions keep their anchor date unchanged; callers schedule
// them only while the date is still ahead. Annual occasions land on the
// anchor's month/day in today's year, advancing one year when that day
// has already passed. The result is never before today.
//
// A Feb 29 anchor in a non-leap target year resolves per policy:
// db.LeapDayFeb28 (the default) observes it on Feb 28, db.LeapDayMar01
// on Mar 1.
func NextOccurrence(anchor time.Time, repeat bool, today time.Time, leapDayPolicy string) time.Time {
	if !repeat {
		return StartOfDay(anchor)
	}

	candidate := occurrenceInYear(anchor, today.Year(), today.Location(), leapDayPolicy)
	if candidate.Before(today) {
		candidate = occurrenceInYear(anchor, today.Year()+1, today.Location(), leapDayPolicy)
	}
	return candidate
}

func occurrenceInYear(anchor time.Time, year int, loc *time.Location, leapDayPolicy string) time.Time {
	month, day := anchor.Month(), anchor.Day()

	if month == time.February && day == 29 && !isLeapYear(year) {
		if leapDayPolicy == db.LeapDayMar01 {
			return time.Date(year, time.March, 1, 0, 0, 0, 0, loc)
		}
		return time.Date(year, time.February, 28, 0, 0, 0, 0, loc)
	}

	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// DaysUntil returns the whole-day difference between next and today.
// Zero means the occurrence is today; one-time occasions already past
// yield a negative count.
func DaysUntil(next, today time.Time) int {
	return int(StartOfDay(next).Sub(StartOfDay(today)).Hours() / 24)
}

// YearsAt derives the age (birthdays) or year count (anniversaries) the
// occasion reaches at its next occurrence. Only meaningful when the
// anchor year is known; returns 0 otherwise.
func YearsAt(next, anchor time.Time, yearKnown bool) int {
	if !yearKnown {
		return 0
	}
	return next.Year() - anchor.Year()
}
