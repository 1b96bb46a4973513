package recurrence

import (
	"testing"
	"time"

	"github.com/kindful-app/kindful/internal/db"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestNextOccurrence_AnnualUpcoming(t *testing.T) {
	today := date(2026, time.March, 10)
	anchor := date(1990, time.June, 15)

	next := NextOccurrence(anchor, true, today, db.LeapDayFeb28)
	if want := date(2026, time.June, 15); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextOccurrence_AnnualAlreadyPassed(t *testing.T) {
	today := date(2026, time.August, 1)
	anchor := date(1990, time.June, 15)

	next := NextOccurrence(anchor, true, today, db.LeapDayFeb28)
	if want := date(2027, time.June, 15); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextOccurrence_AnnualToday(t *testing.T) {
	today := date(2026, time.June, 15)
	anchor := date(1990, time.June, 15)

	next := NextOccurrence(anchor, true, today, db.LeapDayFeb28)
	if !next.Equal(today) {
		t.Errorf("expected occurrence today %v, got %v", today, next)
	}
	if got := DaysUntil(next, today); got != 0 {
		t.Errorf("expected 0 days until, got %d", got)
	}
}

func TestNextOccurrence_OneTimeUnchanged(t *testing.T) {
	today := date(2026, time.March, 10)
	anchor := date(2026, time.April, 2)

	next := NextOccurrence(anchor, false, today, db.LeapDayFeb28)
	if !next.Equal(anchor) {
		t.Errorf("one-time occasion should keep anchor %v, got %v", anchor, next)
	}
}

func TestNextOccurrence_OneTimePastStaysPast(t *testing.T) {
	today := date(2026, time.March, 10)
	anchor := date(2025, time.April, 2)

	next := NextOccurrence(anchor, false, today, db.LeapDayFeb28)
	if !next.Equal(anchor) {
		t.Errorf("expected %v, got %v", anchor, next)
	}
	if got := DaysUntil(next, today); got >= 0 {
		t.Errorf("expected negative days until for past one-time date, got %d", got)
	}
}

func TestNextOccurrence_LeapDayFeb28Policy(t *testing.T) {
	today := date(2026, time.January, 1) // 2026 is not a leap year
	anchor := date(2000, time.February, 29)

	next := NextOccurrence(anchor, true, today, db.LeapDayFeb28)
	if want := date(2026, time.February, 28); !next.Equal(want) {
		t.Errorf("expected %v under feb_28 policy, got %v", want, next)
	}
}

func TestNextOccurrence_LeapDayMar01Policy(t *testing.T) {
	today := date(2026, time.January, 1)
	anchor := date(2000, time.February, 29)

	next := NextOccurrence(anchor, true, today, db.LeapDayMar01)
	if want := date(2026, time.March, 1); !next.Equal(want) {
		t.Errorf("expected %v under mar_01 policy, got %v", want, next)
	}
}

func TestNextOccurrence_LeapDayInLeapYear(t *testing.T) {
	today := date(2028, time.January, 1) // 2028 is a leap year
	anchor := date(2000, time.February, 29)

	next := NextOccurrence(anchor, true, today, db.LeapDayFeb28)
	if want := date(2028, time.February, 29); !next.Equal(want) {
		t.Errorf("expected real Feb 29 in a leap year, got %v", next)
	}
}

func TestNextOccurrence_LeapDayPassedAdvancesToNonLeapYear(t *testing.T) {
	// Feb 29 2028 already passed; 2029 is not a leap year so the
	// occurrence collapses to Feb 28 2029 under the default policy.
	today := date(2028, time.June, 1)
	anchor := date(2000, time.February, 29)

	next := NextOccurrence(anchor, true, today, db.LeapDayFeb28)
	if want := date(2029, time.February, 28); !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextOccurrence_NeverBeforeToday(t *testing.T) {
	anchors := []time.Time{
		date(1990, time.January, 1),
		date(1985, time.December, 31),
		date(2000, time.February, 29),
		date(1970, time.July, 4),
	}
	todays := []time.Time{
		date(2026, time.January, 1),
		date(2026, time.June, 30),
		date(2026, time.December, 31),
	}

	for _, anchor := range anchors {
		for _, today := range todays {
			next := NextOccurrence(anchor, true, today, db.LeapDayFeb28)
			if next.Before(today) {
				t.Errorf("occurrence %v before today %v for anchor %v", next, today, anchor)
			}
			if next.Year() > today.Year()+1 {
				t.Errorf("occurrence %v more than a year out from %v", next, today)
			}
		}
	}
}

func TestDaysUntil(t *testing.T) {
	tests := []struct {
		name  string
		next  time.Time
		today time.Time
		want  int
	}{
		{"same day", date(2026, time.June, 15), date(2026, time.June, 15), 0},
		{"a week out", date(2026, time.June, 22), date(2026, time.June, 15), 7},
		{"across month boundary", date(2026, time.July, 2), date(2026, time.June, 25), 7},
		{"yesterday", date(2026, time.June, 14), date(2026, time.June, 15), -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DaysUntil(tt.next, tt.today); got != tt.want {
				t.Errorf("DaysUntil() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestYearsAt(t *testing.T) {
	anchor := date(1990, time.June, 15)
	next := date(2026, time.June, 15)

	if got := YearsAt(next, anchor, true); got != 36 {
		t.Errorf("expected 36, got %d", got)
	}
	if got := YearsAt(next, anchor, false); got != 0 {
		t.Errorf("expected 0 when year unknown, got %d", got)
	}
}
