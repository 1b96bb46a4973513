// Package schedule implements the reminder scheduling pass: matching
// rule offsets against upcoming occasions, resolving recipients, and
// persisting deduplicated scheduled sends.
package schedule

import (
	"time"

	"github.com/kindful-app/kindful/internal/db"
)

// Match is one offset of a rule that should be scheduled for an
// occurrence, with the channels it fires on and the resolved send date.
type Match struct {
	Offset   int
	Channels []string
	SendDate time.Time
}

// MatchOffsets evaluates a rule's offsets against an occurrence date.
// An offset matches when its send date (occurrence + offset days) falls
// inside the batch look-ahead window [today, today+horizonDays]; sends
// due later are picked up by a subsequent run. Offsets with an empty
// channel set are skipped.
func MatchOffsets(rule *db.ReminderRule, occurrence, today time.Time, horizonDays int) []Match {
	horizon := today.AddDate(0, 0, horizonDays)

	var matches []Match
	for _, offset := range rule.Offsets {
		channels := rule.ChannelsFor(offset)
		if len(channels) == 0 {
			continue
		}

		sendDate := occurrence.AddDate(0, 0, offset)
		if sendDate.Before(today) || sendDate.After(horizon) {
			continue
		}

		matches = append(matches, Match{
			Offset:   offset,
			Channels: channels,
			SendDate: sendDate,
		})
	}

	return matches
}

// DueToday reports whether a lead-time offset fires today given the day
// count until the occurrence. A -7 offset fires when the occasion is 7
// days out, 0 on the day itself, and +1 the day after.
func DueToday(offset, daysUntil int) bool {
	return daysUntil+offset == 0
}
