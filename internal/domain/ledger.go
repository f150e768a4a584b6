package domain

import "time"

// LoadLocationOrUTC resolves an IANA zone name, falling back to UTC when the
// name is empty or unknown.
func LoadLocationOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CountedAttemptsOnLocalDay counts events with CountsTowardAttempt=true whose
// UTC timestamp falls on localDay (YYYY-MM-DD) in the given zone.
func CountedAttemptsOnLocalDay(events []AttemptEvent, timezoneName, localDay string) int {
	loc := LoadLocationOrUTC(timezoneName)
	count := 0
	for _, ev := range events {
		if !ev.CountsTowardAttempt {
			continue
		}
		if ev.RecordedAtUTC.In(loc).Format("2006-01-02") == localDay {
			count++
		}
	}
	return count
}

// LastCountedAttemptTime returns the newest counted event time, or nil when
// the account has no counted attempts.
func LastCountedAttemptTime(events []AttemptEvent) *time.Time {
	var latest *time.Time
	for i := range events {
		if !events[i].CountsTowardAttempt {
			continue
		}
		ts := events[i].RecordedAtUTC
		if latest == nil || ts.After(*latest) {
			t := ts
			latest = &t
		}
	}
	return latest
}
