package ledger

import "time"

// RolledOver reports whether now falls on a later calendar day than lastAnchor.
// Days are compared in lastAnchor's location. A zero anchor always rolls over and a
// clock that moved backwards never does.
func RolledOver(lastAnchor, now time.Time) bool {
	if lastAnchor.IsZero() {
		return true
	}
	return dayOf(now.In(lastAnchor.Location())).After(dayOf(lastAnchor))
}

// DayAnchor returns midnight of the day containing now in loc
func DayAnchor(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
