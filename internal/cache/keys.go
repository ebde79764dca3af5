// Package cache reads and writes the Google calendar activity cache in
// Redis. Key shapes are shared with the dashboard readers and must not
// change.
package cache

import "time"

// CalendarsKey is the hash of calendar id (or "personal") to display name.
const CalendarsKey = "google:calendars"

// EventKey is the string key holding an event's details, addressed by the
// base event id (recurrence suffix stripped).
func EventKey(baseEventID string) string {
	return "google:event:" + baseEventID
}

// AttendanceKey is the set of a user's attendance intervals for one
// occurrence.
func AttendanceKey(eventID, user string) string {
	return "google:event:" + eventID + ":attendee:" + user
}

// UserEventsKey is the sorted set of occurrence ids a user attended on a
// calendar alias, scored by occurrence start in epoch seconds.
func UserEventsKey(calendarAlias, user string) string {
	return "google:calendar:" + calendarAlias + ":user:" + user + ":events"
}

// EventDetail is the JSON stored under EventKey.
type EventDetail struct {
	Summary     string `json:"summary"`
	CalendarID  string `json:"calendar_id"`
	IsRecurring bool   `json:"is_recurring"`
}

// Interval is the JSON stored as a member of AttendanceKey.
type Interval struct {
	JoinTime  string `json:"join_time"`
	LeaveTime string `json:"leave_time"`
}

// NewInterval formats join and leave as RFC 3339 UTC with a "Z" suffix.
func NewInterval(join, leave time.Time) Interval {
	return Interval{
		JoinTime:  join.UTC().Format(time.RFC3339),
		LeaveTime: leave.UTC().Format(time.RFC3339),
	}
}
