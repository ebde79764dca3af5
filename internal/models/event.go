package models

import (
	"strings"
	"time"
)

// PersonalAlias is the directory key every personal calendar is folded into.
const PersonalAlias = "personal"

// PersonalDisplayName is the display name written for PersonalAlias.
const PersonalDisplayName = "Personal Calendars"

// Calendar is a calendar visible to the service account.
type Calendar struct {
	ID          string // Calendar ID (e.g. "team@group.calendar.google.com")
	DisplayName string // Summary override or summary as shown in the calendar list
}

// CalendarEvent is one concrete occurrence of a calendar event that carries
// a Google Meet conferencing code. Recurring series are expanded, so every
// occurrence has its own ID sharing the series' base ID.
type CalendarEvent struct {
	ID               string    // Occurrence ID (e.g. "abc123_20240105T100000Z")
	CalendarID       string    // Calendar the occurrence was attributed to
	Summary          string    // Title of the event
	Start            time.Time // Concrete start time, never zero
	Recurring        bool      // True when the occurrence belongs to a series
	ConferencingCode string    // Meet code with separators stripped (e.g. "abcdefghij")
}

// BaseID returns the event ID with the recurrence instance suffix removed.
func (e CalendarEvent) BaseID() string {
	return BaseEventID(e.ID)
}

// BaseEventID strips the "_<instance>" suffix Google appends to occurrences
// of a recurring series.
func BaseEventID(id string) string {
	base, _, _ := strings.Cut(id, "_")
	return base
}

// AttendanceRecord is one user's participation interval in a resolved
// event occurrence.
type AttendanceRecord struct {
	EventID string    // Occurrence the record was matched to
	User    string    // Internal user identifier (email local part)
	Join    time.Time // Join time (UTC)
	Leave   time.Time // Join plus call duration (UTC)
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}
