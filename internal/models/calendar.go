package models

import "strings"

// IsPersonalCalendar reports whether calendarID is a user's primary calendar
// in the internal domain (e.g. "alice@example.com").
func IsPersonalCalendar(calendarID, domain string) bool {
	if domain == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(calendarID), "@"+strings.ToLower(domain))
}

// IsResourceCalendar reports whether calendarID is an auto-generated room or
// equipment calendar.
func IsResourceCalendar(calendarID, suffix string) bool {
	if suffix == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(calendarID), strings.ToLower(suffix))
}

// PersonalCalendarID templates a user identifier into the internal domain.
func PersonalCalendarID(user, domain string) string {
	return user + "@" + domain
}

// UserFromEmail returns the local part of an internal email address, or ""
// when the address is outside domain.
func UserFromEmail(email, domain string) string {
	local, host, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || local == "" || !strings.EqualFold(host, domain) {
		return ""
	}
	return strings.ToLower(local)
}
