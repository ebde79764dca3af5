package syncer

import (
	"regexp"
	"strings"

	"google.golang.org/api/calendar/v3"
)

// ConferencingKind classifies how an event is conferenced.
type ConferencingKind int

const (
	// ConferencingNone means no meeting link was found at all.
	ConferencingNone ConferencingKind = iota
	// ConferencingMeet means a Google Meet code was extracted.
	ConferencingMeet
	// ConferencingThirdParty means the event uses another system (Zoom, ...).
	ConferencingThirdParty
)

// Meet codes are three groups of letters, 3-4-3, usually hyphenated.
var meetURIPattern = regexp.MustCompile(`(?i)^https?://meet\.google\.com/([a-z]{3}-?[a-z]{4}-?[a-z]{3})(?:[/?#]|$)`)

// ExtractConferencingCode returns the normalized Meet code of an event. The
// video entry points are searched first, then the legacy hangout link. When
// no Meet link exists, markers (case-insensitive substrings such as
// "zoom.us") are searched in the location, description and entry point URIs
// to tell third-party conferencing apart from a missing link.
func ExtractConferencingCode(ev *calendar.Event, markers []string) (string, ConferencingKind) {
	if ev == nil {
		return "", ConferencingNone
	}

	var uris []string
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep == nil {
				continue
			}
			uris = append(uris, ep.Uri)
			if ep.EntryPointType != "video" {
				continue
			}
			if code := meetCode(ep.Uri); code != "" {
				return code, ConferencingMeet
			}
		}
	}
	if code := meetCode(ev.HangoutLink); code != "" {
		return code, ConferencingMeet
	}

	haystack := strings.ToLower(ev.Location + "\n" + ev.Description + "\n" + strings.Join(uris, "\n"))
	for _, m := range markers {
		if m != "" && strings.Contains(haystack, strings.ToLower(m)) {
			return "", ConferencingThirdParty
		}
	}
	return "", ConferencingNone
}

// meetCode extracts and normalizes the meeting token of a Meet URI:
// "https://meet.google.com/abc-defg-hij" becomes "abcdefghij".
func meetCode(uri string) string {
	m := meetURIPattern.FindStringSubmatch(strings.TrimSpace(uri))
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(m[1], "-", ""))
}
