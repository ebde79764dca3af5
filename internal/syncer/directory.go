package syncer

import (
	"context"

	"google.golang.org/api/calendar/v3"

	"activitysync/internal/models"
	"activitysync/internal/retry"
)

// ListAccessibleCalendars pages through the calendar list. Any failure is
// logged and yields an empty list so the rest of the run can proceed.
func (s *Syncer) ListAccessibleCalendars(ctx context.Context) []models.Calendar {
	var cals []models.Calendar
	pageToken := ""

	for {
		list, err := retry.Value(ctx, s.deps.CalendarPolicy, func(ctx context.Context) (*calendar.CalendarList, error) {
			return s.deps.Calendars.ListCalendars(ctx, pageToken)
		})
		if err != nil {
			s.log(ctx).Error().Err(err).Msg("Failed to list accessible calendars")
			return nil
		}

		for _, item := range list.Items {
			if item == nil || item.Id == "" || item.Deleted {
				continue
			}
			name := item.SummaryOverride
			if name == "" {
				name = item.Summary
			}
			cals = append(cals, models.Calendar{ID: item.Id, DisplayName: name})
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}

	s.log(ctx).Info().Int("count", len(cals)).Msg("Listed accessible calendars")
	return cals
}
