package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"activitysync/internal/models"
	"activitysync/internal/retry"
)

// CalendarClient provides read access to the Google Calendar API.
//
// When the credentials allow impersonation, calendars in the internal domain
// are read as their owner; everything else is read as the default subject.
type CalendarClient struct {
	source            ClientSource
	opts              []option.ClientOption
	logger            zerolog.Logger
	domain            string
	impersonateOwners bool
	timeout           time.Duration

	mu       sync.Mutex
	services map[string]*calendar.Service // keyed by subject, "" is the default
}

// CalendarOptions configures a CalendarClient.
type CalendarOptions struct {
	Domain            string
	ImpersonateOwners bool
	RequestTimeout    time.Duration
}

// NewCalendarClient creates a Calendar API client. Extra client options are
// appended to every service (tests use option.WithEndpoint).
func NewCalendarClient(logger zerolog.Logger, source ClientSource, o CalendarOptions, opts ...option.ClientOption) *CalendarClient {
	return &CalendarClient{
		source:            source,
		opts:              opts,
		logger:            logger,
		domain:            o.Domain,
		impersonateOwners: o.ImpersonateOwners && source.CanImpersonate(),
		timeout:           o.RequestTimeout,
		services:          make(map[string]*calendar.Service),
	}
}

// ListCalendars fetches one page of the calendar list.
func (c *CalendarClient) ListCalendars(ctx context.Context, pageToken string) (*calendar.CalendarList, error) {
	svc, err := c.service("")
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	call := svc.CalendarList.List().MaxResults(250).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	list, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", Classify(err))
	}
	return list, nil
}

// ListEvents fetches one page of expanded occurrences in [w.Start, w.End),
// ordered by start time.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, w models.Window, pageToken string) (*calendar.Events, error) {
	svc, err := c.service(c.subjectFor(calendarID))
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	c.logger.Debug().Str("calendar_id", calendarID).Bool("continuation", pageToken != "").Msg("Fetching events page")

	call := svc.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(w.Start.UTC().Format(time.RFC3339)).
		TimeMax(w.End.UTC().Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(2500).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	events, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events for %s: %w", calendarID, Classify(err))
	}
	return events, nil
}

func (c *CalendarClient) subjectFor(calendarID string) string {
	if c.impersonateOwners && models.IsPersonalCalendar(calendarID, c.domain) {
		return calendarID
	}
	return ""
}

func (c *CalendarClient) service(subject string) (*calendar.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[subject]; ok {
		return svc, nil
	}

	// Token refreshes outlive any single request, so the client is bound to
	// a background context.
	ctx := context.Background()
	opts := append([]option.ClientOption{option.WithHTTPClient(c.source.Client(ctx, subject))}, c.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	c.services[subject] = svc
	return svc, nil
}

func (c *CalendarClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Classify marks client errors as permanent so the retry policy gives up on
// them. Rate limiting (429, or 403 with a rate limit reason) and request
// timeouts stay retryable.
func Classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch {
	case gerr.Code == 408 || gerr.Code == 429:
		return err
	case gerr.Code == 403 && isRateLimited(gerr):
		return err
	case gerr.Code >= 400 && gerr.Code < 500:
		return retry.Permanent(err)
	}
	return err
}

func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if strings.Contains(strings.ToLower(item.Reason), "ratelimitexceeded") {
			return true
		}
	}
	return false
}
