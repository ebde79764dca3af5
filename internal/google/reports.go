package google

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	reports "google.golang.org/api/admin/reports/v1"
	"google.golang.org/api/option"

	"activitysync/internal/models"
)

// Meet audit log identifiers.
const (
	meetApplication   = "meet"
	callEndedEvent    = "call_ended"
	allUsers          = "all"
	auditPageSize     = 1000
	meetingCodeFilter = "meeting_code=="
)

// ReportsClient reads Google Meet audit activity from the Admin SDK Reports
// API.
type ReportsClient struct {
	source  ClientSource
	opts    []option.ClientOption
	logger  zerolog.Logger
	timeout time.Duration

	once sync.Once
	svc  *reports.Service
	err  error
}

// NewReportsClient creates a Reports API client acting as the default
// subject, which must be a Workspace admin.
func NewReportsClient(logger zerolog.Logger, source ClientSource, timeout time.Duration, opts ...option.ClientOption) *ReportsClient {
	return &ReportsClient{source: source, opts: opts, logger: logger, timeout: timeout}
}

// ListCallEnded fetches one page of "call_ended" activities for a meeting
// code within [w.Start, w.End).
func (c *ReportsClient) ListCallEnded(ctx context.Context, code string, w models.Window, pageToken string) (*reports.Activities, error) {
	svc, err := c.service()
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.logger.Debug().Str("conferencing_code", code).Bool("continuation", pageToken != "").Msg("Fetching meet audit page")

	call := svc.Activities.List(allUsers, meetApplication).
		EventName(callEndedEvent).
		Filters(meetingCodeFilter + strings.ToUpper(code)).
		StartTime(w.Start.UTC().Format(time.RFC3339)).
		EndTime(w.End.UTC().Format(time.RFC3339)).
		MaxResults(auditPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	activities, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list meet activities for %s: %w", code, Classify(err))
	}
	return activities, nil
}

func (c *ReportsClient) service() (*reports.Service, error) {
	c.once.Do(func() {
		ctx := context.Background()
		opts := append([]option.ClientOption{option.WithHTTPClient(c.source.Client(ctx, ""))}, c.opts...)
		c.svc, c.err = reports.NewService(ctx, opts...)
		if c.err != nil {
			c.err = fmt.Errorf("failed to create reports service: %w", c.err)
		}
	})
	return c.svc, c.err
}
