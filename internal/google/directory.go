package google

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	directory "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"

	"activitysync/internal/models"
	"activitysync/internal/retry"
)

// DirectoryClient lists internal users from the Admin SDK Directory API.
type DirectoryClient struct {
	svc    *directory.Service
	policy *retry.Policy
	logger zerolog.Logger
	domain string
}

// NewDirectoryClient creates a Directory API client acting as the default
// subject.
func NewDirectoryClient(ctx context.Context, logger zerolog.Logger, source ClientSource, policy *retry.Policy, domain string, opts ...option.ClientOption) (*DirectoryClient, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(source.Client(ctx, ""))}, opts...)
	svc, err := directory.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory service: %w", err)
	}
	return &DirectoryClient{svc: svc, policy: policy, logger: logger, domain: domain}, nil
}

// ListIdentifiers returns the sorted identifiers (email local parts) of every
// active user in the domain.
func (c *DirectoryClient) ListIdentifiers(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""

	for {
		call := c.svc.Users.List().Domain(c.domain).MaxResults(500).OrderBy("email").Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		page, err := retry.Value(ctx, c.policy, func(context.Context) (*directory.Users, error) {
			users, err := call.Do()
			return users, Classify(err)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list directory users: %w", err)
		}

		for _, u := range page.Users {
			if u == nil || u.Suspended || u.Archived {
				continue
			}
			if id := models.UserFromEmail(u.PrimaryEmail, c.domain); id != "" {
				ids = append(ids, id)
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	sort.Strings(ids)
	c.logger.Info().Int("count", len(ids)).Msg("Listed directory users")
	return ids, nil
}
