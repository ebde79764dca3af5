package syncer

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"activitysync/internal/metrics"
	"activitysync/internal/retry"
)

// pageRequest asks for one page of a paginated listing. An empty token is
// the first page.
type pageRequest struct {
	key   string
	token string
}

type pageResult[T any] struct {
	req  pageRequest
	page T
	next string
	err  error
}

// batcher sends paginated requests in groups of at most size per round
// trip. The requests of a group are issued together and gathered before any
// result is handled, and results are handled in submission order, so a run
// over the same input is deterministic.
type batcher struct {
	api     string // metrics label
	size    int
	limiter *rate.Limiter // spaces round trips; nil means no spacing
	policy  *retry.Policy
	logger  zerolog.Logger
}

// pageFetcher fetches one page for key and returns the continuation token.
type pageFetcher[T any] func(ctx context.Context, key, token string) (T, string, error)

// pageHandler consumes one page. An error abandons the key's remaining pages.
type pageHandler[T any] func(key string, page T) error

// runPaged fetches every page of every key. A key whose request fails after
// retries, or whose handler fails, is logged and abandoned; other keys are
// unaffected. Only context cancellation stops the run early.
func runPaged[T any](ctx context.Context, b batcher, keys []string, fetch pageFetcher[T], handle pageHandler[T]) error {
	size := b.size
	if size < 1 {
		size = 1
	}

	queue := make([]pageRequest, 0, len(keys))
	for _, k := range keys {
		queue = append(queue, pageRequest{key: k})
	}

	for len(queue) > 0 {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n := min(size, len(queue))
		group := make([]pageRequest, n)
		copy(group, queue[:n])
		queue = queue[n:]

		results := make([]pageResult[T], n)
		var g errgroup.Group
		for i, req := range group {
			g.Go(func() error {
				results[i] = fetchPage(ctx, b.policy, fetch, req)
				return nil
			})
		}
		_ = g.Wait()
		metrics.APIRoundTrips.WithLabelValues(b.api).Inc()

		for _, res := range results {
			if res.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				metrics.APIRequestErrors.WithLabelValues(b.api).Inc()
				b.logger.Error().Err(res.err).Str("key", res.req.key).Bool("continuation", res.req.token != "").Msg("Request failed, abandoning remaining pages")
				continue
			}
			if err := handle(res.req.key, res.page); err != nil {
				b.logger.Error().Err(err).Str("key", res.req.key).Msg("Failed to handle page, abandoning remaining pages")
				continue
			}
			if res.next != "" {
				queue = append(queue, pageRequest{key: res.req.key, token: res.next})
			}
		}
	}
	return nil
}

func fetchPage[T any](ctx context.Context, policy *retry.Policy, fetch pageFetcher[T], req pageRequest) pageResult[T] {
	res := pageResult[T]{req: req}
	res.err = policy.Do(ctx, func(ctx context.Context) error {
		page, next, err := fetch(ctx, req.key, req.token)
		if err != nil {
			return err
		}
		res.page, res.next = page, next
		return nil
	})
	return res
}

// newLimiter returns a limiter allowing one round trip per interval, or nil
// for no spacing.
func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
