package hypixel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"skyquery/internal/domain"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBaseURL = "https://api.hypixel.net"
	auctionsPath   = "/skyblock/auctions"
	maxRetryDelay  = 30 * time.Second
)

// Client fetches the complete auction house listing page by page
type Client struct {
	http       *resty.Client
	baseURL    string
	workers    int
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewClient creates a page fetcher
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 15 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	client := resty.New()
	client.SetTimeout(opts.PageTimeout)
	client.SetHeader("Accept", "application/json")
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}

	return &Client{
		http:       client,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		workers:    opts.Workers,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
		logger:     slog.Default().With("module", "hypixel_client"),
	}
}

// FetchAll fetches page 0 to learn the page count, then the remaining pages
// with at most `workers` requests in flight. Any page failing fatally cancels
// the rest and fails the whole fetch.
func (c *Client) FetchAll(ctx context.Context) (*domain.FetchResult, error) {
	first, err := c.fetchPage(ctx, 0)
	if err != nil {
		return nil, err
	}

	total := first.TotalPages
	if total < 1 {
		total = 1
	}
	pages := make([]*auctionsPage, total)
	pages[0] = first

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for p := 1; p < total; p++ {
		p := p
		g.Go(func() error {
			page, err := c.fetchPage(gctx, p)
			if err != nil {
				return err
			}
			if page.TotalPages != first.TotalPages {
				return &domain.FetchError{
					Page:     p,
					Attempts: 1,
					Err:      fmt.Errorf("%w: page 0 reported %d, page %d reported %d", domain.ErrPageCountMismatch, first.TotalPages, p, page.TotalPages),
				}
			}
			pages[p] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	size := 0
	for _, page := range pages {
		size += len(page.Auctions)
	}
	result := &domain.FetchResult{
		Pages:       total,
		LastUpdated: first.LastUpdated,
		Listings:    make([]domain.RawListing, 0, size),
	}
	for _, page := range pages {
		for _, a := range page.Auctions {
			result.Listings = append(result.Listings, a.toRaw())
		}
	}

	c.logger.Debug("Fetched auction pages",
		slog.Int("pages", total),
		slog.Int("listings", len(result.Listings)),
	)
	return result, nil
}

// fetchPage fetches one page, retrying transient failures with exponential backoff
func (c *Client) fetchPage(ctx context.Context, page int) (*auctionsPage, error) {
	var lastErr error
	attempts := 0
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			delay := calculateBackoff(c.retryDelay, i-1)
			c.logger.Info("Retrying page fetch", slog.Int("page", page), slog.Int("attempt", i), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, &domain.FetchError{Page: page, Attempts: attempts, Err: ctx.Err()}
			case <-time.After(delay):
			}
		}

		attempts++
		result, err := c.doFetch(ctx, page)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !domain.IsRetriable(err) {
			break
		}
		c.logger.Warn("Page fetch attempt failed", slog.Int("page", page), slog.Int("attempt", attempts), slog.Any("error", err))
	}
	return nil, &domain.FetchError{Page: page, Attempts: attempts, Err: lastErr}
}

func (c *Client) doFetch(ctx context.Context, page int) (*auctionsPage, error) {
	op := "fetch page " + strconv.Itoa(page)

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("page", strconv.Itoa(page)).
		Get(c.baseURL + auctionsPath)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, domain.NewFatalNetworkError(op, err)
		}
		return nil, domain.NewNetworkError(op, err)
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return nil, domain.NewNetworkError(op, fmt.Errorf("unexpected status code: %d", status))
	case status != http.StatusOK:
		return nil, domain.NewFatalNetworkError(op, fmt.Errorf("unexpected status code: %d", status))
	}

	var data auctionsPage
	if err := json.Unmarshal(resp.Body(), &data); err != nil {
		return nil, domain.NewNetworkError(op, fmt.Errorf("decode body: %w", err))
	}
	if !data.Success {
		return nil, domain.NewFatalNetworkError(op, fmt.Errorf("%w: %s", domain.ErrRemoteUnsuccessful, data.Cause))
	}
	return &data, nil
}

// calculateBackoff returns base * 2^retry, capped at maxRetryDelay
func calculateBackoff(base time.Duration, retry int) time.Duration {
	if retry > 16 {
		return maxRetryDelay
	}
	delay := base << uint(retry)
	if delay <= 0 || delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
