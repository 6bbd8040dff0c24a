package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"relentless-harvester/internal/logger"
	"relentless-harvester/internal/models"
)

// DefaultUserAgent is sent with every marketplace request.
const DefaultUserAgent = "RelentlessHarvester/1.0"

const maxErrorBody = 512

// Limiter gates each outbound request.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Route is how one call leaves the process: the HTTP client bound to an egress and
// that egress's rate limiter.
type Route struct {
	HTTP    *http.Client
	Limiter Limiter
	// Proxied is true when HTTP sends through a proxy egress.
	Proxied bool
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	// RetryMax is the number of extra attempts for 500, 502 and 504 responses.
	RetryMax  int
	RetryBase time.Duration
	RetryCap  time.Duration
}

// Client calls the marketplace search API.
type Client struct {
	baseURL   string
	apiKey    string
	userAgent string
	retryMax  int
	retryBase time.Duration
	retryCap  time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	log       zerolog.Logger
}

// New returns a Client for the API at opts.BaseURL.
func New(opts Options) *Client {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		userAgent: opts.UserAgent,
		retryMax:  opts.RetryMax,
		retryBase: opts.RetryBase,
		retryCap:  opts.RetryCap,
		sleep:     sleepContext,
		now:       time.Now,
		log:       logger.WithComponent("upstream"),
	}
}

// SearchURL builds the search URL for a target and filters.
func (c *Client) SearchURL(targetID string, filters models.SearchFilters) string {
	q := url.Values{}
	q.Set("target", targetID)
	if filters.MinPrice > 0 {
		q.Set("min_price", strconv.FormatFloat(filters.MinPrice, 'f', -1, 64))
	}
	if filters.MaxPrice > 0 {
		q.Set("max_price", strconv.FormatFloat(filters.MaxPrice, 'f', -1, 64))
	}
	if filters.Limit > 0 {
		q.Set("limit", strconv.Itoa(filters.Limit))
	}
	return c.baseURL + "/search?" + q.Encode()
}

// Search fetches listings for targetID through route. Every attempt first acquires a
// token from route.Limiter. 500, 502 and 504 responses are retried up to RetryMax
// times with capped exponential backoff; when they run out the error wraps
// ErrRetriesExhausted. Other failures return immediately for the caller to classify.
func (c *Client) Search(ctx context.Context, route Route, targetID string, filters models.SearchFilters) ([]models.Listing, error) {
	endpoint := c.SearchURL(targetID, filters)
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt-1, c.retryBase, c.retryCap)
			c.log.Debug().Str("target", targetID).Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying transient upstream error")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		if route.Limiter != nil {
			if err := route.Limiter.Acquire(ctx); err != nil {
				return nil, err
			}
		}
		body, err := c.fetch(ctx, route, endpoint)
		if err == nil {
			return ParseSearchResponse(body, targetID)
		}
		if !transientStatus(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

func (c *Client) fetch(ctx context.Context, route Route, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	client := route.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Proxied:    route.Proxied,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	return io.ReadAll(resp.Body)
}

func transientStatus(err error) bool {
	statusErr, ok := err.(*StatusError)
	if !ok {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
