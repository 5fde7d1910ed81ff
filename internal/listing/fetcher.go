// Package listing discovers published documents on the FIA listing pages.
package listing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gocolly/colly/v2"
)

// FetcherConfig holds listing fetch configuration.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
	Delay     time.Duration
}

// Fetcher issues GET requests against listing pages and returns the raw HTML.
type Fetcher struct {
	config FetcherConfig
}

// NewFetcher creates a listing Fetcher.
func NewFetcher(config FetcherConfig) *Fetcher {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "fia-docs-api/1.0"
	}
	return &Fetcher{config: config}
}

// Fetch downloads a single listing page. The context cancels the request
// before it is issued; an already-started transfer runs to completion.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) ([]byte, error) {
	c := colly.NewCollector(
		colly.UserAgent(f.config.UserAgent),
		colly.MaxDepth(1),
	)
	c.SetRequestTimeout(f.config.Timeout)
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Delay:       f.config.Delay,
		Parallelism: 1,
	}); err != nil {
		return nil, fmt.Errorf("configuring rate limit: %w", err)
	}

	var body []byte
	var status int

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			slog.Debug("listing fetch cancelled", "url", r.URL.String())
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
	})

	visitErr := c.Visit(pageURL)
	c.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if visitErr != nil {
		return nil, fmt.Errorf("fetching listing %s: %w", pageURL, visitErr)
	}
	if body == nil {
		return nil, fmt.Errorf("fetching listing %s: empty response (status %d)", pageURL, status)
	}

	slog.Debug("fetched listing page", "url", pageURL, "status", status, "size", len(body))
	return body, nil
}
