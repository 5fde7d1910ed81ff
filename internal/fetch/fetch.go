// Package fetch downloads document payloads. No retries live here; retry
// policy is owned by the pipeline.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrorKind discriminates download failures.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindTimeout
	KindTooLarge
	KindHTTPStatus
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindTooLarge:
		return "too_large"
	case KindHTTPStatus:
		return "http_status"
	}
	return "unknown"
}

// Error is a failed document download.
type Error struct {
	Kind   ErrorKind
	URL    string
	Status int // set for KindHTTPStatus
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the same fetch could succeed.
// Oversized payloads and client-error statuses never will.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindHTTPStatus:
		return e.Status >= 500
	case KindTooLarge:
		return false
	}
	return false
}

// Config holds document fetcher configuration.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	MaxSize   int64 // bytes; payloads larger than this fail with KindTooLarge
}

// Fetcher downloads a single document payload over HTTP.
type Fetcher struct {
	config Config
	client *http.Client
}

// New creates a document Fetcher.
func New(config Config) *Fetcher {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxSize == 0 {
		config.MaxSize = 50 << 20
	}
	if config.UserAgent == "" {
		config.UserAgent = "fia-docs-api/1.0"
	}
	return &Fetcher{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Fetch downloads the full payload at sourceURL, enforcing the configured
// size cap and timeout. All failures are *Error.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: sourceURL, Err: err}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), URL: sourceURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Kind: KindHTTPStatus, URL: sourceURL, Status: resp.StatusCode}
	}
	if resp.ContentLength > f.config.MaxSize {
		return nil, &Error{
			Kind: KindTooLarge, URL: sourceURL,
			Err: fmt.Errorf("content length %d exceeds limit %d", resp.ContentLength, f.config.MaxSize),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxSize+1))
	if err != nil {
		return nil, &Error{Kind: classifyTransport(err), URL: sourceURL, Err: err}
	}
	if int64(len(body)) > f.config.MaxSize {
		return nil, &Error{
			Kind: KindTooLarge, URL: sourceURL,
			Err: fmt.Errorf("payload exceeds limit %d", f.config.MaxSize),
		}
	}
	return body, nil
}

func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}
