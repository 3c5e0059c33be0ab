// Package fetcher downloads the monitored blog source and parses it into posts.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"blogwatch/internal/config"
	"blogwatch/internal/model"
	"blogwatch/internal/parser"
)

const maxBodySize = 5 * 1024 * 1024

// defaultRetryDelay spaces out repeated attempts within one poll cycle.
const defaultRetryDelay = time.Second

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses the blog source. The authentication strategy
// is resolved once at construction and credentials refresh transparently.
type Fetcher struct {
	client     HTTPClient
	url        string
	auth       authorizer
	parser     *parser.Parser
	timeout    time.Duration
	maxRetries uint64
	retryDelay time.Duration
	log        *slog.Logger
}

// New creates a Fetcher from configuration.
func New(cfg *config.Config, log *slog.Logger) (*Fetcher, error) {
	auth, client, err := newAuthorizer(cfg)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		client: client,
		url:    cfg.BlogURL,
		auth:   auth,
		parser: parser.New(cfg.BlogURL, log),
		// HTTPMaxRetries bounds total attempts per cycle.
		maxRetries: uint64(cfg.HTTPMaxRetries - 1),
		retryDelay: defaultRetryDelay,
		timeout:    cfg.HTTPTimeout,
		log:        log,
	}, nil
}

// NewWithClient creates a Fetcher with a custom HTTP client and no
// authentication (useful for testing).
func NewWithClient(client HTTPClient, url string, timeout time.Duration, log *slog.Logger) *Fetcher {
	return &Fetcher{
		client:     client,
		url:        url,
		auth:       noAuth{},
		parser:     parser.New(url, log),
		timeout:    timeout,
		retryDelay: time.Millisecond,
		log:        log,
	}
}

// Fetch performs one poll request and returns the parsed posts in source
// order. A 401 triggers a single forced credential refresh before failing
// with ErrUnauthorized. Transient network failures are retried within the
// configured bound; timeouts are not, so a slow upstream falls through to
// the scheduler's backoff instead of piling up attempts.
func (f *Fetcher) Fetch(ctx context.Context) ([]model.Post, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var body []byte
	var contentType string
	backoff := retry.WithMaxRetries(f.maxRetries, retry.NewConstant(f.retryDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		body, contentType, err = f.get(ctx)
		if errors.Is(err, ErrUnauthorized) {
			f.log.Debug("unauthorized response, refreshing credentials")
			f.auth.invalidate()
			body, contentType, err = f.get(ctx)
		}
		if errors.Is(err, ErrNetwork) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	posts, err := f.parser.Parse(contentType, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return posts, nil
}

func (f *Fetcher) get(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "blogwatch/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	if err := f.auth.apply(req); err != nil {
		return nil, "", err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, "", fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, "", fmt.Errorf("%w: unexpected status %d", ErrNetwork, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", classifyTransportError(err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
