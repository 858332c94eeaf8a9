// Package segment streams archive segments over HTTP with bounded retry.
package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ccja/internal/corpus"
	"github.com/JakeFAU/ccja/internal/metrics"
	"github.com/JakeFAU/ccja/internal/policy/ratelimit"
	"github.com/JakeFAU/ccja/internal/retry"
)

// DefaultBaseURL is the public Common Crawl endpoint.
const DefaultBaseURL = "https://data.commoncrawl.org/"

// Config controls fetch behavior.
type Config struct {
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
	UserAgent  string
	// HeaderTimeout bounds the wait for response headers; the body stream is
	// governed by the caller's context only.
	HeaderTimeout time.Duration
}

// Fetcher implements corpus.SegmentFetcher.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	policy  retry.Policy
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New constructs a Fetcher. A nil client gets a default transport configured
// with the header timeout.
func New(cfg Config, client *http.Client, limiter *ratelimit.Limiter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.MaxRetries <= 0 {
		return nil, fmt.Errorf("max retries must be > 0")
	}
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.HeaderTimeout
		client = &http.Client{Transport: transport}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:  client,
		cfg:     cfg,
		policy:  retry.NewFixed(cfg.MaxRetries, cfg.RetryDelay),
		limiter: limiter,
		logger:  logger,
	}, nil
}

// URL returns the absolute location of a segment.
func (f *Fetcher) URL(id corpus.SegmentID) string {
	return f.cfg.BaseURL + strings.TrimPrefix(string(id), "/")
}

// Fetch opens the segment's byte stream. A 404 fails immediately with
// corpus.ErrPermanent; other failures are retried with a fixed delay and end
// in corpus.ErrFetchFailed once the budget is spent.
func (f *Fetcher) Fetch(ctx context.Context, id corpus.SegmentID) (io.ReadCloser, error) {
	return f.Get(ctx, f.URL(id))
}

// Get fetches an absolute URL under the same retry policy.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		body, err := f.attempt(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, corpus.ErrPermanent) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, ctx.Err())
		}
		lastErr = err
		if !f.policy.ShouldRetry(err, attempt) {
			break
		}
		delay := f.policy.Backoff(attempt)
		f.logger.Warn("segment fetch failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
	}
	f.logger.Error("segment fetch exhausted retries",
		zap.String("url", rawURL),
		zap.Int("attempts", f.policy.MaxAttempts()),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", corpus.ErrFetchFailed, rawURL, f.policy.MaxAttempts(), lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := f.limiter.Wait(ctx, rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", corpus.ErrPermanent, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ObserveFetchAttempt("error")
		return nil, fmt.Errorf("request %s: %w", rawURL, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		metrics.ObserveFetchAttempt("ok")
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		metrics.ObserveFetchAttempt("not_found")
		drain(resp.Body)
		return nil, fmt.Errorf("%w: invalid segment url %s (404)", corpus.ErrPermanent, rawURL)
	default:
		metrics.ObserveFetchAttempt("status")
		drain(resp.Body)
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
