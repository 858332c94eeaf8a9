// Package retry provides bounded retry policies shared by the segment fetcher
// and the per-segment worker loop.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/ccja/internal/corpus"
)

// Policy decides whether and when to try again. Attempts are 1-based.
type Policy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
	MaxAttempts() int
}

// Fixed retries with a constant delay.
type Fixed struct {
	maxAttempts int
	delay       time.Duration
}

// NewFixed builds a constant-delay policy. maxAttempts below one is treated as one.
func NewFixed(maxAttempts int, delay time.Duration) *Fixed {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Fixed{maxAttempts: maxAttempts, delay: delay}
}

// ShouldRetry implements Policy.
func (p *Fixed) ShouldRetry(err error, attempt int) bool {
	return retryable(err, attempt, p.maxAttempts)
}

// Backoff implements Policy.
func (p *Fixed) Backoff(int) time.Duration {
	return p.delay
}

// MaxAttempts implements Policy.
func (p *Fixed) MaxAttempts() int {
	return p.maxAttempts
}

// Exponential retries with jittered exponential backoff.
type Exponential struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponential builds a jittered exponential policy.
func NewExponential(maxAttempts int, baseDelay, maxDelay time.Duration) *Exponential {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &Exponential{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry implements Policy.
func (p *Exponential) ShouldRetry(err error, attempt int) bool {
	return retryable(err, attempt, p.maxAttempts)
}

// Backoff returns a delay in [d/2, d) where d doubles per attempt up to maxDelay.
func (p *Exponential) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

// MaxAttempts implements Policy.
func (p *Exponential) MaxAttempts() int {
	return p.maxAttempts
}

func retryable(err error, attempt, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, corpus.ErrPermanent)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
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
