package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// RetryPolicy bounds the transport's retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is a fraction in [0,1]. Transient waits gain up to Jitter*delay;
	// rate-limit waits are scaled by a factor drawn from [1-Jitter, 1].
	Jitter            float64
	MaxWait           time.Duration
	RespectRetryAfter bool
	RotateOnRateLimit bool
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         2 * time.Second,
		MaxDelay:          8 * time.Second,
		Jitter:            0.2,
		MaxWait:           300 * time.Second,
		RespectRetryAfter: true,
		RotateOnRateLimit: true,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

// backoff returns min(MaxDelay, BaseDelay*2^attempt) without jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay << attempt
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	return d
}

// transientDelay is the wait before retrying a TRANSIENT outcome. rnd returns
// a value in [0,1).
func (p RetryPolicy) transientDelay(attempt int, rnd func() float64) time.Duration {
	d := p.backoff(attempt)
	return d + time.Duration(rnd()*p.Jitter*float64(d))
}

// rateLimitDelay is the wait before retrying a RATE_LIMITED outcome. The
// server hint, or the backoff schedule without one, is scaled into
// [hint*(1-Jitter), hint], capped at MaxWait and halved after a successful
// identity rotation.
func (p RetryPolicy) rateLimitDelay(hint time.Duration, attempt int, rotated bool, rnd func() float64) time.Duration {
	if hint <= 0 || !p.RespectRetryAfter {
		hint = p.backoff(attempt)
	}
	factor := 1 - p.Jitter*rnd()
	d := time.Duration(float64(hint) * factor)
	if p.MaxWait > 0 && d > p.MaxWait {
		d = p.MaxWait
	}
	if rotated {
		d /= 2
	}
	return d
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := at.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
