// Package ratelimit paces the calls a poller makes against one torrent
// client.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Observer is told how long each successful Acquire waited.
type Observer func(wait time.Duration)

// Limiter guarantees that consecutive Acquire calls return at least delay
// apart. It is safe for concurrent use.
type Limiter struct {
	delay   time.Duration
	limiter *rate.Limiter
	sem     chan struct{}
	observe Observer

	// guarded by sem
	last time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithObserver registers fn to receive wait durations.
func WithObserver(fn Observer) Option {
	return func(l *Limiter) {
		l.observe = fn
	}
}

// New returns a limiter with the given minimum delay between acquisitions.
// A delay of zero or less disables pacing.
func New(delay time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		delay: delay,
		sem:   make(chan struct{}, 1),
	}

	if delay > 0 {
		l.limiter = rate.NewLimiter(rate.Every(delay), 1)
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Delay returns the configured minimum gap.
func (l *Limiter) Delay() time.Duration {
	return l.delay
}

// Acquire blocks until at least the configured delay has elapsed since the
// previous Acquire on this limiter returned. It returns ctx.Err() if the
// context is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if l.limiter == nil {
		return nil
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	if err := l.limiter.Wait(ctx); err != nil {
		// Wait fails fast when the deadline is closer than the next token;
		// report it as the deadline once it actually passes.
		<-ctx.Done()

		return ctx.Err()
	}

	// The token bucket measures from reservation time; timers can fire a
	// little early, so enforce the gap against the previous return as well.
	if !l.last.IsZero() {
		if gap := l.delay - time.Since(l.last); gap > 0 {
			if err := sleepWithContext(ctx, gap); err != nil {
				return err
			}
		}
	}

	l.last = time.Now()

	if l.observe != nil {
		l.observe(l.last.Sub(start))
	}

	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
