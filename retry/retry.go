// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package retry decides how long to wait before replaying a failed operation
// and when to give up on it.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// StatusCoder is implemented by errors that carry a remote status code.
type StatusCoder interface {
	StatusCode() int
}

// QuickRetry grants a few short fixed-delay retries to one class of error,
// typically a bad request caused by a momentarily stale schema.
type QuickRetry struct {
	Status int           // status code eligible for quick retries (e.g. 400)
	Limit  int           // quick retries per operation
	Delay  time.Duration // fixed delay between quick retries
}

// Policy holds the retry ceiling and backoff parameters.
type Policy struct {
	BaseDelay   time.Duration // 1s
	MaxAttempts int           // 5
	MaxJitter   time.Duration // 300ms, clamped to BaseDelay
	MaxDelay    time.Duration // 0 means uncapped
	QuickRetry  QuickRetry

	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
}

// DefaultPolicy returns the stock retry policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   1 * time.Second,
		MaxAttempts: 5,
		MaxJitter:   300 * time.Millisecond,
		QuickRetry: QuickRetry{
			Status: 400,
			Limit:  2,
			Delay:  200 * time.Millisecond,
		},
	}
}

// Normalize fills zero fields from DefaultPolicy and clamps jitter so the
// delay sequence never decreases.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	if p.MaxJitter > p.BaseDelay {
		p.MaxJitter = p.BaseDelay
	}
	if p.QuickRetry.Limit < 0 {
		p.QuickRetry.Limit = 0
	}
	return p
}

// Backoff returns the delay before the retry that follows the given number of
// failed attempts: BaseDelay * 2^(attempts-1) plus jitter.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 30 {
		shift = 30
	}
	d := p.BaseDelay << uint(shift)
	if p.MaxJitter > 0 {
		d += time.Duration(p.jitter(int64(p.MaxJitter)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p Policy) jitter(n int64) int64 {
	if p.Jitter != nil {
		return p.Jitter(n)
	}
	return rand.Int63n(n)
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	DeadLetter bool
	Quick      bool
	Delay      time.Duration
}

// Decide classifies a failure. attempts already includes the failed attempt;
// quickUsed is how many quick retries the operation has consumed.
func (p Policy) Decide(attempts, quickUsed int, err error) Decision {
	if attempts >= p.MaxAttempts {
		return Decision{DeadLetter: true}
	}
	if p.quickEligible(err) && quickUsed < p.QuickRetry.Limit {
		return Decision{Quick: true, Delay: p.QuickRetry.Delay}
	}
	return Decision{Delay: p.Backoff(attempts)}
}

func (p Policy) quickEligible(err error) bool {
	if p.QuickRetry.Status == 0 || p.QuickRetry.Limit == 0 {
		return false
	}
	var sc StatusCoder
	if !errors.As(err, &sc) {
		return false
	}
	return sc.StatusCode() == p.QuickRetry.Status
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
