package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"leakbench/types"
)

type RetryPolicy struct {
	Attempts         int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BreakerThreshold int
}

// Breaker retries a device call a bounded number of times with exponential
// backoff. After BreakerThreshold consecutive failed calls it opens and
// every call fails fast with types.ErrDeviceDisconnected until Reset.
type Breaker struct {
	policy  RetryPolicy
	onRetry func(attempt int, err error)
	wait    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	failures int
	open     bool
}

func NewBreaker(p RetryPolicy, onRetry func(attempt int, err error)) *Breaker {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BreakerThreshold < 1 {
		p.BreakerThreshold = 1
	}
	if onRetry == nil {
		onRetry = func(int, error) {}
	}
	return &Breaker{policy: p, onRetry: onRetry, wait: sleepCtx}
}

func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	b.mu.Lock()
	open := b.open
	b.mu.Unlock()
	if open {
		return types.ErrDeviceDisconnected
	}

	backoff := b.policy.InitialBackoff
	var err error
	for attempt := 1; attempt <= b.policy.Attempts; attempt++ {
		if err = fn(); err == nil {
			b.mu.Lock()
			b.failures = 0
			b.mu.Unlock()
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == b.policy.Attempts {
			break
		}
		b.onRetry(attempt, err)
		if werr := b.wait(ctx, backoff); werr != nil {
			return werr
		}
		backoff = min(backoff*2, b.policy.MaxBackoff)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.policy.BreakerThreshold {
		b.open = true
		return fmt.Errorf("%w after %d failed calls: %v", types.ErrDeviceDisconnected, b.failures, err)
	}
	return fmt.Errorf("giving up after %d attempts: %w", b.policy.Attempts, err)
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, types.ErrHardwareNotFound), errors.Is(err, types.ErrPortBusy):
		return false
	case errors.Is(err, types.ErrThermalFault), errors.Is(err, types.ErrInvalidState):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
