package util

import (
	"context"
	"errors"
	"time"
)

// Backoff 描述重试之间的等待：第 n 次失败后等待 Base*2^(n-1)，不超过 Max。
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay 返回第 attempt 次失败（从 1 开始）之后的等待时间。
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 || attempt <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Retry calls fn up to maxTries times until it returns a nil error.
// If maxTries <= 0, it defaults to 1. Returns the last error if all attempts fail.
func Retry[T any](maxTries int, fn func() (T, error)) (T, error) {
	return RetryWithContext(context.Background(), maxTries, Backoff{}, nil, func(context.Context) (T, error) {
		return fn()
	})
}

// RetryErrWithContext 是 RetryWithContext 的无返回值版本。
func RetryErrWithContext(ctx context.Context, maxTries int, b Backoff, retryable func(error) bool, fn func(context.Context) error) error {
	_, err := RetryWithContext(ctx, maxTries, b, retryable, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithContext calls fn up to maxTries times until it returns a nil error,
// or until ctx is done. retryable == nil 表示所有错误都可重试；返回 false 时立即返回该错误。
// Returns ctx.Err() if the context is canceled while waiting, otherwise returns the last error.
func RetryWithContext[T any](ctx context.Context, maxTries int, b Backoff, retryable func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if i == maxTries-1 {
			break
		}
		if d := b.Delay(i + 1); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return zero, ctx.Err()
			case <-t.C:
			}
		}
	}
	return zero, lastErr
}
