package lookup

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds retries of an idempotent lookup.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
}

// DefaultRetryPolicy is three attempts starting at 20ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: 20 * time.Millisecond, Max: 200 * time.Millisecond, MaxJitter: 10 * time.Millisecond}
}

// Backoff returns the delay before retry number attempt (0-based). Jitter is
// derived from seed, so the same lookup always waits the same amount.
func Backoff(p RetryPolicy, seed string, attempt int) time.Duration {
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	delay := p.Base * time.Duration(int64(1)<<shift)
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	if p.MaxJitter <= 0 {
		return delay
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	jitter := binary.BigEndian.Uint64(sum[:8]) % uint64(p.MaxJitter)
	return delay + time.Duration(jitter)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryable excludes answers that will not change on retry.
func retryable(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrBadValue) &&
		!errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func withRetry[T any](ctx context.Context, p RetryPolicy, seed string, sleep sleepFunc, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		zero T
		err  error
	)
	for i := 0; i < attempts; i++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if !retryable(err) || i == attempts-1 {
			break
		}
		if serr := sleep(ctx, Backoff(p, seed, i)); serr != nil {
			return zero, errors.Join(err, serr)
		}
	}
	return zero, err
}
