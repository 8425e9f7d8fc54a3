package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/runfleet/pkg/metrics"
)

const (
	// MaxCASAttempts bounds the retries of Update after lost races
	MaxCASAttempts = 100

	casRetryDelay = 50 * time.Millisecond
)

// ErrConflict is returned when Update keeps losing the compare-and-swap race
// until its attempts run out.
var ErrConflict = errors.New("compare-and-swap conflict")

// UpdateFunc computes the new value of a key from its current value. exists
// reports whether the key was present.
type UpdateFunc func(current string, exists bool) (string, error)

// Update applies fn to key with the read, compute, PutSwap idiom. A lost
// race waits 50ms and retries with a fresh read. Errors from fn or the store
// end the loop immediately.
func Update(ctx context.Context, store Store, key string, fn UpdateFunc) (string, error) {
	var result string

	op := func() error {
		current, exists, err := store.Get(key)
		if err != nil {
			return backoff.Permanent(err)
		}

		next, err := fn(current, exists)
		if err != nil {
			return backoff.Permanent(err)
		}

		var expected *string
		if exists {
			expected = &current
		}
		swapped, err := store.PutSwap(key, expected, next)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !swapped {
			metrics.CASConflictsTotal.Inc()
			return ErrConflict
		}

		result = next
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(casRetryDelay), MaxCASAttempts-1),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, ErrConflict) {
			return "", fmt.Errorf("update %s: gave up after %d attempts: %w", key, MaxCASAttempts, err)
		}
		return "", fmt.Errorf("update %s: %w", key, err)
	}
	return result, nil
}

// Increment atomically adds one to the integer stored under key and returns
// the new value. A missing key counts as zero.
func Increment(ctx context.Context, store Store, key string) (int64, error) {
	value, err := Update(ctx, store, key, func(current string, exists bool) (string, error) {
		var n int64
		if exists {
			parsed, err := strconv.ParseInt(current, 10, 64)
			if err != nil {
				return "", fmt.Errorf("value %q is not an integer: %w", current, err)
			}
			n = parsed
		}
		return strconv.FormatInt(n+1, 10), nil
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}
