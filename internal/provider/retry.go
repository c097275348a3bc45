package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const retryMaxTries = 3

// withRetry replays op on transport-class failures with exponential
// backoff and jitter. Every other failure class is permanent: the
// provider told us something meaningful and retrying will not change it.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.Multiplier = 1.6
	bo.RandomizationFactor = 0.2

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsTransport(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(retryMaxTries))
}
