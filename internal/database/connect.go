package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// connectAttempts bounds boot-time retries while dependencies come up.
const connectAttempts = 5

func retryConnect(ctx context.Context, what string, log zerolog.Logger, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	return backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(b, connectAttempts-1), ctx),
		func(err error, wait time.Duration) {
			log.Warn().Err(err).Dur("retry_in", wait).Msgf("%s not ready, retrying", what)
		})
}
