package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
	RetryDelay   = 2 * time.Second
)

// Options tunes a worker loop. Zero values fall back to the package defaults.
type Options struct {
	BatchSize    int
	BatchTimeout time.Duration
	PollTimeout  time.Duration
	RetryDelay   time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = BatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = BatchTimeout
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = PollTimeout
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = RetryDelay
	}
	return o
}

// pop waits up to timeout for the next raw payload on queue. ok is false on
// timeout or when the context is done.
func pop(ctx context.Context, rdb *redis.Client, queue string, timeout time.Duration) (string, bool, error) {
	result, err := rdb.BLPop(ctx, timeout, queue).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return "", false, nil
		}
		return "", false, err
	}
	if len(result) < 2 {
		return "", false, nil
	}
	return result[1], true, nil
}

// sleepCtx pauses for d unless ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
