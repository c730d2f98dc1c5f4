package proctor

import (
	"sync"
	"time"
)

// Countdown tracks the remaining exam time. Remaining time is always derived
// from the captured start timestamp, so a throttled or late ticker never
// makes the countdown run slow; ticks only trigger re-evaluation.
type Countdown struct {
	clock    Clock
	total    time.Duration
	period   time.Duration
	onTick   func(remaining int)
	onExpire func()

	mu        sync.Mutex
	startedAt time.Time
	started   bool
	expired   bool
	stopped   bool
	stop      chan struct{}
	done      chan struct{}
}

// NewCountdown creates a stopped countdown of length total that re-evaluates
// every period.
func NewCountdown(clock Clock, total, period time.Duration, onTick func(int), onExpire func()) *Countdown {
	if period <= 0 {
		period = time.Second
	}
	return &Countdown{
		clock:    clock,
		total:    total,
		period:   period,
		onTick:   onTick,
		onExpire: onExpire,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the countdown now.
func (c *Countdown) Start() error {
	return c.StartAt(c.clock.Now())
}

// StartAt begins the countdown from an earlier start timestamp.
func (c *Countdown) StartAt(startedAt time.Time) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrTimerStarted
	}
	c.started = true
	c.startedAt = startedAt
	ticker := c.clock.NewTicker(c.period)
	c.mu.Unlock()

	go c.run(ticker)
	return nil
}

// StartedAt returns the captured start timestamp.
func (c *Countdown) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Remaining returns whole seconds left, rounded up, never negative. Before
// Start it returns the full length.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

func (c *Countdown) remainingLocked() int {
	left := c.total
	if c.started {
		left -= c.clock.Now().Sub(c.startedAt)
	}
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// Expired reports whether the expiry event has fired.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Stop halts the countdown. It does not wait for the loop to exit, so it is
// safe to call from the tick and expiry callbacks.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
}

// Done is closed once the countdown loop has exited.
func (c *Countdown) Done() <-chan struct{} {
	return c.done
}

func (c *Countdown) run(t Ticker) {
	defer close(c.done)
	defer t.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-t.C():
		}

		c.mu.Lock()
		if c.stopped || c.expired {
			c.mu.Unlock()
			return
		}
		remaining := c.remainingLocked()
		if remaining == 0 {
			c.expired = true
		}
		c.mu.Unlock()

		if c.onTick != nil {
			c.onTick(remaining)
		}
		if remaining == 0 {
			if c.onExpire != nil {
				c.onExpire()
			}
			return
		}
	}
}
