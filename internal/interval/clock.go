// Package interval maps wall time onto the 15-minute UTC windows on whose
// close the binary contracts resolve.
//
// The Clock answers "which interval is it now" and "which comes next", and
// runs a single dispatcher goroutine that fires rollover callbacks at each
// interval boundary. Callbacks run in registration order; a tick landing
// exactly on an interval's end belongs to the next interval.
package interval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"boxarb/pkg/types"
)

// RolloverFunc is invoked at each interval boundary with the interval that
// just ended and the one that just began.
type RolloverFunc func(ended, next types.IntervalKey)

// Clock tracks the current 15-minute interval and schedules rollovers.
type Clock struct {
	mu        sync.Mutex
	callbacks []RolloverFunc
	now       func() time.Time // injectable for tests
	logger    *slog.Logger
}

// NewClock creates an interval clock.
func NewClock(logger *slog.Logger) *Clock {
	return &Clock{
		now:    time.Now,
		logger: logger.With("component", "clock"),
	}
}

// KeyAt returns the interval containing t. A time exactly on a boundary
// belongs to the interval that starts there.
func KeyAt(t time.Time) types.IntervalKey {
	sec := t.Unix()
	start := sec - (sec % types.IntervalSeconds)
	return types.IntervalKey{StartTs: start, EndTs: start + types.IntervalSeconds}
}

// Current returns the interval containing now.
func (c *Clock) Current() types.IntervalKey {
	return KeyAt(c.now())
}

// Next returns the interval after the current one.
func (c *Clock) Next() types.IntervalKey {
	return c.Current().Next()
}

// MsUntil returns the milliseconds from now until ts (epoch seconds).
// Negative if ts is in the past.
func (c *Clock) MsUntil(ts int64) int64 {
	return ts*1000 - c.now().UnixMilli()
}

// OnRollover registers a callback fired at every interval boundary.
// Callbacks run sequentially in registration order on the dispatcher.
func (c *Clock) OnRollover(fn RolloverFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, fn)
}

// Run drives the rollover dispatcher. Blocks until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) {
	for {
		cur := c.Current()
		wait := time.Duration(c.MsUntil(cur.EndTs)) * time.Millisecond
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.fire(cur)
		}
	}
}

func (c *Clock) fire(ended types.IntervalKey) {
	next := ended.Next()
	c.logger.Info("interval rollover", "ended", ended.String(), "next", next.String())

	c.mu.Lock()
	cbs := make([]RolloverFunc, len(c.callbacks))
	copy(cbs, c.callbacks)
	c.mu.Unlock()

	for _, fn := range cbs {
		fn(ended, next)
	}
}
