package interval

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"boxarb/pkg/types"
)

func testClock(at time.Time) *Clock {
	c := NewClock(slog.Default())
	c.now = func() time.Time { return at }
	return c
}

func TestKeyAt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		at        time.Time
		wantStart int64
	}{
		{"mid interval", time.Unix(1700000500, 0), 1699999200},
		{"start boundary", time.Unix(1699999200, 0), 1699999200},
		{"one second before end", time.Unix(1700000099, 0), 1699999200},
		// A tick exactly at endTs belongs to the next interval.
		{"exactly at end", time.Unix(1700000100, 0), 1700000100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			key := KeyAt(tt.at)
			if key.StartTs != tt.wantStart {
				t.Errorf("StartTs = %d, want %d", key.StartTs, tt.wantStart)
			}
			if key.EndTs-key.StartTs != types.IntervalSeconds {
				t.Errorf("interval length = %d, want %d", key.EndTs-key.StartTs, types.IntervalSeconds)
			}
		})
	}
}

func TestCurrentNext(t *testing.T) {
	t.Parallel()
	c := testClock(time.Unix(1700000500, 0))

	cur := c.Current()
	next := c.Next()

	if next.StartTs != cur.EndTs {
		t.Errorf("next.StartTs = %d, want %d", next.StartTs, cur.EndTs)
	}
	if next.EndTs != cur.EndTs+types.IntervalSeconds {
		t.Errorf("next.EndTs = %d, want %d", next.EndTs, cur.EndTs+types.IntervalSeconds)
	}
}

func TestMsUntil(t *testing.T) {
	t.Parallel()
	c := testClock(time.Unix(1700000500, 0))

	cur := c.Current()
	// 1700000500 is 400s into the interval; 500s (500000ms) remain.
	if got := c.MsUntil(cur.EndTs); got != 500000 {
		t.Errorf("MsUntil(end) = %d, want 500000", got)
	}
	if got := c.MsUntil(cur.StartTs); got != -400000 {
		t.Errorf("MsUntil(start) = %d, want -400000", got)
	}
}

func TestRolloverCallbackOrder(t *testing.T) {
	t.Parallel()
	c := NewClock(slog.Default())

	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		c.OnRollover(func(ended, next types.IntervalKey) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	c.fire(types.IntervalKey{StartTs: 0, EndTs: types.IntervalSeconds})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("fired %d callbacks, want 3", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Errorf("callback order[%d] = %d, want %d", i, got, i)
		}
	}
}

func TestRunFiresAtBoundary(t *testing.T) {
	t.Parallel()
	c := NewClock(slog.Default())

	// Pin "now" to 50ms before a boundary so Run fires almost immediately.
	boundary := time.Now().Truncate(time.Second).Add(time.Second)
	base := time.Unix(1700000100, 0) // an exact interval boundary
	offset := base.Sub(boundary.Add(-50 * time.Millisecond))
	c.now = func() time.Time { return time.Now().Add(offset) }

	fired := make(chan types.IntervalKey, 1)
	c.OnRollover(func(ended, next types.IntervalKey) {
		select {
		case fired <- ended:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ended := <-fired:
		if ended.EndTs != base.Unix() {
			t.Errorf("ended.EndTs = %d, want %d", ended.EndTs, base.Unix())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rollover did not fire")
	}
}
