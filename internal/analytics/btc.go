// Package analytics tracks the BTC spot price alongside the interval:
// a rolling TWAP, the high/low range, and how often the price crossed the
// interval's reference. These feed the settlement journal, where disagreeing
// venue references and near-reference closes get flagged.
package analytics

import (
	"sync"
	"time"
)

// sampleRetention bounds the ring; the TWAP window is 60s, so two minutes
// of 1s samples is plenty.
const sampleRetention = 120 * time.Second

// TWAPWindow is the averaging window reported at interval close.
const TWAPWindow = 60 * time.Second

type sample struct {
	price float64
	ts    int64 // ms
}

// BTCTracker accumulates spot samples and per-interval reference stats.
// Record is called by the poller; readers take point-in-time values.
type BTCTracker struct {
	mu      sync.Mutex
	samples []sample

	ref       float64
	side      int // +1 above reference, -1 below, 0 before first sample
	crossings int
	low, high float64
}

func NewBTCTracker() *BTCTracker {
	return &BTCTracker{}
}

// ResetInterval starts a fresh crossing count and range against the new
// interval's reference price. A zero reference disables crossing tracking
// until discovery fills it in.
func (t *BTCTracker) ResetInterval(ref float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ref = ref
	t.side = 0
	t.crossings = 0
	t.low, t.high = 0, 0
}

// Record adds one spot sample. A print exactly at the reference counts as
// above it, so sitting on the line doesn't rack up crossings.
func (t *BTCTracker) Record(price float64, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, sample{price: price, ts: ts})
	cutoff := ts - sampleRetention.Milliseconds()
	for len(t.samples) > 0 && t.samples[0].ts < cutoff {
		t.samples = t.samples[1:]
	}

	if t.low == 0 || price < t.low {
		t.low = price
	}
	if price > t.high {
		t.high = price
	}

	if t.ref <= 0 {
		return
	}
	side := 1
	if price < t.ref {
		side = -1
	}
	if t.side != 0 && side != t.side {
		t.crossings++
	}
	t.side = side
}

// Spot returns the latest sample, or 0 when none have arrived.
func (t *BTCTracker) Spot() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) == 0 {
		return 0
	}
	return t.samples[len(t.samples)-1].price
}

// TWAP returns the time-weighted average over the window ending at nowMs.
// Each sample holds its price until the next one, the last until nowMs.
func (t *BTCTracker) TWAP(window time.Duration, nowMs int64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := nowMs - window.Milliseconds()
	var weighted float64
	var total int64
	for i, s := range t.samples {
		start := s.ts
		end := nowMs
		if i+1 < len(t.samples) {
			end = t.samples[i+1].ts
		}
		if end <= cutoff {
			continue
		}
		if start < cutoff {
			start = cutoff
		}
		if end <= start {
			continue
		}
		weighted += s.price * float64(end-start)
		total += end - start
	}
	if total == 0 {
		return 0
	}
	return weighted / float64(total)
}

// Crossings returns how many times the price crossed the reference since
// the interval reset.
func (t *BTCTracker) Crossings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.crossings
}

// Range returns high minus low since the interval reset.
func (t *BTCTracker) Range() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.low == 0 {
		return 0
	}
	return t.high - t.low
}

// DistFromRef returns the absolute distance of the latest sample from the
// reference, or 0 when either is missing.
func (t *BTCTracker) DistFromRef() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ref <= 0 || len(t.samples) == 0 {
		return 0
	}
	d := t.samples[len(t.samples)-1].price - t.ref
	if d < 0 {
		d = -d
	}
	return d
}

// Reference returns the reference currently tracked.
func (t *BTCTracker) Reference() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ref
}
