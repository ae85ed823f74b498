// Package settlement verifies interval outcomes after close.
//
// Both venues resolve the same 15-minute BTC direction question against
// their own reference price and oracle, so they can disagree. After each
// close the checker polls both venues on a delay schedule, stops early
// once both have resolved, and journals the outcome together with the
// close-time spot statistics. Two flags matter downstream: oracles_agree,
// and dead_zone_hit when the close landed between the two venues'
// reference prices, where a split resolution is structurally possible.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"boxarb/internal/analytics"
	"boxarb/internal/journal"
	"boxarb/pkg/types"
)

// Outcome is a venue's resolution of an interval.
type Outcome string

const (
	OutcomeYes     Outcome = "yes" // BTC up
	OutcomeNo      Outcome = "no"  // BTC down
	OutcomeUnknown Outcome = "unknown"
)

// ResolutionFetcher reads one venue's resolution for a closed interval.
type ResolutionFetcher interface {
	FetchResolution(ctx context.Context, m *types.IntervalMapping) (Outcome, error)
}

// CloseSnapshot freezes the spot statistics at interval close. Taken
// synchronously at rollover, before the tracker resets for the next
// interval.
type CloseSnapshot struct {
	Mapping   *types.IntervalMapping
	Spot      float64
	TWAP      float64
	Crossings int
	Range     float64
	Dist      float64
}

// TakeSnapshot captures the close-time statistics from the BTC tracker.
func TakeSnapshot(m *types.IntervalMapping, btc *analytics.BTCTracker) CloseSnapshot {
	return CloseSnapshot{
		Mapping:   m,
		Spot:      btc.Spot(),
		TWAP:      btc.TWAP(analytics.TWAPWindow, types.NowMs()),
		Crossings: btc.Crossings(),
		Range:     btc.Range(),
		Dist:      btc.DistFromRef(),
	}
}

// Checker runs the post-close resolution schedule.
type Checker struct {
	delays  []time.Duration
	fetch   map[types.Venue]ResolutionFetcher
	journal *journal.Journal
	logger  *slog.Logger
}

func NewChecker(delays []time.Duration, fetch map[types.Venue]ResolutionFetcher, j *journal.Journal, logger *slog.Logger) *Checker {
	return &Checker{
		delays:  delays,
		fetch:   fetch,
		journal: j,
		logger:  logger.With("component", "settlement"),
	}
}

// Run walks the delay schedule for one closed interval, stopping early
// once both venues have resolved, then journals the outcome. Meant to be
// launched in its own goroutine at rollover.
func (c *Checker) Run(ctx context.Context, snap CloseSnapshot) {
	interval := snap.Mapping.Interval
	closeAt := interval.End()

	kalshi, poly := OutcomeUnknown, OutcomeUnknown
	for _, delay := range c.delays {
		wait := time.Until(closeAt.Add(delay))
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		kalshi, poly = c.poll(ctx, snap.Mapping, kalshi, poly)
		if kalshi != OutcomeUnknown && poly != OutcomeUnknown {
			break
		}
	}

	row := Evaluate(snap, kalshi, poly)
	if err := c.journal.AppendSettlement(row); err != nil {
		c.logger.Error("journal settlement", "interval", interval.String(), "error", err)
	}
	c.logger.Info("interval settled",
		"interval", interval.String(),
		"kalshi", row.KalshiResolution,
		"polymarket", row.PolyResolution,
		"oracles_agree", row.OraclesAgree,
		"dead_zone_hit", row.DeadZoneHit)
}

func (c *Checker) poll(ctx context.Context, m *types.IntervalMapping, kalshi, poly Outcome) (Outcome, Outcome) {
	if kalshi == OutcomeUnknown {
		if f := c.fetch[types.VenueKalshi]; f != nil {
			out, err := f.FetchResolution(ctx, m)
			if err != nil {
				c.logger.Warn("kalshi resolution fetch failed", "error", err)
			} else {
				kalshi = out
			}
		}
	}
	if poly == OutcomeUnknown {
		if f := c.fetch[types.VenuePolymarket]; f != nil {
			out, err := f.FetchResolution(ctx, m)
			if err != nil {
				c.logger.Warn("polymarket resolution fetch failed", "error", err)
			} else {
				poly = out
			}
		}
	}
	return kalshi, poly
}

// Evaluate folds the snapshot and the fetched resolutions into a journal
// row. Venues that never resolved fall back to the direction their own
// reference price implies against the close TWAP.
func Evaluate(snap CloseSnapshot, kalshi, poly Outcome) journal.SettlementRow {
	var kRef, pRef float64
	if snap.Mapping.Kalshi != nil {
		kRef = snap.Mapping.Kalshi.ReferencePrice
	}
	if snap.Mapping.Polymarket != nil {
		pRef = snap.Mapping.Polymarket.ReferencePrice
	}

	if kalshi == OutcomeUnknown {
		kalshi = Implied(kRef, snap.TWAP)
	}
	if poly == OutcomeUnknown {
		poly = Implied(pRef, snap.TWAP)
	}

	agree := kalshi != OutcomeUnknown && kalshi == poly
	return journal.SettlementRow{
		Interval:           snap.Mapping.Interval,
		KalshiRef:          kRef,
		PolymarketRef:      pRef,
		SpotAtClose:        snap.Spot,
		TWAPAtClose:        snap.TWAP,
		KalshiResolution:   string(kalshi),
		PolyResolution:     string(poly),
		OraclesAgree:       agree,
		DeadZoneHit:        deadZone(kRef, pRef, snap.TWAP),
		CrossingCount:      snap.Crossings,
		RangeUSD:           snap.Range,
		DistFromRefAtClose: snap.Dist,
		CheckedAt:          types.NowMs(),
	}
}

// Implied returns the direction a reference price implies against the
// close TWAP: at or above the reference resolves up.
func Implied(ref, twap float64) Outcome {
	if ref <= 0 || twap <= 0 {
		return OutcomeUnknown
	}
	if twap >= ref {
		return OutcomeYes
	}
	return OutcomeNo
}

// deadZone reports whether the close TWAP fell strictly between the two
// venues' reference prices, the region where a split resolution is
// possible even with both oracles behaving.
func deadZone(kRef, pRef, twap float64) bool {
	if kRef <= 0 || pRef <= 0 || twap <= 0 || kRef == pRef {
		return false
	}
	lo, hi := kRef, pRef
	if lo > hi {
		lo, hi = hi, lo
	}
	return twap > lo && twap < hi
}
