// Package arb holds the pure decision layer: the box scanner and the
// pre-trade guards. Nothing in this package performs I/O; the engine feeds
// it quotes and state snapshots and acts on the verdicts.
package arb

import (
	"boxarb/pkg/types"
)

// ScanParams is the scanner input. FeeBuffer and SlippageBuffer are total
// dollars per box (both legs combined).
type ScanParams struct {
	Kalshi         types.NormalizedQuote
	Polymarket     types.NormalizedQuote
	Interval       types.IntervalKey
	FeeBuffer      float64
	SlippageBuffer float64
	MinEdgeNet     float64
}

// Scan evaluates both box orientations and returns the opportunity for the
// cheaper one, or nil when the net edge is below the threshold:
//
//	cost      = min(yesAsk_K + noAsk_P, yesAsk_P + noAsk_K)
//	edgeGross = 1.00 - cost
//	edgeNet   = edgeGross - feeBuffer - slippageBuffer
func Scan(p ScanParams) *types.Opportunity {
	costA := p.Kalshi.YesAsk + p.Polymarket.NoAsk // YES on kalshi, NO on polymarket
	costB := p.Polymarket.YesAsk + p.Kalshi.NoAsk // YES on polymarket, NO on kalshi

	var (
		cost float64
		legs [2]types.Leg
	)
	if costA <= costB {
		cost = costA
		legs[0] = leg(types.VenueKalshi, types.SideYes, &p.Kalshi)
		legs[1] = leg(types.VenuePolymarket, types.SideNo, &p.Polymarket)
	} else {
		cost = costB
		legs[0] = leg(types.VenuePolymarket, types.SideYes, &p.Polymarket)
		legs[1] = leg(types.VenueKalshi, types.SideNo, &p.Kalshi)
	}

	edgeGross := 1.0 - cost
	edgeNet := edgeGross - p.FeeBuffer - p.SlippageBuffer
	if edgeNet < p.MinEdgeNet {
		return nil
	}

	return &types.Opportunity{
		Interval:   p.Interval,
		Cost:       cost,
		EdgeGross:  edgeGross,
		EdgeNet:    edgeNet,
		Legs:       legs,
		DetectedAt: types.NowMs(),
	}
}

func leg(venue types.Venue, side types.Side, q *types.NormalizedQuote) types.Leg {
	price, size := q.Ask(side)
	return types.Leg{Venue: venue, Side: side, Price: price, Size: size}
}
