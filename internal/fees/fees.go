// Package fees implements the exact per-venue taker fee formulas.
//
// Kalshi:     fee = ceilCents(0.07 * qty * p * (1-p))
// Polymarket: fee = ceil4dp(qty * p * 0.25 * (p * (1-p))^2)
//
// The rounding modes are part of the contract: Kalshi rounds up to the
// cent, Polymarket rounds up to 4 decimal places. The buffer for a 2-leg
// box is the sum of both leg fees at the intended fill prices.
package fees

import (
	"math"

	"boxarb/pkg/types"
)

// ceilEps absorbs float noise so that values an ulp above an exact cent
// don't get rounded up an extra step.
const ceilEps = 1e-9

// CeilCents rounds a dollar amount up to the next cent.
func CeilCents(x float64) float64 {
	return math.Ceil(x*100-ceilEps) / 100
}

// Ceil4dp rounds a dollar amount up to the next $0.0001.
func Ceil4dp(x float64) float64 {
	return math.Ceil(x*10000-ceilEps) / 10000
}

// Kalshi returns the Kalshi taker fee in dollars for qty contracts at price p.
func Kalshi(qty, p float64) float64 {
	return CeilCents(0.07 * qty * p * (1 - p))
}

// Polymarket returns the Polymarket taker fee in dollars for qty contracts
// at price p.
func Polymarket(qty, p float64) float64 {
	v := p * (1 - p)
	return Ceil4dp(qty * p * 0.25 * v * v)
}

// Leg returns the fee for one leg on the given venue.
func Leg(venue types.Venue, qty, price float64) float64 {
	if venue == types.VenueKalshi {
		return Kalshi(qty, price)
	}
	return Polymarket(qty, price)
}

// BoxBuffer returns the total fee for a 2-leg box at the intended fill
// prices: one leg on each venue, qty contracts each.
func BoxBuffer(qty, kalshiPrice, polyPrice float64) float64 {
	return Kalshi(qty, kalshiPrice) + Polymarket(qty, polyPrice)
}

// PerContractBuffer returns the box fee for a single contract, the shape the
// scanner uses when comparing against per-contract edge.
func PerContractBuffer(kalshiPrice, polyPrice float64) float64 {
	return BoxBuffer(1, kalshiPrice, polyPrice)
}
