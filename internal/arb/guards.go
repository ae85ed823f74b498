// guards.go composes the pre-trade predicates in a fixed order. The first
// failing guard short-circuits with its reason; a passing check returns an
// empty reason.
package arb

import (
	"fmt"
	"math"
	"time"

	"boxarb/pkg/types"
)

// GuardInput is a snapshot of everything the guards need. The caller
// assembles it under the tracker and state locks so the checks themselves
// stay pure.
type GuardInput struct {
	Opportunity *types.Opportunity

	MinEdgeNet float64
	MinQty     float64 // smallest executable box, venue minima included

	InCooldown bool

	DailyLoss    float64 // positive dollars lost today
	MaxDailyLoss float64

	TradeNotional float64 // cost of this box at max size
	TotalNotional float64
	MaxNotional   float64

	OpenOrders    int
	MaxOpenOrders int

	TotalYes     float64 // contracts across both venues
	TotalNo      float64
	MaxImbalance float64

	TimeToRollover time.Duration
	RolloverCutoff time.Duration
}

// GuardResult is the verdict: pass, or the first failing guard's reason.
type GuardResult struct {
	Pass   bool
	Reason string
}

func fail(format string, args ...any) GuardResult {
	return GuardResult{Reason: fmt.Sprintf(format, args...)}
}

// Check runs the guard chain in order:
// valid prices, min edge, sufficient size, cooldown, daily loss cap,
// notional cap, open-order cap, position balance, time to rollover.
func Check(in GuardInput) GuardResult {
	opp := in.Opportunity
	if opp == nil {
		return fail("no opportunity")
	}

	for _, l := range opp.Legs {
		if l.Price < 0.01 || l.Price > 0.99 {
			return fail("invalid price %.4f on %s %s", l.Price, l.Venue, l.Side)
		}
	}

	if opp.EdgeNet < in.MinEdgeNet {
		return fail("edge %.4f below minimum %.4f", opp.EdgeNet, in.MinEdgeNet)
	}

	if opp.MaxQty() < in.MinQty {
		return fail("size %.2f below minimum %.2f", opp.MaxQty(), in.MinQty)
	}

	if in.InCooldown {
		return fail("in cooldown")
	}

	if in.DailyLoss >= in.MaxDailyLoss {
		return fail("daily loss $%.2f at cap $%.2f", in.DailyLoss, in.MaxDailyLoss)
	}

	if in.TotalNotional+in.TradeNotional > in.MaxNotional {
		return fail("notional $%.2f + $%.2f exceeds cap $%.2f",
			in.TotalNotional, in.TradeNotional, in.MaxNotional)
	}

	if in.OpenOrders >= in.MaxOpenOrders {
		return fail("%d open orders at cap %d", in.OpenOrders, in.MaxOpenOrders)
	}

	if imbalance := math.Abs(in.TotalYes - in.TotalNo); imbalance > in.MaxImbalance {
		return fail("position imbalance %.2f exceeds %.2f contracts", imbalance, in.MaxImbalance)
	}

	if in.TimeToRollover < in.RolloverCutoff {
		return fail("%.0fs to rollover, under %.0fs cutoff",
			in.TimeToRollover.Seconds(), in.RolloverCutoff.Seconds())
	}

	return GuardResult{Pass: true}
}
