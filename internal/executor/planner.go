// planner.go turns a detected opportunity into two concrete orders.
//
// Leg A is always the onchain venue: its fills settle slower and FOK
// rejections are more likely, so it goes first and the CLOB leg fires only
// once leg A is confirmed. Sizing takes a configured fraction of the
// thinner top-of-book, caps at the per-trade maximum, and rounds down to
// whole contracts since the CLOB venue only trades integers. The onchain
// venue's minima (order value >= $1, >= 5 shares) are enforced on its leg.
package executor

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"boxarb/internal/config"
	"boxarb/pkg/types"
)

// Plan is the pair of orders for one box, leg A first.
type Plan struct {
	LegA types.OrderParams
	LegB types.OrderParams
	Qty  float64
}

// Notional returns the combined cost of both legs at their limit prices.
func (p *Plan) Notional() float64 {
	return p.LegA.Price*p.LegA.Qty + p.LegB.Price*p.LegB.Qty
}

// BuildPlan sizes and prices both legs. Returns an error when the sized
// quantity can't satisfy the onchain venue's minima.
func BuildPlan(opp *types.Opportunity, m *types.IntervalMapping, risk config.RiskConfig) (*Plan, error) {
	if !m.Complete() {
		return nil, fmt.Errorf("mapping incomplete for %s", opp.Interval)
	}

	qty := math.Floor(opp.MaxQty() * risk.BookDepthFraction)
	if qty > risk.MaxQtyPerTrade {
		qty = risk.MaxQtyPerTrade
	}
	if qty < 1 {
		return nil, fmt.Errorf("sized qty %.2f below one contract", qty)
	}

	var legA, legB *types.Leg
	for i := range opp.Legs {
		if opp.Legs[i].Venue == types.VenuePolymarket {
			legA = &opp.Legs[i]
		} else {
			legB = &opp.Legs[i]
		}
	}
	if legA == nil || legB == nil {
		return nil, fmt.Errorf("opportunity must span both venues")
	}

	if min := polymarketMinQty(legA.Price); qty < min {
		return nil, fmt.Errorf("qty %.0f below onchain minimum %.0f at price %.2f",
			qty, min, legA.Price)
	}

	id := uuid.NewString()
	return &Plan{
		Qty: qty,
		LegA: types.OrderParams{
			Venue:         types.VenuePolymarket,
			Side:          legA.Side,
			Action:        types.BUY,
			Price:         ClampPrice(legA.Price),
			Qty:           qty,
			TimeInForce:   types.TifFOK,
			MarketID:      polymarketToken(m.Polymarket, legA.Side),
			ClientOrderID: "A-" + id,
		},
		LegB: types.OrderParams{
			Venue:         types.VenueKalshi,
			Side:          legB.Side,
			Action:        types.BUY,
			Price:         ClampPrice(legB.Price),
			Qty:           qty,
			TimeInForce:   types.TifFOK,
			MarketID:      m.Kalshi.MarketTicker,
			ClientOrderID: "B-" + id,
		},
	}, nil
}

// polymarketMinQty returns the smallest tradable share count at a price:
// at least 5 shares and at least $1 of value.
func polymarketMinQty(price float64) float64 {
	if price <= 0 {
		return 5
	}
	return math.Ceil(math.Max(5, 1/price))
}

// ClampPrice bounds a limit price to the venue grid [0.01, 0.99].
func ClampPrice(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}

// MarketOrderPrice returns the aggressive bound standing in for a market
// order: 99¢ for buys, 1¢ for sells.
func MarketOrderPrice(action types.Action) float64 {
	if action == types.BUY {
		return 0.99
	}
	return 0.01
}

func polymarketToken(m *types.PolymarketMarket, side types.Side) string {
	if side == types.SideYes {
		return m.UpToken
	}
	return m.DownToken
}
