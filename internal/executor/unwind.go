package executor

import (
	"context"

	"boxarb/pkg/types"
)

const unwindEps = 1e-9

// unwindLegA exits a stranded leg A through a descending price ladder:
// limit sells stepping down from the current bid, then a market sweep for
// whatever remains, all under the total time cap. Loss is measured against
// the leg A fill basis, so stranded contracts count at full cost.
func (e *Executor) unwindLegA(ctx context.Context, bundle VenueBundle, plan *Plan, rec *types.ExecutionRecord, interval types.IntervalKey) *types.UnwindRecord {
	deadline, cancel := context.WithTimeout(ctx, e.risk.UnwindMaxTotalTime)
	defer cancel()

	remaining := rec.LegA.FillQty
	basis := rec.LegA.FillQty * rec.LegA.FillPrice
	record := &types.UnwindRecord{}

	start := rec.LegA.FillPrice - e.risk.UnwindLadderStepSize
	if q, ok := bundle.Quote(plan.LegA.Venue); ok {
		if bid, _ := q.Bid(plan.LegA.Side); bid > 0 {
			start = bid
		}
	}

	for i := 0; i < e.risk.UnwindLadderSteps && remaining > unwindEps; i++ {
		if deadline.Err() != nil {
			break
		}
		price := ClampPrice(start - float64(i)*e.risk.UnwindLadderStepSize)
		remaining = e.unwindStep(deadline, bundle, plan, record, interval, price, remaining)
	}

	// Market sweep for the remainder.
	if remaining > unwindEps && deadline.Err() == nil {
		remaining = e.unwindStep(deadline, bundle, plan, record, interval, 0, remaining)
	}

	record.Complete = remaining <= unwindEps
	record.RealizedLoss = basis - record.RecoveredUSD
	if record.RealizedLoss < 0 {
		record.RealizedLoss = 0
	}
	return record
}

// unwindStep places one rung of the ladder and returns the quantity still
// held. price 0 means a market-equivalent order at the aggressive bound.
func (e *Executor) unwindStep(ctx context.Context, bundle VenueBundle, plan *Plan, record *types.UnwindRecord, interval types.IntervalKey, price, remaining float64) float64 {
	limit := price
	if limit == 0 {
		limit = MarketOrderPrice(types.SELL)
	}
	params := types.OrderParams{
		Venue:         plan.LegA.Venue,
		Side:          plan.LegA.Side,
		Action:        types.SELL,
		Price:         limit,
		Qty:           remaining,
		TimeInForce:   types.TifIOC,
		MarketID:      plan.LegA.MarketID,
		ClientOrderID: plan.LegA.ClientOrderID + "-u",
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.risk.UnwindStepTimeout)
	defer cancel()

	step := types.UnwindStep{Price: price, Qty: remaining}
	res, err := bundle.PlaceOrder(stepCtx, params)
	if err != nil {
		e.logger.Warn("unwind step failed",
			"price", limit, "qty", remaining, "error", err)
		record.Steps = append(record.Steps, step)
		return remaining
	}

	step.OrderID = res.OrderID
	if res.FilledQty > 0 {
		step.FilledQty = res.FilledQty
		step.FillPrice = res.FillPrice
		record.RecoveredUSD += res.FilledQty * res.FillPrice
		remaining -= res.FilledQty
		if remaining < 0 {
			remaining = 0
		}
		e.recordFill(params, types.LegExecution{
			FillPrice:  res.FillPrice,
			FillQty:    res.FilledQty,
			ResolvedAt: types.NowMs(),
		}, interval)
	} else if res.Status == types.OrderStatusOpen && res.OrderID != "" {
		if cerr := bundle.CancelOrder(context.Background(), params.Venue, res.OrderID); cerr != nil {
			e.logger.Error("cancel resting unwind order",
				"order_id", res.OrderID, "error", cerr)
		}
	}

	record.Steps = append(record.Steps, step)
	return remaining
}

// Liquidate sells every tracked holding on both venues at market. Called
// when the kill switch trips or on operator command. Returns the number of
// sell orders that could not be placed.
func (e *Executor) Liquidate(ctx context.Context, bundle VenueBundle) int {
	if bundle == nil {
		bundle = syntheticBundle{}
	}
	e.state.SetLiquidation(true)
	defer e.state.SetLiquidation(false)

	failed := 0
	for _, venue := range []types.Venue{types.VenuePolymarket, types.VenueKalshi} {
		for _, side := range []types.Side{types.SideYes, types.SideNo} {
			qty, _ := e.tracker.Qty(venue, side).Float64()
			if qty <= unwindEps {
				continue
			}
			market := e.tracker.LastMarket(venue, side)
			if market == "" {
				e.logger.Error("no market known for holding, cannot liquidate",
					"venue", venue, "side", side, "qty", qty)
				failed++
				continue
			}
			res, err := bundle.PlaceOrder(ctx, types.OrderParams{
				Venue:       venue,
				Side:        side,
				Action:      types.SELL,
				Price:       MarketOrderPrice(types.SELL),
				Qty:         qty,
				TimeInForce: types.TifIOC,
				MarketID:    market,
			})
			if err != nil || res.FilledQty <= 0 {
				e.logger.Error("liquidation sell failed",
					"venue", venue, "side", side, "qty", qty, "error", err)
				failed++
				continue
			}
			e.tracker.RecordFill(types.FillRecord{
				Venue:    venue,
				Side:     side,
				Action:   types.SELL,
				Price:    res.FillPrice,
				Qty:      res.FilledQty,
				MarketID: market,
				Ts:       types.NowMs(),
			})
			e.logger.Warn("liquidated holding",
				"venue", venue, "side", side, "qty", res.FilledQty, "price", res.FillPrice)
		}
	}
	return failed
}
