// adapters.go bridges the venue clients onto the narrow interfaces the
// executor, reconciler, and settlement checker consume, so those packages
// never import venue code directly.
package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"boxarb/internal/coordinator"
	"boxarb/internal/kalshi"
	"boxarb/internal/polymarket"
	"boxarb/internal/settlement"
	"boxarb/pkg/types"
)

// venueBundle routes venue-neutral order calls to the right client and
// serves quotes from the coordinator cache. It satisfies the executor's
// bundle and the reconciler's placer and quote source.
type venueBundle struct {
	kalshi *kalshi.Client
	poly   *polymarket.Client
	coord  *coordinator.Coordinator
}

func (b *venueBundle) PlaceOrder(ctx context.Context, params types.OrderParams) (*types.OrderResult, error) {
	if params.Venue == types.VenueKalshi {
		return b.kalshi.CreateOrder(ctx, params)
	}
	negRisk := false
	if m := b.coord.ActiveMapping(); m != nil && m.Polymarket != nil {
		negRisk = m.Polymarket.NegRisk
	}
	return b.poly.PlaceOrder(ctx, params, negRisk)
}

func (b *venueBundle) CancelOrder(ctx context.Context, venue types.Venue, orderID string) error {
	if venue == types.VenueKalshi {
		return b.kalshi.CancelOrder(ctx, orderID)
	}
	return b.poly.CancelOrder(ctx, orderID)
}

func (b *venueBundle) Quote(venue types.Venue) (*types.NormalizedQuote, bool) {
	return b.coord.Quote(venue)
}

// kalshiPositions reads the venue's signed per-market position for the
// active interval's ticker: positive is YES, negative is NO.
type kalshiPositions struct {
	client *kalshi.Client
	coord  *coordinator.Coordinator
}

func (k *kalshiPositions) FetchPositions(ctx context.Context) (types.PositionSnapshot, error) {
	snap := types.PositionSnapshot{Venue: types.VenueKalshi, Ts: types.NowMs()}
	m := k.coord.ActiveMapping()
	if m == nil || m.Kalshi == nil {
		return snap, fmt.Errorf("no active kalshi mapping")
	}

	positions, err := k.client.GetPositions(ctx)
	if err != nil {
		return snap, err
	}
	pos := positions[m.Kalshi.MarketTicker]
	if pos >= 0 {
		snap.Yes = decimal.NewFromInt(int64(pos))
	} else {
		snap.No = decimal.NewFromInt(int64(-pos))
	}
	return snap, nil
}

// polymarketPositions reads the funder wallet's token balances for the
// active interval's Up and Down tokens.
type polymarketPositions struct {
	client *polymarket.Client
	coord  *coordinator.Coordinator
}

func (p *polymarketPositions) FetchPositions(ctx context.Context) (types.PositionSnapshot, error) {
	snap := types.PositionSnapshot{Venue: types.VenuePolymarket, Ts: types.NowMs()}
	m := p.coord.ActiveMapping()
	if m == nil || m.Polymarket == nil {
		return snap, fmt.Errorf("no active polymarket mapping")
	}

	positions, err := p.client.GetPositions(ctx)
	if err != nil {
		return snap, err
	}
	for _, pos := range positions {
		switch pos.Asset {
		case m.Polymarket.UpToken:
			snap.Yes = snap.Yes.Add(decimal.NewFromFloat(pos.Size))
		case m.Polymarket.DownToken:
			snap.No = snap.No.Add(decimal.NewFromFloat(pos.Size))
		}
	}
	return snap, nil
}

// kalshiResolution maps the market's settled result onto an outcome.
type kalshiResolution struct {
	client *kalshi.Client
}

func (k *kalshiResolution) FetchResolution(ctx context.Context, m *types.IntervalMapping) (settlement.Outcome, error) {
	if m.Kalshi == nil {
		return settlement.OutcomeUnknown, fmt.Errorf("no kalshi mapping")
	}
	market, err := k.client.GetMarket(ctx, m.Kalshi.MarketTicker)
	if err != nil {
		return settlement.OutcomeUnknown, err
	}
	if market == nil {
		return settlement.OutcomeUnknown, fmt.Errorf("market %s not found", m.Kalshi.MarketTicker)
	}
	switch market.Result {
	case "yes":
		return settlement.OutcomeYes, nil
	case "no":
		return settlement.OutcomeNo, nil
	}
	return settlement.OutcomeUnknown, nil
}

// polymarketResolution reads the Gamma market's winning outcome.
type polymarketResolution struct {
	client *polymarket.Client
}

func (p *polymarketResolution) FetchResolution(ctx context.Context, m *types.IntervalMapping) (settlement.Outcome, error) {
	if m.Polymarket == nil {
		return settlement.OutcomeUnknown, fmt.Errorf("no polymarket mapping")
	}
	market, err := p.client.GetMarketBySlug(ctx, m.Polymarket.Slug)
	if err != nil {
		return settlement.OutcomeUnknown, err
	}
	if market == nil {
		return settlement.OutcomeUnknown, fmt.Errorf("market %s not found", m.Polymarket.Slug)
	}
	switch market.Resolution() {
	case "Up":
		return settlement.OutcomeYes, nil
	case "Down":
		return settlement.OutcomeNo, nil
	}
	return settlement.OutcomeUnknown, nil
}
