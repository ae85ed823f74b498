package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"testing"
	"time"

	"boxarb/internal/config"
	"boxarb/internal/execstate"
	"boxarb/internal/fees"
	"boxarb/internal/position"
	"boxarb/pkg/types"
)

var testInterval = types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000}

func testRisk() config.RiskConfig {
	return config.RiskConfig{
		MinEdgeNet:           0.04,
		MaxLegDelay:          500 * time.Millisecond,
		CooldownAfterFailure: 3 * time.Second,
		CooldownAfterSuccess: time.Second,
		MaxDailyLoss:         20,
		MaxNotional:          200,
		MaxQtyPerTrade:       25,
		BookDepthFraction:    0.80,
		UnwindLadderSteps:    3,
		UnwindLadderStepSize: 0.01,
		UnwindStepTimeout:    500 * time.Millisecond,
		UnwindMaxTotalTime:   3 * time.Second,
	}
}

func testMapping() *types.IntervalMapping {
	return &types.IntervalMapping{
		Interval: testInterval,
		Polymarket: &types.PolymarketMarket{
			UpToken:   "111",
			DownToken: "222",
			Slug:      "btc-updown-15m-1700000100",
		},
		Kalshi: &types.KalshiMarket{
			MarketTicker: "KXBTC15M-26AUG241645-T97000",
		},
	}
}

// testOpportunity is YES on kalshi at 0.44 plus NO on polymarket at 0.48,
// 25 contracts showing on both sides. Sized at 80% depth that plans 20.
func testOpportunity() *types.Opportunity {
	return &types.Opportunity{
		Interval:  testInterval,
		Cost:      0.92,
		EdgeGross: 0.08,
		EdgeNet:   0.045,
		Legs: [2]types.Leg{
			{Venue: types.VenueKalshi, Side: types.SideYes, Price: 0.44, Size: 25},
			{Venue: types.VenuePolymarket, Side: types.SideNo, Price: 0.48, Size: 25},
		},
		DetectedAt: types.NowMs(),
	}
}

// fakeBundle routes each placement through a scripted handler and records
// every order it sees.
type fakeBundle struct {
	handler  func(p types.OrderParams) (*types.OrderResult, error)
	placed   []types.OrderParams
	canceled []string
	quotes   map[types.Venue]*types.NormalizedQuote
}

func (f *fakeBundle) PlaceOrder(_ context.Context, p types.OrderParams) (*types.OrderResult, error) {
	f.placed = append(f.placed, p)
	return f.handler(p)
}

func (f *fakeBundle) CancelOrder(_ context.Context, _ types.Venue, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeBundle) Quote(v types.Venue) (*types.NormalizedQuote, bool) {
	q, ok := f.quotes[v]
	return q, ok
}

func rejected() (*types.OrderResult, error) {
	return &types.OrderResult{Status: types.OrderStatusRejected}, nil
}

func filledAt(p types.OrderParams) (*types.OrderResult, error) {
	return &types.OrderResult{
		OrderID:   "ord-" + p.ClientOrderID,
		Status:    types.OrderStatusFilled,
		FilledQty: p.Qty,
		FillPrice: p.Price,
	}, nil
}

func newExecutor(t *testing.T) (*Executor, *execstate.State, *position.Tracker) {
	t.Helper()
	state := execstate.New(20, slog.Default())
	tracker := position.NewTracker(slog.Default())
	return New(state, tracker, testRisk(), false, slog.Default()), state, tracker
}

func TestLegARejectionIsFree(t *testing.T) {
	t.Parallel()
	exec, state, tracker := newExecutor(t)

	bundle := &fakeBundle{handler: func(p types.OrderParams) (*types.OrderResult, error) {
		if p.Venue != types.VenuePolymarket {
			t.Errorf("leg B placed after leg A rejection: %+v", p)
		}
		return rejected()
	}}

	res := exec.Execute(context.Background(), testOpportunity(), testMapping(), bundle)

	if res.Success {
		t.Error("rejected leg A reported success")
	}
	if res.Record.Status != types.ExecLegAFailed {
		t.Errorf("status = %s, want leg_a_failed", res.Record.Status)
	}
	if res.Cooldown != 0 {
		t.Errorf("cooldown = %v, want none after clean rejection", res.Cooldown)
	}
	if res.KillSwitch {
		t.Error("kill switch requested after clean rejection")
	}
	if loss := state.DailyLoss(); loss != 0 {
		t.Errorf("daily loss = %v, want 0", loss)
	}
	if n := state.TotalNotional(); n != 0 {
		t.Errorf("notional = %v, want 0", n)
	}
	if len(bundle.placed) != 1 {
		t.Errorf("placed %d orders, want 1", len(bundle.placed))
	}
	if !tracker.Qty(types.VenuePolymarket, types.SideNo).IsZero() {
		t.Error("position recorded for unfilled leg")
	}
	if !state.AcquireBusyLock() {
		t.Error("busy lock not released after execution")
	}
}

func TestUnwindAfterLegBFailure(t *testing.T) {
	t.Parallel()
	exec, state, tracker := newExecutor(t)

	// Leg A fills at 0.48. Leg B rejects. The ladder starts at the 0.45
	// bid and misses, then the 0.44 rung takes the whole size.
	bundle := &fakeBundle{
		quotes: map[types.Venue]*types.NormalizedQuote{
			types.VenuePolymarket: {Venue: types.VenuePolymarket, NoBid: 0.45, NoBidSize: 30},
		},
		handler: func(p types.OrderParams) (*types.OrderResult, error) {
			switch {
			case p.Venue == types.VenuePolymarket && p.Action == types.BUY:
				return filledAt(p)
			case p.Venue == types.VenueKalshi:
				return rejected()
			case p.Action == types.SELL && p.Price >= 0.449:
				return rejected()
			default:
				return filledAt(p)
			}
		},
	}

	res := exec.Execute(context.Background(), testOpportunity(), testMapping(), bundle)

	if res.Success {
		t.Error("unwound execution reported success")
	}
	if res.Record.Status != types.ExecUnwound {
		t.Errorf("status = %s, want unwound", res.Record.Status)
	}
	if res.Record.Unwind == nil || !res.Record.Unwind.Complete {
		t.Fatalf("unwind record = %+v, want complete", res.Record.Unwind)
	}

	// Bought 20 at 0.48, sold 20 at 0.44: $0.04 per contract.
	wantLoss := (0.48 - 0.44) * 20
	if got := res.Record.Unwind.RealizedLoss; math.Abs(got-wantLoss) > 1e-9 {
		t.Errorf("realized loss = %v, want %v", got, wantLoss)
	}
	if got := state.DailyUnwindLoss(); math.Abs(got-wantLoss) > 1e-9 {
		t.Errorf("daily unwind loss = %v, want %v", got, wantLoss)
	}
	if res.Cooldown != 3*time.Second {
		t.Errorf("cooldown = %v, want failure window", res.Cooldown)
	}
	if res.KillSwitch {
		t.Error("kill switch requested after complete unwind")
	}
	if n := state.TotalNotional(); n != 0 {
		t.Errorf("notional = %v, want 0 after unwind", n)
	}
	if !tracker.Qty(types.VenuePolymarket, types.SideNo).IsZero() {
		t.Errorf("position = %s, want flat after unwind",
			tracker.Qty(types.VenuePolymarket, types.SideNo))
	}
}

func TestSuccessRecordsPendingSettlement(t *testing.T) {
	t.Parallel()
	exec, state, tracker := newExecutor(t)

	bundle := &fakeBundle{handler: filledAt}
	res := exec.Execute(context.Background(), testOpportunity(), testMapping(), bundle)

	if !res.Success || res.Record.Status != types.ExecSuccess {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.Cooldown != time.Second {
		t.Errorf("cooldown = %v, want success window", res.Cooldown)
	}

	// 20 boxes: payout 20, cost 20*(0.48+0.44), minus both taker fees.
	want := 20.0 - 20*0.48 - 20*0.44 -
		fees.Polymarket(20, 0.48) - fees.Kalshi(20, 0.44)
	if got := res.Record.RealizedPnl; math.Abs(got-want) > 1e-9 {
		t.Errorf("expected pnl = %v, want %v", got, want)
	}

	pending := state.PendingSettlements()
	if len(pending) != 1 {
		t.Fatalf("pending settlements = %d, want 1", len(pending))
	}
	if pending[0].Interval != testInterval || math.Abs(pending[0].ExpectedPnl-want) > 1e-9 {
		t.Errorf("pending = %+v, want interval %s pnl %v", pending[0], testInterval, want)
	}
	// Nothing realized until settlement.
	if got := state.DailyRealizedPnl(); got != 0 {
		t.Errorf("realized pnl = %v, want 0 before settlement", got)
	}

	wantNotional := 20*0.48 + 20*0.44
	if got := state.TotalNotional(); math.Abs(got-wantNotional) > 1e-9 {
		t.Errorf("notional = %v, want %v", got, wantNotional)
	}
	if got := tracker.Qty(types.VenueKalshi, types.SideYes); got.String() != "20" {
		t.Errorf("kalshi yes = %s, want 20", got)
	}
	if got := tracker.Qty(types.VenuePolymarket, types.SideNo); got.String() != "20" {
		t.Errorf("polymarket no = %s, want 20", got)
	}

	// Rollover drains the settlement: expected PnL realizes and the box's
	// notional comes off the counter, freeing headroom for new trades.
	state.SettlePending(testInterval)
	if got := state.DailyRealizedPnl(); math.Abs(got-want) > 1e-9 {
		t.Errorf("realized pnl after drain = %v, want %v", got, want)
	}
	if got := state.TotalNotional(); got != 0 {
		t.Errorf("notional after drain = %v, want 0", got)
	}
}

func TestStrandedUnwindTripsKillSwitch(t *testing.T) {
	t.Parallel()
	exec, state, _ := newExecutor(t)

	// Every sell fails: the ladder and the market sweep all come back empty.
	bundle := &fakeBundle{handler: func(p types.OrderParams) (*types.OrderResult, error) {
		if p.Venue == types.VenuePolymarket && p.Action == types.BUY {
			return filledAt(p)
		}
		return rejected()
	}}

	res := exec.Execute(context.Background(), testOpportunity(), testMapping(), bundle)

	if !res.KillSwitch {
		t.Fatal("stranded unwind did not request the kill switch")
	}
	if res.Record.Unwind.Complete {
		t.Error("unwind marked complete with contracts stranded")
	}
	// Three ladder rungs plus the market sweep.
	if got := len(res.Record.Unwind.Steps); got != 4 {
		t.Errorf("unwind steps = %d, want 4", got)
	}
	// Stranded contracts count at full basis.
	wantLoss := 20 * 0.48
	if got := res.Record.Unwind.RealizedLoss; math.Abs(got-wantLoss) > 1e-9 {
		t.Errorf("realized loss = %v, want full basis %v", got, wantLoss)
	}
	if tripped, reason := state.KillSwitch(); !tripped || reason != execstate.ReasonUnwindFailure {
		t.Errorf("kill switch = %v/%q, want tripped/unwind_failure", tripped, reason)
	}
}

func TestExecuteRefusedWhileBusy(t *testing.T) {
	t.Parallel()
	exec, state, _ := newExecutor(t)

	if !state.AcquireBusyLock() {
		t.Fatal("setup: could not take busy lock")
	}
	res := exec.Execute(context.Background(), testOpportunity(), testMapping(),
		&fakeBundle{handler: filledAt})
	if res.Err == nil {
		t.Error("execution proceeded while busy lock held")
	}
}

func TestLiquidateSellsEverything(t *testing.T) {
	t.Parallel()
	exec, _, tracker := newExecutor(t)

	tracker.RecordFill(types.FillRecord{
		Venue: types.VenueKalshi, Side: types.SideYes, Action: types.BUY,
		Price: 0.44, Qty: 12, Interval: testInterval, MarketID: "KX-TICKER",
	})
	tracker.RecordFill(types.FillRecord{
		Venue: types.VenuePolymarket, Side: types.SideNo, Action: types.BUY,
		Price: 0.48, Qty: 12, Interval: testInterval, MarketID: "222",
	})

	bundle := &fakeBundle{handler: func(p types.OrderParams) (*types.OrderResult, error) {
		if p.Action != types.SELL {
			return nil, fmt.Errorf("liquidation placed a buy: %+v", p)
		}
		return filledAt(p)
	}}

	if failed := exec.Liquidate(context.Background(), bundle); failed != 0 {
		t.Errorf("liquidation failures = %d, want 0", failed)
	}
	yes, no := tracker.Totals()
	if yes != 0 || no != 0 {
		t.Errorf("totals after liquidation = %v/%v, want flat", yes, no)
	}
}

func TestBuildPlanSizing(t *testing.T) {
	t.Parallel()

	m := testMapping()
	risk := testRisk()

	// 80% of the thinner side, floored.
	opp := testOpportunity()
	plan, err := BuildPlan(opp, m, risk)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Qty != 20 {
		t.Errorf("qty = %v, want 20", plan.Qty)
	}
	if plan.LegA.Venue != types.VenuePolymarket || plan.LegA.MarketID != "222" {
		t.Errorf("leg A = %+v, want polymarket DownToken", plan.LegA)
	}
	if plan.LegB.Venue != types.VenueKalshi || plan.LegB.MarketID != m.Kalshi.MarketTicker {
		t.Errorf("leg B = %+v, want kalshi ticker", plan.LegB)
	}
	if plan.LegA.TimeInForce != types.TifFOK || plan.LegB.TimeInForce != types.TifFOK {
		t.Error("legs must be fill-or-kill")
	}

	// Deep books cap at the per-trade maximum.
	opp = testOpportunity()
	opp.Legs[0].Size = 500
	opp.Legs[1].Size = 500
	plan, err = BuildPlan(opp, m, risk)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Qty != 25 {
		t.Errorf("qty = %v, want per-trade cap 25", plan.Qty)
	}

	// Deep out-of-the-money prices need more shares than the book offers.
	opp = testOpportunity()
	opp.Legs[1].Price = 0.05
	opp.Legs[0].Size = 10
	opp.Legs[1].Size = 10
	if _, err := BuildPlan(opp, m, risk); err == nil {
		t.Error("plan below onchain minimum accepted")
	}
}

func TestPolymarketMinQty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		price float64
		want  float64
	}{
		{0.50, 5},
		{0.20, 5},
		{0.10, 10},
		{0.05, 20},
		{0.01, 100},
	}
	for _, tt := range tests {
		if got := polymarketMinQty(tt.price); got != tt.want {
			t.Errorf("polymarketMinQty(%v) = %v, want %v", tt.price, got, tt.want)
		}
	}
}
