package engine

import (
	"context"
	"log/slog"
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"boxarb/internal/execstate"
	"boxarb/internal/fees"
	"boxarb/internal/position"
	"boxarb/pkg/types"
)

type stubBalance struct {
	bal float64
	err error
}

func (s *stubBalance) GetBalance(context.Context) (float64, error) {
	return s.bal, s.err
}

type stubPlacer struct {
	placed []types.OrderParams
	fill   float64
}

func (s *stubPlacer) PlaceOrder(_ context.Context, p types.OrderParams) (*types.OrderResult, error) {
	s.placed = append(s.placed, p)
	return &types.OrderResult{
		OrderID:   "unwind",
		Status:    types.OrderStatusFilled,
		FilledQty: p.Qty,
		FillPrice: s.fill,
	}, nil
}

func TestBalanceFloorTripsAfterConsecutiveLows(t *testing.T) {
	t.Parallel()

	state := execstate.New(20, slog.Default())
	src := &stubBalance{bal: 150}
	liquidations := 0
	m := newRiskMonitor(state, 100,
		map[types.Venue]balanceSource{types.VenueKalshi: src},
		func(context.Context) { liquidations++ }, slog.Default())
	ctx := context.Background()

	m.tick(ctx)
	src.bal = 40
	m.tick(ctx)
	if tripped, _ := state.KillSwitch(); tripped {
		t.Fatal("single low read tripped the kill switch")
	}

	// Second consecutive low read: persistent, not a settlement blip.
	m.tick(ctx)
	if tripped, reason := state.KillSwitch(); !tripped || reason != execstate.ReasonBalanceFloor {
		t.Fatalf("kill switch = %v/%q, want tripped/%s", tripped, reason, execstate.ReasonBalanceFloor)
	}
	if liquidations != 1 {
		t.Errorf("liquidations = %d, want exactly 1 on the trip", liquidations)
	}

	// Balance back over the floor: the monitor recovers the switch.
	src.bal = 150
	m.tick(ctx)
	if tripped, _ := state.KillSwitch(); tripped {
		t.Error("kill switch not recovered after balance restored")
	}
	if liquidations != 1 {
		t.Errorf("liquidations after recovery = %d, want still 1", liquidations)
	}
}

func TestBalanceReadErrorDoesNotTrip(t *testing.T) {
	t.Parallel()

	state := execstate.New(20, slog.Default())
	src := &stubBalance{err: context.DeadlineExceeded}
	m := newRiskMonitor(state, 100,
		map[types.Venue]balanceSource{types.VenuePolymarket: src},
		func(context.Context) {}, slog.Default())

	for i := 0; i < 5; i++ {
		m.tick(context.Background())
	}
	if tripped, _ := state.KillSwitch(); tripped {
		t.Error("failed balance reads tripped the kill switch")
	}
}

// A trip from anywhere, here an unwind failure recorded straight into the
// state, liquidates exactly once and then keeps probing for recovery.
func TestKillSwitchLiquidatesOnceThenRecovers(t *testing.T) {
	t.Parallel()

	state := execstate.New(20, slog.Default())
	liquidations := 0
	m := newRiskMonitor(state, 0, nil,
		func(context.Context) { liquidations++ }, slog.Default())
	ctx := context.Background()

	state.TriggerKillSwitch(execstate.ReasonUnwindFailure)
	state.SetLiquidation(true)

	m.tick(ctx)
	if liquidations != 1 {
		t.Fatalf("liquidations after trip = %d, want 1", liquidations)
	}

	// Still down while the liquidation runs, and no second liquidation.
	m.tick(ctx)
	if tripped, _ := state.KillSwitch(); !tripped {
		t.Fatal("recovered while liquidation still in progress")
	}
	if liquidations != 1 {
		t.Fatalf("liquidations while tripped = %d, want still 1", liquidations)
	}

	state.SetLiquidation(false)
	m.tick(ctx)
	if tripped, _ := state.KillSwitch(); tripped {
		t.Error("kill switch not recovered after liquidation finished")
	}

	// A fresh trip after recovery liquidates again.
	state.TriggerKillSwitch(execstate.ReasonReconciler)
	state.SetLiquidation(true)
	m.tick(ctx)
	if liquidations != 2 {
		t.Errorf("liquidations after second trip = %d, want 2", liquidations)
	}
}

func TestDailyLossKillSwitchStaysDown(t *testing.T) {
	t.Parallel()

	state := execstate.New(20, slog.Default())
	liquidations := 0
	m := newRiskMonitor(state, 0, nil,
		func(context.Context) { liquidations++ }, slog.Default())
	ctx := context.Background()

	state.RecordUnwindLoss(25)
	for i := 0; i < 3; i++ {
		m.tick(ctx)
	}
	if tripped, reason := state.KillSwitch(); !tripped || reason != execstate.ReasonDailyLoss {
		t.Fatalf("kill switch = %v/%q, want daily_loss to stay down", tripped, reason)
	}
	if liquidations != 1 {
		t.Errorf("liquidations = %d, want 1 despite repeated ticks", liquidations)
	}
}

func TestPreCloseUnwindSellsExcess(t *testing.T) {
	t.Parallel()

	iv := types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000}
	state := execstate.New(20, slog.Default())
	tracker := position.NewTracker(slog.Default())
	placer := &stubPlacer{fill: 0.30}
	e := &Engine{
		logger:  slog.Default(),
		state:   state,
		tracker: tracker,
		orders:  placer,
	}

	// 10 YES on poly against only 7 NO on kalshi: 3 contracts unhedged.
	tracker.RecordFill(types.FillRecord{
		Venue: types.VenuePolymarket, Side: types.SideYes, Action: types.BUY,
		Price: 0.48, Qty: 10, Interval: iv, MarketID: "111",
	})
	tracker.RecordFill(types.FillRecord{
		Venue: types.VenueKalshi, Side: types.SideNo, Action: types.BUY,
		Price: 0.44, Qty: 7, Interval: iv, MarketID: "KX-TICKER",
	})
	state.AddNotional(10*0.48 + 7*0.44)

	e.unwindUnhedged(context.Background(), iv)

	if len(placer.placed) != 1 {
		t.Fatalf("orders placed = %d, want 1", len(placer.placed))
	}
	got := placer.placed[0]
	if got.Action != types.SELL || got.Side != types.SideYes || got.Qty != 3 {
		t.Fatalf("order = %+v, want SELL 3 YES", got)
	}
	if got.Venue != types.VenuePolymarket || got.MarketID != "111" {
		t.Errorf("order routed to %s/%s, want the poly YES token", got.Venue, got.MarketID)
	}
	if qty := tracker.Qty(types.VenuePolymarket, types.SideYes); !qty.Equal(decimal.NewFromInt(7)) {
		t.Errorf("poly yes after unwind = %s, want 7", qty)
	}

	wantPnl := (0.30-0.48)*3 - fees.Polymarket(3, 0.30)
	if gotPnl := state.DailyRealizedPnl(); math.Abs(gotPnl-wantPnl) > 1e-9 {
		t.Errorf("realized pnl = %v, want %v", gotPnl, wantPnl)
	}
	wantNotional := 10*0.48 + 7*0.44 - 3*0.48
	if gotN := state.TotalNotional(); math.Abs(gotN-wantNotional) > 1e-9 {
		t.Errorf("notional = %v, want %v released by the sale", gotN, wantNotional)
	}
}

func TestPreCloseUnwindLeavesMatchedBook(t *testing.T) {
	t.Parallel()

	iv := types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000}
	state := execstate.New(20, slog.Default())
	tracker := position.NewTracker(slog.Default())
	placer := &stubPlacer{fill: 0.30}
	e := &Engine{
		logger:  slog.Default(),
		state:   state,
		tracker: tracker,
		orders:  placer,
	}

	tracker.RecordFill(types.FillRecord{
		Venue: types.VenuePolymarket, Side: types.SideYes, Action: types.BUY,
		Price: 0.48, Qty: 10, Interval: iv, MarketID: "111",
	})
	tracker.RecordFill(types.FillRecord{
		Venue: types.VenueKalshi, Side: types.SideNo, Action: types.BUY,
		Price: 0.44, Qty: 10, Interval: iv, MarketID: "KX-TICKER",
	})

	e.unwindUnhedged(context.Background(), iv)
	if len(placer.placed) != 0 {
		t.Errorf("orders placed = %d on a matched book, want 0", len(placer.placed))
	}

	// A tripped kill switch also keeps the unwinder out: liquidation owns
	// the positions then.
	state.TriggerKillSwitch(execstate.ReasonUnwindFailure)
	tracker.RecordFill(types.FillRecord{
		Venue: types.VenuePolymarket, Side: types.SideYes, Action: types.BUY,
		Price: 0.48, Qty: 5, Interval: iv, MarketID: "111",
	})
	e.unwindUnhedged(context.Background(), iv)
	if len(placer.placed) != 0 {
		t.Errorf("orders placed = %d while kill switch tripped, want 0", len(placer.placed))
	}
}
