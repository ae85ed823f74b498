package position

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"boxarb/pkg/types"
)

var iv = types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000}

func fill(venue types.Venue, side types.Side, action types.Action, price, qty float64) types.FillRecord {
	return types.FillRecord{
		Venue: venue, Side: side, Action: action,
		Price: price, Qty: qty, Interval: iv,
		MarketID: "MKT-" + string(venue),
	}
}

func TestAverageCostAccounting(t *testing.T) {
	t.Parallel()
	tr := NewTracker(slog.Default())

	tr.RecordFill(fill(types.VenuePolymarket, types.SideYes, types.BUY, 0.40, 10))
	tr.RecordFill(fill(types.VenuePolymarket, types.SideYes, types.BUY, 0.50, 10))

	// avg = (10*0.40 + 10*0.50) / 20 = 0.45
	avg := tr.AvgCost(types.VenuePolymarket, types.SideYes, iv)
	if !avg.Equal(decimal.NewFromFloat(0.45)) {
		t.Errorf("avg cost = %s, want 0.45", avg)
	}

	// Selling reduces quantity but leaves the basis.
	tr.RecordFill(fill(types.VenuePolymarket, types.SideYes, types.SELL, 0.48, 5))
	if qty := tr.Qty(types.VenuePolymarket, types.SideYes); !qty.Equal(decimal.NewFromInt(15)) {
		t.Errorf("qty = %s, want 15", qty)
	}
	avg = tr.AvgCost(types.VenuePolymarket, types.SideYes, iv)
	if !avg.Equal(decimal.NewFromFloat(0.45)) {
		t.Errorf("avg cost after sell = %s, want 0.45", avg)
	}
}

func TestFractionalFills(t *testing.T) {
	t.Parallel()
	tr := NewTracker(slog.Default())

	tr.RecordFill(fill(types.VenuePolymarket, types.SideNo, types.BUY, 0.47, 12.5))
	if qty := tr.Qty(types.VenuePolymarket, types.SideNo); !qty.Equal(decimal.NewFromFloat(12.5)) {
		t.Errorf("qty = %s, want 12.5", qty)
	}

	// Selling down to dust prunes the entry entirely.
	tr.RecordFill(fill(types.VenuePolymarket, types.SideNo, types.SELL, 0.45, 12.4995))
	if qty := tr.Qty(types.VenuePolymarket, types.SideNo); !qty.IsZero() {
		t.Errorf("qty = %s, want 0 after dust prune", qty)
	}
}

func TestClobAutoNetting(t *testing.T) {
	t.Parallel()
	tr := NewTracker(slog.Default())

	// Holding 10 YES on kalshi, buying 4 NO nets to 6 YES, no NO entry.
	tr.RecordFill(fill(types.VenueKalshi, types.SideYes, types.BUY, 0.44, 10))
	tr.RecordFill(fill(types.VenueKalshi, types.SideNo, types.BUY, 0.55, 4))

	if qty := tr.Qty(types.VenueKalshi, types.SideYes); !qty.Equal(decimal.NewFromInt(6)) {
		t.Errorf("yes qty = %s, want 6", qty)
	}
	if qty := tr.Qty(types.VenueKalshi, types.SideNo); !qty.IsZero() {
		t.Errorf("no qty = %s, want 0 (netted)", qty)
	}

	// The onchain venue does not net; both sides coexist.
	tr.RecordFill(fill(types.VenuePolymarket, types.SideYes, types.BUY, 0.44, 10))
	tr.RecordFill(fill(types.VenuePolymarket, types.SideNo, types.BUY, 0.55, 4))
	if qty := tr.Qty(types.VenuePolymarket, types.SideNo); !qty.Equal(decimal.NewFromInt(4)) {
		t.Errorf("polymarket no qty = %s, want 4", qty)
	}
}

func TestOverrideCollapsesVenueSide(t *testing.T) {
	t.Parallel()
	tr := NewTracker(slog.Default())

	tr.RecordFill(fill(types.VenueKalshi, types.SideNo, types.BUY, 0.56, 425))

	tr.Override(types.VenueKalshi, types.SideNo, decimal.NewFromInt(420), iv)
	if qty := tr.Qty(types.VenueKalshi, types.SideNo); !qty.Equal(decimal.NewFromInt(420)) {
		t.Errorf("qty after override = %s, want 420", qty)
	}
	// Basis survives the override.
	if avg := tr.AvgCost(types.VenueKalshi, types.SideNo, iv); !avg.Equal(decimal.NewFromFloat(0.56)) {
		t.Errorf("avg cost after override = %s, want 0.56", avg)
	}

	// Override to zero clears the holding.
	tr.Override(types.VenueKalshi, types.SideNo, decimal.Zero, iv)
	if qty := tr.Qty(types.VenueKalshi, types.SideNo); !qty.IsZero() {
		t.Errorf("qty after zero override = %s, want 0", qty)
	}
}

func TestClearIntervalIsScoped(t *testing.T) {
	t.Parallel()
	tr := NewTracker(slog.Default())

	next := iv.Next()
	tr.RecordFill(fill(types.VenueKalshi, types.SideYes, types.BUY, 0.44, 10))
	f := fill(types.VenueKalshi, types.SideYes, types.BUY, 0.41, 7)
	f.Interval = next
	tr.RecordFill(f)

	tr.ClearInterval(iv)

	if qty := tr.Qty(types.VenueKalshi, types.SideYes); !qty.Equal(decimal.NewFromInt(7)) {
		t.Errorf("qty after scoped clear = %s, want 7 (next interval only)", qty)
	}
}

func TestFillRingBounded(t *testing.T) {
	t.Parallel()
	tr := NewTracker(slog.Default())

	for i := 0; i < 1100; i++ {
		f := fill(types.VenueKalshi, types.SideYes, types.BUY, 0.50, 1)
		f.ClientOrderID = fmt.Sprintf("o%d", i)
		tr.RecordFill(f)
	}

	fills := tr.Fills()
	if len(fills) != 1000 {
		t.Fatalf("ring size = %d, want 1000", len(fills))
	}
	if fills[0].ClientOrderID != "o100" {
		t.Errorf("oldest retained = %s, want o100", fills[0].ClientOrderID)
	}
}

func TestLastMarketSurvivesRollover(t *testing.T) {
	t.Parallel()
	tr := NewTracker(slog.Default())

	tr.RecordFill(fill(types.VenueKalshi, types.SideYes, types.BUY, 0.44, 10))
	tr.ClearInterval(iv)

	if got := tr.LastMarket(types.VenueKalshi, types.SideYes); got != "MKT-kalshi" {
		t.Errorf("last market = %q, want MKT-kalshi", got)
	}
}

func TestOpenOrders(t *testing.T) {
	t.Parallel()
	tr := NewTracker(slog.Default())

	tr.AddOpenOrder(types.OpenOrder{ClientOrderID: "A-1", VenueOrderID: "v1"})
	tr.AddOpenOrder(types.OpenOrder{ClientOrderID: "B-1", VenueOrderID: "v2"})
	if n := tr.OpenOrderCount(); n != 2 {
		t.Errorf("open orders = %d, want 2", n)
	}

	o, ok := tr.RemoveOpenOrder("A-1")
	if !ok || o.VenueOrderID != "v1" {
		t.Errorf("remove = %+v/%v, want v1/true", o, ok)
	}
	if _, ok := tr.RemoveOpenOrder("A-1"); ok {
		t.Error("double remove reported present")
	}
}
