// Package position owns the authoritative local view of venue positions.
//
// The core is a cost-basis ledger keyed by (venue, side, interval) with
// average-cost accounting on decimal quantities, since onchain fills can be
// fractional. Per-venue and cross-venue totals are derived from the ledger.
// The tracker also keeps the open-order map, a bounded fill history ring,
// and the last-known market identifier per (venue, side) so positions can
// still be sold after the mapping has rolled over.
package position

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"boxarb/pkg/types"
)

// dust is the quantity below which a ledger entry is pruned.
var dust = decimal.NewFromFloat(1e-3)

const fillHistoryLimit = 1000

type ledgerKey struct {
	Venue    types.Venue
	Side     types.Side
	Interval types.IntervalKey
}

type ledgerEntry struct {
	Qty     decimal.Decimal
	AvgCost decimal.Decimal
}

type venueSide struct {
	Venue types.Venue
	Side  types.Side
}

// Tracker is the position bookkeeper. All access is serialized through its
// methods; fills, unwinds, and reconciler overrides are the only writers.
type Tracker struct {
	mu sync.Mutex

	ledger     map[ledgerKey]*ledgerEntry
	openOrders map[string]types.OpenOrder // client order ID -> order
	fills      []types.FillRecord         // bounded ring, newest last
	lastMarket map[venueSide]string       // last-known market identifier

	logger *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		ledger:     make(map[ledgerKey]*ledgerEntry),
		openOrders: make(map[string]types.OpenOrder),
		lastMarket: make(map[venueSide]string),
		logger:     logger.With("component", "position"),
	}
}

// RecordFill applies a fill to the cost-basis ledger. BUY adds at average
// cost; SELL reduces quantity and leaves the basis. On the CLOB venue a
// buy nets against an opposite-side holding of the same interval first,
// mirroring the venue's own settlement engine.
func (t *Tracker) RecordFill(f types.FillRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	qty := decimal.NewFromFloat(f.Qty)
	price := decimal.NewFromFloat(f.Price)

	if f.Action == types.BUY && f.Venue == types.VenueKalshi {
		qty = t.netOppositeLocked(f, qty)
	}

	if qty.IsPositive() {
		key := ledgerKey{f.Venue, f.Side, f.Interval}
		entry := t.ledger[key]
		if entry == nil {
			entry = &ledgerEntry{AvgCost: price}
			t.ledger[key] = entry
		}

		if f.Action == types.BUY {
			// New average cost = (oldQty*oldAvg + qty*price) / (oldQty+qty).
			total := entry.Qty.Add(qty)
			entry.AvgCost = entry.Qty.Mul(entry.AvgCost).Add(qty.Mul(price)).Div(total)
			entry.Qty = total
		} else {
			entry.Qty = entry.Qty.Sub(qty)
		}

		if entry.Qty.Abs().LessThan(dust) {
			delete(t.ledger, key)
		}
	}

	if f.MarketID != "" {
		t.lastMarket[venueSide{f.Venue, f.Side}] = f.MarketID
	}
	t.fills = append(t.fills, f)
	if len(t.fills) > fillHistoryLimit {
		t.fills = t.fills[len(t.fills)-fillHistoryLimit:]
	}
}

// netOppositeLocked offsets a buy against the opposite side of the same
// interval and returns the unnetted remainder.
func (t *Tracker) netOppositeLocked(f types.FillRecord, qty decimal.Decimal) decimal.Decimal {
	oppKey := ledgerKey{f.Venue, f.Side.Other(), f.Interval}
	opp := t.ledger[oppKey]
	if opp == nil || !opp.Qty.IsPositive() {
		return qty
	}

	netted := decimal.Min(qty, opp.Qty)
	opp.Qty = opp.Qty.Sub(netted)
	if opp.Qty.Abs().LessThan(dust) {
		delete(t.ledger, oppKey)
	}
	t.logger.Debug("netted opposite side",
		"venue", f.Venue, "side", f.Side, "qty", netted.String())
	return qty.Sub(netted)
}

// NoteMarket records the market identifier to use when selling a
// (venue, side) holding after its mapping is gone.
func (t *Tracker) NoteMarket(venue types.Venue, side types.Side, marketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastMarket[venueSide{venue, side}] = marketID
}

// LastMarket returns the last-known market identifier for a (venue, side).
func (t *Tracker) LastMarket(venue types.Venue, side types.Side) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastMarket[venueSide{venue, side}]
}

// Qty returns the total contracts held for a (venue, side) across
// intervals.
func (t *Tracker) Qty(venue types.Venue, side types.Side) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.qtyLocked(venue, side)
}

func (t *Tracker) qtyLocked(venue types.Venue, side types.Side) decimal.Decimal {
	total := decimal.Zero
	for key, entry := range t.ledger {
		if key.Venue == venue && key.Side == side {
			total = total.Add(entry.Qty)
		}
	}
	return total
}

// Snapshot returns the venue's current YES/NO holdings.
func (t *Tracker) Snapshot(venue types.Venue) types.PositionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return types.PositionSnapshot{
		Venue: venue,
		Yes:   t.qtyLocked(venue, types.SideYes),
		No:    t.qtyLocked(venue, types.SideNo),
		Ts:    types.NowMs(),
	}
}

// Totals returns total YES and NO contracts across both venues.
func (t *Tracker) Totals() (yes, no float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.ledger {
		v, _ := entry.Qty.Float64()
		if key.Side == types.SideYes {
			yes += v
		} else {
			no += v
		}
	}
	return yes, no
}

// AvgCost returns the average cost for a (venue, side, interval) holding,
// or zero when none exists.
func (t *Tracker) AvgCost(venue types.Venue, side types.Side, interval types.IntervalKey) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry := t.ledger[ledgerKey{venue, side, interval}]; entry != nil {
		return entry.AvgCost
	}
	return decimal.Zero
}

// Override replaces the (venue, side) holding with the venue-reported
// quantity, collapsing it into the given interval. The prior average cost
// is preserved when one exists. Reconciler-only.
func (t *Tracker) Override(venue types.Venue, side types.Side, qty decimal.Decimal, interval types.IntervalKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	avg := decimal.Zero
	for key, entry := range t.ledger {
		if key.Venue == venue && key.Side == side {
			if avg.IsZero() {
				avg = entry.AvgCost
			}
			delete(t.ledger, key)
		}
	}

	if qty.Abs().LessThan(dust) {
		return
	}
	t.ledger[ledgerKey{venue, side, interval}] = &ledgerEntry{Qty: qty, AvgCost: avg}
	t.logger.Warn("position overridden",
		"venue", venue, "side", side, "qty", qty.String())
}

// ClearInterval drops the ledger entries belonging to a terminating
// interval. Entries for other intervals are untouched.
func (t *Tracker) ClearInterval(interval types.IntervalKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.ledger {
		if key.Interval == interval {
			delete(t.ledger, key)
		}
	}
}

// AddOpenOrder tracks a live order by client order ID.
func (t *Tracker) AddOpenOrder(o types.OpenOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openOrders[o.ClientOrderID] = o
}

// RemoveOpenOrder drops a finished order. Returns the removed order and
// whether it was present.
func (t *Tracker) RemoveOpenOrder(clientOrderID string) (types.OpenOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.openOrders[clientOrderID]
	if ok {
		delete(t.openOrders, clientOrderID)
	}
	return o, ok
}

// RemoveOpenOrderByVenueID drops a finished order located by its venue
// order ID, the key WS fill events carry.
func (t *Tracker) RemoveOpenOrderByVenueID(venueOrderID string) (types.OpenOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, o := range t.openOrders {
		if o.VenueOrderID == venueOrderID {
			delete(t.openOrders, key)
			return o, true
		}
	}
	return types.OpenOrder{}, false
}

// OpenOrders returns a copy of the live order map values.
func (t *Tracker) OpenOrders() []types.OpenOrder {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.OpenOrder, 0, len(t.openOrders))
	for _, o := range t.openOrders {
		out = append(out, o)
	}
	return out
}

// OpenOrderCount returns the number of live orders.
func (t *Tracker) OpenOrderCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.openOrders)
}

// Fills returns a copy of the fill history, oldest first.
func (t *Tracker) Fills() []types.FillRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.FillRecord, len(t.fills))
	copy(out, t.fills)
	return out
}
