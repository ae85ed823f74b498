package position

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"boxarb/internal/config"
	"boxarb/internal/execstate"
	"boxarb/internal/fees"
	"boxarb/pkg/types"
)

// PositionFetcher reads the venue's own view of its holdings.
type PositionFetcher interface {
	FetchPositions(ctx context.Context) (types.PositionSnapshot, error)
}

// OrderPlacer places a corrective order.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, params types.OrderParams) (*types.OrderResult, error)
}

// QuoteSource reads the latest cached quote for a venue.
type QuoteSource interface {
	Quote(venue types.Venue) (*types.NormalizedQuote, bool)
}

// MappingSource returns the mapping for the interval currently trading,
// or nil when discovery hasn't resolved it.
type MappingSource func() *types.IntervalMapping

type stableKey struct {
	Venue types.Venue
	Side  types.Side
}

// Reconciler periodically replaces the local ledger with venue truth.
//
// Small divergences are venue truth winning immediately: a missed fill or
// an unwind the venue saw differently. Large divergences are usually a
// venue API hiccup mid-settlement, so they must hold still across two
// consecutive reads before the override lands. After any override the
// cross-venue YES/NO totals are rebalanced with a capped corrective order,
// choosing between completing the box and unwinding the excess by
// expected value.
type Reconciler struct {
	cfg     config.ReconcilerConfig
	tracker *Tracker
	state   *execstate.State
	fetch   map[types.Venue]PositionFetcher
	orders  OrderPlacer
	quotes  QuoteSource
	mapping MappingSource

	mu             sync.Mutex
	pending        map[stableKey]decimal.Decimal // last divergent read per venue side
	lastExecAt     time.Time
	lastActionAt   time.Time
	actionFailures int // consecutive corrective failures

	now    func() time.Time
	logger *slog.Logger
}

func NewReconciler(cfg config.ReconcilerConfig, tracker *Tracker, state *execstate.State,
	fetch map[types.Venue]PositionFetcher, orders OrderPlacer, quotes QuoteSource,
	mapping MappingSource, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		tracker: tracker,
		state:   state,
		fetch:   fetch,
		orders:  orders,
		quotes:  quotes,
		mapping: mapping,
		pending: make(map[stableKey]decimal.Decimal),
		now:     time.Now,
		logger:  logger.With("component", "reconciler"),
	}
}

// NoteExecution starts the post-execution grace period. Fills can take a
// while to show up in venue position endpoints; reconciling against a
// stale read right after a trade would fight the executor.
func (r *Reconciler) NoteExecution() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastExecAt = r.now()
}

// Run ticks the reconciler until the context ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass.
func (r *Reconciler) Tick(ctx context.Context) {
	if r.skip() {
		return
	}

	m := r.mapping()
	if !m.Complete() {
		return
	}

	snapshots := r.fetchAll(ctx)
	if len(snapshots) == 0 {
		r.logger.Warn("both venue position reads failed, skipping pass")
		return
	}

	overrode := false
	for venue, snap := range snapshots {
		if r.reconcileSide(venue, types.SideYes, snap.Yes, m.Interval) {
			overrode = true
		}
		if r.reconcileSide(venue, types.SideNo, snap.No, m.Interval) {
			overrode = true
		}
	}

	if overrode {
		r.correctImbalance(ctx, m)
	}
}

func (r *Reconciler) skip() bool {
	if r.state.Busy() || r.state.LiquidationInProgress() {
		return true
	}
	if tripped, _ := r.state.KillSwitch(); tripped {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.lastExecAt.IsZero() && r.now().Sub(r.lastExecAt) < r.cfg.PostExecGracePeriod
}

// fetchAll reads both venues in parallel. One venue failing only drops
// that venue from the pass.
func (r *Reconciler) fetchAll(ctx context.Context) map[types.Venue]types.PositionSnapshot {
	var mu sync.Mutex
	var wg sync.WaitGroup
	out := make(map[types.Venue]types.PositionSnapshot)

	for venue, fetcher := range r.fetch {
		wg.Add(1)
		go func(venue types.Venue, fetcher PositionFetcher) {
			defer wg.Done()
			snap, err := fetcher.FetchPositions(ctx)
			if err != nil {
				r.logger.Warn("position fetch failed", "venue", venue, "error", err)
				return
			}
			mu.Lock()
			out[venue] = snap
			mu.Unlock()
		}(venue, fetcher)
	}
	wg.Wait()
	return out
}

// reconcileSide compares one (venue, side) against venue truth and returns
// whether an override was applied.
func (r *Reconciler) reconcileSide(venue types.Venue, side types.Side, venueQty decimal.Decimal, interval types.IntervalKey) bool {
	local := r.tracker.Qty(venue, side)
	d := local.Sub(venueQty).Abs()
	if d.LessThan(dust) {
		r.clearPending(venue, side)
		return false
	}

	df, _ := d.Float64()
	if df < r.cfg.NoiseThreshold {
		r.override(venue, side, venueQty, interval, "small divergence")
		return true
	}

	// Large divergence: venue truth must repeat before it wins.
	r.mu.Lock()
	prev, seen := r.pending[stableKey{venue, side}]
	r.pending[stableKey{venue, side}] = venueQty
	r.mu.Unlock()

	if !seen {
		r.logger.Warn("large divergence, awaiting confirmation",
			"venue", venue, "side", side,
			"local", local.String(), "venue_qty", venueQty.String())
		return false
	}
	delta, _ := prev.Sub(venueQty).Abs().Float64()
	if delta > r.cfg.StabilityTolerance {
		r.logger.Warn("large divergence still moving",
			"venue", venue, "side", side,
			"prev", prev.String(), "venue_qty", venueQty.String())
		return false
	}

	r.override(venue, side, venueQty, interval, "stable large divergence")
	return true
}

func (r *Reconciler) override(venue types.Venue, side types.Side, qty decimal.Decimal, interval types.IntervalKey, why string) {
	r.tracker.Override(venue, side, qty, interval)
	r.clearPending(venue, side)
	r.logger.Warn("ledger overridden with venue truth",
		"venue", venue, "side", side, "qty", qty.String(), "reason", why)
}

func (r *Reconciler) clearPending(venue types.Venue, side types.Side) {
	r.mu.Lock()
	delete(r.pending, stableKey{venue, side})
	r.mu.Unlock()
}

// correctImbalance rebalances cross-venue YES/NO totals after overrides.
// Completing the box buys the short side; unwinding sells the excess. The
// better expected value wins: completion pays 1 - ask - fee per contract
// at settlement, unwinding recovers bid - fee now.
func (r *Reconciler) correctImbalance(ctx context.Context, m *types.IntervalMapping) {
	yes, no := r.tracker.Totals()
	diff := yes - no
	if math.Abs(diff) < 1 {
		return
	}

	r.mu.Lock()
	lastAction := r.lastActionAt
	sinceAction := r.now().Sub(lastAction)
	r.mu.Unlock()
	if !lastAction.IsZero() && sinceAction < r.cfg.ActionCooldown {
		r.logger.Info("corrective action suppressed by cooldown",
			"imbalance", diff, "since_last", sinceAction)
		return
	}

	qty := math.Min(math.Abs(diff), r.cfg.MaxActionQty)
	missing := types.SideNo
	excess := types.SideYes
	if diff < 0 {
		missing, excess = excess, missing
	}

	buy, buyOK := r.bestCompletion(m, missing, qty)
	sell, sellOK := r.bestUnwind(m, excess, qty)
	if !buyOK && !sellOK {
		r.logger.Warn("imbalance detected but no quotes to act on", "imbalance", diff)
		return
	}

	params := buy
	if !buyOK || (sellOK && sell.ev > buy.ev) {
		params = sell
	}

	if !r.state.AcquireBusyLock() {
		return
	}
	defer r.state.ReleaseBusyLock()

	res, err := r.orders.PlaceOrder(ctx, params.order)
	if err != nil || res.FilledQty <= 0 {
		r.noteActionFailure(params.order, err)
		return
	}

	avg, _ := r.tracker.AvgCost(params.order.Venue, params.order.Side, m.Interval).Float64()
	r.tracker.RecordFill(types.FillRecord{
		Venue:    params.order.Venue,
		Side:     params.order.Side,
		Action:   params.order.Action,
		Price:    res.FillPrice,
		Qty:      res.FilledQty,
		Interval: m.Interval,
		MarketID: params.order.MarketID,
		Ts:       types.NowMs(),
	})
	r.bookAction(params.order, res, avg, m.Interval)

	r.mu.Lock()
	r.lastActionAt = r.now()
	r.actionFailures = 0
	r.mu.Unlock()
	r.state.EnterCooldown(r.cfg.ActionExecCooldown)
	r.logger.Warn("corrective order placed",
		"action", params.order.Action, "side", params.order.Side,
		"venue", params.order.Venue, "qty", res.FilledQty, "price", res.FillPrice)
}

// maxActionFailures is how many consecutive corrective attempts may fail
// before the drift is treated as unrecoverable.
const maxActionFailures = 3

// noteActionFailure counts a failed corrective. An imbalance that repeated
// attempts cannot repair means the venue view and the ledger disagree in a
// way orders won't fix, so it escalates to the kill switch.
func (r *Reconciler) noteActionFailure(order types.OrderParams, err error) {
	r.mu.Lock()
	r.actionFailures++
	failures := r.actionFailures
	r.mu.Unlock()

	r.logger.Error("corrective order failed",
		"params", order, "failures", failures, "error", err)
	if failures >= maxActionFailures {
		r.state.TriggerKillSwitch(execstate.ReasonReconciler)
	}
}

// bookAction flows the corrective's money through the shared state. A sell
// realizes PnL against the average cost now; a completion buy books a
// pending settlement that pays out when the interval closes. Both keep the
// notional counter in line with what is actually held.
func (r *Reconciler) bookAction(order types.OrderParams, res *types.OrderResult, avgCost float64, interval types.IntervalKey) {
	fee := fees.Leg(order.Venue, res.FilledQty, res.FillPrice)
	cost := res.FilledQty * res.FillPrice

	if order.Action == types.SELL {
		r.state.RecordRealizedPnl((res.FillPrice-avgCost)*res.FilledQty - fee)
		r.state.RemoveNotional(avgCost * res.FilledQty)
		return
	}

	r.state.AddNotional(cost)
	r.state.AddPendingSettlement(types.PendingSettlement{
		ExecutionID: uuid.NewString(),
		Interval:    interval,
		ExpectedPnl: res.FilledQty*(1-res.FillPrice) - fee,
		Cost:        cost,
		SettlesAt:   interval.EndTs,
	})
}

type corrective struct {
	order types.OrderParams
	ev    float64
}

// bestCompletion picks the venue with the cheapest ask for the missing
// side, shrinking to the displayed size.
func (r *Reconciler) bestCompletion(m *types.IntervalMapping, side types.Side, qty float64) (corrective, bool) {
	best := corrective{ev: math.Inf(-1)}
	found := false
	for _, venue := range []types.Venue{types.VenueKalshi, types.VenuePolymarket} {
		q, ok := r.quotes.Quote(venue)
		if !ok {
			continue
		}
		ask, size := q.Ask(side)
		if ask <= 0 || ask >= 1 || size < 1 {
			continue
		}
		useQty := math.Floor(math.Min(qty, size))
		if useQty < 1 {
			continue
		}
		ev := 1 - ask - fees.Leg(venue, 1, ask)
		if ev > best.ev {
			best = corrective{
				order: types.OrderParams{
					Venue:       venue,
					Side:        side,
					Action:      types.BUY,
					Price:       ask,
					Qty:         useQty,
					TimeInForce: types.TifIOC,
					MarketID:    r.marketID(m, venue, side),
				},
				ev: ev,
			}
			found = true
		}
	}
	return best, found
}

// bestUnwind picks the venue holding the excess with the highest bid.
func (r *Reconciler) bestUnwind(m *types.IntervalMapping, side types.Side, qty float64) (corrective, bool) {
	best := corrective{ev: math.Inf(-1)}
	found := false
	for _, venue := range []types.Venue{types.VenueKalshi, types.VenuePolymarket} {
		held, _ := r.tracker.Qty(venue, side).Float64()
		if held < 1 {
			continue
		}
		q, ok := r.quotes.Quote(venue)
		if !ok {
			continue
		}
		bid, size := q.Bid(side)
		if bid <= 0 || size < 1 {
			continue
		}
		useQty := math.Floor(math.Min(math.Min(qty, held), size))
		if useQty < 1 {
			continue
		}
		ev := bid - fees.Leg(venue, 1, bid)
		if ev > best.ev {
			best = corrective{
				order: types.OrderParams{
					Venue:       venue,
					Side:        side,
					Action:      types.SELL,
					Price:       bid,
					Qty:         useQty,
					TimeInForce: types.TifIOC,
					MarketID:    r.marketID(m, venue, side),
				},
				ev: ev,
			}
			found = true
		}
	}
	return best, found
}

func (r *Reconciler) marketID(m *types.IntervalMapping, venue types.Venue, side types.Side) string {
	if venue == types.VenueKalshi {
		return m.Kalshi.MarketTicker
	}
	if side == types.SideYes {
		return m.Polymarket.UpToken
	}
	return m.Polymarket.DownToken
}
