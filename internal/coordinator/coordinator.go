// Package coordinator binds the venue feeds to the interval lifecycle.
//
// It owns the quote cache: WS updates from both venues funnel through one
// goroutine that stamps them into the cache and pokes the strategy, so
// every other component reads quotes without touching venue code. It also
// runs the rollover sequence at each interval boundary, in a fixed order:
// cancel, settle, snapshot, clear, resubscribe. Nothing else mutates the
// cache or switches the active interval.
package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"boxarb/internal/analytics"
	"boxarb/internal/execstate"
	"boxarb/internal/interval"
	"boxarb/internal/kalshi"
	"boxarb/internal/mapping"
	"boxarb/internal/polymarket"
	"boxarb/internal/position"
	"boxarb/internal/settlement"
	"boxarb/pkg/types"
)

// KalshiFeed is the slice of the Kalshi WS feed the coordinator uses.
type KalshiFeed interface {
	Quotes() <-chan kalshi.QuoteUpdate
	Fills() <-chan kalshi.FillEvent
	Subscribe(tickers []string) error
	Unsubscribe(tickers []string) error
}

// PolymarketFeed is the slice of the Polymarket WS feed the coordinator uses.
type PolymarketFeed interface {
	Quotes() <-chan polymarket.QuoteUpdate
	Watch(conditionID, upToken, downToken string) error
	Unwatch(conditionID string) error
}

// Hooks are the engine's entry points. OnQuote fires after every cache
// write; OnIntervalClose fires during rollover with the close snapshot and
// the settlements that just realized; CancelAllOrders must cancel every
// resting order on both venues.
type Hooks struct {
	OnQuote         func(iv types.IntervalKey)
	OnIntervalClose func(snap settlement.CloseSnapshot, drained []types.PendingSettlement)
	CancelAllOrders func(ctx context.Context)
}

// Coordinator routes quotes and drives interval rollover.
type Coordinator struct {
	store   *mapping.Store
	clock   *interval.Clock
	kalshi  KalshiFeed
	poly    PolymarketFeed
	tracker *position.Tracker
	state   *execstate.State
	btc     *analytics.BTCTracker
	hooks   Hooks

	mu           sync.Mutex
	active       types.IntervalKey
	kalshiTicker string
	conditionID  string
	quotes       map[types.Venue]types.NormalizedQuote

	logger *slog.Logger
}

func New(store *mapping.Store, clock *interval.Clock, kalshiFeed KalshiFeed, polyFeed PolymarketFeed,
	tracker *position.Tracker, state *execstate.State, btc *analytics.BTCTracker,
	hooks Hooks, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		clock:   clock,
		kalshi:  kalshiFeed,
		poly:    polyFeed,
		tracker: tracker,
		state:   state,
		btc:     btc,
		hooks:   hooks,
		quotes:  make(map[types.Venue]types.NormalizedQuote),
		logger:  logger.With("component", "coordinator"),
	}
}

// Quote returns the cached quote for a venue in the active interval.
func (c *Coordinator) Quote(venue types.Venue) (*types.NormalizedQuote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[venue]
	if !ok {
		return nil, false
	}
	return &q, true
}

// ActiveInterval returns the interval currently being traded.
func (c *Coordinator) ActiveInterval() types.IntervalKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// ActiveMapping returns the mapping for the active interval, or nil.
func (c *Coordinator) ActiveMapping() *types.IntervalMapping {
	c.mu.Lock()
	iv := c.active
	c.mu.Unlock()
	if iv.IsZero() {
		return nil
	}
	return c.store.Get(iv)
}

// Run subscribes to the current interval, registers the rollover handler,
// and fans quotes in until the context ends.
func (c *Coordinator) Run(ctx context.Context) {
	c.Activate(c.clock.Current())
	c.clock.OnRollover(func(ended, next types.IntervalKey) {
		c.rollover(ctx, ended, next)
	})

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-c.kalshi.Quotes():
			if !ok {
				return
			}
			c.handleKalshiQuote(u)
		case u, ok := <-c.poly.Quotes():
			if !ok {
				return
			}
			c.handlePolyQuote(u)
		case f, ok := <-c.kalshi.Fills():
			if !ok {
				return
			}
			c.handleKalshiFill(f)
		}
	}
}

// Activate switches trading to the given interval, subscribing both feeds
// if the mapping is resolved. Safe to call again once discovery completes
// a previously missing mapping.
func (c *Coordinator) Activate(iv types.IntervalKey) {
	m := c.store.Get(iv)

	c.mu.Lock()
	c.active = iv
	alreadyLive := c.kalshiTicker != "" || c.conditionID != ""
	c.mu.Unlock()

	if !m.Complete() {
		c.logger.Warn("interval mapping incomplete, feeds idle", "interval", iv.String())
		return
	}
	if alreadyLive {
		return
	}

	if err := c.kalshi.Subscribe([]string{m.Kalshi.MarketTicker}); err != nil {
		c.logger.Error("kalshi subscribe", "ticker", m.Kalshi.MarketTicker, "error", err)
	}
	if err := c.poly.Watch(m.Polymarket.ConditionID, m.Polymarket.UpToken, m.Polymarket.DownToken); err != nil {
		c.logger.Error("polymarket watch", "condition", m.Polymarket.ConditionID, "error", err)
	}

	c.mu.Lock()
	c.kalshiTicker = m.Kalshi.MarketTicker
	c.conditionID = m.Polymarket.ConditionID
	c.mu.Unlock()

	ref := m.Kalshi.ReferencePrice
	if ref <= 0 {
		ref = m.Polymarket.ReferencePrice
	}
	c.btc.ResetInterval(ref)

	c.logger.Info("interval live",
		"interval", iv.String(),
		"kalshi", m.Kalshi.MarketTicker,
		"polymarket", m.Polymarket.Slug)
}

// NotifyDiscovered re-activates the current interval after discovery fills
// in a mapping that was missing at rollover.
func (c *Coordinator) NotifyDiscovered(iv types.IntervalKey) {
	c.mu.Lock()
	isActive := c.active == iv
	live := c.kalshiTicker != "" || c.conditionID != ""
	c.mu.Unlock()
	if isActive && !live {
		c.Activate(iv)
	}
}

// rollover runs the boundary sequence. Order matters: orders are dead
// before settlements realize, and the close snapshot is taken before the
// spot tracker resets for the next interval.
func (c *Coordinator) rollover(ctx context.Context, ended, next types.IntervalKey) {
	c.logger.Info("rolling interval", "ended", ended.String(), "next", next.String())

	if c.hooks.CancelAllOrders != nil {
		c.hooks.CancelAllOrders(ctx)
	}

	drained := c.state.SettlePending(ended)
	if m := c.store.Get(ended); m.Complete() && c.hooks.OnIntervalClose != nil {
		c.hooks.OnIntervalClose(settlement.TakeSnapshot(m, c.btc), drained)
	}

	c.mu.Lock()
	oldTicker := c.kalshiTicker
	oldCondition := c.conditionID
	c.kalshiTicker = ""
	c.conditionID = ""
	c.quotes = make(map[types.Venue]types.NormalizedQuote)
	c.mu.Unlock()

	c.tracker.ClearInterval(ended)

	if oldTicker != "" {
		if err := c.kalshi.Unsubscribe([]string{oldTicker}); err != nil {
			c.logger.Warn("kalshi unsubscribe", "ticker", oldTicker, "error", err)
		}
	}
	if oldCondition != "" {
		if err := c.poly.Unwatch(oldCondition); err != nil {
			c.logger.Warn("polymarket unwatch", "condition", oldCondition, "error", err)
		}
	}

	c.Activate(next)
}

func (c *Coordinator) handleKalshiQuote(u kalshi.QuoteUpdate) {
	c.mu.Lock()
	if u.Ticker != c.kalshiTicker {
		c.mu.Unlock()
		return
	}
	c.quotes[types.VenueKalshi] = u.Quote
	iv := c.active
	c.mu.Unlock()

	if c.hooks.OnQuote != nil {
		c.hooks.OnQuote(iv)
	}
}

func (c *Coordinator) handlePolyQuote(u polymarket.QuoteUpdate) {
	c.mu.Lock()
	if u.ConditionID != c.conditionID {
		c.mu.Unlock()
		return
	}
	c.quotes[types.VenuePolymarket] = u.Quote
	iv := c.active
	c.mu.Unlock()

	if c.hooks.OnQuote != nil {
		c.hooks.OnQuote(iv)
	}
}

// handleKalshiFill clears resting-order state for WS-reported fills. The
// executor books its own fills from order responses, so writing these into
// the ledger would double count; unexpected fills are surfaced in the log
// and repaired by the reconciler against venue truth.
func (c *Coordinator) handleKalshiFill(f kalshi.FillEvent) {
	if _, known := c.tracker.RemoveOpenOrderByVenueID(f.OrderID); known {
		return
	}
	c.logger.Warn("fill for unknown order",
		"ticker", f.Ticker, "order_id", f.OrderID,
		"side", f.Side, "action", f.Action, "qty", f.Count, "price", f.Price)
}
