// Package engine wires every component into the running arbitrage bot:
// venue clients and feeds, interval clock, discovery, the coordinator, the
// scan-guard-execute path, reconciliation, and settlement checks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"boxarb/internal/analytics"
	"boxarb/internal/arb"
	"boxarb/internal/config"
	"boxarb/internal/coordinator"
	"boxarb/internal/discovery"
	"boxarb/internal/execstate"
	"boxarb/internal/executor"
	"boxarb/internal/fees"
	"boxarb/internal/interval"
	"boxarb/internal/journal"
	"boxarb/internal/kalshi"
	"boxarb/internal/mapping"
	"boxarb/internal/polymarket"
	"boxarb/internal/position"
	"boxarb/internal/settlement"
	"boxarb/pkg/types"
)

const (
	discoveryPollInterval = 30 * time.Second
	riskMonitorInterval   = 15 * time.Second
	preCloseCheckInterval = time.Second
)

// orderPlacer is the slice of the venue bundle the pre-close unwind needs.
type orderPlacer interface {
	PlaceOrder(ctx context.Context, params types.OrderParams) (*types.OrderResult, error)
}

// Engine owns the full component graph and its goroutines.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	kalshiClient *kalshi.Client
	polyClient   *polymarket.Client
	kalshiFeed   *kalshi.WSFeed
	polyFeed     *polymarket.WSFeed

	store      *mapping.Store
	discoverer *discovery.Discoverer
	clock      *interval.Clock
	btc        *analytics.BTCTracker
	spot       *analytics.SpotPoller
	state      *execstate.State
	tracker    *position.Tracker
	journal    *journal.Journal
	checker    *settlement.Checker
	reconciler *position.Reconciler
	exec       *executor.Executor
	coord      *coordinator.Coordinator
	bundle     *venueBundle
	orders     orderPlacer
	monitor    *riskMonitor

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the component graph. In dry-run mode missing credentials are
// tolerated: clients run unsigned against public endpoints and order paths
// fill synthetically.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: logger.With("component", "engine")}

	var kalshiAuth *kalshi.Auth
	if cfg.Kalshi.APIKeyID != "" && cfg.Kalshi.PrivateKeyPEM != "" {
		auth, err := kalshi.NewAuth(cfg.Kalshi.APIKeyID, cfg.Kalshi.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("kalshi auth: %w", err)
		}
		kalshiAuth = auth
	} else if !cfg.DryRun {
		return nil, fmt.Errorf("kalshi credentials required in live mode")
	}

	var polyAuth *polymarket.Auth
	if cfg.Polymarket.PrivateKey != "" {
		auth, err := polymarket.NewAuth(cfg.Polymarket)
		if err != nil {
			return nil, fmt.Errorf("polymarket auth: %w", err)
		}
		polyAuth = auth
	} else if !cfg.DryRun {
		return nil, fmt.Errorf("polymarket credentials required in live mode")
	}

	kc, err := kalshi.NewClient(cfg.Kalshi, kalshiAuth, cfg.DryRun, logger)
	if err != nil {
		return nil, fmt.Errorf("kalshi client: %w", err)
	}
	e.kalshiClient = kc
	e.polyClient = polymarket.NewClient(cfg.Polymarket, polyAuth, cfg.DryRun, logger)

	e.kalshiFeed = kalshi.NewWSFeed(cfg.Kalshi.WSURL, kalshiAuth, logger)
	e.polyFeed = polymarket.NewWSFeed(cfg.Polymarket.WSMarketURL, logger)

	e.store, err = mapping.Open(cfg.Journal.Dir)
	if err != nil {
		return nil, fmt.Errorf("mapping store: %w", err)
	}
	e.journal, err = journal.Open(cfg.Journal.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	e.clock = interval.NewClock(logger)
	e.btc = analytics.NewBTCTracker()
	e.spot = analytics.NewSpotPoller(cfg.Spot, e.btc, logger)
	e.state = execstate.New(cfg.Risk.MaxDailyLoss, logger)
	e.tracker = position.NewTracker(logger)
	e.exec = executor.New(e.state, e.tracker, cfg.Risk, cfg.DryRun, logger)

	hooks := coordinator.Hooks{
		OnQuote:         e.onQuote,
		OnIntervalClose: e.onIntervalClose,
		CancelAllOrders: e.cancelAllOrders,
	}
	e.coord = coordinator.New(e.store, e.clock, e.kalshiFeed, e.polyFeed,
		e.tracker, e.state, e.btc, hooks, logger)

	e.bundle = &venueBundle{kalshi: e.kalshiClient, poly: e.polyClient, coord: e.coord}
	e.orders = e.bundle

	balances := map[types.Venue]balanceSource{}
	if !cfg.DryRun {
		balances[types.VenueKalshi] = e.kalshiClient
		balances[types.VenuePolymarket] = e.polyClient
	}
	e.monitor = newRiskMonitor(e.state, cfg.Risk.MinVenueBalance, balances, e.liquidateAll, logger)

	e.discoverer = discovery.New(e.kalshiClient, e.polyClient, e.store, cfg.Kalshi.SeriesTicker, logger)
	e.discoverer.OnDiscovered = e.coord.NotifyDiscovered

	e.checker = settlement.NewChecker(cfg.Settlement.CheckDelays, map[types.Venue]settlement.ResolutionFetcher{
		types.VenueKalshi:     &kalshiResolution{client: e.kalshiClient},
		types.VenuePolymarket: &polymarketResolution{client: e.polyClient},
	}, e.journal, logger)

	e.reconciler = position.NewReconciler(cfg.Reconciler, e.tracker, e.state,
		map[types.Venue]position.PositionFetcher{
			types.VenueKalshi:     &kalshiPositions{client: e.kalshiClient, coord: e.coord},
			types.VenuePolymarket: &polymarketPositions{client: e.polyClient, coord: e.coord},
		},
		e.bundle, e.bundle, e.coord.ActiveMapping, logger)

	return e, nil
}

// Start derives missing credentials, resolves the current interval, and
// launches every long-running goroutine.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.cancel = context.WithCancel(ctx)

	if err := e.polyClient.EnsureCredentials(e.runCtx); err != nil {
		return fmt.Errorf("polymarket credentials: %w", err)
	}

	// Resolve markets for the live and next intervals before the coordinator
	// comes up so the first activation usually finds a complete mapping.
	for _, key := range []types.IntervalKey{e.clock.Current(), e.clock.Next()} {
		if err := e.discoverer.Resolve(e.runCtx, key); err != nil {
			e.logger.Warn("initial discovery incomplete", "interval", key.String(), "error", err)
		}
	}

	e.launch("kalshi_feed", func(ctx context.Context) { logExit(e.logger, "kalshi_feed", e.kalshiFeed.Run(ctx)) })
	e.launch("polymarket_feed", func(ctx context.Context) { logExit(e.logger, "polymarket_feed", e.polyFeed.Run(ctx)) })
	e.launch("clock", e.clock.Run)
	e.launch("discovery", func(ctx context.Context) {
		logExit(e.logger, "discovery", e.discoverer.Run(ctx, discoveryPollInterval))
	})
	e.launch("spot_poller", e.spot.Run)
	e.launch("coordinator", e.coord.Run)
	e.launch("risk_monitor", func(ctx context.Context) { e.monitor.run(ctx, riskMonitorInterval) })
	if e.cfg.Risk.PreCloseUnwind > 0 {
		e.launch("pre_close", e.preCloseLoop)
	}
	if !e.cfg.DryRun {
		// Synthetic dry-run fills never reach the venues, so venue truth
		// would wrongly zero the local ledger every pass.
		e.launch("reconciler", func(ctx context.Context) {
			// One immediate pass picks up positions left by a prior run
			// before any trading happens.
			e.reconciler.Tick(ctx)
			e.reconciler.Run(ctx)
		})
	}

	e.logger.Info("engine started", "dry_run", e.cfg.DryRun, "series", e.cfg.Kalshi.SeriesTicker)
	return nil
}

func (e *Engine) launch(name string, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.runCtx)
	}()
}

func logExit(logger *slog.Logger, name string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("goroutine exited", "name", name, "error", err)
	}
}

// Stop shuts the engine down: cancel goroutines, cancel any resting venue
// orders as a safety net, report final state, and wait for everything to
// drain.
func (e *Engine) Stop() {
	e.logger.Info("stopping engine")
	if e.cancel != nil {
		e.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.cancelAllOrders(ctx)

	yes, no := e.tracker.Totals()
	if math.Abs(yes-no) > 1e-9 {
		e.logger.Warn("position imbalance at shutdown", "yes", yes, "no", no)
	}
	e.logger.Info("final state",
		"realized_pnl", e.state.DailyRealizedPnl(),
		"unwind_loss", e.state.DailyUnwindLoss(),
		"open_notional", e.state.TotalNotional())

	e.kalshiFeed.Close()
	e.polyFeed.Close()
	e.wg.Wait()
}

// onQuote is the hot path: runs on every cache write with fresh quotes for
// the active interval. Scan and guards are synchronous; execution moves to
// its own goroutine so the quote fan-in never blocks on order placement.
func (e *Engine) onQuote(iv types.IntervalKey) {
	kq, ok := e.coord.Quote(types.VenueKalshi)
	if !ok {
		return
	}
	pq, ok := e.coord.Quote(types.VenuePolymarket)
	if !ok {
		return
	}
	m := e.coord.ActiveMapping()
	if m == nil || !m.Complete() {
		return
	}
	if killed, _ := e.state.KillSwitch(); killed {
		return
	}

	// Fee buffer per contract, taken at the worse of the two orientations
	// since the scanner picks the orientation itself.
	feeBuffer := math.Max(
		fees.PerContractBuffer(kq.YesAsk, pq.NoAsk),
		fees.PerContractBuffer(kq.NoAsk, pq.YesAsk))

	opp := arb.Scan(arb.ScanParams{
		Kalshi:         *kq,
		Polymarket:     *pq,
		Interval:       iv,
		FeeBuffer:      feeBuffer,
		SlippageBuffer: 2 * e.cfg.Risk.SlippageBufferPerLeg,
		MinEdgeNet:     e.cfg.Risk.MinEdgeNet,
	})
	if opp == nil {
		return
	}

	plannedQty := math.Min(math.Floor(opp.MaxQty()*e.cfg.Risk.BookDepthFraction), e.cfg.Risk.MaxQtyPerTrade)
	totalYes, totalNo := e.tracker.Totals()
	verdict := arb.Check(arb.GuardInput{
		Opportunity:    opp,
		MinEdgeNet:     e.cfg.Risk.MinEdgeNet,
		MinQty:         minBoxQty(opp),
		InCooldown:     e.state.InCooldown(),
		DailyLoss:      e.state.DailyLoss(),
		MaxDailyLoss:   e.cfg.Risk.MaxDailyLoss,
		TradeNotional:  opp.Cost * plannedQty,
		TotalNotional:  e.state.TotalNotional(),
		MaxNotional:    e.cfg.Risk.MaxNotional,
		OpenOrders:     e.tracker.OpenOrderCount(),
		MaxOpenOrders:  e.cfg.Risk.MaxOpenOrders,
		TotalYes:       totalYes,
		TotalNo:        totalNo,
		MaxImbalance:   e.cfg.Risk.MaxPositionImbalance,
		TimeToRollover: time.Duration(e.clock.MsUntil(iv.EndTs)) * time.Millisecond,
		RolloverCutoff: e.cfg.Risk.NoNewPositionsCutoff,
	})
	if !verdict.Pass {
		e.logger.Debug("opportunity rejected", "edge_net", opp.EdgeNet, "reason", verdict.Reason)
		return
	}
	if e.state.Busy() {
		return
	}

	go e.execute(opp, m)
}

// minBoxQty is the smallest executable box size, bounded by the onchain
// venue's share and notional minimums.
func minBoxQty(opp *types.Opportunity) float64 {
	for _, l := range opp.Legs {
		if l.Venue == types.VenuePolymarket && l.Price > 0 {
			return math.Ceil(math.Max(5, 1/l.Price))
		}
	}
	return 1
}

func (e *Engine) execute(opp *types.Opportunity, m *types.IntervalMapping) {
	res := e.exec.Execute(e.runCtx, opp, m, e.bundle)
	if res == nil {
		return
	}
	if res.Err != nil {
		e.logger.Warn("execution error", "error", res.Err)
	}
	if res.Cooldown > 0 {
		e.state.EnterCooldown(res.Cooldown)
	}
	if res.Record != nil {
		if err := e.journal.AppendExecution(res.Record); err != nil {
			e.logger.Error("journal execution", "error", err)
		}
		e.reconciler.NoteExecution()
	}
	if res.KillSwitch {
		// React immediately instead of waiting for the next monitor tick.
		// The monitor also catches trips that happen inside the state
		// accounting, like a daily-loss cross during an unwind.
		e.monitor.tick(e.runCtx)
	}
}

func (e *Engine) liquidateAll(ctx context.Context) {
	if failed := e.exec.Liquidate(ctx, e.bundle); failed > 0 {
		e.logger.Error("liquidation incomplete", "failed_positions", failed)
	}
}

// preCloseLoop fires once per interval, shortly before close, and sells off
// any cross-venue excess so only matched boxes ride through settlement.
func (e *Engine) preCloseLoop(ctx context.Context) {
	ticker := time.NewTicker(preCloseCheckInterval)
	defer ticker.Stop()
	var done types.IntervalKey
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iv := e.clock.Current()
			if iv == done {
				continue
			}
			if time.Duration(e.clock.MsUntil(iv.EndTs))*time.Millisecond > e.cfg.Risk.PreCloseUnwind {
				continue
			}
			done = iv
			e.unwindUnhedged(ctx, iv)
		}
	}
}

// unwindUnhedged market-sells the unhedged excess, largest holder first.
// Matched boxes stay put: they pay $1.00 at settlement either way.
func (e *Engine) unwindUnhedged(ctx context.Context, iv types.IntervalKey) {
	if killed, _ := e.state.KillSwitch(); killed {
		return
	}
	yes, no := e.tracker.Totals()
	diff := yes - no
	if math.Abs(diff) < 1 {
		return
	}
	side := types.SideYes
	if diff < 0 {
		side = types.SideNo
		diff = -diff
	}
	if !e.state.AcquireBusyLock() {
		return
	}
	defer e.state.ReleaseBusyLock()

	e.logger.Warn("pre-close unwind of unhedged contracts",
		"interval", iv.String(), "side", side, "qty", diff)

	remaining := diff
	for _, venue := range []types.Venue{types.VenuePolymarket, types.VenueKalshi} {
		if remaining < 1 {
			break
		}
		held, _ := e.tracker.Qty(venue, side).Float64()
		qty := math.Floor(math.Min(held, remaining))
		if qty < 1 {
			continue
		}
		marketID := e.tracker.LastMarket(venue, side)
		if marketID == "" {
			continue
		}
		res, err := e.orders.PlaceOrder(ctx, types.OrderParams{
			Venue:       venue,
			Side:        side,
			Action:      types.SELL,
			Price:       executor.MarketOrderPrice(types.SELL),
			Qty:         qty,
			TimeInForce: types.TifIOC,
			MarketID:    marketID,
		})
		if err != nil || res.FilledQty <= 0 {
			e.logger.Error("pre-close sell failed", "venue", venue, "side", side, "error", err)
			continue
		}
		avg, _ := e.tracker.AvgCost(venue, side, iv).Float64()
		e.tracker.RecordFill(types.FillRecord{
			Venue:    venue,
			Side:     side,
			Action:   types.SELL,
			Price:    res.FillPrice,
			Qty:      res.FilledQty,
			Interval: iv,
			MarketID: marketID,
			Ts:       types.NowMs(),
		})
		e.state.RecordRealizedPnl((res.FillPrice-avg)*res.FilledQty -
			fees.Leg(venue, res.FilledQty, res.FillPrice))
		e.state.RemoveNotional(avg * res.FilledQty)
		remaining -= res.FilledQty
	}
}

// onIntervalClose fires from the rollover sequence with the close snapshot
// and the settlements that just realized. The delayed outcome checks run in
// their own goroutine since they span minutes.
func (e *Engine) onIntervalClose(snap settlement.CloseSnapshot, drained []types.PendingSettlement) {
	for _, p := range drained {
		e.logger.Info("settlement realized",
			"execution_id", p.ExecutionID, "pnl", p.ExpectedPnl)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.checker.Run(e.runCtx, snap)
	}()
}

// cancelAllOrders cancels every tracked Kalshi order individually and sweeps
// Polymarket with its bulk cancel.
func (e *Engine) cancelAllOrders(ctx context.Context) {
	for _, o := range e.tracker.OpenOrders() {
		if o.Params.Venue != types.VenueKalshi {
			continue
		}
		if err := e.kalshiClient.CancelOrder(ctx, o.VenueOrderID); err != nil {
			e.logger.Warn("cancel kalshi order", "order_id", o.VenueOrderID, "error", err)
		}
		e.tracker.RemoveOpenOrder(o.ClientOrderID)
	}
	if err := e.polyClient.CancelAll(ctx); err != nil {
		e.logger.Warn("polymarket cancel all", "error", err)
	}
	// Drop any poly orders still tracked; the bulk cancel covered them.
	for _, o := range e.tracker.OpenOrders() {
		if o.Params.Venue == types.VenuePolymarket {
			e.tracker.RemoveOpenOrder(o.ClientOrderID)
		}
	}
}
