// boxarb — cross-venue box arbitrage on 15-minute BTC direction markets.
//
// The bot watches the matching Kalshi and Polymarket markets for each
// 15-minute interval and buys YES on one venue plus NO on the other
// whenever the combined ask cost leaves a net edge after fees and
// slippage. A settled box pays $1.00 regardless of direction.
//
// Architecture:
//
//	main.go               — entry point: config, logging, signals, subcommands
//	engine/               — orchestrator: wires feeds → scanner → executor
//	coordinator/          — quote cache and interval rollover sequencing
//	arb/                  — pure decision layer: box scanner and pre-trade guards
//	executor/             — two-phase leg execution with the unwind ladder
//	position/             — cost-basis ledger and the venue-truth reconciler
//	kalshi/, polymarket/  — venue REST clients, auth, and WebSocket feeds
//	discovery/            — resolves each interval to concrete venue markets
//	settlement/           — delayed outcome checks and oracle-agreement audit
//	analytics/            — BTC spot poller, TWAP, reference crossings
//	journal/              — CSV journals for executions and settlements
//
// Subcommands:
//
//	run                         start the engine (default)
//	dry-run                     start the engine with orders forced synthetic
//	discover                    resolve current and next interval, print, exit
//	discover:watch              keep resolving intervals until interrupted
//	check-positions             print venue-reported positions and exit
//	sell-all-positions          market-sell every position on both venues
//	sell-position <venue:side>  market-sell one side, e.g. kalshi:yes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"boxarb/internal/config"
	"boxarb/internal/discovery"
	"boxarb/internal/engine"
	"boxarb/internal/executor"
	"boxarb/internal/interval"
	"boxarb/internal/kalshi"
	"boxarb/internal/mapping"
	"boxarb/internal/polymarket"
	"boxarb/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}

	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	if cmd == "dry-run" {
		cfg.DryRun = true
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	switch cmd {
	case "run", "dry-run":
		run(cfg, logger)
	case "discover":
		discover(cfg, logger, false)
	case "discover:watch":
		discover(cfg, logger, true)
	case "check-positions":
		checkPositions(cfg, logger)
	case "sell-all-positions":
		sellPositions(cfg, logger, "")
	case "sell-position":
		if len(os.Args) < 3 {
			logger.Error("usage: arb sell-position <venue:side>, e.g. kalshi:yes")
			os.Exit(1)
		}
		sellPositions(cfg, logger, os.Args[2])
	default:
		logger.Error("unknown subcommand", "cmd", cmd)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) {
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(context.Background()); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	sig := waitForSignal()
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
}

// discover resolves intervals against both venues and prints what it finds.
// In watch mode it keeps going until interrupted, mirroring what the engine's
// discovery loop does in the background.
func discover(cfg *config.Config, logger *slog.Logger, watch bool) {
	kc, pc := clients(cfg, logger)
	store, err := mapping.Open("")
	if err != nil {
		logger.Error("mapping store", "error", err)
		os.Exit(1)
	}
	d := discovery.New(kc, pc, store, cfg.Kalshi.SeriesTicker, logger)
	clock := interval.NewClock(logger)

	resolve := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, key := range []types.IntervalKey{clock.Current(), clock.Next()} {
			if err := d.Resolve(ctx, key); err != nil {
				logger.Warn("resolve", "interval", key.String(), "error", err)
			}
			m := store.Get(key)
			attrs := []any{"interval", key.String(), "complete", m.Complete()}
			if m != nil && m.Kalshi != nil {
				attrs = append(attrs, "kalshi", m.Kalshi.MarketTicker, "ref", m.Kalshi.ReferencePrice)
			}
			if m != nil && m.Polymarket != nil {
				attrs = append(attrs, "polymarket", m.Polymarket.Slug, "condition", m.Polymarket.ConditionID)
			}
			logger.Info("mapping", attrs...)
		}
	}

	resolve()
	if !watch {
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			return
		case <-ticker.C:
			resolve()
		}
	}
}

// checkPositions prints venue-reported positions for a manual audit.
func checkPositions(cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	kc, pc := clients(cfg, logger)

	if kp, err := kc.GetPositions(ctx); err != nil {
		logger.Error("kalshi positions", "error", err)
	} else if len(kp) == 0 {
		logger.Info("kalshi flat")
	} else {
		for ticker, qty := range kp {
			logger.Info("kalshi position", "ticker", ticker, "qty", qty)
		}
	}

	if pp, err := pc.GetPositions(ctx); err != nil {
		logger.Error("polymarket positions", "error", err)
	} else if len(pp) == 0 {
		logger.Info("polymarket flat")
	} else {
		for _, pos := range pp {
			logger.Info("polymarket position", "asset", pos.Asset, "size", pos.Size)
		}
	}
}

// sellPositions market-sells venue positions, either everything or one
// venue:side filter. Polymarket sides are resolved through the persisted
// mapping store, which also supplies the negRisk flag for order signing.
func sellPositions(cfg *config.Config, logger *slog.Logger, filter string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var venue types.Venue
	var side types.Side
	if filter != "" {
		v, s, err := parseVenueSide(filter)
		if err != nil {
			logger.Error("bad filter", "error", err)
			os.Exit(1)
		}
		venue, side = v, s
	}

	kc, pc := clients(cfg, logger)
	if err := pc.EnsureCredentials(ctx); err != nil {
		logger.Error("polymarket credentials", "error", err)
		os.Exit(1)
	}

	store, err := mapping.Open(cfg.Journal.Dir)
	if err != nil {
		logger.Error("mapping store", "error", err)
		os.Exit(1)
	}
	m := store.Get(interval.NewClock(logger).Current())

	if filter == "" || venue == types.VenueKalshi {
		sellKalshi(ctx, kc, logger, filter != "", side)
	}
	if filter == "" || venue == types.VenuePolymarket {
		sellPolymarket(ctx, pc, m, logger, filter != "", side)
	}
}

func sellKalshi(ctx context.Context, kc *kalshi.Client, logger *slog.Logger, filtered bool, want types.Side) {
	positions, err := kc.GetPositions(ctx)
	if err != nil {
		logger.Error("kalshi positions", "error", err)
		return
	}
	for ticker, qty := range positions {
		side := types.SideYes
		if qty < 0 {
			side = types.SideNo
			qty = -qty
		}
		if qty == 0 || (filtered && side != want) {
			continue
		}
		res, err := kc.CreateOrder(ctx, types.OrderParams{
			Venue:       types.VenueKalshi,
			Side:        side,
			Action:      types.SELL,
			Price:       executor.MarketOrderPrice(types.SELL),
			Qty:         float64(qty),
			TimeInForce: types.TifIOC,
			MarketID:    ticker,
		})
		if err != nil {
			logger.Error("kalshi sell", "ticker", ticker, "side", side, "error", err)
			continue
		}
		logger.Info("kalshi sold", "ticker", ticker, "side", side,
			"qty", res.FilledQty, "price", res.FillPrice)
	}
}

func sellPolymarket(ctx context.Context, pc *polymarket.Client, m *types.IntervalMapping,
	logger *slog.Logger, filtered bool, want types.Side) {
	positions, err := pc.GetPositions(ctx)
	if err != nil {
		logger.Error("polymarket positions", "error", err)
		return
	}
	for _, pos := range positions {
		if pos.Size <= 0 {
			continue
		}
		side := types.SideYes
		negRisk := false
		if m != nil && m.Polymarket != nil {
			if pos.Asset == m.Polymarket.DownToken {
				side = types.SideNo
			}
			negRisk = m.Polymarket.NegRisk
		}
		if filtered && side != want {
			continue
		}
		res, err := pc.PlaceOrder(ctx, types.OrderParams{
			Venue:       types.VenuePolymarket,
			Side:        side,
			Action:      types.SELL,
			Price:       executor.MarketOrderPrice(types.SELL),
			Qty:         pos.Size,
			TimeInForce: types.TifIOC,
			MarketID:    pos.Asset,
		}, negRisk)
		if err != nil {
			logger.Error("polymarket sell", "asset", pos.Asset, "error", err)
			continue
		}
		logger.Info("polymarket sold", "asset", pos.Asset, "side", side,
			"qty", res.FilledQty, "price", res.FillPrice)
	}
}

func parseVenueSide(s string) (types.Venue, types.Side, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("want venue:side, got %q", s)
	}
	var venue types.Venue
	switch parts[0] {
	case "kalshi":
		venue = types.VenueKalshi
	case "polymarket":
		venue = types.VenuePolymarket
	default:
		return "", "", fmt.Errorf("unknown venue %q", parts[0])
	}
	var side types.Side
	switch parts[1] {
	case "yes":
		side = types.SideYes
	case "no":
		side = types.SideNo
	default:
		return "", "", fmt.Errorf("unknown side %q", parts[1])
	}
	return venue, side, nil
}

func clients(cfg *config.Config, logger *slog.Logger) (*kalshi.Client, *polymarket.Client) {
	var kalshiAuth *kalshi.Auth
	if cfg.Kalshi.APIKeyID != "" && cfg.Kalshi.PrivateKeyPEM != "" {
		auth, err := kalshi.NewAuth(cfg.Kalshi.APIKeyID, cfg.Kalshi.PrivateKeyPEM)
		if err != nil {
			logger.Error("kalshi auth", "error", err)
			os.Exit(1)
		}
		kalshiAuth = auth
	}
	var polyAuth *polymarket.Auth
	if cfg.Polymarket.PrivateKey != "" {
		auth, err := polymarket.NewAuth(cfg.Polymarket)
		if err != nil {
			logger.Error("polymarket auth", "error", err)
			os.Exit(1)
		}
		polyAuth = auth
	}

	kc, err := kalshi.NewClient(cfg.Kalshi, kalshiAuth, cfg.DryRun, logger)
	if err != nil {
		logger.Error("kalshi client", "error", err)
		os.Exit(1)
	}
	return kc, polymarket.NewClient(cfg.Polymarket, polyAuth, cfg.DryRun, logger)
}

func waitForSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
