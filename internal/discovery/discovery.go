// Package discovery resolves venue market identifiers for each interval.
//
// Both venues derive their identifiers from the interval boundary:
//
//   - Kalshi event tickers embed the close time in US Eastern Time, e.g.
//     KXBTC15M-25AUG241645 for the interval closing 16:45 ET. The ET offset
//     is computed directly from the US DST rules (second Sunday of March to
//     first Sunday of November) so the builder needs no tzdata.
//
//   - Polymarket slugs embed the interval start as a unix timestamp, e.g.
//     btc-updown-15m-1767707100.
//
// Deterministic construction is tried first; when the venue hasn't listed
// the expected identifier yet, discovery falls back to the venue's list
// endpoint filtered to open markets and picks the one whose close time
// matches the interval.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"boxarb/internal/interval"
	"boxarb/internal/kalshi"
	"boxarb/internal/mapping"
	"boxarb/internal/polymarket"
	"boxarb/pkg/types"
)

// PolymarketSlug builds the slug for an interval's Up/Down market.
func PolymarketSlug(interval types.IntervalKey) string {
	return fmt.Sprintf("btc-updown-15m-%d", interval.StartTs)
}

// KalshiEventTicker builds the event ticker for an interval,
// e.g. KXBTC15M-25AUG241645. The embedded time is the close in ET.
func KalshiEventTicker(series string, interval types.IntervalKey) string {
	et := interval.End().Add(easternOffset(interval.End()))
	return fmt.Sprintf("%s-%02d%s%02d%02d%02d",
		series,
		et.Year()%100,
		strings.ToUpper(et.Month().String()[:3]),
		et.Day(),
		et.Hour(),
		et.Minute(),
	)
}

// easternOffset returns the UTC offset of US Eastern Time at t: -4h during
// daylight saving, -5h otherwise. DST runs from 2:00 local on the second
// Sunday of March to 2:00 local on the first Sunday of November.
func easternOffset(t time.Time) time.Duration {
	t = t.UTC()
	year := t.Year()

	// DST boundaries expressed in UTC: 2:00 EST = 7:00 UTC at the spring
	// transition, 2:00 EDT = 6:00 UTC in the fall.
	start := nthSunday(year, time.March, 2).Add(7 * time.Hour)
	end := nthSunday(year, time.November, 1).Add(6 * time.Hour)

	if !t.Before(start) && t.Before(end) {
		return -4 * time.Hour
	}
	return -5 * time.Hour
}

// nthSunday returns midnight UTC of the nth Sunday of the month.
func nthSunday(year int, month time.Month, n int) time.Time {
	d := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (7 - int(d.Weekday())) % 7 // days until first Sunday
	return d.AddDate(0, 0, offset+(n-1)*7)
}

// Discoverer resolves both venues' identifiers into the mapping store.
type Discoverer struct {
	kalshi *kalshi.Client
	poly   *polymarket.Client
	store  *mapping.Store
	series string

	// OnDiscovered, if set, fires whenever a mapping becomes complete.
	OnDiscovered func(interval types.IntervalKey)

	logger *slog.Logger
}

// New creates a discoverer writing into the given mapping store.
func New(kc *kalshi.Client, pc *polymarket.Client, store *mapping.Store, series string, logger *slog.Logger) *Discoverer {
	return &Discoverer{
		kalshi: kc,
		poly:   pc,
		store:  store,
		series: series,
		logger: logger.With("component", "discovery"),
	}
}

// Resolve fills in both venues for the interval. Venue failures are
// independent: one venue resolving still makes progress, and the error
// reports whichever sides are still missing.
func (d *Discoverer) Resolve(ctx context.Context, interval types.IntervalKey) error {
	current := d.store.Get(interval)

	var errs []error
	if current == nil || current.Kalshi == nil {
		if err := d.resolveKalshi(ctx, interval); err != nil {
			errs = append(errs, fmt.Errorf("kalshi: %w", err))
		}
	}
	if current == nil || current.Polymarket == nil {
		if err := d.resolvePolymarket(ctx, interval); err != nil {
			errs = append(errs, fmt.Errorf("polymarket: %w", err))
		}
	}

	if d.store.Complete(interval) && d.OnDiscovered != nil {
		d.OnDiscovered(interval)
	}
	if len(errs) > 0 {
		return fmt.Errorf("resolve %s: %v", interval, errs)
	}
	return nil
}

func (d *Discoverer) resolveKalshi(ctx context.Context, interval types.IntervalKey) error {
	eventTicker := KalshiEventTicker(d.series, interval)

	markets, err := d.kalshi.GetEventMarkets(ctx, eventTicker)
	if err != nil {
		return err
	}
	market := pickKalshiMarket(markets, interval)

	// The constructed ticker may not be listed yet; fall back to scanning
	// the open markets for one closing at the interval boundary.
	if market == nil {
		open, err := d.kalshi.GetMarkets(ctx, d.series, "open")
		if err != nil {
			return err
		}
		market = pickKalshiMarket(open, interval)
	}
	if market == nil {
		return fmt.Errorf("no market closing at %d", interval.EndTs)
	}

	err = d.store.SetKalshi(interval, &types.KalshiMarket{
		EventTicker:    market.EventTicker,
		MarketTicker:   market.Ticker,
		SeriesTicker:   d.series,
		CloseTs:        market.CloseTs,
		ReferencePrice: market.FloorStrike,
	})
	if err != nil {
		return err
	}

	d.logger.Info("market discovered",
		"venue", types.VenueKalshi,
		"interval", interval.String(),
		"ticker", market.Ticker,
	)
	return nil
}

// pickKalshiMarket selects the market whose close matches the interval end,
// tolerating a few seconds of venue clock skew.
func pickKalshiMarket(markets []kalshi.Market, interval types.IntervalKey) *kalshi.Market {
	const tolerance = 30

	for i := range markets {
		m := &markets[i]
		diff := m.CloseTs - interval.EndTs
		if diff >= -tolerance && diff <= tolerance {
			return m
		}
	}
	return nil
}

func (d *Discoverer) resolvePolymarket(ctx context.Context, interval types.IntervalKey) error {
	slug := PolymarketSlug(interval)

	market, err := d.poly.GetMarketBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if market == nil {
		return fmt.Errorf("slug %s not listed yet", slug)
	}
	if market.Closed {
		return fmt.Errorf("slug %s already closed", slug)
	}

	up, down, err := market.TokenIDs()
	if err != nil {
		return err
	}

	err = d.store.SetPolymarket(interval, &types.PolymarketMarket{
		UpToken:     up,
		DownToken:   down,
		Slug:        slug,
		ConditionID: market.ConditionID,
		NegRisk:     market.NegRisk,
		EndTs:       interval.EndTs,
	})
	if err != nil {
		return err
	}

	d.logger.Info("market discovered",
		"venue", types.VenuePolymarket,
		"interval", interval.String(),
		"slug", slug,
	)
	return nil
}

// Run keeps the current and next intervals resolved. It retries every
// pollInterval until both mappings are complete, then idles until the next
// interval begins. Blocks until ctx is cancelled.
func (d *Discoverer) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		now := time.Now()
		current := interval.KeyAt(now)
		next := current.Next()

		if !d.store.Complete(current) {
			if err := d.Resolve(ctx, current); err != nil {
				d.logger.Warn("discovery incomplete", "interval", current.String(), "error", err)
			}
		}
		if !d.store.Complete(next) {
			if err := d.Resolve(ctx, next); err != nil {
				d.logger.Debug("prefetch incomplete", "interval", next.String(), "error", err)
			}
		}
		d.store.Prune(now.Unix())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
