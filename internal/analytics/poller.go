package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"boxarb/internal/config"
	"boxarb/pkg/types"
)

// tickerResponse is the public spot ticker shape, e.g. Binance's
// /api/v3/ticker/price.
type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// SpotPoller feeds the BTC tracker from a public spot ticker.
type SpotPoller struct {
	http     *resty.Client
	url      string
	interval time.Duration
	tracker  *BTCTracker
	logger   *slog.Logger
}

func NewSpotPoller(cfg config.SpotConfig, tracker *BTCTracker, logger *slog.Logger) *SpotPoller {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &SpotPoller{
		http:     client,
		url:      cfg.TickerURL,
		interval: cfg.PollInterval,
		tracker:  tracker,
		logger:   logger.With("component", "spot"),
	}
}

// Run polls until the context ends. Individual poll failures are logged
// and skipped; the TWAP weighting tolerates gaps.
func (p *SpotPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price, err := p.fetch(ctx)
			if err != nil {
				p.logger.Warn("spot poll failed", "error", err)
				continue
			}
			p.tracker.Record(price, types.NowMs())
		}
	}
}

func (p *SpotPoller) fetch(ctx context.Context) (float64, error) {
	var out tickerResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(p.url)
	if err != nil {
		return 0, fmt.Errorf("spot ticker: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("spot ticker: status %d", resp.StatusCode())
	}
	price, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("spot ticker: parse price %q: %w", out.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("spot ticker: non-positive price %v", price)
	}
	return price, nil
}
