// client.go implements the Kalshi Trade API v2 REST client.
//
// Order management and portfolio reads:
//   - GetMarkets:    GET  /markets?series_ticker=...&status=open
//   - GetMarket:     GET  /markets/{ticker}
//   - GetEvent:      GET  /events/{event_ticker}
//   - CreateOrder:   POST /portfolio/orders
//   - CancelOrder:   DELETE /portfolio/orders/{order_id}
//   - GetOrder:      GET  /portfolio/orders/{order_id}
//   - GetPositions:  GET  /portfolio/positions
//   - GetFills:      GET  /portfolio/fills
//   - GetBalance:    GET  /portfolio/balance
//
// Every request is rate-limited via per-category TokenBuckets, retried on
// 5xx, and signed with the RSA-PSS header triple. In dry-run mode the
// mutating methods return synthetic fills without touching the network.
package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"boxarb/internal/config"
	"boxarb/internal/ratelimit"
	"boxarb/pkg/types"
)

// Client is the Kalshi REST API client.
type Client struct {
	http       *resty.Client
	auth       *Auth // nil in dry-run mode without credentials
	rl         *ratelimit.VenueLimiter
	pathPrefix string // base URL path, part of the signed message
	dryRun     bool
	logger     *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry. auth may be
// nil only when dryRun is true.
func NewClient(cfg config.KalshiConfig, auth *Auth, dryRun bool, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:       httpClient,
		auth:       auth,
		rl:         ratelimit.NewKalshiLimiter(),
		pathPrefix: u.Path,
		dryRun:     dryRun,
		logger:     logger.With("component", "kalshi_client"),
	}, nil
}

// marketData is the wire shape of one market in list and get responses.
type marketData struct {
	Ticker         string  `json:"ticker"`
	EventTicker    string  `json:"event_ticker"`
	Status         string  `json:"status"`
	CloseTime      string  `json:"close_time"` // RFC3339
	YesBid         int     `json:"yes_bid"`
	NoBid          int     `json:"no_bid"`
	Result         string  `json:"result"` // "", "yes", "no"
	FloorStrike    float64 `json:"floor_strike"`
	ExpectedExpTs  int64   `json:"expected_expiration_ts"`
	FunctionalCap  float64 `json:"cap_strike"`
}

type marketsResponse struct {
	Markets []marketData `json:"markets"`
	Cursor  string       `json:"cursor"`
}

type marketResponse struct {
	Market marketData `json:"market"`
}

type eventResponse struct {
	Event struct {
		EventTicker  string `json:"event_ticker"`
		SeriesTicker string `json:"series_ticker"`
		Title        string `json:"title"`
	} `json:"event"`
	Markets []marketData `json:"markets"`
}

type orderData struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Ticker        string `json:"ticker"`
	Status        string `json:"status"` // resting, canceled, executed
	Action        string `json:"action"`
	Side          string `json:"side"`
	YesPrice      int    `json:"yes_price"`
	NoPrice       int    `json:"no_price"`
	Count         int    `json:"count"`
	RemainingCnt  int    `json:"remaining_count"`
}

type orderResponse struct {
	Order orderData `json:"order"`
}

type positionsResponse struct {
	MarketPositions []struct {
		Ticker   string `json:"ticker"`
		Position int    `json:"position"` // signed: + = YES, - = NO
	} `json:"market_positions"`
}

type fillsResponse struct {
	Fills []struct {
		Ticker      string `json:"ticker"`
		OrderID     string `json:"order_id"`
		Side        string `json:"side"`
		Action      string `json:"action"`
		Count       int    `json:"count"`
		YesPrice    int    `json:"yes_price"`
		NoPrice     int    `json:"no_price"`
		CreatedTime string `json:"created_time"`
	} `json:"fills"`
}

type balanceResponse struct {
	Balance int64 `json:"balance"` // cents
}

// Market is the parsed view of one Kalshi market.
type Market struct {
	Ticker      string
	EventTicker string
	Status      string
	CloseTs     int64
	Result      string
	FloorStrike float64
}

func (m marketData) parse() Market {
	closeTs := m.ExpectedExpTs
	if t, err := time.Parse(time.RFC3339, m.CloseTime); err == nil {
		closeTs = t.Unix()
	}
	return Market{
		Ticker:      m.Ticker,
		EventTicker: m.EventTicker,
		Status:      m.Status,
		CloseTs:     closeTs,
		Result:      m.Result,
		FloorStrike: m.FloorStrike,
	}
}

func (c *Client) signedHeaders(method, endpoint string) (map[string]string, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("no kalshi credentials configured")
	}
	return c.auth.Headers(method, c.pathPrefix+endpoint)
}

// GetMarkets lists markets in a series, optionally filtered by status
// ("open", "closed", "settled"; empty for all).
func (c *Client) GetMarkets(ctx context.Context, seriesTicker, status string) ([]Market, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("series_ticker", seriesTicker).
		SetQueryParam("limit", "100")
	if status != "" {
		req.SetQueryParam("status", status)
	}

	var result marketsResponse
	resp, err := req.SetResult(&result).Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get markets: status %d: %s", resp.StatusCode(), resp.String())
	}

	markets := make([]Market, len(result.Markets))
	for i, m := range result.Markets {
		markets[i] = m.parse()
	}
	return markets, nil
}

// GetMarket fetches a single market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result marketResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/markets/" + ticker)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", ticker, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get market %s: status %d: %s", ticker, resp.StatusCode(), resp.String())
	}

	m := result.Market.parse()
	return &m, nil
}

// GetEventMarkets fetches the markets under one event ticker.
func (c *Client) GetEventMarkets(ctx context.Context, eventTicker string) ([]Market, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result eventResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/events/" + eventTicker)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventTicker, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get event %s: status %d: %s", eventTicker, resp.StatusCode(), resp.String())
	}

	markets := make([]Market, len(result.Markets))
	for i, m := range result.Markets {
		markets[i] = m.parse()
	}
	return markets, nil
}

// CreateOrder places a limit order. Price is dollars; Kalshi wants whole
// cents, priced on the side being traded.
func (c *Client) CreateOrder(ctx context.Context, params types.OrderParams) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"ticker", params.MarketID, "side", params.Side, "action", params.Action,
			"price", params.Price, "qty", params.Qty)
		return &types.OrderResult{
			OrderID:   "dry-run-" + params.ClientOrderID,
			Status:    types.OrderStatusFilled,
			FilledQty: params.Qty,
			FillPrice: params.Price,
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	priceCents := int(math.Round(params.Price * 100))
	body := map[string]any{
		"ticker":          params.MarketID,
		"client_order_id": params.ClientOrderID,
		"type":            "limit",
		"action":          map[types.Action]string{types.BUY: "buy", types.SELL: "sell"}[params.Action],
		"side":            string(params.Side),
		"count":           int(params.Qty),
	}
	if params.Side == types.SideYes {
		body["yes_price"] = priceCents
	} else {
		body["no_price"] = priceCents
	}
	if params.TimeInForce == types.TifIOC || params.TimeInForce == types.TifFOK {
		// Expire immediately after matching; resting remainder is cancelled.
		body["expiration_ts"] = time.Now().Unix() + 1
	}

	headers, err := c.signedHeaders("POST", "/portfolio/orders")
	if err != nil {
		return nil, err
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&result).
		Post("/portfolio/orders")
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("create order: status %d: %s", resp.StatusCode(), resp.String())
	}

	return orderToResult(result.Order, params), nil
}

// CancelOrder cancels a resting order by venue order ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.signedHeaders("DELETE", "/portfolio/orders/"+orderID)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		Delete("/portfolio/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	// 404 means the order is already gone (filled or cancelled); not an error
	// for our purposes.
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("cancel order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
	return nil
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*types.OrderResult, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.signedHeaders("GET", "/portfolio/orders/"+orderID)
	if err != nil {
		return nil, err
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/portfolio/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}

	o := result.Order
	params := types.OrderParams{Side: types.Side(o.Side)}
	return orderToResult(o, params), nil
}

// GetPositions returns net contracts per market ticker. Kalshi reports a
// signed position: positive is YES, negative is NO.
func (c *Client) GetPositions(ctx context.Context) (map[string]int, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.signedHeaders("GET", "/portfolio/positions")
	if err != nil {
		return nil, err
	}

	var result positionsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("limit", "200").
		SetResult(&result).
		Get("/portfolio/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}

	positions := make(map[string]int, len(result.MarketPositions))
	for _, p := range result.MarketPositions {
		if p.Position != 0 {
			positions[p.Ticker] = p.Position
		}
	}
	return positions, nil
}

// Fill is one portfolio fill.
type Fill struct {
	Ticker  string
	OrderID string
	Side    types.Side
	Action  types.Action
	Count   int
	Price   float64 // dollars, priced on the traded side
}

// GetFills returns recent fills, optionally scoped to one market.
func (c *Client) GetFills(ctx context.Context, ticker string) ([]Fill, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.signedHeaders("GET", "/portfolio/fills")
	if err != nil {
		return nil, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("limit", "100")
	if ticker != "" {
		req.SetQueryParam("ticker", ticker)
	}

	var result fillsResponse
	resp, err := req.SetResult(&result).Get("/portfolio/fills")
	if err != nil {
		return nil, fmt.Errorf("get fills: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get fills: status %d: %s", resp.StatusCode(), resp.String())
	}

	fills := make([]Fill, len(result.Fills))
	for i, f := range result.Fills {
		price := float64(f.YesPrice) / 100
		if f.Side == "no" {
			price = float64(f.NoPrice) / 100
		}
		action := types.BUY
		if f.Action == "sell" {
			action = types.SELL
		}
		fills[i] = Fill{
			Ticker:  f.Ticker,
			OrderID: f.OrderID,
			Side:    types.Side(f.Side),
			Action:  action,
			Count:   f.Count,
			Price:   price,
		}
	}
	return fills, nil
}

// GetBalance returns the available balance in dollars.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return 0, err
	}

	headers, err := c.signedHeaders("GET", "/portfolio/balance")
	if err != nil {
		return 0, err
	}

	var result balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/portfolio/balance")
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}
	return float64(result.Balance) / 100, nil
}

// orderToResult maps the wire order state onto the venue-neutral result.
func orderToResult(o orderData, params types.OrderParams) *types.OrderResult {
	filled := o.Count - o.RemainingCnt
	price := float64(o.YesPrice) / 100
	if o.Side == "no" || params.Side == types.SideNo {
		price = float64(o.NoPrice) / 100
	}

	status := types.OrderStatusUnknown
	switch o.Status {
	case "executed":
		status = types.OrderStatusFilled
	case "resting", "pending":
		status = types.OrderStatusOpen
	case "canceled":
		status = types.OrderStatusCanceled
	}
	// A fully matched order can report resting status briefly; trust the
	// remaining count.
	if o.Count > 0 && o.RemainingCnt == 0 {
		status = types.OrderStatusFilled
	}

	return &types.OrderResult{
		OrderID:   o.OrderID,
		Status:    status,
		FilledQty: float64(filled),
		FillPrice: price,
	}
}
