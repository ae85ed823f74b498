// client.go implements the Polymarket REST clients.
//
// Three hosts are involved:
//   - CLOB API:  books, signed order placement/cancel, open orders, balance
//   - Gamma API: market metadata lookups for discovery (by slug)
//   - Data API:  token positions held by the funder wallet
//
// Every CLOB request is rate-limited via per-category TokenBuckets, retried
// on 5xx, and authenticated with L2 HMAC headers (book reads excepted). In
// dry-run mode the mutating methods return synthetic fills without touching
// the network.
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"boxarb/internal/config"
	"boxarb/internal/ratelimit"
	"boxarb/pkg/types"
)

// Client is the Polymarket REST API client across the CLOB, Gamma, and
// data hosts.
type Client struct {
	clob   *resty.Client
	gamma  *resty.Client
	data   *resty.Client
	auth   *Auth // nil in dry-run mode without credentials
	rl     *ratelimit.VenueLimiter
	dryRun bool
	logger *slog.Logger
}

// NewClient creates the REST clients with rate limiting and retry. auth may
// be nil only when dryRun is true.
func NewClient(cfg config.PolymarketConfig, auth *Auth, dryRun bool, logger *slog.Logger) *Client {
	newHTTP := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
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
	}

	return &Client{
		clob:   newHTTP(cfg.CLOBBaseURL),
		gamma:  newHTTP(cfg.GammaBaseURL),
		data:   newHTTP(cfg.DataBaseURL),
		auth:   auth,
		rl:     ratelimit.NewPolymarketLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "polymarket_client"),
	}
}

// EnsureCredentials derives the L2 API key triplet via L1 auth if it isn't
// configured. No-op in dry-run mode.
func (c *Client) EnsureCredentials(ctx context.Context) error {
	if c.dryRun || c.auth == nil || c.auth.HasL2Credentials() {
		return nil
	}

	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return fmt.Errorf("l1 headers: %w", err)
	}

	var creds Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get("/auth/derive-api-key")
	if err != nil {
		return fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(creds)
	c.logger.Info("L2 credentials derived", "api_key", creds.ApiKey)
	return nil
}

// GetOrderBook fetches the book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*BookResponse, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result BookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// PlaceOrder signs and submits one order. params.MarketID is the token ID;
// the side of the box is already encoded by which token is traded. negRisk
// selects the exchange contract the signature verifies against.
func (c *Client) PlaceOrder(ctx context.Context, params types.OrderParams, negRisk bool) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"token", params.MarketID, "action", params.Action,
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

	makerAmt, takerAmt := priceToAmounts(params.Price, params.Qty, params.Action)
	order := SignedOrder{
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       params.MarketID,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          string(params.Action),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.auth.SigType(),
	}
	if err := c.auth.SignOrder(&order, negRisk); err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := OrderPayload{
		Order:     order,
		Owner:     c.auth.creds.ApiKey,
		OrderType: orderType(params.TimeInForce),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result OrderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return &types.OrderResult{
			OrderID: result.OrderID,
			Status:  types.OrderStatusRejected,
		}, fmt.Errorf("order rejected: %s", result.ErrorMsg)
	}

	return orderResponseToResult(result, params), nil
}

// CancelOrder cancels one resting order by ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "order_id", orderID)
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"orderID":"%s"}`, orderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		Delete("/order")
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNotFound {
		return fmt.Errorf("cancel order %s: status %d: %s", orderID, resp.StatusCode(), resp.String())
	}
	return nil
}

// CancelAll cancels every open order across all markets.
func (c *Client) CancelAll(ctx context.Context) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result CancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return nil
}

// GetOpenOrders lists live resting orders, optionally filtered to one market.
func (c *Client) GetOpenOrders(ctx context.Context, conditionID string) ([]OpenOrderData, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/data/orders"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	req := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers)
	if conditionID != "" {
		req.SetQueryParam("market", conditionID)
	}

	var result []OpenOrderData
	resp, err := req.SetResult(&result).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get open orders: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetPositions returns tokens held by the funder wallet via the data API.
func (c *Client) GetPositions(ctx context.Context) ([]DataPosition, error) {
	if c.auth == nil {
		return nil, nil
	}
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result []DataPosition
	resp, err := c.data.R().
		SetContext(ctx).
		SetQueryParam("user", c.auth.FunderAddress().Hex()).
		SetQueryParam("sizeThreshold", "0.01").
		SetResult(&result).
		Get("/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

// GetBalance returns the available USDC collateral in dollars.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return 0, err
	}

	path := "/balance-allowance"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return 0, fmt.Errorf("l2 headers: %w", err)
	}

	var result BalanceResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get(path)
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw / 1e6, nil
}

// GetMarketBySlug fetches Gamma metadata for one market slug. Returns nil
// when the slug doesn't exist yet.
func (c *Client) GetMarketBySlug(ctx context.Context, slug string) (*GammaMarket, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var result []GammaMarket
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("gamma markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("gamma markets: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result) == 0 {
		return nil, nil
	}
	return &result[0], nil
}

// TokenIDs unpacks the JSON-encoded token ID array, paired with Outcomes
// so Up and Down land in the right slots.
func (m *GammaMarket) TokenIDs() (up, down string, err error) {
	var tokens, outcomes []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokens); err != nil {
		return "", "", fmt.Errorf("parse clobTokenIds: %w", err)
	}
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return "", "", fmt.Errorf("parse outcomes: %w", err)
	}
	if len(tokens) != 2 || len(outcomes) != 2 {
		return "", "", fmt.Errorf("expected 2 tokens/outcomes, got %d/%d", len(tokens), len(outcomes))
	}
	if outcomes[0] == "Down" {
		return tokens[1], tokens[0], nil
	}
	return tokens[0], tokens[1], nil
}

// Resolution returns the winning outcome once the market has resolved:
// "Up", "Down", or "" while still open or unparseable.
func (m *GammaMarket) Resolution() string {
	if !m.Closed || m.OutcomePrices == "" {
		return ""
	}
	var prices, outcomes []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &prices); err != nil {
		return ""
	}
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return ""
	}
	if len(prices) != len(outcomes) {
		return ""
	}
	for i, p := range prices {
		if v, err := strconv.ParseFloat(p, 64); err == nil && v > 0.5 {
			return outcomes[i]
		}
	}
	return ""
}

func orderType(tif types.TimeInForce) string {
	switch tif {
	case types.TifFOK:
		return "FOK"
	case types.TifIOC:
		return "FAK"
	default:
		return "GTC"
	}
}

// priceToAmounts converts a price and size into 6-decimal USDC maker/taker
// amounts. For BUY the maker gives USDC and takes tokens; SELL is the
// reverse.
func priceToAmounts(price, size float64, action types.Action) (makerAmt, takerAmt *big.Int) {
	scale := new(big.Float).SetFloat64(1e6)
	sizeRounded := roundDown(size, 2)
	usd := roundDown(sizeRounded*price, 4)

	toInt := func(v float64) *big.Int {
		f := new(big.Float).Mul(new(big.Float).SetFloat64(v), scale)
		i, _ := f.Int(nil)
		return i
	}

	if action == types.BUY {
		return toInt(usd), toInt(sizeRounded)
	}
	return toInt(sizeRounded), toInt(usd)
}

// roundDown truncates a float to the given number of decimal places.
func roundDown(val float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return float64(int64(val*pow)) / pow
}

// orderResponseToResult maps the wire response onto the venue-neutral
// result. "matched" means the FOK crossed and filled.
func orderResponseToResult(r OrderResponse, params types.OrderParams) *types.OrderResult {
	result := &types.OrderResult{
		OrderID:   r.OrderID,
		Status:    types.OrderStatusOpen,
		FillPrice: params.Price,
	}
	if r.Status == "matched" {
		result.Status = types.OrderStatusFilled
		result.FilledQty = params.Qty
	}

	// When the response reports filled amounts, prefer them over the request.
	making, errM := strconv.ParseFloat(r.MakingAmount, 64)
	taking, errT := strconv.ParseFloat(r.TakingAmount, 64)
	if errM == nil && errT == nil && making > 0 && taking > 0 {
		if params.Action == types.BUY {
			result.FilledQty = taking
			result.FillPrice = making / taking
		} else {
			result.FilledQty = making
			result.FillPrice = taking / making
		}
	}
	return result
}
