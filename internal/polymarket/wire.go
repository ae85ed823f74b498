// wire.go defines the JSON shapes of the Polymarket CLOB, Gamma, and data
// APIs. Prices and sizes travel as strings to preserve decimal precision.
package polymarket

import "math/big"

// PriceLevel is a single bid or ask level in a token's book.
type PriceLevel struct {
	Price string `json:"price"` // e.g. "0.55"
	Size  string `json:"size"`  // e.g. "100.5"
}

// BookResponse is the REST response from GET /book for a single token.
type BookResponse struct {
	Market       string       `json:"market"`
	AssetID      string       `json:"asset_id"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Hash         string       `json:"hash"`
	Timestamp    string       `json:"timestamp"`
	MinOrderSize string       `json:"min_order_size"`
	TickSize     string       `json:"tick_size"`
	NegRisk      bool         `json:"neg_risk"`
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`       // funder/proxy wallet address
	Signer        string        `json:"signer"`      // EOA that signs the order
	Taker         string        `json:"taker"`       // zero address = open order
	TokenID       string        `json:"tokenId"`     // CTF token ID
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          string        `json:"side"` // "BUY" or "SELL"
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"` // EIP-712 signature hex
}

// OrderPayload is the REST request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`     // API key of the order owner
	OrderType string      `json:"orderType"` // FOK, FAK, GTC
}

// OrderResponse is the REST response for an order placement.
type OrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`       // "live", "matched", "delayed"
	MakingAmount string `json:"makingAmount"` // filled maker amount (tokens or USDC)
	TakingAmount string `json:"takingAmount"` // filled taker amount
}

// CancelResponse is returned by DELETE /orders and /cancel-all.
type CancelResponse struct {
	Canceled []string `json:"canceled"`
}

// OpenOrderData is one live resting order on the CLOB.
type OpenOrderData struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Market       string `json:"market"`   // condition ID
	AssetID      string `json:"asset_id"` // token ID
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// GammaMarket is the Gamma API market shape used by discovery. Token IDs
// and outcomes arrive as JSON-encoded string arrays.
type GammaMarket struct {
	Slug          string `json:"slug"`
	ConditionID   string `json:"conditionId"`
	ClobTokenIDs  string `json:"clobTokenIds"`  // e.g. `["123...","456..."]`
	Outcomes      string `json:"outcomes"`      // e.g. `["Up","Down"]`
	OutcomePrices string `json:"outcomePrices"` // `["1","0"]` once resolved
	EndDateISO    string `json:"endDateIso"`
	NegRisk       bool   `json:"negRisk"`
	Closed        bool   `json:"closed"`
	Active        bool   `json:"active"`
	AcceptingOrds bool   `json:"acceptingOrders"`
}

// DataPosition is one row from the data API /positions endpoint.
type DataPosition struct {
	Asset       string  `json:"asset"`       // token ID
	ConditionID string  `json:"conditionId"`
	Size        float64 `json:"size"`        // tokens held
	AvgPrice    float64 `json:"avgPrice"`
	Outcome     string  `json:"outcome"`     // "Up" / "Down"
	Redeemable  bool    `json:"redeemable"`
}

// BalanceResponse is the /balance-allowance response; values are 6-decimal
// USDC units as strings.
type BalanceResponse struct {
	Balance string `json:"balance"`
}

// WSAuth carries the L2 triplet for the user WebSocket channel.
type WSAuth struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// WSSubscribeMsg is the initial subscription sent on connect.
type WSSubscribeMsg struct {
	Auth     *WSAuth  `json:"auth,omitempty"`
	Type     string   `json:"type"`                 // "market" or "user"
	Markets  []string `json:"markets,omitempty"`    // condition IDs (user channel)
	AssetIDs []string `json:"assets_ids,omitempty"` // token IDs (market channel)
}

// WSUpdateMsg adds or removes subscriptions on a live connection.
type WSUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Markets   []string `json:"markets,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// WSBookEvent is a full book snapshot from the market channel.
type WSBookEvent struct {
	EventType string       `json:"event_type"` // "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
	Buys      []PriceLevel `json:"buys"`  // bid levels
	Sells     []PriceLevel `json:"sells"` // ask levels
}

// WSPriceChange is one level update inside a price_change event.
type WSPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"` // new size at the level, 0 = removed
	Side    string `json:"side"` // "BUY" or "SELL"
}

// WSPriceChangeEvent is an incremental book update from the market channel.
type WSPriceChangeEvent struct {
	EventType    string          `json:"event_type"` // "price_change"
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []WSPriceChange `json:"price_changes"`
}

// WSTradeEvent is a fill notification from the user channel.
type WSTradeEvent struct {
	EventType string `json:"event_type"` // "trade"
	ID        string `json:"id"`
	Market    string `json:"market"`
	AssetID   string `json:"asset_id"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	Price     string `json:"price"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// WSOrderEvent is an order lifecycle event from the user channel.
type WSOrderEvent struct {
	EventType   string `json:"event_type"` // "order"
	ID          string `json:"id"`
	Market      string `json:"market"`
	AssetID     string `json:"asset_id"`
	Side        string `json:"side"`
	Type        string `json:"type"` // PLACEMENT, UPDATE, CANCELLATION
	Price       string `json:"price"`
	SizeMatched string `json:"size_matched"`
	Timestamp   string `json:"timestamp"`
}
