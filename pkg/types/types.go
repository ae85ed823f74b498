// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: venues, interval
// keys, normalized quotes, market mappings, opportunities, and order shapes.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies one of the two trading venues.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
)

// Other returns the opposite venue.
func (v Venue) Other() Venue {
	if v == VenueKalshi {
		return VenuePolymarket
	}
	return VenueKalshi
}

// Side is the binary contract side: yes (BTC up) or no (BTC down).
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Action is the order direction.
type Action string

const (
	BUY  Action = "BUY"
	SELL Action = "SELL"
)

// TimeInForce enumerates supported order lifecycles.
type TimeInForce string

const (
	TifFOK TimeInForce = "FOK" // fill-or-kill: fills entirely at submission or cancels
	TifIOC TimeInForce = "IOC" // immediate-or-cancel: fills what it can, cancels rest
	TifGTC TimeInForce = "GTC" // good-til-cancelled
)

// IntervalSeconds is the length of one trading interval.
const IntervalSeconds = 900

// IntervalKey identifies one 15-minute UTC interval. Both venues list a
// binary BTC-direction contract that resolves at EndTs. It is the primary
// key across the mapping store, pending settlements, and fill history.
type IntervalKey struct {
	StartTs int64 `json:"start_ts"` // epoch seconds, aligned to 15-min boundary
	EndTs   int64 `json:"end_ts"`   // StartTs + 900
}

// String renders the key as "start-end" for map keys and logs.
func (k IntervalKey) String() string {
	return fmt.Sprintf("%d-%d", k.StartTs, k.EndTs)
}

// Next returns the key of the following interval.
func (k IntervalKey) Next() IntervalKey {
	return IntervalKey{StartTs: k.EndTs, EndTs: k.EndTs + IntervalSeconds}
}

// End returns the interval close as a time.Time.
func (k IntervalKey) End() time.Time {
	return time.Unix(k.EndTs, 0).UTC()
}

// IsZero reports whether the key is unset.
func (k IntervalKey) IsZero() bool {
	return k.StartTs == 0 && k.EndTs == 0
}

// NormalizedQuote is the uniform cross-venue best-of-book shape. All prices
// are dollars in [0.00, 1.00]. In an efficient market YesAsk + NoAsk >= 1.00;
// when the sum drops below 1.00 net of fees and slippage a box exists.
type NormalizedQuote struct {
	Venue      Venue   `json:"venue"`
	YesBid     float64 `json:"yes_bid"`
	YesAsk     float64 `json:"yes_ask"`
	YesBidSize float64 `json:"yes_bid_size"`
	YesAskSize float64 `json:"yes_ask_size"`
	NoBid      float64 `json:"no_bid"`
	NoAsk      float64 `json:"no_ask"`
	NoBidSize  float64 `json:"no_bid_size"`
	NoAskSize  float64 `json:"no_ask_size"`
	TsExchange int64   `json:"ts_exchange"` // venue timestamp, ms
	TsLocal    int64   `json:"ts_local"`    // local receive timestamp, ms
}

// Ask returns the ask price and size for a side.
func (q *NormalizedQuote) Ask(side Side) (price, size float64) {
	if side == SideYes {
		return q.YesAsk, q.YesAskSize
	}
	return q.NoAsk, q.NoAskSize
}

// Bid returns the bid price and size for a side.
func (q *NormalizedQuote) Bid(side Side) (price, size float64) {
	if side == SideYes {
		return q.YesBid, q.YesBidSize
	}
	return q.NoBid, q.NoBidSize
}

// PolymarketMarket holds the Polymarket identifiers for one interval.
type PolymarketMarket struct {
	UpToken        string  `json:"up_token"`   // CLOB token ID for the Up outcome
	DownToken      string  `json:"down_token"` // CLOB token ID for the Down outcome
	Slug           string  `json:"slug"`
	ConditionID    string  `json:"condition_id"`
	NegRisk        bool    `json:"neg_risk"`
	EndTs          int64   `json:"end_ts"`
	ReferencePrice float64 `json:"reference_price"` // BTC open price the market resolves against
}

// KalshiMarket holds the Kalshi identifiers for one interval.
type KalshiMarket struct {
	EventTicker    string  `json:"event_ticker"`
	MarketTicker   string  `json:"market_ticker"`
	SeriesTicker   string  `json:"series_ticker"`
	CloseTs        int64   `json:"close_ts"`
	ReferencePrice float64 `json:"reference_price"`
}

// IntervalMapping binds an interval to its venue-specific market identifiers.
// Owned exclusively by the mapping store; other components read copies.
type IntervalMapping struct {
	Interval     IntervalKey       `json:"interval"`
	Polymarket   *PolymarketMarket `json:"polymarket,omitempty"`
	Kalshi       *KalshiMarket     `json:"kalshi,omitempty"`
	DiscoveredAt int64             `json:"discovered_at"` // ms
}

// Complete reports whether both venues have been resolved.
func (m *IntervalMapping) Complete() bool {
	return m != nil && m.Polymarket != nil && m.Kalshi != nil
}

// Leg is one side of a detected box: buy Side on Venue at Price, up to Size.
type Leg struct {
	Venue Venue   `json:"venue"`
	Side  Side    `json:"side"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"` // available top-of-book size; caps the trade
}

// Opportunity is a detected box arbitrage. Legs[0] and Legs[1] together pay
// $1.00 at settlement regardless of outcome.
type Opportunity struct {
	Interval   IntervalKey `json:"interval"`
	Cost       float64     `json:"cost"`       // combined ask cost per box
	EdgeGross  float64     `json:"edge_gross"` // 1.00 - cost
	EdgeNet    float64     `json:"edge_net"`   // edge_gross - fees - slippage
	Legs       [2]Leg      `json:"legs"`
	DetectedAt int64       `json:"detected_at"` // ms
}

// MaxQty returns the largest box size both legs can absorb.
func (o *Opportunity) MaxQty() float64 {
	if o.Legs[0].Size < o.Legs[1].Size {
		return o.Legs[0].Size
	}
	return o.Legs[1].Size
}

// OrderParams is the venue-neutral order request the executor emits. The
// venue clients translate it into their native wire shapes.
type OrderParams struct {
	Venue         Venue       `json:"venue"`
	Side          Side        `json:"side"`
	Action        Action      `json:"action"`
	Price         float64     `json:"price"` // limit price in [0.01, 0.99]
	Qty           float64     `json:"qty"`   // contracts
	TimeInForce   TimeInForce `json:"time_in_force"`
	MarketID      string      `json:"market_id"` // ticker (kalshi) or token ID (polymarket)
	ClientOrderID string      `json:"client_order_id"`
}

// OrderStatus enumerates the observable lifecycle states of a venue order.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusUnknown  OrderStatus = "unknown"
)

// OrderResult is the immediate response to an order placement.
type OrderResult struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	FilledQty float64     `json:"filled_qty"`
	FillPrice float64     `json:"fill_price"`
}

// Filled reports whether the order filled completely at submission.
func (r *OrderResult) Filled() bool {
	return r.Status == OrderStatusFilled
}

// ExecutionStatus is the state of a two-phase execution attempt.
type ExecutionStatus string

const (
	ExecPending        ExecutionStatus = "pending"
	ExecLegASubmitting ExecutionStatus = "leg_a_submitting"
	ExecLegAFilled     ExecutionStatus = "leg_a_filled"
	ExecLegAFailed     ExecutionStatus = "leg_a_failed"
	ExecLegBSubmitting ExecutionStatus = "leg_b_submitting"
	ExecLegBFilled     ExecutionStatus = "leg_b_filled"
	ExecUnwinding      ExecutionStatus = "unwinding"
	ExecUnwound        ExecutionStatus = "unwound"
	ExecSuccess        ExecutionStatus = "success"
	ExecAborted        ExecutionStatus = "aborted"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecLegAFailed, ExecUnwound, ExecSuccess, ExecAborted:
		return true
	}
	return false
}

// LegExecution records the submission and outcome of one leg.
type LegExecution struct {
	Params      OrderParams `json:"params"`
	OrderID     string      `json:"order_id"`
	Filled      bool        `json:"filled"`
	FillPrice   float64     `json:"fill_price"`
	FillQty     float64     `json:"fill_qty"`
	SubmittedAt int64       `json:"submitted_at"` // ms
	ResolvedAt  int64       `json:"resolved_at"`  // ms
	Error       string      `json:"error,omitempty"`
}

// UnwindStep is one rung of the unwind ladder.
type UnwindStep struct {
	Price     float64 `json:"price"` // 0 = market order
	Qty       float64 `json:"qty"`
	FilledQty float64 `json:"filled_qty"`
	FillPrice float64 `json:"fill_price"`
	OrderID   string  `json:"order_id"`
}

// UnwindRecord captures the ladder used to exit a stranded leg A.
type UnwindRecord struct {
	Steps        []UnwindStep `json:"steps"`
	RecoveredUSD float64      `json:"recovered_usd"`
	RealizedLoss float64      `json:"realized_loss"`
	Complete     bool         `json:"complete"` // false if contracts remained after the ladder
}

// ExecutionRecord is the full audit record of one execution attempt.
// Created when the executor takes the busy lock; mutated only by the
// executor; immutable once EndTs is set.
type ExecutionRecord struct {
	ID              string          `json:"id"`
	Opportunity     Opportunity     `json:"opportunity"`
	Status          ExecutionStatus `json:"status"`
	LegA            LegExecution    `json:"leg_a"`
	LegB            LegExecution    `json:"leg_b"`
	Unwind          *UnwindRecord   `json:"unwind,omitempty"`
	StartTs         int64           `json:"start_ts"` // ms
	EndTs           int64           `json:"end_ts"`   // ms, 0 while in flight
	ExpectedEdgeNet float64         `json:"expected_edge_net"`
	RealizedPnl     float64         `json:"realized_pnl"`
	QuoteKalshi     NormalizedQuote `json:"quote_kalshi"`
	QuotePolymarket NormalizedQuote `json:"quote_polymarket"`
	DryRun          bool            `json:"dry_run"`
}

// PositionSnapshot is the net contracts held on one venue. Quantities are
// decimals because onchain fills can be fractional.
type PositionSnapshot struct {
	Venue Venue           `json:"venue"`
	Yes   decimal.Decimal `json:"yes"`
	No    decimal.Decimal `json:"no"`
	Ts    int64           `json:"ts"` // ms
}

// PendingSettlement is a completed box held through interval close. Its
// expected PnL moves into realized when the interval rolls over.
type PendingSettlement struct {
	ExecutionID string      `json:"execution_id"`
	Interval    IntervalKey `json:"interval"`
	ExpectedPnl float64     `json:"expected_pnl"`
	Cost        float64     `json:"cost"`       // notional booked, released on settle
	SettlesAt   int64       `json:"settles_at"` // epoch seconds (interval end)
}

// OpenOrder is a live order tracked locally, keyed by client order ID.
type OpenOrder struct {
	ClientOrderID string      `json:"client_order_id"`
	VenueOrderID  string      `json:"venue_order_id"`
	Params        OrderParams `json:"params"`
	PlacedAt      int64       `json:"placed_at"` // ms
}

// FillRecord is one execution fill retained in the bounded history ring.
type FillRecord struct {
	Venue         Venue       `json:"venue"`
	Side          Side        `json:"side"`
	Action        Action      `json:"action"`
	Price         float64     `json:"price"`
	Qty           float64     `json:"qty"`
	Interval      IntervalKey `json:"interval"`
	MarketID      string      `json:"market_id"` // ticker (kalshi) or token ID (polymarket)
	ClientOrderID string      `json:"client_order_id"`
	Ts            int64       `json:"ts"` // ms
}

// NowMs returns the current wall time in epoch milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
