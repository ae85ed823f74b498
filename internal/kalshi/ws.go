// ws.go implements the Kalshi WebSocket feed.
//
// One authenticated connection carries every channel we need:
//
//   - orderbook_delta: a full snapshot on subscribe, then per-level deltas
//     with sequence numbers. A gap in the sequence means a missed message;
//     the book is reset and the market resubscribed for a fresh snapshot.
//   - fill: private fill notifications for our orders.
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// resubscribes to all tracked tickers. Kalshi drops connections at the
// 24-hour mark, so the feed also reconnects pre-emptively at 23.5h.
package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"boxarb/pkg/types"
)

// errNotConnected means the write raced a reconnect; subscriptions are
// replayed when the connection comes back.
var errNotConnected = errors.New("websocket not connected")

const (
	wsPingInterval     = 10 * time.Second
	wsReadTimeout      = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsMaxSessionAge    = 23*time.Hour + 30*time.Minute
	quoteBufferSize    = 256
	fillBufferSize     = 64
)

// FillEvent is a private fill pushed over the fill channel.
type FillEvent struct {
	Ticker  string
	OrderID string
	Side    types.Side
	Action  types.Action
	Count   int
	Price   float64 // dollars, priced on the traded side
	Ts      int64   // ms
}

// QuoteUpdate pairs a normalized quote with its market ticker.
type QuoteUpdate struct {
	Ticker string
	Quote  types.NormalizedQuote
}

// WSFeed manages the Kalshi WebSocket connection, the local order books,
// and subscription state.
type WSFeed struct {
	url  string
	auth *Auth

	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool  // market tickers
	sids         map[string]int64 // channel -> subscription ID from the ack

	booksMu sync.RWMutex
	books   map[string]*Book

	cmdID atomic.Int64

	quoteCh chan QuoteUpdate
	fillCh  chan FillEvent

	logger *slog.Logger
}

// NewWSFeed creates the feed. It does not connect until Run is called.
func NewWSFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		auth:       auth,
		subscribed: make(map[string]bool),
		sids:       make(map[string]int64),
		books:      make(map[string]*Book),
		quoteCh:    make(chan QuoteUpdate, quoteBufferSize),
		fillCh:     make(chan FillEvent, fillBufferSize),
		logger:     logger.With("component", "kalshi_ws"),
	}
}

// Quotes returns the channel of normalized book updates.
func (f *WSFeed) Quotes() <-chan QuoteUpdate { return f.quoteCh }

// Fills returns the channel of private fill events.
func (f *WSFeed) Fills() <-chan FillEvent { return f.fillCh }

// Book returns the live book for a ticker, or nil if not subscribed.
func (f *WSFeed) Book(ticker string) *Book {
	f.booksMu.RLock()
	defer f.booksMu.RUnlock()
	return f.books[ticker]
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A long healthy session resets the backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Subscribe starts the orderbook feed for the given tickers and creates
// their local books.
func (f *WSFeed) Subscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		f.subscribed[t] = true
	}
	f.subscribedMu.Unlock()

	f.booksMu.Lock()
	for _, t := range tickers {
		if f.books[t] == nil {
			f.books[t] = NewBook(t)
		}
	}
	f.booksMu.Unlock()

	if err := f.sendSubscribe(tickers); err != nil && !errors.Is(err, errNotConnected) {
		return err
	}
	return nil
}

// Unsubscribe stops the feed for the given tickers and drops their books.
func (f *WSFeed) Unsubscribe(tickers []string) error {
	f.subscribedMu.Lock()
	for _, t := range tickers {
		delete(f.subscribed, t)
	}
	sid, ok := f.sids["orderbook_delta"]
	f.subscribedMu.Unlock()

	f.booksMu.Lock()
	for _, t := range tickers {
		delete(f.books, t)
	}
	f.booksMu.Unlock()

	if !ok {
		return nil // never acked, nothing server-side to remove
	}
	err := f.writeCmd("update_subscription", map[string]any{
		"sids":           []int64{sid},
		"market_tickers": tickers,
		"action":         "delete_markets",
	})
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if f.auth != nil {
		// The WS handshake signs the path like any REST request.
		signed, err := f.auth.Headers("GET", "/trade-api/ws/v2")
		if err != nil {
			return fmt.Errorf("sign handshake: %w", err)
		}
		for k, v := range signed {
			header.Set(k, v)
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	// Kalshi closes sessions at 24h; roll over before it does.
	deadline := time.Now().Add(wsMaxSessionAge)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("session age limit reached, rolling connection")
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) resubscribeAll() error {
	f.subscribedMu.RLock()
	tickers := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		tickers = append(tickers, t)
	}
	f.subscribedMu.RUnlock()

	// Books are stale across a reconnect; reset so the fresh snapshot is
	// authoritative.
	f.booksMu.RLock()
	for _, b := range f.books {
		b.Reset()
	}
	f.booksMu.RUnlock()

	if len(tickers) == 0 {
		return nil
	}
	return f.sendSubscribe(tickers)
}

func (f *WSFeed) sendSubscribe(tickers []string) error {
	return f.writeCmd("subscribe", map[string]any{
		"channels":       []string{"orderbook_delta", "fill"},
		"market_tickers": tickers,
	})
}

func (f *WSFeed) writeCmd(cmd string, params map[string]any) error {
	msg := map[string]any{
		"id":  f.cmdID.Add(1),
		"cmd": cmd,
	}
	if params != nil {
		msg["params"] = params
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(msg)
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq"`
	Msg  json.RawMessage `json:"msg"`
}

type wsSnapshotMsg struct {
	MarketTicker string   `json:"market_ticker"`
	Yes          [][2]int `json:"yes"` // [priceCents, contracts]
	No           [][2]int `json:"no"`
	Ts           int64    `json:"ts"`
}

type wsDeltaMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        int    `json:"price"`
	Delta        int    `json:"delta"`
	Side         string `json:"side"`
	Ts           int64  `json:"ts"`
}

type wsFillMsg struct {
	MarketTicker string `json:"market_ticker"`
	OrderID      string `json:"order_id"`
	Side         string `json:"side"`
	Action       string `json:"action"`
	Count        int    `json:"count"`
	YesPrice     int    `json:"yes_price"`
	NoPrice      int    `json:"no_price"`
	Ts           int64  `json:"ts"`
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		var msg wsSnapshotMsg
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			f.logger.Error("unmarshal snapshot", "error", err)
			return
		}
		f.handleSnapshot(msg, env.Seq)

	case "orderbook_delta":
		var msg wsDeltaMsg
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			f.logger.Error("unmarshal delta", "error", err)
			return
		}
		f.handleDelta(msg, env.Seq)

	case "fill":
		var msg wsFillMsg
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			f.logger.Error("unmarshal fill", "error", err)
			return
		}
		f.handleFill(msg)

	case "subscribed":
		var msg struct {
			Channel string `json:"channel"`
			Sid     int64  `json:"sid"`
		}
		if err := json.Unmarshal(env.Msg, &msg); err == nil {
			f.subscribedMu.Lock()
			f.sids[msg.Channel] = msg.Sid
			f.subscribedMu.Unlock()
		}

	case "unsubscribed", "ok":
		// Command acknowledgements.

	case "error":
		f.logger.Error("ws error message", "msg", string(env.Msg))

	default:
		f.logger.Debug("unknown ws message type", "type", env.Type)
	}
}

func (f *WSFeed) handleSnapshot(msg wsSnapshotMsg, seq int64) {
	book := f.Book(msg.MarketTicker)
	if book == nil {
		return
	}

	book.ApplySnapshot(toLevels(msg.Yes), toLevels(msg.No), seq, msg.Ts)
	f.emitQuote(msg.MarketTicker, book)
}

func (f *WSFeed) handleDelta(msg wsDeltaMsg, seq int64) {
	book := f.Book(msg.MarketTicker)
	if book == nil {
		return
	}

	if !book.ApplyDelta(types.Side(msg.Side), msg.Price, msg.Delta, seq, msg.Ts) {
		f.logger.Warn("sequence gap, resubscribing",
			"ticker", msg.MarketTicker,
			"book_seq", book.Seq(),
			"msg_seq", seq,
		)
		book.Reset()
		if err := f.sendSubscribe([]string{msg.MarketTicker}); err != nil {
			f.logger.Error("resubscribe after gap", "error", err)
		}
		return
	}
	f.emitQuote(msg.MarketTicker, book)
}

func (f *WSFeed) handleFill(msg wsFillMsg) {
	price := float64(msg.YesPrice) / 100
	if msg.Side == "no" {
		price = float64(msg.NoPrice) / 100
	}
	action := types.BUY
	if msg.Action == "sell" {
		action = types.SELL
	}

	evt := FillEvent{
		Ticker:  msg.MarketTicker,
		OrderID: msg.OrderID,
		Side:    types.Side(msg.Side),
		Action:  action,
		Count:   msg.Count,
		Price:   price,
		Ts:      msg.Ts,
	}
	select {
	case f.fillCh <- evt:
	default:
		f.logger.Warn("fill channel full, dropping event", "order_id", msg.OrderID)
	}
}

func (f *WSFeed) emitQuote(ticker string, book *Book) {
	update := QuoteUpdate{Ticker: ticker, Quote: book.Normalize(types.NowMs())}
	select {
	case f.quoteCh <- update:
	default:
		f.logger.Warn("quote channel full, dropping update", "ticker", ticker)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			if f.conn != conn {
				f.connMu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.connMu.Unlock()
			if err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func toLevels(raw [][2]int) []Level {
	levels := make([]Level, len(raw))
	for i, l := range raw {
		levels[i] = Level{PriceCents: l[0], Contracts: l[1]}
	}
	return levels
}
