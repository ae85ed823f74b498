// ws.go implements the Polymarket market-data WebSocket feed.
//
// The public market channel is subscribed by token ID and delivers "book"
// snapshots and "price_change" deltas. The feed owns the MarketBooks for
// every registered market, folds events into them, and emits normalized
// quotes keyed by condition ID.
//
// The feed auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes to all tracked tokens. A read deadline catches silent
// server failures within ~2 missed pings.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"boxarb/pkg/types"
)

// errNotConnected means the write raced a reconnect; the pending
// subscription set is replayed when the connection comes back.
var errNotConnected = errors.New("websocket not connected")

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	quoteBufferSize  = 256
)

// QuoteUpdate pairs a normalized quote with its market's condition ID.
type QuoteUpdate struct {
	ConditionID string
	Quote       types.NormalizedQuote
}

// WSFeed manages the market-channel WebSocket connection and the local
// books for every watched market.
type WSFeed struct {
	url string

	conn   *websocket.Conn
	connMu sync.Mutex

	booksMu     sync.RWMutex
	books       map[string]*MarketBook // condition ID -> book
	tokenToCond map[string]string      // token ID -> condition ID

	quoteCh chan QuoteUpdate

	logger *slog.Logger
}

// NewWSFeed creates the feed. It does not connect until Run is called.
func NewWSFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		books:       make(map[string]*MarketBook),
		tokenToCond: make(map[string]string),
		quoteCh:     make(chan QuoteUpdate, quoteBufferSize),
		logger:      logger.With("component", "polymarket_ws"),
	}
}

// Quotes returns the channel of normalized book updates.
func (f *WSFeed) Quotes() <-chan QuoteUpdate { return f.quoteCh }

// Book returns the live book for a condition ID, or nil if not watched.
func (f *WSFeed) Book(conditionID string) *MarketBook {
	f.booksMu.RLock()
	defer f.booksMu.RUnlock()
	return f.books[conditionID]
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
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Watch registers a market's token pair and subscribes to both tokens.
func (f *WSFeed) Watch(conditionID, upToken, downToken string) error {
	f.booksMu.Lock()
	if f.books[conditionID] == nil {
		f.books[conditionID] = NewMarketBook(upToken, downToken)
		f.tokenToCond[upToken] = conditionID
		f.tokenToCond[downToken] = conditionID
	}
	f.booksMu.Unlock()

	err := f.writeJSON(WSUpdateMsg{
		Operation: "subscribe",
		AssetIDs:  []string{upToken, downToken},
	})
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

// Unwatch unsubscribes a market's tokens and drops its book.
func (f *WSFeed) Unwatch(conditionID string) error {
	f.booksMu.Lock()
	book := f.books[conditionID]
	var tokens []string
	if book != nil {
		up, down := book.Tokens()
		tokens = []string{up, down}
		delete(f.tokenToCond, up)
		delete(f.tokenToCond, down)
		delete(f.books, conditionID)
	}
	f.booksMu.Unlock()

	if len(tokens) == 0 {
		return nil
	}
	err := f.writeJSON(WSUpdateMsg{
		Operation: "unsubscribe",
		AssetIDs:  tokens,
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
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
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

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.booksMu.RLock()
	tokens := make([]string, 0, len(f.tokenToCond))
	for t := range f.tokenToCond {
		tokens = append(tokens, t)
	}
	f.booksMu.RUnlock()

	return f.writeJSON(WSSubscribeMsg{
		Type:     "market",
		AssetIDs: tokens,
	})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt WSBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		f.handleBook(evt)

	case "price_change":
		var evt WSPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		f.handlePriceChange(evt)

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *WSFeed) handleBook(evt WSBookEvent) {
	f.booksMu.RLock()
	cond := f.tokenToCond[evt.AssetID]
	book := f.books[cond]
	f.booksMu.RUnlock()
	if book == nil {
		return
	}

	book.ApplySnapshot(evt.AssetID, evt.Buys, evt.Sells, parseTs(evt.Timestamp))
	f.emitQuote(cond, book)
}

func (f *WSFeed) handlePriceChange(evt WSPriceChangeEvent) {
	ts := parseTs(evt.Timestamp)
	touched := make(map[string]*MarketBook, 1)

	for _, ch := range evt.PriceChanges {
		f.booksMu.RLock()
		cond := f.tokenToCond[ch.AssetID]
		book := f.books[cond]
		f.booksMu.RUnlock()
		if book == nil {
			continue
		}

		price, err1 := strconv.ParseFloat(ch.Price, 64)
		size, err2 := strconv.ParseFloat(ch.Size, 64)
		if err1 != nil || err2 != nil {
			f.logger.Error("bad price_change level", "price", ch.Price, "size", ch.Size)
			continue
		}
		book.ApplyChange(ch.AssetID, ch.Side, price, size, ts)
		touched[cond] = book
	}

	for cond, book := range touched {
		f.emitQuote(cond, book)
	}
}

func (f *WSFeed) emitQuote(conditionID string, book *MarketBook) {
	update := QuoteUpdate{ConditionID: conditionID, Quote: book.Normalize(types.NowMs())}
	select {
	case f.quoteCh <- update:
	default:
		f.logger.Warn("quote channel full, dropping update", "condition", conditionID)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

func parseTs(s string) int64 {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return types.NowMs()
	}
	return ts
}
