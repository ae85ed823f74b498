// book.go maintains the local mirror of a Polymarket market.
//
// Polymarket lists two tokens per market (Up and Down), each with its own
// bid and ask ladder. The Up token maps to the YES side of the normalized
// quote and the Down token to NO. Unlike Kalshi there are no sequence
// numbers; "book" events replace the whole ladder and "price_change"
// events set absolute sizes at a level, so a dropped message heals on the
// next snapshot.
package polymarket

import (
	"strconv"
	"sync"

	"boxarb/pkg/types"
)

// TokenBook is the two-sided ladder for one token.
type TokenBook struct {
	bids map[float64]float64 // price -> size
	asks map[float64]float64
}

func newTokenBook() *TokenBook {
	return &TokenBook{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

func (t *TokenBook) applySnapshot(buys, sells []PriceLevel) {
	t.bids = make(map[float64]float64, len(buys))
	t.asks = make(map[float64]float64, len(sells))
	for _, l := range buys {
		if p, s, ok := parseLevel(l); ok && s > 0 {
			t.bids[p] = s
		}
	}
	for _, l := range sells {
		if p, s, ok := parseLevel(l); ok && s > 0 {
			t.asks[p] = s
		}
	}
}

// applyChange sets the absolute size at a level; size 0 removes it.
func (t *TokenBook) applyChange(side string, price, size float64) {
	ladder := t.bids
	if side == "SELL" {
		ladder = t.asks
	}
	if size <= 0 {
		delete(ladder, price)
		return
	}
	ladder[price] = size
}

func (t *TokenBook) bestBid() (price, size float64, ok bool) {
	for p, s := range t.bids {
		if !ok || p > price {
			price, size, ok = p, s, true
		}
	}
	return price, size, ok
}

func (t *TokenBook) bestAsk() (price, size float64, ok bool) {
	for p, s := range t.asks {
		if !ok || p < price {
			price, size, ok = p, s, true
		}
	}
	return price, size, ok
}

// MarketBook pairs the Up and Down token books for one interval's market.
type MarketBook struct {
	mu        sync.RWMutex
	upToken   string
	downToken string
	up        *TokenBook
	down      *TokenBook
	tsExch    int64 // ms
}

// NewMarketBook creates an empty book for a market's token pair.
func NewMarketBook(upToken, downToken string) *MarketBook {
	return &MarketBook{
		upToken:   upToken,
		downToken: downToken,
		up:        newTokenBook(),
		down:      newTokenBook(),
	}
}

// Tokens returns the Up and Down token IDs.
func (b *MarketBook) Tokens() (up, down string) {
	return b.upToken, b.downToken
}

// Has reports whether the token belongs to this market.
func (b *MarketBook) Has(tokenID string) bool {
	return tokenID == b.upToken || tokenID == b.downToken
}

// ApplySnapshot replaces one token's ladders from a book event.
func (b *MarketBook) ApplySnapshot(tokenID string, buys, sells []PriceLevel, tsExch int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.token(tokenID); t != nil {
		t.applySnapshot(buys, sells)
		b.tsExch = tsExch
	}
}

// ApplyChange sets one level's absolute size from a price_change event.
func (b *MarketBook) ApplyChange(tokenID, side string, price, size float64, tsExch int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.token(tokenID); t != nil {
		t.applyChange(side, price, size)
		b.tsExch = tsExch
	}
}

func (b *MarketBook) token(tokenID string) *TokenBook {
	switch tokenID {
	case b.upToken:
		return b.up
	case b.downToken:
		return b.down
	}
	return nil
}

// Normalize folds the two token books into the uniform quote shape.
// A missing side defaults to bid=0, ask=1 with zero size.
func (b *MarketBook) Normalize(tsLocal int64) types.NormalizedQuote {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q := types.NormalizedQuote{
		Venue:      types.VenuePolymarket,
		YesAsk:     1.0,
		NoAsk:      1.0,
		TsExchange: b.tsExch,
		TsLocal:    tsLocal,
	}

	if p, s, ok := b.up.bestBid(); ok {
		q.YesBid, q.YesBidSize = p, s
	}
	if p, s, ok := b.up.bestAsk(); ok {
		q.YesAsk, q.YesAskSize = p, s
	}
	if p, s, ok := b.down.bestBid(); ok {
		q.NoBid, q.NoBidSize = p, s
	}
	if p, s, ok := b.down.bestAsk(); ok {
		q.NoAsk, q.NoAskSize = p, s
	}
	return q
}

func parseLevel(l PriceLevel) (price, size float64, ok bool) {
	price, err1 := strconv.ParseFloat(l.Price, 64)
	size, err2 := strconv.ParseFloat(l.Size, 64)
	return price, size, err1 == nil && err2 == nil
}
