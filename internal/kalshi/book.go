// book.go maintains the local mirror of a Kalshi order book.
//
// Kalshi publishes bids only: a YES ladder and a NO ladder, each a list of
// [priceCents, contracts] levels sorted ascending so the best bid is last.
// Asks are implied by the opposite ladder: selling YES to a NO bidder at
// price b is equivalent to buying YES at 100-b. The Normalize method folds
// both ladders into the uniform cross-venue quote shape.
package kalshi

import (
	"sort"
	"sync"

	"boxarb/pkg/types"
)

// Level is one rung of a bid ladder: price in cents, size in contracts.
type Level struct {
	PriceCents int
	Contracts  int
}

// Book mirrors one market's YES and NO bid ladders, updated by the
// snapshot-then-delta protocol. Levels stay sorted ascending by price so
// the best bid is always the last element.
type Book struct {
	mu     sync.RWMutex
	ticker string
	yes    []Level
	no     []Level
	seq    int64 // last applied sequence number, 0 before first snapshot
	tsExch int64 // exchange timestamp of last update, ms
}

// NewBook creates an empty book for a market.
func NewBook(ticker string) *Book {
	return &Book{ticker: ticker}
}

// Ticker returns the market this book mirrors.
func (b *Book) Ticker() string { return b.ticker }

// ApplySnapshot replaces both ladders and resets the sequence number.
func (b *Book) ApplySnapshot(yes, no []Level, seq, tsExch int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.yes = sortedCopy(yes)
	b.no = sortedCopy(no)
	b.seq = seq
	b.tsExch = tsExch
}

// ApplyDelta mutates one price level on one side. Returns false on a
// sequence gap; the caller must resubscribe and wait for a fresh snapshot.
func (b *Book) ApplyDelta(side types.Side, priceCents, deltaContracts int, seq, tsExch int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seq != 0 && seq != b.seq+1 {
		return false
	}
	b.seq = seq
	b.tsExch = tsExch

	ladder := &b.yes
	if side == types.SideNo {
		ladder = &b.no
	}
	*ladder = applyLevelDelta(*ladder, priceCents, deltaContracts)
	return true
}

// Seq returns the last applied sequence number.
func (b *Book) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Reset clears the book ahead of a resubscribe.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.yes = nil
	b.no = nil
	b.seq = 0
}

// BestYesBid returns the top YES bid, or ok=false if the ladder is empty.
func (b *Book) BestYesBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.yes)
}

// BestNoBid returns the top NO bid, or ok=false if the ladder is empty.
func (b *Book) BestNoBid() (Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return best(b.no)
}

// Normalize derives the uniform quote from the two bid ladders:
//
//	yes_ask = 1.00 - best_no_bid    (size: the NO bid's contracts)
//	no_ask  = 1.00 - best_yes_bid   (size: the YES bid's contracts)
//
// An empty side defaults to bid=0, ask=1 with zero size.
func (b *Book) Normalize(tsLocal int64) types.NormalizedQuote {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q := types.NormalizedQuote{
		Venue:      types.VenueKalshi,
		YesAsk:     1.0,
		NoAsk:      1.0,
		TsExchange: b.tsExch,
		TsLocal:    tsLocal,
	}

	if lvl, ok := best(b.yes); ok {
		q.YesBid = float64(lvl.PriceCents) / 100
		q.YesBidSize = float64(lvl.Contracts)
		q.NoAsk = 1.0 - q.YesBid
		q.NoAskSize = float64(lvl.Contracts)
	}
	if lvl, ok := best(b.no); ok {
		q.NoBid = float64(lvl.PriceCents) / 100
		q.NoBidSize = float64(lvl.Contracts)
		q.YesAsk = 1.0 - q.NoBid
		q.YesAskSize = float64(lvl.Contracts)
	}
	return q
}

func best(ladder []Level) (Level, bool) {
	if len(ladder) == 0 {
		return Level{}, false
	}
	return ladder[len(ladder)-1], true
}

func sortedCopy(levels []Level) []Level {
	out := make([]Level, len(levels))
	copy(out, levels)
	sort.Slice(out, func(i, j int) bool { return out[i].PriceCents < out[j].PriceCents })
	return out
}

// applyLevelDelta adds deltaContracts at priceCents, inserting or removing
// the level as needed and preserving ascending order.
func applyLevelDelta(ladder []Level, priceCents, deltaContracts int) []Level {
	i := sort.Search(len(ladder), func(i int) bool { return ladder[i].PriceCents >= priceCents })

	if i < len(ladder) && ladder[i].PriceCents == priceCents {
		ladder[i].Contracts += deltaContracts
		if ladder[i].Contracts <= 0 {
			return append(ladder[:i], ladder[i+1:]...)
		}
		return ladder
	}

	if deltaContracts <= 0 {
		return ladder // delta for a level we don't have; nothing to remove
	}

	ladder = append(ladder, Level{})
	copy(ladder[i+1:], ladder[i:])
	ladder[i] = Level{PriceCents: priceCents, Contracts: deltaContracts}
	return ladder
}
