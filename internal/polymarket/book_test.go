package polymarket

import (
	"math"
	"testing"
)

const (
	upTok   = "1111"
	downTok = "2222"
)

func seededBook() *MarketBook {
	b := NewMarketBook(upTok, downTok)
	b.ApplySnapshot(upTok,
		[]PriceLevel{{"0.46", "120"}, {"0.45", "300"}},
		[]PriceLevel{{"0.48", "80"}, {"0.50", "40"}},
		1700000000000)
	b.ApplySnapshot(downTok,
		[]PriceLevel{{"0.51", "60"}},
		[]PriceLevel{{"0.53", "200"}, {"0.55", "10"}},
		1700000000001)
	return b
}

func TestNormalizeTwoTokenBook(t *testing.T) {
	t.Parallel()
	b := seededBook()

	q := b.Normalize(1700000000100)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"yes_bid", q.YesBid, 0.46},
		{"yes_ask", q.YesAsk, 0.48},
		{"yes_bid_size", q.YesBidSize, 120},
		{"yes_ask_size", q.YesAskSize, 80},
		{"no_bid", q.NoBid, 0.51},
		{"no_ask", q.NoAsk, 0.53},
		{"no_ask_size", q.NoAskSize, 200},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if q.TsExchange != 1700000000001 {
		t.Errorf("ts_exchange = %d, want latest snapshot ts", q.TsExchange)
	}
}

func TestNormalizeMissingSideDefaults(t *testing.T) {
	t.Parallel()
	b := NewMarketBook(upTok, downTok)
	b.ApplySnapshot(upTok, []PriceLevel{{"0.40", "10"}}, nil, 0)

	q := b.Normalize(0)
	if q.YesAsk != 1.0 || q.YesAskSize != 0 {
		t.Errorf("yes_ask = %v/%v, want 1.0/0", q.YesAsk, q.YesAskSize)
	}
	if q.NoBid != 0 || q.NoAsk != 1.0 {
		t.Errorf("no side = %v/%v, want 0/1.0", q.NoBid, q.NoAsk)
	}
}

func TestApplyChangeAbsoluteSize(t *testing.T) {
	t.Parallel()
	b := seededBook()

	// price_change carries the new absolute size, not a delta.
	b.ApplyChange(upTok, "SELL", 0.48, 25, 0)
	if q := b.Normalize(0); q.YesAskSize != 25 {
		t.Errorf("yes_ask_size = %v, want 25", q.YesAskSize)
	}

	// size 0 removes the level; next ask becomes best.
	b.ApplyChange(upTok, "SELL", 0.48, 0, 0)
	q := b.Normalize(0)
	if math.Abs(q.YesAsk-0.50) > 1e-9 {
		t.Errorf("yes_ask = %v, want 0.50", q.YesAsk)
	}

	// changes for unknown tokens are ignored
	b.ApplyChange("9999", "BUY", 0.99, 100, 0)
	if q := b.Normalize(0); q.YesBid != 0.46 {
		t.Errorf("yes_bid = %v, want 0.46", q.YesBid)
	}
}
