package discovery

import (
	"testing"
	"time"

	"boxarb/internal/kalshi"
	"boxarb/pkg/types"
)

func TestEasternOffset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		t    time.Time
		want time.Duration
	}{
		{"mid winter", time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), -5 * time.Hour},
		{"mid summer", time.Date(2026, 7, 15, 12, 0, 0, 0, time.UTC), -4 * time.Hour},
		// 2026 spring transition: second Sunday of March is the 8th,
		// 2:00 EST = 7:00 UTC.
		{"minute before spring forward", time.Date(2026, 3, 8, 6, 59, 0, 0, time.UTC), -5 * time.Hour},
		{"at spring forward", time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC), -4 * time.Hour},
		// 2026 fall transition: first Sunday of November is the 1st,
		// 2:00 EDT = 6:00 UTC.
		{"minute before fall back", time.Date(2026, 11, 1, 5, 59, 0, 0, time.UTC), -4 * time.Hour},
		{"at fall back", time.Date(2026, 11, 1, 6, 0, 0, 0, time.UTC), -5 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := easternOffset(tt.t); got != tt.want {
				t.Errorf("easternOffset(%v) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestNthSunday(t *testing.T) {
	t.Parallel()

	if got := nthSunday(2026, time.March, 2); got.Day() != 8 {
		t.Errorf("second Sunday of March 2026 = %v, want the 8th", got)
	}
	if got := nthSunday(2026, time.November, 1); got.Day() != 1 {
		t.Errorf("first Sunday of November 2026 = %v, want the 1st", got)
	}
	if got := nthSunday(2025, time.March, 2); got.Day() != 9 {
		t.Errorf("second Sunday of March 2025 = %v, want the 9th", got)
	}
}

func TestKalshiEventTicker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		end  time.Time
		want string
	}{
		// 20:45 UTC in August is 16:45 EDT.
		{"summer afternoon", time.Date(2026, 8, 24, 20, 45, 0, 0, time.UTC), "KXBTC15M-26AUG241645"},
		// 14:30 UTC in January is 09:30 EST.
		{"winter morning", time.Date(2026, 1, 12, 14, 30, 0, 0, time.UTC), "KXBTC15M-26JAN120930"},
		// 03:00 UTC rolls back to the previous ET calendar day.
		{"day rollback", time.Date(2026, 7, 10, 3, 0, 0, 0, time.UTC), "KXBTC15M-26JUL092300"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			end := tt.end.Unix()
			key := types.IntervalKey{StartTs: end - types.IntervalSeconds, EndTs: end}
			if got := KalshiEventTicker("KXBTC15M", key); got != tt.want {
				t.Errorf("KalshiEventTicker = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPolymarketSlug(t *testing.T) {
	t.Parallel()

	key := types.IntervalKey{StartTs: 1767707100, EndTs: 1767708000}
	if got := PolymarketSlug(key); got != "btc-updown-15m-1767707100" {
		t.Errorf("PolymarketSlug = %q", got)
	}
}

func TestPickKalshiMarket(t *testing.T) {
	t.Parallel()

	key := types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000}
	markets := []kalshi.Market{
		{Ticker: "EARLY", CloseTs: key.EndTs - 900},
		{Ticker: "MATCH", CloseTs: key.EndTs + 5}, // small venue clock skew
		{Ticker: "LATE", CloseTs: key.EndTs + 900},
	}

	got := pickKalshiMarket(markets, key)
	if got == nil || got.Ticker != "MATCH" {
		t.Errorf("pickKalshiMarket = %+v, want MATCH", got)
	}

	if got := pickKalshiMarket(markets[:1], key); got != nil {
		t.Errorf("pickKalshiMarket matched a market 900s off: %+v", got)
	}
}
