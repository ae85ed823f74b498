package mapping

import (
	"testing"

	"boxarb/pkg/types"
)

var testInterval = types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000}

func TestMergeSetters(t *testing.T) {
	t.Parallel()
	s, err := Open("")
	if err != nil {
		t.Fatal(err)
	}

	if s.Complete(testInterval) {
		t.Fatal("empty store reports complete")
	}

	s.SetKalshi(testInterval, &types.KalshiMarket{MarketTicker: "KXBTC15M-TEST-T1"})
	if s.Complete(testInterval) {
		t.Error("one-sided mapping reports complete")
	}

	s.SetPolymarket(testInterval, &types.PolymarketMarket{UpToken: "1", DownToken: "2"})
	if !s.Complete(testInterval) {
		t.Error("both sides set but not complete")
	}

	// The second setter must not have clobbered the first.
	m := s.Get(testInterval)
	if m.Kalshi == nil || m.Kalshi.MarketTicker != "KXBTC15M-TEST-T1" {
		t.Errorf("kalshi side lost after polymarket merge: %+v", m)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()
	s, _ := Open("")
	s.SetKalshi(testInterval, &types.KalshiMarket{MarketTicker: "A"})

	m := s.Get(testInterval)
	m.Kalshi = nil

	if got := s.Get(testInterval); got.Kalshi == nil {
		t.Error("mutation of returned mapping leaked into store")
	}
}

func TestPruneOldIntervals(t *testing.T) {
	t.Parallel()
	s, _ := Open("")

	old := types.IntervalKey{StartTs: 1000, EndTs: 1900}
	s.SetKalshi(old, &types.KalshiMarket{MarketTicker: "OLD"})
	s.SetKalshi(testInterval, &types.KalshiMarket{MarketTicker: "NEW"})

	// One day after the recent interval: only the ancient one goes.
	removed := s.Prune(testInterval.EndTs)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if s.Get(old) != nil {
		t.Error("old mapping survived prune")
	}
	if s.Get(testInterval) == nil {
		t.Error("recent mapping pruned")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.SetKalshi(testInterval, &types.KalshiMarket{MarketTicker: "KXBTC15M-TEST-T1"})
	s.SetPolymarket(testInterval, &types.PolymarketMarket{UpToken: "1", DownToken: "2"})

	reopened, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reopened.Complete(testInterval) {
		t.Error("mapping not restored from disk")
	}
}
