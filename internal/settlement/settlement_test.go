package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"boxarb/pkg/types"
)

func snapWithRefs(kRef, pRef, twap float64) CloseSnapshot {
	return CloseSnapshot{
		Mapping: &types.IntervalMapping{
			Interval:   types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000},
			Kalshi:     &types.KalshiMarket{MarketTicker: "KX", ReferencePrice: kRef},
			Polymarket: &types.PolymarketMarket{Slug: "btc-updown-15m-1700000100", ReferencePrice: pRef},
		},
		Spot:      twap - 5,
		TWAP:      twap,
		Crossings: 7,
		Range:     120,
		Dist:      15,
	}
}

// The venues anchored 30 dollars apart and the close TWAP landed between
// them: kalshi's reference implies down, polymarket's implies up. That is
// a split resolution inside the dead zone.
func TestEvaluateSplitResolution(t *testing.T) {
	t.Parallel()

	snap := snapWithRefs(97330, 97300, 97315)
	row := Evaluate(snap, OutcomeUnknown, OutcomeUnknown)

	if row.KalshiResolution != "no" {
		t.Errorf("kalshi resolution = %q, want no (TWAP below reference)", row.KalshiResolution)
	}
	if row.PolyResolution != "yes" {
		t.Errorf("polymarket resolution = %q, want yes (TWAP above reference)", row.PolyResolution)
	}
	if row.OraclesAgree {
		t.Error("oracles_agree = true for a split resolution")
	}
	if !row.DeadZoneHit {
		t.Error("dead_zone_hit = false with TWAP between the references")
	}
	if row.CrossingCount != 7 || row.RangeUSD != 120 {
		t.Errorf("stats = %d/%v, want carried from snapshot", row.CrossingCount, row.RangeUSD)
	}
}

func TestEvaluateFetchedResolutionsWin(t *testing.T) {
	t.Parallel()

	// Refs imply a split, but both venues actually resolved up.
	snap := snapWithRefs(97330, 97300, 97315)
	row := Evaluate(snap, OutcomeYes, OutcomeYes)

	if row.KalshiResolution != "yes" || row.PolyResolution != "yes" {
		t.Errorf("resolutions = %q/%q, want fetched values", row.KalshiResolution, row.PolyResolution)
	}
	if !row.OraclesAgree {
		t.Error("oracles_agree = false with matching fetched resolutions")
	}
	// The dead zone is about where the close landed, not the outcome.
	if !row.DeadZoneHit {
		t.Error("dead_zone_hit = false with TWAP between the references")
	}
}

func TestEvaluateAgreement(t *testing.T) {
	t.Parallel()

	snap := snapWithRefs(97300, 97305, 97400)
	row := Evaluate(snap, OutcomeUnknown, OutcomeUnknown)

	if row.KalshiResolution != "yes" || row.PolyResolution != "yes" {
		t.Errorf("resolutions = %q/%q, want yes/yes", row.KalshiResolution, row.PolyResolution)
	}
	if !row.OraclesAgree {
		t.Error("oracles_agree = false with TWAP above both references")
	}
	if row.DeadZoneHit {
		t.Error("dead_zone_hit = true with TWAP outside the reference band")
	}
}

func TestImpliedEdges(t *testing.T) {
	t.Parallel()
	tests := []struct {
		ref, twap float64
		want      Outcome
	}{
		{97300, 97300, OutcomeYes}, // at the reference resolves up
		{97300, 97299, OutcomeNo},
		{0, 97300, OutcomeUnknown},
		{97300, 0, OutcomeUnknown},
	}
	for _, tt := range tests {
		if got := Implied(tt.ref, tt.twap); got != tt.want {
			t.Errorf("Implied(%v, %v) = %q, want %q", tt.ref, tt.twap, got, tt.want)
		}
	}
}

func TestDeadZoneBoundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kRef, pRef, twap float64
		want             bool
	}{
		{97330, 97300, 97315, true},
		{97300, 97330, 97315, true},  // order of refs is irrelevant
		{97330, 97300, 97330, false}, // boundary is outside
		{97330, 97300, 97300, false},
		{97330, 97330, 97330, false}, // identical refs have no zone
		{0, 97300, 97315, false},     // missing ref disables the flag
	}
	for _, tt := range tests {
		if got := deadZone(tt.kRef, tt.pRef, tt.twap); got != tt.want {
			t.Errorf("deadZone(%v, %v, %v) = %v, want %v", tt.kRef, tt.pRef, tt.twap, got, tt.want)
		}
	}
}

type fixedResolution struct {
	out  Outcome
	err  error
	hits int
}

func (f *fixedResolution) FetchResolution(context.Context, *types.IntervalMapping) (Outcome, error) {
	f.hits++
	return f.out, f.err
}

func TestPollStopsAskingResolvedVenues(t *testing.T) {
	t.Parallel()

	kalshi := &fixedResolution{out: OutcomeYes}
	poly := &fixedResolution{err: fmt.Errorf("not resolved yet")}
	c := NewChecker(nil, map[types.Venue]ResolutionFetcher{
		types.VenueKalshi:     kalshi,
		types.VenuePolymarket: poly,
	}, nil, slog.Default())

	m := snapWithRefs(97330, 97300, 97315).Mapping
	k, p := c.poll(context.Background(), m, OutcomeUnknown, OutcomeUnknown)
	if k != OutcomeYes || p != OutcomeUnknown {
		t.Fatalf("poll = %q/%q, want yes/unknown", k, p)
	}

	// The resolved venue is not queried again.
	k, p = c.poll(context.Background(), m, k, p)
	if kalshi.hits != 1 {
		t.Errorf("kalshi queried %d times, want 1", kalshi.hits)
	}
	if poly.hits != 2 {
		t.Errorf("polymarket queried %d times, want 2", poly.hits)
	}
	if k != OutcomeYes || p != OutcomeUnknown {
		t.Errorf("poll = %q/%q, want yes/unknown", k, p)
	}
}
