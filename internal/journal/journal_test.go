package journal

import (
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"boxarb/pkg/types"
)

func TestSettlementColumns(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j, err := Open(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	row := SettlementRow{
		Interval:           types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000},
		KalshiRef:          97330,
		PolymarketRef:      97300,
		SpotAtClose:        97310,
		TWAPAtClose:        97315,
		KalshiResolution:   "no",
		PolyResolution:     "yes",
		OraclesAgree:       false,
		DeadZoneHit:        true,
		CrossingCount:      7,
		RangeUSD:           120.5,
		DistFromRefAtClose: 15,
		CheckedAt:          1700001015000,
	}
	if err := j.AppendSettlement(row); err != nil {
		t.Fatal(err)
	}
	if err := j.AppendSettlement(row); err != nil {
		t.Fatal(err)
	}

	records := readCSV(t, filepath.Join(dir, "settlements.csv"))
	if len(records) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(records))
	}

	wantHeader := []string{
		"interval_start_ts", "interval_end_ts",
		"btc_ref_price_kalshi", "btc_ref_price_polymarket",
		"btc_spot_at_close", "btc_twap_60s_at_close",
		"kalshi_resolution", "polymarket_resolution",
		"oracles_agree", "dead_zone_hit",
		"btc_crossing_count", "btc_range_usd", "btc_dist_from_ref_at_close",
		"checked_at",
	}
	for i, col := range wantHeader {
		if records[0][i] != col {
			t.Errorf("header[%d] = %q, want %q", i, records[0][i], col)
		}
	}

	got := records[1]
	if got[0] != "1700000100" || got[6] != "no" || got[7] != "yes" {
		t.Errorf("row = %v", got)
	}
	if got[8] != "false" || got[9] != "true" || got[10] != "7" {
		t.Errorf("flags = %v %v %v, want false true 7", got[8], got[9], got[10])
	}
}

func TestExecutionAppendAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	rec := &types.ExecutionRecord{
		ID:     "e1",
		Status: types.ExecSuccess,
		Opportunity: types.Opportunity{
			Interval: types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000},
		},
		LegA: types.LegExecution{FillPrice: 0.48, FillQty: 20},
		LegB: types.LegExecution{FillPrice: 0.44, FillQty: 20},
	}

	j, err := Open(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := j.AppendExecution(rec); err != nil {
		t.Fatal(err)
	}

	// A restart reopens the same file and must not repeat the header.
	j2, err := Open(dir, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	rec.ID = "e2"
	if err := j2.AppendExecution(rec); err != nil {
		t.Fatal(err)
	}

	records := readCSV(t, filepath.Join(dir, "executions.csv"))
	if len(records) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(records))
	}
	if records[1][0] != "e1" || records[2][0] != "e2" {
		t.Errorf("ids = %v %v", records[1][0], records[2][0])
	}
	if records[1][3] != "success" {
		t.Errorf("status = %q, want success", records[1][3])
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return records
}
