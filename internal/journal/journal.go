// Package journal appends execution and settlement records to CSV files.
//
// Two files live under the journal directory: executions.csv, one row per
// terminal execution attempt, and settlements.csv, one row per settled
// interval with the oracle-disagreement flags. Files get their header on
// first write and are opened append-only, so restarts keep extending the
// same journals.
package journal

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"boxarb/pkg/types"
)

var executionHeader = []string{
	"execution_id", "interval_start_ts", "interval_end_ts", "status",
	"expected_edge_net", "realized_pnl", "qty",
	"leg_a_venue", "leg_a_side", "leg_a_price", "leg_a_fill_qty",
	"leg_b_venue", "leg_b_side", "leg_b_price", "leg_b_fill_qty",
	"unwind_loss", "unwind_complete", "dry_run", "start_ts", "end_ts",
}

var settlementHeader = []string{
	"interval_start_ts", "interval_end_ts",
	"btc_ref_price_kalshi", "btc_ref_price_polymarket",
	"btc_spot_at_close", "btc_twap_60s_at_close",
	"kalshi_resolution", "polymarket_resolution",
	"oracles_agree", "dead_zone_hit",
	"btc_crossing_count", "btc_range_usd", "btc_dist_from_ref_at_close",
	"checked_at",
}

// SettlementRow is one settled interval as journaled.
type SettlementRow struct {
	Interval           types.IntervalKey
	KalshiRef          float64
	PolymarketRef      float64
	SpotAtClose        float64
	TWAPAtClose        float64
	KalshiResolution   string
	PolyResolution     string
	OraclesAgree       bool
	DeadZoneHit        bool
	CrossingCount      int
	RangeUSD           float64
	DistFromRefAtClose float64
	CheckedAt          int64 // ms
}

// Journal writes the CSV journals. Safe for concurrent use.
type Journal struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

func Open(dir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	return &Journal{dir: dir, logger: logger.With("component", "journal")}, nil
}

// AppendExecution journals one terminal execution record.
func (j *Journal) AppendExecution(rec *types.ExecutionRecord) error {
	unwindLoss := 0.0
	unwindComplete := ""
	if rec.Unwind != nil {
		unwindLoss = rec.Unwind.RealizedLoss
		unwindComplete = strconv.FormatBool(rec.Unwind.Complete)
	}
	qty := rec.LegA.FillQty
	if rec.LegB.FillQty < qty {
		qty = rec.LegB.FillQty
	}
	row := []string{
		rec.ID,
		strconv.FormatInt(rec.Opportunity.Interval.StartTs, 10),
		strconv.FormatInt(rec.Opportunity.Interval.EndTs, 10),
		string(rec.Status),
		f(rec.ExpectedEdgeNet),
		f(rec.RealizedPnl),
		f(qty),
		string(rec.LegA.Params.Venue), string(rec.LegA.Params.Side),
		f(rec.LegA.FillPrice), f(rec.LegA.FillQty),
		string(rec.LegB.Params.Venue), string(rec.LegB.Params.Side),
		f(rec.LegB.FillPrice), f(rec.LegB.FillQty),
		f(unwindLoss), unwindComplete,
		strconv.FormatBool(rec.DryRun),
		strconv.FormatInt(rec.StartTs, 10),
		strconv.FormatInt(rec.EndTs, 10),
	}
	return j.append("executions.csv", executionHeader, row)
}

// AppendSettlement journals one settled interval.
func (j *Journal) AppendSettlement(row SettlementRow) error {
	record := []string{
		strconv.FormatInt(row.Interval.StartTs, 10),
		strconv.FormatInt(row.Interval.EndTs, 10),
		f(row.KalshiRef),
		f(row.PolymarketRef),
		f(row.SpotAtClose),
		f(row.TWAPAtClose),
		row.KalshiResolution,
		row.PolyResolution,
		strconv.FormatBool(row.OraclesAgree),
		strconv.FormatBool(row.DeadZoneHit),
		strconv.Itoa(row.CrossingCount),
		f(row.RangeUSD),
		f(row.DistFromRefAtClose),
		strconv.FormatInt(row.CheckedAt, 10),
	}
	return j.append("settlements.csv", settlementHeader, record)
}

func (j *Journal) append(name string, header, row []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := filepath.Join(j.dir, name)
	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if fresh {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write header %s: %w", name, err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write row %s: %w", name, err)
	}
	w.Flush()
	return w.Error()
}

func f(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
