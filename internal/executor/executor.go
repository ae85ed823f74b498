package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"boxarb/internal/config"
	"boxarb/internal/execstate"
	"boxarb/internal/fees"
	"boxarb/internal/position"
	"boxarb/pkg/types"
)

// VenueBundle is the capability the executor needs from the venue layer:
// place and cancel orders and read the latest cached quote. The engine
// passes an adapter over both venue clients; tests pass fakes; nil selects
// a synthetic bundle that fills every order at its limit price.
type VenueBundle interface {
	PlaceOrder(ctx context.Context, params types.OrderParams) (*types.OrderResult, error)
	CancelOrder(ctx context.Context, venue types.Venue, orderID string) error
	Quote(venue types.Venue) (*types.NormalizedQuote, bool)
}

// Result is the outcome of one execution attempt.
type Result struct {
	Success    bool
	Record     *types.ExecutionRecord
	Cooldown   time.Duration // 0 = no cooldown owed
	KillSwitch bool          // unwind left contracts stranded
	Err        error
}

// Executor runs the two-phase order commit. At most one execution is in
// flight at any time, enforced through the shared busy lock.
type Executor struct {
	state   *execstate.State
	tracker *position.Tracker
	risk    config.RiskConfig
	dryRun  bool
	logger  *slog.Logger
}

func New(state *execstate.State, tracker *position.Tracker, risk config.RiskConfig, dryRun bool, logger *slog.Logger) *Executor {
	return &Executor{
		state:   state,
		tracker: tracker,
		risk:    risk,
		dryRun:  dryRun,
		logger:  logger.With("component", "executor"),
	}
}

// Execute attempts to capture an opportunity: leg A on the onchain venue,
// then leg B on the CLOB within the leg delay budget, unwinding leg A if
// leg B cannot complete. The caller is expected to have run the pre-trade
// guards; Execute still refuses when the busy lock is contested.
func (e *Executor) Execute(ctx context.Context, opp *types.Opportunity, m *types.IntervalMapping, bundle VenueBundle) *Result {
	if bundle == nil {
		bundle = syntheticBundle{}
	}

	if !e.state.AcquireBusyLock() {
		return &Result{Err: fmt.Errorf("execution already in flight")}
	}
	defer e.state.ReleaseBusyLock()

	plan, err := BuildPlan(opp, m, e.risk)
	if err != nil {
		return &Result{Err: fmt.Errorf("plan: %w", err)}
	}

	rec := &types.ExecutionRecord{
		ID:              uuid.NewString(),
		Opportunity:     *opp,
		Status:          types.ExecPending,
		StartTs:         types.NowMs(),
		ExpectedEdgeNet: opp.EdgeNet,
		DryRun:          e.dryRun,
	}
	if q, ok := bundle.Quote(types.VenueKalshi); ok {
		rec.QuoteKalshi = *q
	}
	if q, ok := bundle.Quote(types.VenuePolymarket); ok {
		rec.QuotePolymarket = *q
	}

	e.logger.Info("executing box",
		"execution_id", rec.ID,
		"interval", opp.Interval.String(),
		"edge_net", opp.EdgeNet,
		"qty", plan.Qty)

	// Leg A: onchain FOK. A clean rejection costs nothing and owes no
	// cooldown; the quote was simply stale.
	rec.Status = types.ExecLegASubmitting
	e.submitLeg(ctx, bundle, plan.LegA, &rec.LegA)
	if !rec.LegA.Filled {
		rec.Status = types.ExecLegAFailed
		rec.EndTs = types.NowMs()
		e.logger.Info("leg A rejected, no position taken", "execution_id", rec.ID)
		return &Result{Record: rec}
	}
	rec.Status = types.ExecLegAFilled
	costA := rec.LegA.FillQty * rec.LegA.FillPrice
	e.state.AddNotional(costA)
	e.recordFill(plan.LegA, rec.LegA, opp.Interval)

	// Leg B: CLOB FOK under the leg delay budget. From here leg A is live
	// inventory and every exit path must account for it.
	legBCtx, cancel := context.WithTimeout(ctx, e.risk.MaxLegDelay)
	rec.Status = types.ExecLegBSubmitting
	e.submitLeg(legBCtx, bundle, plan.LegB, &rec.LegB)
	cancel()

	if rec.LegB.Filled {
		rec.Status = types.ExecLegBFilled
		costB := rec.LegB.FillQty * rec.LegB.FillPrice
		e.state.AddNotional(costB)
		e.recordFill(plan.LegB, rec.LegB, opp.Interval)

		boxes := math.Min(rec.LegA.FillQty, rec.LegB.FillQty)
		pnl := boxes - costA - costB -
			fees.Leg(types.VenuePolymarket, rec.LegA.FillQty, rec.LegA.FillPrice) -
			fees.Leg(types.VenueKalshi, rec.LegB.FillQty, rec.LegB.FillPrice)

		rec.Status = types.ExecSuccess
		rec.RealizedPnl = pnl
		rec.EndTs = types.NowMs()
		e.state.AddPendingSettlement(types.PendingSettlement{
			ExecutionID: rec.ID,
			Interval:    opp.Interval,
			ExpectedPnl: pnl,
			Cost:        costA + costB,
			SettlesAt:   opp.Interval.EndTs,
		})
		e.logger.Info("box complete",
			"execution_id", rec.ID, "boxes", boxes, "expected_pnl", pnl)
		return &Result{
			Success:  true,
			Record:   rec,
			Cooldown: e.risk.CooldownAfterSuccess,
		}
	}

	// Leg B failed: exit leg A through the price ladder.
	e.logger.Warn("leg B failed, unwinding leg A",
		"execution_id", rec.ID, "stranded_qty", rec.LegA.FillQty)
	rec.Status = types.ExecUnwinding
	unwind := e.unwindLegA(ctx, bundle, plan, rec, opp.Interval)
	rec.Unwind = unwind
	rec.Status = types.ExecUnwound
	rec.RealizedPnl = -unwind.RealizedLoss
	rec.EndTs = types.NowMs()

	e.state.RemoveNotional(costA)
	e.state.RecordUnwindLoss(unwind.RealizedLoss)

	res := &Result{
		Record:   rec,
		Cooldown: e.risk.CooldownAfterFailure,
	}
	if !unwind.Complete {
		res.KillSwitch = true
		e.state.TriggerKillSwitch(execstate.ReasonUnwindFailure)
		e.logger.Error("unwind incomplete, kill switch tripped",
			"execution_id", rec.ID, "loss", unwind.RealizedLoss)
	}
	return res
}

// submitLeg places one order and fills in the leg record. A placement
// error or a non-filled status both count as a failed leg; a partially
// open order is cancelled so nothing rests.
func (e *Executor) submitLeg(ctx context.Context, bundle VenueBundle, params types.OrderParams, leg *types.LegExecution) {
	leg.Params = params
	leg.SubmittedAt = types.NowMs()

	res, err := bundle.PlaceOrder(ctx, params)
	leg.ResolvedAt = types.NowMs()
	if err != nil {
		leg.Error = err.Error()
		if res != nil && res.OrderID != "" && res.Status == types.OrderStatusOpen {
			if cerr := bundle.CancelOrder(context.Background(), params.Venue, res.OrderID); cerr != nil {
				e.logger.Error("cancel after failed leg",
					"venue", params.Venue, "order_id", res.OrderID, "error", cerr)
			}
		}
		return
	}

	leg.OrderID = res.OrderID
	if res.Filled() && res.FilledQty > 0 {
		leg.Filled = true
		leg.FillQty = res.FilledQty
		leg.FillPrice = res.FillPrice
		return
	}
	if res.Status == types.OrderStatusOpen && res.OrderID != "" {
		if cerr := bundle.CancelOrder(context.Background(), params.Venue, res.OrderID); cerr != nil {
			e.logger.Error("cancel resting leg",
				"venue", params.Venue, "order_id", res.OrderID, "error", cerr)
		}
	}
}

func (e *Executor) recordFill(params types.OrderParams, leg types.LegExecution, interval types.IntervalKey) {
	e.tracker.RecordFill(types.FillRecord{
		Venue:         params.Venue,
		Side:          params.Side,
		Action:        params.Action,
		Price:         leg.FillPrice,
		Qty:           leg.FillQty,
		Interval:      interval,
		MarketID:      params.MarketID,
		ClientOrderID: params.ClientOrderID,
		Ts:            leg.ResolvedAt,
	})
}

// syntheticBundle fills every order at its limit price. Used when no venue
// bundle is wired, which only happens in offline simulation.
type syntheticBundle struct{}

func (syntheticBundle) PlaceOrder(_ context.Context, p types.OrderParams) (*types.OrderResult, error) {
	return &types.OrderResult{
		OrderID:   "synthetic-" + uuid.NewString(),
		Status:    types.OrderStatusFilled,
		FilledQty: p.Qty,
		FillPrice: p.Price,
	}, nil
}

func (syntheticBundle) CancelOrder(context.Context, types.Venue, string) error { return nil }

func (syntheticBundle) Quote(types.Venue) (*types.NormalizedQuote, bool) { return nil, false }
