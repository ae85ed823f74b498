package execstate

import (
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"boxarb/pkg/types"
)

func newTestState(maxDailyLoss float64) *State {
	return New(maxDailyLoss, slog.Default())
}

func TestBusyLockMutualExclusion(t *testing.T) {
	t.Parallel()
	s := newTestState(20)

	if !s.AcquireBusyLock() {
		t.Fatal("first acquire failed")
	}
	if s.AcquireBusyLock() {
		t.Error("second acquire succeeded while held")
	}
	s.ReleaseBusyLock()
	if !s.AcquireBusyLock() {
		t.Error("acquire after release failed")
	}
}

func TestBusyLockConcurrent(t *testing.T) {
	t.Parallel()
	s := newTestState(20)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.AcquireBusyLock() {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("%d goroutines acquired the lock, want exactly 1", acquired)
	}
}

func TestCooldownWindow(t *testing.T) {
	t.Parallel()
	s := newTestState(20)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.EnterCooldown(3 * time.Second)
	if !s.InCooldown() {
		t.Error("not in cooldown immediately after entering")
	}

	now = now.Add(4 * time.Second)
	if s.InCooldown() {
		t.Error("still in cooldown after window expired")
	}

	s.EnterCooldown(3 * time.Second)
	s.ClearCooldown()
	if s.InCooldown() {
		t.Error("in cooldown after explicit clear")
	}
}

func TestDailyRollResetsPnlNotKillSwitch(t *testing.T) {
	t.Parallel()
	s := newTestState(20)
	now := time.Date(2026, 8, 24, 23, 50, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.dailyStartTs = midnightUTC(now)

	s.RecordUnwindLoss(25) // crosses the $20 cap, trips the switch
	if tripped, reason := s.KillSwitch(); !tripped || reason != ReasonDailyLoss {
		t.Fatalf("kill switch = %v/%q, want tripped/daily_loss", tripped, reason)
	}

	// Cross UTC midnight: PnL resets, kill switch survives.
	now = now.Add(20 * time.Minute)
	if got := s.DailyRealizedPnl(); got != 0 {
		t.Errorf("dailyRealizedPnl after roll = %v, want 0", got)
	}
	if got := s.DailyUnwindLoss(); got != 0 {
		t.Errorf("dailyUnwindLoss after roll = %v, want 0", got)
	}
	if tripped, _ := s.KillSwitch(); !tripped {
		t.Error("kill switch reset by day change")
	}
	// daily_loss stays terminal even with the loss rolled away.
	if s.AttemptRecovery() {
		t.Error("daily_loss kill switch recovered without manual reset")
	}
}

func TestKillSwitchRecovery(t *testing.T) {
	t.Parallel()

	s := newTestState(20)
	s.TriggerKillSwitch(ReasonReconciler)
	if !s.AttemptRecovery() {
		t.Error("recoverable reason did not recover")
	}
	if tripped, _ := s.KillSwitch(); tripped {
		t.Error("kill switch still tripped after recovery")
	}

	// Recovery refused while a liquidation is active.
	s.TriggerKillSwitch(ReasonUnwindFailure)
	s.SetLiquidation(true)
	if s.AttemptRecovery() {
		t.Error("recovered during active liquidation")
	}
	s.SetLiquidation(false)
	if !s.AttemptRecovery() {
		t.Error("recovery failed after liquidation finished")
	}

	// Recovery refused while today's loss is at the cap.
	s.RecordRealizedPnl(-20)
	s.mu.Lock()
	s.killSwitchReason = ReasonReconciler // switch tripped as daily_loss; force a recoverable reason
	s.mu.Unlock()
	if s.AttemptRecovery() {
		t.Error("recovered with daily loss at cap")
	}
}

func TestNotionalFloor(t *testing.T) {
	t.Parallel()
	s := newTestState(20)

	s.AddNotional(50)
	s.RemoveNotional(80)
	if got := s.TotalNotional(); got != 0 {
		t.Errorf("totalNotional = %v, want floor 0", got)
	}
}

func TestPendingSettlementConservation(t *testing.T) {
	t.Parallel()
	s := newTestState(100)

	intervalA := types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000}
	intervalB := intervalA.Next()

	s.RecordRealizedPnl(-2.50) // an unwind loss earlier today
	s.AddPendingSettlement(types.PendingSettlement{
		ExecutionID: "e1", Interval: intervalA, ExpectedPnl: 1.20,
	})
	s.AddPendingSettlement(types.PendingSettlement{
		ExecutionID: "e2", Interval: intervalA, ExpectedPnl: 0.80,
	})
	s.AddPendingSettlement(types.PendingSettlement{
		ExecutionID: "e3", Interval: intervalB, ExpectedPnl: 0.40,
	})

	// Conservation: realized + pending is the cumulative total.
	total := s.DailyRealizedPnl()
	for _, p := range s.PendingSettlements() {
		total += p.ExpectedPnl
	}
	if math.Abs(total-(-2.50+1.20+0.80+0.40)) > 1e-9 {
		t.Fatalf("cumulative pnl = %v, want -0.10", total)
	}

	// Draining interval A moves its expected PnL into realized and
	// leaves the invariant intact.
	drained := s.SettlePending(intervalA)
	if len(drained) != 2 {
		t.Fatalf("drained %d settlements, want 2", len(drained))
	}
	if math.Abs(s.DailyRealizedPnl()-(-0.50)) > 1e-9 {
		t.Errorf("realized after settle = %v, want -0.50", s.DailyRealizedPnl())
	}

	total = s.DailyRealizedPnl()
	for _, p := range s.PendingSettlements() {
		total += p.ExpectedPnl
	}
	if math.Abs(total-(-0.10)) > 1e-9 {
		t.Errorf("cumulative pnl after settle = %v, want -0.10", total)
	}

	// Interval B's entry is untouched.
	if remaining := s.PendingSettlements(); len(remaining) != 1 || remaining[0].ExecutionID != "e3" {
		t.Errorf("remaining settlements = %+v, want only e3", remaining)
	}
}

func TestSettlePendingReleasesNotional(t *testing.T) {
	t.Parallel()
	s := newTestState(20)

	intervalA := types.IntervalKey{StartTs: 1700000100, EndTs: 1700001000}
	intervalB := intervalA.Next()

	// Two boxes booked: each leg's cost went into the notional counter.
	s.AddNotional(18.40)
	s.AddPendingSettlement(types.PendingSettlement{
		ExecutionID: "e1", Interval: intervalA, ExpectedPnl: 1.20, Cost: 18.40,
	})
	s.AddNotional(9.10)
	s.AddPendingSettlement(types.PendingSettlement{
		ExecutionID: "e2", Interval: intervalB, ExpectedPnl: 0.40, Cost: 9.10,
	})

	s.SettlePending(intervalA)
	if got := s.TotalNotional(); math.Abs(got-9.10) > 1e-9 {
		t.Errorf("notional after settling interval A = %v, want 9.10 still outstanding", got)
	}

	s.SettlePending(intervalB)
	if got := s.TotalNotional(); got != 0 {
		t.Errorf("notional after settling everything = %v, want 0", got)
	}
}

func TestDailyLossTripsKillSwitch(t *testing.T) {
	t.Parallel()
	s := newTestState(20)

	s.RecordRealizedPnl(-19.99)
	if tripped, _ := s.KillSwitch(); tripped {
		t.Error("kill switch tripped below cap")
	}
	s.RecordRealizedPnl(-0.01)
	if tripped, reason := s.KillSwitch(); !tripped || reason != ReasonDailyLoss {
		t.Errorf("kill switch = %v/%q, want tripped at cap", tripped, reason)
	}
}
