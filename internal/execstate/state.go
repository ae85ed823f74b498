// Package execstate holds the process-wide trading state: the busy lock,
// cooldowns, daily PnL, the kill switch, the notional counter, and the
// pending-settlement ledger.
//
// Every field is guarded by one mutex and mutated only through named,
// minimal accessors. The daily PnL window rolls at UTC midnight; the kill
// switch deliberately does not.
package execstate

import (
	"log/slog"
	"sync"
	"time"

	"boxarb/pkg/types"
)

// Kill-switch reasons. ReasonDailyLoss is terminal until manual reset.
const (
	ReasonDailyLoss     = "daily_loss"
	ReasonUnwindFailure = "unwind_failure"
	ReasonReconciler    = "reconciler_escalation"
	ReasonBalanceFloor  = "balance_below_floor"
)

// State is the shared execution state singleton.
type State struct {
	mu sync.Mutex

	busy          bool
	cooldownUntil time.Time

	dailyRealizedPnl float64
	dailyUnwindLoss  float64
	dailyStartTs     time.Time // UTC midnight opening the current window

	killSwitchTriggered bool
	killSwitchReason    string

	totalNotional float64

	pendingSettlements map[string]types.PendingSettlement

	liquidationInProgress bool

	maxDailyLoss float64
	now          func() time.Time
	logger       *slog.Logger
}

// New creates the state with the daily window opening at the current UTC
// midnight.
func New(maxDailyLoss float64, logger *slog.Logger) *State {
	s := &State{
		pendingSettlements: make(map[string]types.PendingSettlement),
		maxDailyLoss:       maxDailyLoss,
		now:                time.Now,
		logger:             logger.With("component", "execstate"),
	}
	s.dailyStartTs = midnightUTC(s.now())
	return s
}

func midnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// rollDayLocked resets the daily counters when UTC midnight has passed.
// The kill switch survives the roll.
func (s *State) rollDayLocked() {
	midnight := midnightUTC(s.now())
	if midnight.After(s.dailyStartTs) {
		s.logger.Info("daily PnL window rolled",
			"prev_realized", s.dailyRealizedPnl,
			"prev_unwind_loss", s.dailyUnwindLoss,
		)
		s.dailyRealizedPnl = 0
		s.dailyUnwindLoss = 0
		s.dailyStartTs = midnight
	}
}

// AcquireBusyLock takes the process-wide execution lock. Returns false if
// an execution or corrective action is already in flight.
func (s *State) AcquireBusyLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

// ReleaseBusyLock frees the execution lock.
func (s *State) ReleaseBusyLock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// Busy reports whether an execution is in flight.
func (s *State) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// EnterCooldown blocks new executions for the given duration.
func (s *State) EnterCooldown(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := s.now().Add(d)
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
	}
}

// ClearCooldown lifts the cooldown immediately.
func (s *State) ClearCooldown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownUntil = time.Time{}
}

// InCooldown reports whether the cooldown window is still open.
func (s *State) InCooldown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Before(s.cooldownUntil)
}

// RecordRealizedPnl adds to the daily realized PnL (negative for losses)
// and trips the kill switch when the daily loss crosses the cap.
func (s *State) RecordRealizedPnl(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()

	s.dailyRealizedPnl += pnl
	if -s.dailyRealizedPnl >= s.maxDailyLoss && !s.killSwitchTriggered {
		s.triggerLocked(ReasonDailyLoss)
	}
}

// RecordUnwindLoss books a loss from an unwind ladder; it counts toward
// both the unwind-loss bookkeeping and realized PnL.
func (s *State) RecordUnwindLoss(loss float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()

	s.dailyUnwindLoss += loss
	s.dailyRealizedPnl -= loss
	if -s.dailyRealizedPnl >= s.maxDailyLoss && !s.killSwitchTriggered {
		s.triggerLocked(ReasonDailyLoss)
	}
}

// DailyRealizedPnl returns the realized PnL since the last UTC midnight.
func (s *State) DailyRealizedPnl() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	return s.dailyRealizedPnl
}

// DailyLoss returns the positive dollar loss so far today (0 when
// profitable).
func (s *State) DailyLoss() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	if s.dailyRealizedPnl >= 0 {
		return 0
	}
	return -s.dailyRealizedPnl
}

// DailyUnwindLoss returns the unwind losses booked today.
func (s *State) DailyUnwindLoss() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()
	return s.dailyUnwindLoss
}

func (s *State) triggerLocked(reason string) {
	s.killSwitchTriggered = true
	s.killSwitchReason = reason
	s.logger.Error("kill switch triggered", "reason", reason)
}

// TriggerKillSwitch halts all new trading with the given reason.
func (s *State) TriggerKillSwitch(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.killSwitchTriggered {
		s.triggerLocked(reason)
	}
}

// KillSwitch returns the trigger state and reason.
func (s *State) KillSwitch() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killSwitchTriggered, s.killSwitchReason
}

// AttemptRecovery clears the kill switch when safe: the reason must not be
// daily_loss (terminal until manual reset), today's loss must be under the
// cap, and no liquidation may be active.
func (s *State) AttemptRecovery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()

	if !s.killSwitchTriggered {
		return true
	}
	if s.killSwitchReason == ReasonDailyLoss {
		return false
	}
	if -s.dailyRealizedPnl >= s.maxDailyLoss {
		return false
	}
	if s.liquidationInProgress {
		return false
	}

	s.logger.Warn("kill switch recovered", "reason", s.killSwitchReason)
	s.killSwitchTriggered = false
	s.killSwitchReason = ""
	return true
}

// AddNotional adds a filled leg's notional to the process-wide counter.
func (s *State) AddNotional(usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalNotional += usd
}

// RemoveNotional subtracts unwound or settled notional, flooring at zero.
func (s *State) RemoveNotional(usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalNotional -= usd
	if s.totalNotional < 0 {
		s.totalNotional = 0
	}
}

// TotalNotional returns the outstanding notional in dollars.
func (s *State) TotalNotional() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalNotional
}

// AddPendingSettlement registers a completed box held through interval
// close. Only the executor inserts.
func (s *State) AddPendingSettlement(p types.PendingSettlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSettlements[p.ExecutionID] = p
}

// SettlePending drains the interval's settlements, moving their expected
// PnL into daily realized and releasing the notional they had booked.
// Returns the drained entries.
func (s *State) SettlePending(interval types.IntervalKey) []types.PendingSettlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollDayLocked()

	var drained []types.PendingSettlement
	for id, p := range s.pendingSettlements {
		if p.Interval == interval {
			drained = append(drained, p)
			s.dailyRealizedPnl += p.ExpectedPnl
			s.totalNotional -= p.Cost
			delete(s.pendingSettlements, id)
		}
	}
	if s.totalNotional < 0 {
		s.totalNotional = 0
	}
	return drained
}

// PendingSettlements returns a copy of the ledger.
func (s *State) PendingSettlements() []types.PendingSettlement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.PendingSettlement, 0, len(s.pendingSettlements))
	for _, p := range s.pendingSettlements {
		out = append(out, p)
	}
	return out
}

// SetLiquidation marks a force-liquidation as in progress; it blocks the
// reconciler and kill-switch recovery.
func (s *State) SetLiquidation(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liquidationInProgress = active
}

// LiquidationInProgress reports whether a force-liquidation is running.
func (s *State) LiquidationInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liquidationInProgress
}
