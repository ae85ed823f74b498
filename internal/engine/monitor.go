package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"boxarb/internal/execstate"
	"boxarb/pkg/types"
)

// balanceSource reads a venue's available cash balance.
type balanceSource interface {
	GetBalance(ctx context.Context) (float64, error)
}

// balanceStrikes is how many consecutive below-floor reads it takes before
// a low balance counts as persistent rather than a settlement blip.
const balanceStrikes = 2

// riskMonitor owns the engine's reaction to the kill switch and watches
// venue balances. Any trip, whichever component caused it, leads to exactly
// one force-liquidation; afterwards the monitor keeps attempting recovery
// for the non-terminal reasons.
type riskMonitor struct {
	state     *execstate.State
	floor     float64
	sources   map[types.Venue]balanceSource
	liquidate func(ctx context.Context)

	mu          sync.Mutex
	low         map[types.Venue]int
	killHandled bool

	logger *slog.Logger
}

func newRiskMonitor(state *execstate.State, floor float64, sources map[types.Venue]balanceSource,
	liquidate func(ctx context.Context), logger *slog.Logger) *riskMonitor {
	return &riskMonitor{
		state:     state,
		floor:     floor,
		sources:   sources,
		liquidate: liquidate,
		low:       make(map[types.Venue]int),
		logger:    logger.With("component", "risk_monitor"),
	}
}

func (m *riskMonitor) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *riskMonitor) tick(ctx context.Context) {
	m.checkBalances(ctx)

	killed, reason := m.state.KillSwitch()
	m.mu.Lock()
	handled := m.killHandled
	m.mu.Unlock()

	switch {
	case killed && !handled:
		m.setHandled(true)
		m.logger.Error("kill switch active, force-liquidating", "reason", reason)
		m.liquidate(ctx)
	case killed && handled:
		if m.state.AttemptRecovery() {
			m.setHandled(false)
			m.logger.Warn("kill switch recovered, trading resumes")
		}
	default:
		m.setHandled(false)
	}
}

func (m *riskMonitor) setHandled(v bool) {
	m.mu.Lock()
	m.killHandled = v
	m.mu.Unlock()
}

// checkBalances trips the kill switch when a venue's balance stays under
// the floor across consecutive reads. A single low read is ignored since
// settlement payouts land with a delay.
func (m *riskMonitor) checkBalances(ctx context.Context) {
	if m.floor <= 0 || len(m.sources) == 0 {
		return
	}
	for venue, src := range m.sources {
		bal, err := src.GetBalance(ctx)
		if err != nil {
			m.logger.Warn("balance read failed", "venue", venue, "error", err)
			continue
		}
		m.mu.Lock()
		if bal >= m.floor {
			m.low[venue] = 0
			m.mu.Unlock()
			continue
		}
		m.low[venue]++
		strikes := m.low[venue]
		m.mu.Unlock()

		m.logger.Warn("balance below floor",
			"venue", venue, "balance", bal, "floor", m.floor, "strikes", strikes)
		if strikes >= balanceStrikes {
			m.state.TriggerKillSwitch(execstate.ReasonBalanceFloor)
		}
	}
}
