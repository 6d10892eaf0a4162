// Package risk implements the process-wide Risk Engine (C4, §4.4): pre-trade
// guardrails, the kill switch, the drawdown/streak trackers, fractional
// Kelly sizing, adaptive stop-loss width, leverage selection, and the
// session-aware risk adjustment. RiskState is a single process-wide
// instance (§3); every other component reads it only through the immutable
// snapshots this package returns.
package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

const recentTradesCapacity = 20

// TradeOutcome is one entry in the bounded recent-trades ring (§3).
type TradeOutcome struct {
	PnLNet float64
	Win    bool
	At     time.Time
}

// KillSwitch mirrors §3's RiskState.kill_switch.
type KillSwitch struct {
	Active bool
	Reason string
}

// Snapshot is an immutable read of RiskState handed to other components —
// nobody outside this package ever mutates RiskState directly (§3
// ownership rule).
type Snapshot struct {
	InitialBalance   float64
	PeakBalance      float64
	CurrentDrawdown  float64
	DailyPnL         float64
	DailyResetAt     time.Time
	WinStreak        int
	LossStreak       int
	RecentWinRate    float64
	HistoricWinRate  float64
	KillSwitch       KillSwitch
}

// Engine owns RiskState exclusively (§3). All mutation happens through its
// methods, each under mu.
type Engine struct {
	mu sync.Mutex

	initialBalance  float64
	peakBalance     float64
	currentDrawdown float64

	dailyPnL           float64
	initialDailyBalance float64
	dailyResetAt       time.Time

	winStreak  int
	lossStreak int

	recentTrades []TradeOutcome
	totalWins    int
	totalTrades  int

	killSwitch KillSwitch

	maxOpenPositions int
	dailyLossPct     float64

	log *zap.Logger
}

// New constructs the Risk Engine with the starting account balance and the
// two configured guardrail parameters from §6 (max_open_positions,
// kill_switch_daily_loss_pct).
func New(initialBalance float64, maxOpenPositions int, killSwitchDailyLossPct float64, log *zap.Logger) *Engine {
	now := time.Now()
	return &Engine{
		initialBalance:      initialBalance,
		peakBalance:         initialBalance,
		initialDailyBalance: initialBalance,
		dailyResetAt:        now,
		maxOpenPositions:    maxOpenPositions,
		dailyLossPct:        killSwitchDailyLossPct,
		log:                 log,
	}
}

// RestoreState reapplies a Snapshot taken before a restart. Only the fields
// a crash can't safely rederive are restored — peak balance, today's P&L
// and its reset boundary, the streak counters, and the kill switch; recent
// trade history is not persisted and starts empty.
func (e *Engine) RestoreState(snap Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peakBalance = snap.PeakBalance
	e.dailyPnL = snap.DailyPnL
	e.dailyResetAt = snap.DailyResetAt
	e.winStreak = snap.WinStreak
	e.lossStreak = snap.LossStreak
	e.killSwitch = snap.KillSwitch
}

// Snapshot returns an immutable copy of the current RiskState.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		InitialBalance:  e.initialBalance,
		PeakBalance:     e.peakBalance,
		CurrentDrawdown: e.currentDrawdown,
		DailyPnL:        e.dailyPnL,
		DailyResetAt:    e.dailyResetAt,
		WinStreak:       e.winStreak,
		LossStreak:      e.lossStreak,
		RecentWinRate:   e.recentWinRateLocked(),
		HistoricWinRate: e.historicWinRateLocked(),
		KillSwitch:      e.killSwitch,
	}
}

// ValidateTradeGuardrails implements §4.4's validate_trade_guardrails.
func (e *Engine) ValidateTradeGuardrails(balance, positionValue float64, currentPositions int, isExit bool) (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.maybeResetDailyLocked()

	if e.killSwitch.Active && !isExit {
		return false, "kill switch active: " + e.killSwitch.Reason
	}
	if balance <= 0 {
		return false, "insufficient balance"
	}
	if positionValue/balance > 0.05 {
		return false, "per-trade cap exceeded"
	}
	if currentPositions >= e.maxOpenPositions && !isExit {
		return false, "max open positions reached"
	}
	if e.initialDailyBalance > 0 && e.dailyPnL/e.initialDailyBalance <= -e.dailyLossPct {
		e.killSwitch = KillSwitch{Active: true, Reason: "daily loss limit"}
		e.log.Warn("kill switch activated", zap.Float64("daily_pnl", e.dailyPnL))
		if !isExit {
			return false, "daily loss limit"
		}
	}
	return true, ""
}

// RecordTradeOutcome implements §4.4's record_trade_outcome: updates
// streaks, the bounded recent-trades ring, daily P&L and drawdown, and
// resets daily P&L across a UTC date rollover. Per §9 Open Question #3,
// pnlNet must already be fee-inclusive.
func (e *Engine) RecordTradeOutcome(pnlNet float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.maybeResetDailyLocked()

	e.dailyPnL += pnlNet
	currentBalance := e.initialBalance + e.dailyPnL
	if currentBalance > e.peakBalance {
		e.peakBalance = currentBalance
	}
	if e.peakBalance > 0 {
		e.currentDrawdown = (e.peakBalance - currentBalance) / e.peakBalance
	}

	win := pnlNet > 0
	if win {
		e.winStreak++
		e.lossStreak = 0
		e.totalWins++
	} else {
		e.lossStreak++
		e.winStreak = 0
	}
	e.totalTrades++

	e.recentTrades = append(e.recentTrades, TradeOutcome{PnLNet: pnlNet, Win: win, At: time.Now()})
	if len(e.recentTrades) > recentTradesCapacity {
		e.recentTrades = e.recentTrades[len(e.recentTrades)-recentTradesCapacity:]
	}
}

func (e *Engine) maybeResetDailyLocked() {
	now := time.Now().UTC()
	resetDay := e.dailyResetAt.UTC()
	if now.Year() != resetDay.Year() || now.YearDay() != resetDay.YearDay() {
		e.dailyPnL = 0
		e.initialDailyBalance = e.initialBalance + (e.peakBalance - e.initialBalance)
		e.dailyResetAt = now
		// Kill switch remains active across rollover until manually
		// deactivated (§8 boundary behavior).
	}
}

// DeactivateKillSwitch clears the kill switch. It never happens
// automatically — an operator (or the orchestrator's admin surface) must
// call this explicitly, per §8.
func (e *Engine) DeactivateKillSwitch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = KillSwitch{}
}

// ActivateKillSwitch lets an external guardrail (e.g. the liquidation-feed
// cross-check) force the kill switch on.
func (e *Engine) ActivateKillSwitch(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killSwitch = KillSwitch{Active: true, Reason: reason}
}

func (e *Engine) recentWinRateLocked() float64 {
	if len(e.recentTrades) == 0 {
		return 0
	}
	wins := 0.0
	for _, t := range e.recentTrades {
		if t.Win {
			wins++
		}
	}
	return wins / float64(len(e.recentTrades))
}

func (e *Engine) historicWinRateLocked() float64 {
	if e.totalTrades == 0 {
		return 0
	}
	return float64(e.totalWins) / float64(e.totalTrades)
}

// RecentPnLStdDev uses gonum/stat over the recent-trades ring to compute a
// rolling standard deviation of recent realized P&L. CalculateKellyCriterion
// does not take it as an input; its consistency term uses win rates only.
func (e *Engine) RecentPnLStdDev() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.recentTrades) < 2 {
		return 0
	}
	vals := make([]float64, len(e.recentTrades))
	for i, t := range e.recentTrades {
		vals[i] = t.PnLNet
	}
	_, std := stat.MeanStdDev(vals, nil)
	return std
}
