// Package position implements the per-symbol position state machine (§4.5):
// fee-aware P&L, adaptive trailing stop, breakeven-plus, trailing take
// profit, take-profit extension, and the multi-tier should-close decision.
// Every exported method here works only on the Position itself — no I/O,
// no locking — so the invariants in §8 can be property-tested directly.
package position

import (
	"math"

	"github.com/google/uuid"
)

// Side is the position direction.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) sign() float64 {
	if s == Long {
		return 1
	}
	return -1
}

// Position is the sole owner of per-trade state (§3). The zero value is not
// valid; use Open.
type Position struct {
	// ID identifies this position instance across restarts — distinct from
	// Symbol, which a new position can reuse once the old one closes. Set
	// once at Open and carried through every persisted snapshot.
	ID        string
	Symbol    string
	Side      Side
	EntryTime int64 // unix millis

	Amount     float64 // contracts
	Leverage   int
	EntryPrice float64
	TakerFee   float64 // round-trip uses 2x this

	StopLoss   float64
	TakeProfit float64

	HighestPrice  float64
	LowestPrice   float64
	PeakPnL       float64
	LastPnL       float64
	LastPnLTimeMs int64
	ProfitVelocity float64 // pnl change per hour

	BreakevenPlusActivated bool
	TrailingTPActivated    bool
	peakPriceForTP         float64
}

// Open constructs a new Position with the §4.6 default SL/TP relationship:
// stop_loss = entry*(1 -+ stopLossPct), take_profit = entry*(1 +- 3*stopLossPct).
func Open(symbol string, side Side, amount float64, leverage int, entryPrice, stopLossPct, takerFee float64, entryTimeMs int64) *Position {
	sign := side.sign()
	p := &Position{
		ID:            uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		EntryTime:     entryTimeMs,
		Amount:        amount,
		Leverage:      leverage,
		EntryPrice:    entryPrice,
		TakerFee:      takerFee,
		StopLoss:      entryPrice * (1 - sign*stopLossPct),
		TakeProfit:    entryPrice * (1 + sign*stopLossPct*3),
		HighestPrice:  entryPrice,
		LowestPrice:   entryPrice,
	}
	p.peakPriceForTP = entryPrice
	return p
}

// TPPeakPrice returns the peak price used to trail the take-profit target,
// for callers that need to persist it across a restart.
func (p *Position) TPPeakPrice() float64 { return p.peakPriceForTP }

// SetTPPeakPrice reapplies a peak price recovered from a snapshot. Only
// meant for crash recovery, never for normal position management.
func (p *Position) SetTPPeakPrice(v float64) { p.peakPriceForTP = v }

// GrossPnL is the unrealized profit on the whole Amount before fees, signed
// by side.
func (p *Position) GrossPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Side.sign() * p.Amount
}

// NetPnL subtracts the round-trip taker fee (2x) from GrossPnL, quoted on
// notional at entry — the §9 Open Question #3 resolution: every realized and
// displayed P&L is fee-inclusive.
func (p *Position) NetPnL(price float64) float64 {
	notional := p.EntryPrice * p.Amount
	return p.GrossPnL(price) - 2*p.TakerFee*notional
}

// LeveragedROI is net P&L expressed as return on margin (ROI on margin, per
// the GLOSSARY), i.e. net P&L percentage multiplied by leverage.
func (p *Position) LeveragedROI(price float64) float64 {
	notional := p.EntryPrice * p.Amount
	if notional == 0 {
		return 0
	}
	return (p.NetPnL(price) / notional) * float64(p.Leverage)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// UpdateTrailingStop implements §4.5's adaptive trailing stop. It is
// monotonic by construction: the proposed SL is only ever applied when it
// is strictly more favorable than the current one.
func (p *Position) UpdateTrailingStop(currentPrice, basePct, volatility, momentum float64) {
	if p.Side == Long {
		p.HighestPrice = math.Max(p.HighestPrice, currentPrice)
	} else {
		if p.LowestPrice == 0 || currentPrice < p.LowestPrice {
			p.LowestPrice = currentPrice
		}
	}

	volFactor := 1.0
	switch {
	case volatility > 0.05:
		volFactor = 1.5
	case volatility > 0.03:
		volFactor = 1.2
	case volatility < 0.02:
		volFactor = 0.8
	}

	peakROI := p.LeveragedROI(p.peakTrailPrice())
	profitFactor := 1.0
	switch {
	case peakROI > 0.10:
		profitFactor = 0.70
	case peakROI > 0.05:
		profitFactor = 0.85
	}

	momentumFactor := 1.0
	absM := math.Abs(momentum)
	switch {
	case absM > 0.03:
		momentumFactor = 1.2
	case absM < 0.01:
		momentumFactor = 0.9
	}

	d := clamp(basePct*volFactor*profitFactor*momentumFactor, 0.004, 0.04)

	if p.Side == Long {
		proposed := p.HighestPrice * (1 - d)
		if proposed > p.StopLoss {
			p.StopLoss = proposed
		}
	} else {
		proposed := p.LowestPrice * (1 + d)
		if p.StopLoss == 0 || proposed < p.StopLoss {
			p.StopLoss = proposed
		}
	}
}

func (p *Position) peakTrailPrice() float64 {
	if p.Side == Long {
		return p.HighestPrice
	}
	return p.LowestPrice
}

// UpdateBreakevenPlus implements §4.5's breakeven-plus rule. Idempotent:
// once activated, recomputing with the same or worse inputs never regresses
// the lock-in because the new candidate is only applied when it is more
// favorable (callers invoke this every tick; the monotonic SL write below
// keeps it safe to call unconditionally).
func (p *Position) UpdateBreakevenPlus(currentPrice, volatility float64) {
	netPnLPct := p.NetPnL(currentPrice) / (p.EntryPrice * p.Amount)
	if netPnLPct < 0.008 {
		return
	}

	lockMult := 1.0
	switch {
	case volatility > 0.05:
		lockMult = 1.5
	case volatility > 0.03:
		lockMult = 1.2
	}
	lock := 0.003 * lockMult

	sign := p.Side.sign()
	candidate := p.EntryPrice * (1 + sign*lock)

	if p.Side == Long {
		if candidate > p.StopLoss {
			p.StopLoss = candidate
		}
	} else {
		if p.StopLoss == 0 || candidate < p.StopLoss {
			p.StopLoss = candidate
		}
	}
	p.BreakevenPlusActivated = true
}

// UpdateTrailingTakeProfit implements §4.5's trailing TP: once net ROI
// crosses 0.015 it activates and the TP only ever tightens toward price.
func (p *Position) UpdateTrailingTakeProfit(currentPrice, volatility, momentum float64) {
	netPnLPct := p.NetPnL(currentPrice) / (p.EntryPrice * p.Amount)
	if !p.TrailingTPActivated {
		if netPnLPct < 0.015 {
			return
		}
		p.TrailingTPActivated = true
		p.peakPriceForTP = currentPrice
	}

	if p.Side == Long {
		p.peakPriceForTP = math.Max(p.peakPriceForTP, currentPrice)
	} else {
		if currentPrice < p.peakPriceForTP {
			p.peakPriceForTP = currentPrice
		}
	}

	volFactor := 1.0
	switch {
	case volatility > 0.05:
		volFactor = 1.5
	case volatility > 0.03:
		volFactor = 1.2
	case volatility < 0.02:
		volFactor = 0.8
	}
	momentumFactor := 1.0
	absM := math.Abs(momentum)
	switch {
	case absM > 0.03:
		momentumFactor = 1.2
	case absM < 0.01:
		momentumFactor = 0.9
	}

	t := 0.005 * volFactor * momentumFactor

	var proposed float64
	if p.Side == Long {
		proposed = p.peakPriceForTP * (1 - t)
		if proposed > p.TakeProfit {
			p.TakeProfit = proposed
		}
	} else {
		proposed = p.peakPriceForTP * (1 + t)
		if p.TakeProfit == 0 || proposed < p.TakeProfit {
			p.TakeProfit = proposed
		}
	}
}

// SupportResistance carries the nearest opposing level, when known, for the
// §4.5 S/R cap on take-profit extension.
type SupportResistance struct {
	NearestOpposing float64
	Known           bool
}

// UpdateTakeProfit implements §4.5's extension rules: progress rule,
// profit-level rule, never-retreat rule, and S/R cap, in that order. The
// S/R cap runs after the never-retreat check and only ever pulls the
// candidate closer to current price, so no applied TP is further from
// price than the one it replaces.
func (p *Position) UpdateTakeProfit(currentPrice, momentum, trendStrength, volatility, rsi float64, sr SupportResistance) {
	if p.TrailingTPActivated {
		// Once trailing TP has taken over, the original extension
		// machinery no longer applies (§4.5).
		return
	}

	distTotal := p.TakeProfit - p.EntryPrice
	if distTotal == 0 {
		return
	}
	progress := (currentPrice - p.EntryPrice) / distTotal

	var maxMult float64
	switch {
	case progress > 1.05:
		maxMult = 1.01
	case progress >= 1.00:
		maxMult = 1.03
	case progress >= 0.90:
		maxMult = 1.05
	case progress >= 0.80:
		maxMult = 1.08
	case progress >= 0.70:
		maxMult = 1.10
	case progress >= 0.50:
		maxMult = 1.15
	default:
		// progress < 0.50: the early-stage extension allowance scales
		// down to 1.0 (no extension) as progress approaches 0, capped
		// at 2.5x per §4.5.
		maxMult = clamp(1.0+progress*3.0, 1.0, 2.5)
	}

	netROI := p.LeveragedROI(currentPrice)
	switch {
	case netROI >= 0.15:
		maxMult = math.Min(maxMult, 1.05)
	case netROI >= 0.10:
		maxMult = math.Min(maxMult, 1.10)
	case netROI >= 0.05:
		maxMult = math.Min(maxMult, 1.20)
	}

	sign := p.Side.sign()
	candidate := p.EntryPrice + sign*distTotal*maxMult

	oldDist := math.Abs(p.TakeProfit - currentPrice)
	newDist := math.Abs(candidate - currentPrice)
	if newDist > oldDist {
		// Never-retreat rule: reject any candidate that moves the TP
		// further from current price than it already is.
		return
	}

	if sr.Known {
		capDist := math.Abs(sr.NearestOpposing-currentPrice) * 0.98
		if sign > 0 {
			maxAllowed := currentPrice + capDist
			if candidate > maxAllowed {
				candidate = maxAllowed
			}
		} else {
			minAllowed := currentPrice - capDist
			if candidate < minAllowed {
				candidate = minAllowed
			}
		}
	}

	p.TakeProfit = candidate
}

// CloseReason enumerates the §4.5 should_close outcomes.
type CloseReason string

const (
	NoClose CloseReason = ""

	ReasonEmergencyLiquidation CloseReason = "emergency_liquidation"
	ReasonEmergencySevere      CloseReason = "emergency_severe"
	ReasonEmergencyExcessive   CloseReason = "emergency_excessive"

	ReasonTPExceptional CloseReason = "tp_exceptional"
	ReasonTPVeryHigh    CloseReason = "tp_very_high"
	ReasonTPHigh        CloseReason = "tp_high"
	ReasonTP10Pct       CloseReason = "tp_10pct"
	ReasonTP8Pct        CloseReason = "tp_8pct"
	ReasonTP5Pct        CloseReason = "tp_5pct"

	ReasonMajorRetracement CloseReason = "tp_major_retracement"
	ReasonMomentumLoss     CloseReason = "tp_momentum_loss"

	ReasonStopLoss   CloseReason = "stop_loss"
	ReasonTakeProfit CloseReason = "take_profit"

	// ReasonShutdown marks a close-on-exit triggered by the orchestrator's
	// shutdown path rather than by should_close's own decision tree.
	ReasonShutdown CloseReason = "shutdown"
)

// ShouldClose implements the full §4.5 decision tree in priority order:
// emergency tiers, smart profit-taking, momentum-loss exits, then standard
// SL/TP. It raises PeakPnL to the current net ROI before deciding, so it is
// not free of side effects, and it takes no lock of its own.
func (p *Position) ShouldClose(currentPrice, volatility, drawdown, portfolioCorrelation float64) (bool, CloseReason) {
	netROI := p.LeveragedROI(currentPrice)
	p.PeakPnL = math.Max(p.PeakPnL, netROI)

	tighten := 1.0
	if volatility > 0.06 || drawdown > 0.10 || portfolioCorrelation > 0.7 {
		tighten = 0.8
	}

	if netROI <= -0.40*tighten {
		return true, ReasonEmergencyLiquidation
	}
	if netROI <= -0.25*tighten {
		return true, ReasonEmergencySevere
	}
	if netROI <= -0.15*tighten {
		return true, ReasonEmergencyExcessive
	}

	distToTP := math.Abs(p.TakeProfit-currentPrice) / currentPrice

	switch {
	case netROI >= 0.20:
		return true, ReasonTPExceptional
	case netROI >= 0.15 && distToTP > 0.02:
		return true, ReasonTPVeryHigh
	case netROI >= 0.12:
		return true, ReasonTPHigh
	case netROI >= 0.10 && distToTP > 0.02:
		return true, ReasonTP10Pct
	case netROI >= 0.08 && distToTP > 0.03:
		return true, ReasonTP8Pct
	case netROI >= 0.05 && distToTP > 0.05:
		return true, ReasonTP5Pct
	}

	if p.PeakPnL > 0 {
		drawdownFromPeak := (p.PeakPnL - netROI) / p.PeakPnL
		if p.PeakPnL >= 0.10 && drawdownFromPeak >= 0.50 && netROI >= 0.01 {
			return true, ReasonMajorRetracement
		}
		if drawdownFromPeak >= 0.30 && netROI >= 0.03 && netROI <= 0.15 {
			return true, ReasonMomentumLoss
		}
	}

	if p.Side == Long {
		if currentPrice <= p.StopLoss {
			return true, ReasonStopLoss
		}
		if currentPrice >= p.TakeProfit {
			return true, ReasonTakeProfit
		}
	} else {
		if currentPrice >= p.StopLoss {
			return true, ReasonStopLoss
		}
		if currentPrice <= p.TakeProfit {
			return true, ReasonTakeProfit
		}
	}

	return false, NoClose
}

// RecordPnLSample updates the tracking fields (last_pnl, last_pnl_time,
// profit_velocity) used for diagnostics: profit_velocity is the hourly rate
// of net P&L change since the previous sample.
func (p *Position) RecordPnLSample(nowMs int64, price float64) {
	pnl := p.NetPnL(price)
	if p.LastPnLTimeMs != 0 {
		hours := float64(nowMs-p.LastPnLTimeMs) / (3600.0 * 1000.0)
		if hours > 0 {
			p.ProfitVelocity = (pnl - p.LastPnL) / hours
		}
	}
	p.LastPnL = pnl
	p.LastPnLTimeMs = nowMs
}

