package risk

import "math"

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CalculateKellyCriterion implements §4.4's calculate_kelly_criterion.
// winRate, avgWin, avgLoss describe the historical trade distribution;
// recentWinRate/historicWinRate feed the consistency adjustment; streaks
// and volatility apply the remaining multipliers. Result is clamped to
// [0.005, 0.025] for positive Kelly, 0 otherwise (§8 boundary behavior).
func CalculateKellyCriterion(winRate, avgWin, avgLoss float64, recentWinRate, historicWinRate float64, winStreak, lossStreak int, volatility float64) float64 {
	if avgLoss == 0 {
		return 0
	}
	b := avgWin / avgLoss
	p := winRate
	q := 1 - p
	kelly := (b*p - q) / b
	if kelly <= 0 {
		return 0
	}

	fraction := 0.5 // half-Kelly baseline

	consistency := 1 - math.Abs(recentWinRate-historicWinRate)
	switch {
	case consistency < 0.5:
		fraction = 0.35
	case consistency < 0.6:
		fraction = 0.45
	case consistency < 0.7:
		fraction = 0.50
	case consistency < 0.85:
		fraction = 0.55
	case consistency < 0.9:
		fraction = 0.60
	default:
		fraction = 0.65
	}

	switch {
	case winRate >= 0.65:
		fraction = math.Min(fraction*1.10, 0.70)
	case winRate <= 0.45:
		fraction = math.Max(fraction*0.85, 0.30)
	}

	switch {
	case lossStreak >= 3:
		fraction *= 0.65
	case lossStreak >= 2:
		fraction *= 0.85
	}
	switch {
	case winStreak >= 5:
		fraction = math.Min(fraction*1.15, 0.70)
	case winStreak >= 3:
		fraction *= 1.08
	}

	if volatility > 0.06 {
		fraction = math.Min(fraction, 0.25)
	}

	result := kelly * fraction
	result = math.Min(0.025, result)
	if result > 0 {
		result = math.Max(result, 0.005)
	}
	return clamp(result, 0, 0.035)
}

// CalculateStopLossPct implements §4.4's calculate_stop_loss_pct.
func CalculateStopLossPct(volatility float64) float64 {
	base := 0.012
	var add float64
	switch {
	case volatility > 0.05:
		add = math.Min(volatility*1.5, 0.02)
	case volatility > 0.03:
		add = math.Min(volatility*1.2, 0.02)
	default:
		add = math.Min(volatility*1.0, 0.02)
	}
	return clamp(base+add, 0.010, 0.025)
}

// LeverageInputs bundles the eight factors §4.4's get_max_leverage sums.
type LeverageInputs struct {
	Volatility     float64
	Confidence     float64 // [0,1]
	Momentum       float64 // signed
	TrendStrength  float64 // [0,1]
	RegimeTrending bool
	WinStreak      int
	LossStreak     int
	RecentWinRate  float64
	Drawdown       float64
}

// GetMaxLeverage implements §4.4's get_max_leverage: an 8-factor adjustment
// around a base leverage, clamped to [3, 20]. Drawdown dominates every
// other factor — beyond 20% it alone can drag leverage to the floor.
func GetMaxLeverage(in LeverageInputs) int {
	lev := 10.0 // base

	switch {
	case in.Volatility > 0.06:
		lev -= 4
	case in.Volatility > 0.04:
		lev -= 2
	case in.Volatility < 0.015:
		lev += 2
	}

	if in.Confidence >= 0.80 {
		lev += 2
	} else if in.Confidence < 0.55 {
		lev -= 2
	}

	if math.Abs(in.Momentum) > 0.03 {
		lev += 1
	}

	if in.TrendStrength >= 0.7 {
		lev += 1
	}

	if in.RegimeTrending {
		lev += 1
	}

	switch {
	case in.LossStreak >= 3:
		lev -= 3
	case in.LossStreak >= 2:
		lev -= 1
	}
	switch {
	case in.WinStreak >= 5:
		lev += 2
	case in.WinStreak >= 3:
		lev += 1
	}

	if in.RecentWinRate >= 0.65 {
		lev += 1
	} else if in.RecentWinRate <= 0.40 {
		lev -= 1
	}

	switch {
	case in.Drawdown > 0.20:
		lev -= 10
	case in.Drawdown > 0.15:
		lev -= 6
	case in.Drawdown > 0.10:
		lev -= 3
	}

	return int(clamp(math.Round(lev), 3, 20))
}

// Session is the UTC trading-hour bucket used by adjust_risk_for_conditions.
type Session int

const (
	SessionAsian Session = iota
	SessionEuropean
	SessionUS
)

// SessionForHour buckets a UTC hour into §4.4's three windows.
func SessionForHour(utcHour int) Session {
	switch {
	case utcHour >= 0 && utcHour < 8:
		return SessionAsian
	case utcHour >= 8 && utcHour < 16:
		return SessionEuropean
	default:
		return SessionUS
	}
}

// AdjustRiskForConditions implements §4.4's adjust_risk_for_conditions.
// liqDampener is the liquidation-feed cross-check's output (see
// LiquidationMonitor.RiskDampener): a [0.7, 1.0] multiplier applied on top
// of the session factor, 1.0 when no liquidation signal is available.
func AdjustRiskForConditions(baseRisk, volatility, winRate float64, session Session, liqDampener float64) float64 {
	sessionFactor := 1.0
	switch session {
	case SessionAsian:
		sessionFactor = 0.95
	case SessionEuropean:
		sessionFactor = 1.00
	case SessionUS:
		sessionFactor = 1.05
	}
	return baseRisk * sessionFactor * liqDampener
}
