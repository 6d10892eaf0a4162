package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestZeroBalanceDeniesGuardrails(t *testing.T) {
	e := New(10000, 3, 0.10, zap.NewNop())
	allowed, reason := e.ValidateTradeGuardrails(0, 100, 0, false)
	assert.False(t, allowed)
	assert.Equal(t, "insufficient balance", reason)
}

func TestPerTradeCapDenied(t *testing.T) {
	e := New(10000, 3, 0.10, zap.NewNop())
	allowed, _ := e.ValidateTradeGuardrails(10000, 600, 0, false)
	assert.False(t, allowed)
}

func TestMaxOpenPositionsDenied(t *testing.T) {
	e := New(10000, 2, 0.10, zap.NewNop())
	allowed, _ := e.ValidateTradeGuardrails(10000, 100, 2, false)
	assert.False(t, allowed)
}

// TestScenarioS6KillSwitch mirrors §8 scenario S6.
func TestScenarioS6KillSwitch(t *testing.T) {
	e := New(10000, 3, 0.10, zap.NewNop())
	e.RecordTradeOutcome(-1010) // -10.1% of 10,000

	allowed, reason := e.ValidateTradeGuardrails(9000, 100, 0, false)
	assert.False(t, allowed)
	assert.Equal(t, "daily loss limit", reason)

	// Exits remain allowed while the kill switch is active.
	allowedExit, _ := e.ValidateTradeGuardrails(9000, 100, 0, true)
	assert.True(t, allowedExit)
}

func TestKellyZeroAvgLossReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, CalculateKellyCriterion(0.6, 100, 0, 0.6, 0.55, 0, 0, 0.02))
}

func TestKellyNonPositiveReturnsZero(t *testing.T) {
	// Very poor win rate and payoff ratio should yield non-positive Kelly.
	result := CalculateKellyCriterion(0.2, 50, 100, 0.2, 0.2, 0, 0, 0.02)
	assert.Equal(t, 0.0, result)
}

func TestKellyClampedToRange(t *testing.T) {
	for _, wr := range []float64{0.3, 0.5, 0.7, 0.9} {
		result := CalculateKellyCriterion(wr, 150, 100, wr, wr, 5, 0, 0.01)
		if result > 0 {
			assert.GreaterOrEqual(t, result, 0.005)
			assert.LessOrEqual(t, result, 0.025)
		}
	}
}

func TestStopLossPctClamped(t *testing.T) {
	assert.InDelta(t, 0.012, CalculateStopLossPct(0), 1e-9)
	assert.LessOrEqual(t, CalculateStopLossPct(1.0), 0.025)
}

func TestMaxLeverageBounds(t *testing.T) {
	lev := GetMaxLeverage(LeverageInputs{Volatility: 0.1, Drawdown: 0.25})
	assert.GreaterOrEqual(t, lev, 3)
	assert.LessOrEqual(t, lev, 20)
}

func TestSessionBuckets(t *testing.T) {
	assert.Equal(t, SessionAsian, SessionForHour(3))
	assert.Equal(t, SessionEuropean, SessionForHour(10))
	assert.Equal(t, SessionUS, SessionForHour(20))
}

func TestAdjustRiskForConditionsAppliesSessionAndDampener(t *testing.T) {
	base := AdjustRiskForConditions(0.02, 0.02, 0.55, SessionUS, 1.0)
	assert.InDelta(t, 0.021, base, 1e-9)

	dampened := AdjustRiskForConditions(0.02, 0.02, 0.55, SessionUS, 0.70)
	assert.InDelta(t, 0.0147, dampened, 1e-9)
}

func TestLiquidationMonitorDampenerThresholds(t *testing.T) {
	m := NewLiquidationMonitor(time.Hour)
	assert.Equal(t, 1.0, m.RiskDampener("BTCUSDT", LiquidationSell))

	m.Record("BTCUSDT", LiquidationSell, 1_200_000)
	assert.Equal(t, 0.85, m.RiskDampener("BTCUSDT", LiquidationSell))

	m.Record("BTCUSDT", LiquidationSell, 5_000_000)
	assert.Equal(t, 0.70, m.RiskDampener("BTCUSDT", LiquidationSell))

	// Opposite-side volume must not affect the same-side dampener.
	assert.Equal(t, 1.0, m.RiskDampener("BTCUSDT", LiquidationBuy))
}

func TestLiquidationMonitorEvictsStaleEvents(t *testing.T) {
	m := NewLiquidationMonitor(10 * time.Millisecond)
	m.Record("ETHUSDT", LiquidationBuy, 2_000_000)
	a := assert.New(t)
	a.Equal(0.85, m.RiskDampener("ETHUSDT", LiquidationBuy))

	time.Sleep(20 * time.Millisecond)
	m.Record("ETHUSDT", LiquidationBuy, 0) // triggers eviction of the stale entry
	a.Equal(1.0, m.RiskDampener("ETHUSDT", LiquidationBuy))
}
