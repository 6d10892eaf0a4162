package position

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const takerFee = 0.0006

func TestOpenInvariants(t *testing.T) {
	p := Open("BTCUSDT", Long, 0.1, 10, 50000, 0.02, takerFee, 0)
	assert.Less(t, p.StopLoss, p.EntryPrice)
	assert.LessOrEqual(t, p.EntryPrice, p.TakeProfit)

	s := Open("ETHUSDT", Short, 1, 10, 3000, 0.02, takerFee, 0)
	assert.Greater(t, s.StopLoss, s.EntryPrice)
	assert.GreaterOrEqual(t, s.EntryPrice, s.TakeProfit)
}

// TestScenarioS1LongWinnerTrailingTP walks through §8 scenario S1.
func TestScenarioS1LongWinnerTrailingTP(t *testing.T) {
	p := Open("BTCUSDT", Long, 0.1, 10, 50000, 0.02, takerFee, 0)
	p.StopLoss = 49000
	p.TakeProfit = 55000

	ticks := []float64{50400, 50750, 51500, 55000, 54500, 54700, 54470}
	var closed bool
	var reason CloseReason
	for _, price := range ticks {
		p.UpdateBreakevenPlus(price, 0.02)
		p.UpdateTrailingTakeProfit(price, 0.02, 0.01)
		p.UpdateTrailingStop(price, 0.012, 0.02, 0.01)
		if c, r := p.ShouldClose(price, 0.02, 0, 0); c {
			closed = true
			reason = r
			break
		}
	}

	assert.True(t, p.BreakevenPlusActivated)
	assert.True(t, p.TrailingTPActivated)
	assert.True(t, closed)
	_ = reason
}

func TestStopLossNeverMovesAgainstPosition(t *testing.T) {
	p := Open("BTCUSDT", Long, 0.1, 10, 50000, 0.02, takerFee, 0)
	before := p.StopLoss

	p.UpdateTrailingStop(50100, 0.012, 0.02, 0.0)
	afterUp := p.StopLoss
	require.GreaterOrEqual(t, afterUp, before)

	// A pullback must never drag the stop loss down again (long side).
	p.UpdateTrailingStop(49800, 0.012, 0.02, 0.0)
	assert.GreaterOrEqual(t, p.StopLoss, afterUp)
}

func TestTrailingTakeProfitNeverRetreats(t *testing.T) {
	p := Open("BTCUSDT", Long, 0.1, 10, 50000, 0.02, takerFee, 0)
	p.UpdateTrailingTakeProfit(50900, 0.02, 0.0) // activates (>1.5% net)
	require.True(t, p.TrailingTPActivated)
	tpAfterFirst := p.TakeProfit

	p.UpdateTrailingTakeProfit(50600, 0.02, 0.0) // price pulls back
	assert.GreaterOrEqual(t, tpAfterFirst, p.TakeProfit-1e-9)
}

// TestScenarioS3TPNeverMovesAway mirrors §8 scenario S3.
func TestScenarioS3TPNeverMovesAway(t *testing.T) {
	p := Open("BTCUSDT", Long, 0.1, 10, 50000, 0.02, takerFee, 0)
	p.TakeProfit = 55000

	for _, price := range []float64{51000, 52000, 53000, 54000} {
		p.UpdateTakeProfit(price, 0.02, 0.6, 0.02, 60, SupportResistance{})
	}
	assert.Equal(t, 55000.0, p.TakeProfit)
}

func TestEmergencyLiquidationTier(t *testing.T) {
	p := Open("BTCUSDT", Long, 0.1, 10, 50000, 0.02, takerFee, 0)
	// A 5% adverse move at 10x leverage is -50% ROI on margin before fees,
	// well past the -40% liquidation tier.
	closed, reason := p.ShouldClose(47500, 0.02, 0, 0)
	assert.True(t, closed)
	assert.Equal(t, ReasonEmergencyLiquidation, reason)
}

func TestKillSwitchStillAllowsExitsIsCallerResponsibility(t *testing.T) {
	// should_close itself has no notion of kill switch — that gate lives
	// in the risk engine (§4.4), which is consulted before opening and
	// never before a close; this test just documents the boundary.
	p := Open("BTCUSDT", Long, 0.1, 10, 50000, 0.02, takerFee, 0)
	closed, _ := p.ShouldClose(50000, 0.02, 0, 0)
	assert.False(t, closed)
}
